package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/records"
)

// fakeDynamo is an in-memory stand-in for the DynamoDB client, giving
// escalation tests a real jobqueue.Ledger/Scheduler to exercise against.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.Item["jobId"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil {
		if _, exists := m.items[id]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.Key["jobId"].(*types.AttributeValueMemberS).Value
	item, exists := m.items[id]
	if in.ConditionExpression != nil && !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if status, ok := in.ExpressionAttributeValues[":status"]; ok {
		item["status"] = status
	}
	m.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

func (m *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.Key["jobId"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[id]}, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Send(context.Context, string, jobqueue.Job) error { return nil }

// fakeOccurrenceStore is an in-memory OccurrenceStore with the same
// optimistic-concurrency semantics the HTTP-backed client exposes.
type fakeOccurrenceStore struct {
	mu   sync.Mutex
	data map[string]*records.Occurrence
}

func newFakeOccurrenceStore(occs ...*records.Occurrence) *fakeOccurrenceStore {
	s := &fakeOccurrenceStore{data: map[string]*records.Occurrence{}}
	for _, o := range occs {
		cp := *o
		s.data[o.ID] = &cp
	}
	return s
}

func (s *fakeOccurrenceStore) Get(_ context.Context, id string) (*records.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.data[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *occ
	return &cp, nil
}

func (s *fakeOccurrenceStore) TryAssign(_ context.Context, id, staffID, expectedVersion string) (bool, *records.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	if occ.Version != expectedVersion {
		cp := *occ
		return false, &cp, nil
	}
	occ.AssignedStaffID = staffID
	occ.Status = records.StatusFilled
	occ.Version = nextVersion(occ.Version)
	cp := *occ
	return true, &cp, nil
}

func (s *fakeOccurrenceStore) AdvanceStatus(_ context.Context, id string, from, to records.Status, expectedVersion string) (bool, *records.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	if occ.Version != expectedVersion || occ.Status != from {
		cp := *occ
		return false, &cp, nil
	}
	occ.Status = to
	occ.Version = nextVersion(occ.Version)
	cp := *occ
	return true, &cp, nil
}

func (s *fakeOccurrenceStore) BumpEpoch(_ context.Context, id, expectedVersion string) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	occ.EscalationEpoch++
	occ.Version = nextVersion(occ.Version)
	return occ.EscalationEpoch, occ.Version, nil
}

func (s *fakeOccurrenceStore) SetWaveProgress(_ context.Context, id string, wave int, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	occ.CurrentWave = wave
	occ.Version = nextVersion(occ.Version)
	return occ.Version, nil
}

func (s *fakeOccurrenceStore) SetOutboundProgress(_ context.Context, id string, round, idx int, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	occ.OutboundRound = round
	occ.OutboundStaffIdx = idx
	occ.Version = nextVersion(occ.Version)
	return occ.Version, nil
}

func (s *fakeOccurrenceStore) FindByJobCode(_ context.Context, _, _, _ string) (*records.Occurrence, error) {
	return nil, records.ErrNotFound
}

func (s *fakeOccurrenceStore) ReleaseForReplacement(_ context.Context, id, _, expectedVersion string) (*records.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	if occ.Version != expectedVersion {
		return nil, records.ErrVersionConflict
	}
	occ.Status = records.StatusOpen
	occ.AssignedStaffID = ""
	occ.Version = nextVersion(occ.Version)
	cp := *occ
	return &cp, nil
}

func (s *fakeOccurrenceStore) Reschedule(_ context.Context, id string, newStart, newEnd time.Time, expectedVersion string) (*records.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := s.data[id]
	if occ.Version != expectedVersion {
		return nil, records.ErrVersionConflict
	}
	occ.StartTime = newStart
	occ.EndTime = newEnd
	occ.Version = nextVersion(occ.Version)
	cp := *occ
	return &cp, nil
}

func nextVersion(v string) string { return v + "x" }

type fakeStaffDirectory struct{ staff []records.Staff }

func (f fakeStaffDirectory) GetStaff(_ context.Context, id string) (*records.Staff, error) {
	for _, s := range f.staff {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, records.ErrNotFound
}

func (f fakeStaffDirectory) EligibleForOccurrence(_ context.Context, _ string) ([]records.Staff, error) {
	return f.staff, nil
}

func (f fakeStaffDirectory) ResolveByPIN(_ context.Context, pin string) (*records.Staff, []string, error) {
	return nil, nil, records.ErrNotFound
}

type fakeProviderConfigStore struct{ cfg records.ProviderConfig }

func (f fakeProviderConfigStore) GetProviderConfig(_ context.Context, _ string) (*records.ProviderConfig, error) {
	cp := f.cfg
	return &cp, nil
}

type fakeCallLogWriter struct{}

func (fakeCallLogWriter) Append(context.Context, records.CallLogEntry) error { return nil }

func newTestController(t *testing.T, occs ...*records.Occurrence) (*Controller, *fakeOccurrenceStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger, err := jobqueue.NewLedger(newFakeDynamo(), "jobs", time.Hour, nil)
	require.NoError(t, err)
	scheduler := jobqueue.NewScheduler(redisClient, ledger, noopDispatcher{}, nil)
	pub := eventstream.New(redisClient, time.Hour, nil)

	occStore := newFakeOccurrenceStore(occs...)
	facade := &records.Facade{
		Occurrences: occStore,
		Staff: fakeStaffDirectory{staff: []records.Staff{
			{ID: "staff-1", Active: true},
			{ID: "staff-2", Active: true},
		}},
		Providers: fakeProviderConfigStore{cfg: records.ProviderConfig{
			WaveIntervalMinutes: 10, MaxWaveIntervalMinutes: 30, MaxAttempts: 5, Rounds: 2,
		}},
		CallLogs: fakeCallLogWriter{},
	}

	return New(facade, scheduler, pub, nil), occStore
}

func baseOccurrence(status records.Status) *records.Occurrence {
	return &records.Occurrence{
		ID:         "occ-1",
		ProviderID: "prov-1",
		Status:     status,
		StartTime:  time.Now().Add(2 * time.Hour),
		Version:    "v1",
	}
}

func TestStartEscalation_TransitionsAndSchedulesWave1(t *testing.T) {
	ctrl, store := newTestController(t, baseOccurrence(records.StatusOpen))
	require.NoError(t, ctrl.StartEscalation(context.Background(), "occ-1"))

	occ, err := store.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	require.Equal(t, records.StatusEscalating, occ.Status)
}

func TestStartEscalation_AlreadyEscalatingIsRejected(t *testing.T) {
	ctrl, _ := newTestController(t, baseOccurrence(records.StatusEscalating))
	err := ctrl.StartEscalation(context.Background(), "occ-1")
	require.ErrorIs(t, err, ErrOccurrenceClosed)
}

func TestTryAccept_Succeeds(t *testing.T) {
	ctrl, store := newTestController(t, baseOccurrence(records.StatusEscalating))
	accepted, err := ctrl.TryAccept(context.Background(), "occ-1", "staff-1")
	require.NoError(t, err)
	require.True(t, accepted)

	occ, err := store.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	require.Equal(t, "staff-1", occ.AssignedStaffID)
	require.Equal(t, records.StatusFilled, occ.Status)
}

func TestTryAccept_IneligibleStaffRejected(t *testing.T) {
	ctrl, _ := newTestController(t, baseOccurrence(records.StatusEscalating))
	_, err := ctrl.TryAccept(context.Background(), "occ-1", "unknown-staff")
	require.ErrorIs(t, err, ErrIneligibleStaff)
}

func TestTryAccept_ClosedOccurrenceRejected(t *testing.T) {
	ctrl, _ := newTestController(t, baseOccurrence(records.StatusFilled))
	_, err := ctrl.TryAccept(context.Background(), "occ-1", "staff-1")
	require.ErrorIs(t, err, ErrOccurrenceClosed)
}

func TestTryAccept_ConcurrentCallersOnlyOneWins(t *testing.T) {
	ctrl, _ := newTestController(t, baseOccurrence(records.StatusEscalating))

	var wg sync.WaitGroup
	results := make([]bool, 2)
	staffIDs := []string{"staff-1", "staff-2"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted, err := ctrl.TryAccept(context.Background(), "occ-1", staffIDs[i])
			require.NoError(t, err)
			results[i] = accepted
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestOnWaveComplete_AdvancesToNextWave(t *testing.T) {
	ctrl, store := newTestController(t, baseOccurrence(records.StatusEscalating))
	require.NoError(t, ctrl.OnWaveComplete(context.Background(), "occ-1", 1))

	occ, err := store.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	require.Equal(t, 2, occ.CurrentWave)
}

func TestOnWaveComplete_Wave3StartsOutboundCascade(t *testing.T) {
	ctrl, _ := newTestController(t, baseOccurrence(records.StatusEscalating))
	require.NoError(t, ctrl.OnWaveComplete(context.Background(), "occ-1", 3))
}

func TestCancelEscalation_BumpsEpochAndCloses(t *testing.T) {
	ctrl, store := newTestController(t, baseOccurrence(records.StatusEscalating))
	require.NoError(t, ctrl.CancelEscalation(context.Background(), "occ-1"))

	occ, err := store.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	require.Equal(t, records.StatusClosed, occ.Status)
	require.Equal(t, 1, occ.EscalationEpoch)
}

func TestCheckEpoch(t *testing.T) {
	occ := baseOccurrence(records.StatusEscalating)
	occ.EscalationEpoch = 3
	ctrl, _ := newTestController(t, occ)

	ok, err := ctrl.CheckEpoch(context.Background(), "occ-1", 3)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ctrl.CheckEpoch(context.Background(), "occ-1", 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaveDelta_ClampsToBounds(t *testing.T) {
	provider := &records.ProviderConfig{MaxWaveIntervalMinutes: 15, MinWaveIntervalMinutes: 5}
	occ := &records.Occurrence{StartTime: time.Now().Add(200 * time.Minute)}
	delta := waveDelta(provider, occ)
	require.LessOrEqual(t, delta, 15*time.Minute)
	require.GreaterOrEqual(t, delta, 5*time.Minute)
}

func TestWaveDelta_NeverBelowOneMinute(t *testing.T) {
	provider := &records.ProviderConfig{}
	occ := &records.Occurrence{StartTime: time.Now().Add(time.Second)}
	delta := waveDelta(provider, occ)
	require.GreaterOrEqual(t, delta, time.Minute)
}
