// Package callsession is the Redis-backed store for in-progress voice
// calls: IVR phase, authenticated staff, selected occurrence, and the
// transfer bookkeeping the audio pipeline needs across call legs.
package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callsession:"

const defaultTTL = 2 * time.Hour

// Phase is the inbound IVR's current step for a call.
type Phase string

const (
	PhasePINAuth           Phase = "pin_auth"
	PhaseProviderSelection Phase = "provider_selection"
	PhaseCollectJobCode    Phase = "collect_job_code"
	PhaseConfirmJobCode    Phase = "confirm_job_code"
	PhaseJobOptions        Phase = "job_options"
	PhaseCollectReason     Phase = "collect_reason"
	PhaseConfirmLeaveOpen  Phase = "confirm_leave_open"
	PhaseCollectDay        Phase = "collect_day"
	PhaseCollectMonth      Phase = "collect_month"
	PhaseCollectTime       Phase = "collect_time"
	PhaseConfirmDateTime   Phase = "confirm_datetime"
	PhaseTransfer          Phase = "transfer"
)

// Session is the durable state of one in-progress (or recently ended)
// voice call.
type Session struct {
	CallSID         string    `json:"call_sid"`
	RootCallSID     string    `json:"root_call_sid"`
	Phase           Phase     `json:"phase"`
	Attempts        int       `json:"attempts"`
	StaffID         string    `json:"staff_id"`
	ProviderID      string    `json:"provider_id"`
	ProviderOptions []string  `json:"provider_options,omitempty"`
	OccurrenceID    string    `json:"occurrence_id"`
	JobCode         string    `json:"job_code"`
	LeaveReason     string    `json:"leave_reason"`
	PendingTransfer bool      `json:"pending_transfer"`
	// Scratch holds transient per-phase input — the job code pending
	// confirmation, the day/month/time digits collected toward a
	// reschedule — cleared whenever a phase commits or is abandoned.
	Scratch   map[string]string `json:"scratch,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the Redis-backed Session repository.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Store.
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func key(callSID string) string {
	return keyPrefix + callSID
}

// Create starts a new session for an inbound call, rooted at itself
// unless it is a transfer leg, in which case rootCallSID should be the
// original call's SID so audio can be appended across the hand-off.
func (s *Store) Create(ctx context.Context, callSID, rootCallSID string) (*Session, error) {
	if rootCallSID == "" {
		rootCallSID = callSID
	}
	now := time.Now()
	sess := &Session{
		CallSID:     callSID,
		RootCallSID: rootCallSID,
		Phase:       PhasePINAuth,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session by call SID.
func (s *Store) Get(ctx context.Context, callSID string) (*Session, error) {
	raw, err := s.client.Get(ctx, key(callSID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("callsession: %s: %w", callSID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("callsession: get %s: %w", callSID, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("callsession: decode %s: %w", callSID, err)
	}
	return &sess, nil
}

// Save persists the session, bumping UpdatedAt and resetting its TTL.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	return s.save(ctx, sess)
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("callsession: encode %s: %w", sess.CallSID, err)
	}
	if err := s.client.Set(ctx, key(sess.CallSID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("callsession: save %s: %w", sess.CallSID, err)
	}
	return nil
}

// End removes the session once the call is fully torn down (both legs
// finished).
func (s *Store) End(ctx context.Context, callSID string) error {
	if err := s.client.Del(ctx, key(callSID)).Err(); err != nil {
		return fmt.Errorf("callsession: end %s: %w", callSID, err)
	}
	return nil
}
