package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shiftcascade/internal/audio"
	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
)

func newTestBridge(t *testing.T, carrierHandler http.HandlerFunc) (*Bridge, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var ts *httptest.Server
	if carrierHandler != nil {
		ts = httptest.NewServer(carrierHandler)
		t.Cleanup(ts.Close)
	} else {
		ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"sid":"CAops1"}`))
		}))
		t.Cleanup(ts.Close)
	}

	carrierClient, err := carrier.New(carrier.Config{BaseURL: ts.URL, AuthToken: "token", FromNumber: "+15550000000"})
	require.NoError(t, err)

	sessions := callsession.New(redisClient, time.Hour)
	events := eventstream.New(redisClient, time.Hour, nil)
	pending := audio.NewPendingCache()

	bridge := New(carrierClient, sessions, pending, events, redisClient, "+15551234567", "https://example.com", nil)
	return bridge, redisClient
}

func TestRequestTransfer_MarksPendingAndRedirectsCall(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newTestBridge(t, nil)

	sess := &callsession.Session{CallSID: "CAcall1", OccurrenceID: "occ-1", ProviderID: "prov-1"}

	err := bridge.RequestTransfer(ctx, sess, "+15559998888")
	require.NoError(t, err)

	require.True(t, bridge.pending.IsPending("CAcall1"))
	require.True(t, sess.PendingTransfer)
	require.Equal(t, callsession.PhaseTransfer, sess.Phase)
}

func TestComplete_ConnectedClearsPending(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newTestBridge(t, nil)
	sess := &callsession.Session{CallSID: "CAcall2", OccurrenceID: "occ-2"}
	bridge.pending.MarkPending("CAcall2")

	status, err := bridge.Complete(ctx, sess, "completed")
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)
	require.False(t, bridge.pending.IsPending("CAcall2"))
}

func TestComplete_NoAnswerParksForCallback(t *testing.T) {
	ctx := context.Background()
	bridge, redisClient := newTestBridge(t, nil)
	sess := &callsession.Session{CallSID: "CAcall3", OccurrenceID: "occ-3", StaffID: "staff-1"}
	bridge.pending.MarkPending("CAcall3")

	status, err := bridge.Complete(ctx, sess, "no-answer")
	require.NoError(t, err)
	require.Equal(t, StatusParked, status)
	require.False(t, bridge.pending.IsPending("CAcall3"))

	queued, err := redisClient.LRange(ctx, parkedQueueKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Contains(t, queued[0], "CAcall3")
}

func TestDialTwiML_ContainsOperatorNumberAndCallerID(t *testing.T) {
	bridge, _ := newTestBridge(t, nil)
	doc := bridge.DialTwiML("https://example.com/webhooks/transfer/complete", "+15559998888")
	require.Contains(t, doc, "+15551234567")
	require.Contains(t, doc, "+15559998888")
	require.Contains(t, doc, "https://example.com/webhooks/transfer/complete")
}
