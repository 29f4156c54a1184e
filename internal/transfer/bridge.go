// Package transfer implements the Mid-Call Transfer & Conference Bridge:
// hand-off of an authenticated inbound caller to a human operator,
// carrier-side. Adapted from the whatomate calling package's
// transfer/timeout/status bookkeeping — this service has no WebRTC
// media plane of its own, so the bridge only coordinates CallSession
// state and the carrier's native <Dial>; the operator's audio never
// passes through this process.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/internal/audio"
	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/carrier/twiml"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Status is the lifecycle of one transfer attempt.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusConnected Status = "connected"
	StatusNoAnswer  Status = "no_answer"
	StatusParked    Status = "parked"
)

const (
	ringTimeoutSeconds = 30
	parkedQueueKey     = "transfer:parked"
)

// Bridge hands an authenticated inbound call to a human operator and
// tracks the outcome.
type Bridge struct {
	carrier        *carrier.Client
	sessions       *callsession.Store
	pending        *audio.PendingCache
	events         *eventstream.Publisher
	redis          *redis.Client
	operatorNumber string
	publicBaseURL  string
	logger         *logging.Logger
}

// New builds a Bridge.
func New(carrierClient *carrier.Client, sessions *callsession.Store, pending *audio.PendingCache, events *eventstream.Publisher, redisClient *redis.Client, operatorNumber, publicBaseURL string, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		carrier:        carrierClient,
		sessions:       sessions,
		pending:        pending,
		events:         events,
		redis:          redisClient,
		operatorNumber: operatorNumber,
		publicBaseURL:  publicBaseURL,
		logger:         logger,
	}
}

// RequestTransfer stages sess as pending_transfer (synchronously, via
// the in-memory PendingCache, before the durable session write lands —
// see audio.PendingCache's doc comment) and redirects the live carrier
// call to a <Dial> of the operator number, preserving the caller's
// number as caller ID and routing the post-dial outcome to
// DialComplete.
func (b *Bridge) RequestTransfer(ctx context.Context, sess *callsession.Session, callerNumber string) error {
	b.pending.MarkPending(sess.CallSID)

	sess.PendingTransfer = true
	sess.Phase = callsession.PhaseTransfer
	if err := b.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("transfer: save pending session: %w", err)
	}

	b.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindTransferInitiated,
		ProviderID:   sess.ProviderID,
		OccurrenceID: sess.OccurrenceID,
		Payload:      map[string]any{"call_sid": sess.CallSID},
	})

	actionURL := b.publicBaseURL + "/webhooks/transfer/complete?call_sid=" + sess.CallSID
	redirectURL := b.publicBaseURL + "/webhooks/transfer/dial?call_sid=" + sess.CallSID + "&action_url=" + actionURL
	if err := b.carrier.UpdateCall(ctx, sess.CallSID, redirectURL); err != nil {
		return fmt.Errorf("transfer: update call for dial: %w", err)
	}
	return nil
}

// DialTwiML returns the <Dial> document the redirect above requests:
// 30-second ring timeout, caller ID preserved, routed to actionURL for
// the post-dial outcome.
func (b *Bridge) DialTwiML(actionURL, callerNumber string) string {
	return twiml.Dial(actionURL, b.operatorNumber, callerNumber, ringTimeoutSeconds)
}

// Complete records the post-dial outcome: "completed" means the
// operator answered and the call already ran its course over the
// carrier's native bridge, anything else means the operator never
// picked up and the caller is parked for a callback.
func (b *Bridge) Complete(ctx context.Context, sess *callsession.Session, dialCallStatus string) (Status, error) {
	defer b.pending.Clear(sess.CallSID)

	if dialCallStatus == "completed" || dialCallStatus == "answered" {
		b.events.Publish(ctx, eventstream.Event{
			Kind:         eventstream.KindTransferCompleted,
			ProviderID:   sess.ProviderID,
			OccurrenceID: sess.OccurrenceID,
			Payload:      map[string]any{"call_sid": sess.CallSID, "outcome": "connected"},
		})
		return StatusConnected, nil
	}

	if err := b.park(ctx, sess); err != nil {
		return StatusNoAnswer, err
	}
	b.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindTransferCompleted,
		ProviderID:   sess.ProviderID,
		OccurrenceID: sess.OccurrenceID,
		Payload:      map[string]any{"call_sid": sess.CallSID, "outcome": "parked", "dial_status": dialCallStatus},
	})
	return StatusParked, nil
}

// park persists a queue record so an operator can call the staff
// member back. The caller is still on the line when this webhook fires,
// but Webhooks.Complete answers it with a goodbye message and a hang-up;
// no hold audio is played, so "parked" here means "awaiting callback",
// not "on hold".
func (b *Bridge) park(ctx context.Context, sess *callsession.Session) error {
	if b.redis == nil {
		return nil
	}
	record := fmt.Sprintf("%s|%s|%s", sess.CallSID, sess.StaffID, time.Now().UTC().Format(time.RFC3339))
	if err := b.redis.LPush(ctx, parkedQueueKey, record).Err(); err != nil {
		return fmt.Errorf("transfer: park record: %w", err)
	}
	return nil
}
