// Package eventstream publishes escalation lifecycle events to a
// per-provider, per-day Redis stream with a bounded TTL, and serves them
// back over Server-Sent Events so an operator dashboard can tail them
// live.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Kind enumerates the event kinds this service emits.
type Kind string

const (
	KindWaveSent         Kind = "wave_sent"
	KindSMSReplyReceived Kind = "sms_reply_received"
	KindOfferAccepted    Kind = "offer_accepted"
	KindCallPlaced       Kind = "call_placed"
	KindCallAnswered     Kind = "call_answered"
	KindCallOffered      Kind = "call_offered"
	KindCallDeclined     Kind = "call_declined"
	KindTransferStarted  Kind = "transfer_started"
	KindShiftFilled      Kind = "shift_filled"
	KindEpochInvalidated Kind = "epoch_invalidated"

	// Kinds emitted by the inbound call state machine, mid-call
	// transfer, and outbound call orchestrator (spec.md §4.8).
	KindCallStarted                Kind = "call_started"
	KindCallAuthenticated          Kind = "call_authenticated"
	KindAuthenticationFailed       Kind = "authentication_failed"
	KindIntentDetected             Kind = "intent_detected"
	KindShiftOpened                Kind = "shift_opened"
	KindStaffNotified              Kind = "staff_notified"
	KindTransferInitiated          Kind = "transfer_initiated"
	KindTransferCompleted          Kind = "transfer_completed"
	KindCallEnded                  Kind = "call_ended"
	KindOutboundCallScheduled      Kind = "outbound_call_scheduled"
	KindOutboundAllRoundsExhausted Kind = "outbound_all_rounds_exhausted"
)

// Event is one published occurrence-lifecycle fact.
type Event struct {
	Kind         Kind           `json:"kind"`
	ProviderID   string         `json:"provider_id"`
	OccurrenceID string         `json:"occurrence_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Publisher writes events to Redis streams.
type Publisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// New builds a Publisher. ttl is how long a day's stream survives
// (spec default: 25 hours, one hour past a full day's activity).
func New(client *redis.Client, ttl time.Duration, logger *logging.Logger) *Publisher {
	if ttl <= 0 {
		ttl = 25 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{client: client, ttl: ttl, logger: logger}
}

func streamKey(providerID string, at time.Time) string {
	return fmt.Sprintf("call-events:provider:%s:%s", providerID, at.UTC().Format("2006-01-02"))
}

// Publish is fire-and-forget: publication failures are logged, never
// returned, so a Redis blip never blocks the escalation path that
// triggered the event.
func (p *Publisher) Publish(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("eventstream: marshal event failed", "error", err, "kind", evt.Kind)
		return
	}

	key := streamKey(evt.ProviderID, evt.Timestamp)
	pipe := p.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"data": raw}})
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Error("eventstream: publish failed", "error", err, "kind", evt.Kind, "provider_id", evt.ProviderID)
	}
}

// Since returns every event for providerID at or after fromID ("0" for
// the full retained history), used to seed an SSE stream's backlog.
func (p *Publisher) Since(ctx context.Context, providerID string, at time.Time, fromID string) ([]Event, string, error) {
	if fromID == "" {
		fromID = "0"
	}
	entries, err := p.client.XRange(ctx, streamKey(providerID, at), fromID, "+").Result()
	if err != nil {
		return nil, fromID, fmt.Errorf("eventstream: read history: %w", err)
	}

	events := make([]Event, 0, len(entries))
	lastID := fromID
	for _, entry := range entries {
		raw, _ := entry.Values["data"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		events = append(events, evt)
		lastID = entry.ID
	}
	return events, lastID, nil
}
