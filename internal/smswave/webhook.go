package smswave

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/carrier/twiml"
	"github.com/wolfman30/shiftcascade/internal/compliance"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/idempotency"
)

const idempotencyProvider = "carrier-inbound-sms"

// Reply classifies an inbound SMS body.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyAccept
	ReplyDecline
)

var (
	acceptPattern  = regexp.MustCompile(`(?i)^\s*(yes|y|accept|confirm)\b`)
	declinePattern = regexp.MustCompile(`(?i)^\s*(no|n|decline|pass)\b`)
)

// Classify turns a raw SMS body into ReplyAccept/ReplyDecline/ReplyUnknown.
func Classify(body string) Reply {
	trimmed := strings.TrimSpace(body)
	switch {
	case acceptPattern.MatchString(trimmed):
		return ReplyAccept
	case declinePattern.MatchString(trimmed):
		return ReplyDecline
	default:
		return ReplyUnknown
	}
}

const (
	helpReplyWindow = 24 * time.Hour
	helpReplyText   = "Reply YES to accept a shift or NO to decline. For anything else, call your coordinator."
)

// InboundHandler serves the carrier's inbound SMS webhook: verifies the
// signature, classifies the reply, correlates it to the occurrence the
// sender was most recently texted about, and attempts acceptance.
type InboundHandler struct {
	worker       *Worker
	redis        *redis.Client
	carrierToken string
	publicURL    string
	idemp        *idempotency.Store
}

// NewInboundHandler builds an InboundHandler. idemp may be nil in tests
// that never exercise carrier retry de-duplication.
func NewInboundHandler(worker *Worker, redisClient *redis.Client, carrierToken, publicURL string, idemp *idempotency.Store) *InboundHandler {
	return &InboundHandler{worker: worker, redis: redisClient, carrierToken: carrierToken, publicURL: publicURL, idemp: idemp}
}

// correlationKey tracks, per staff phone number, the most recent
// occurrence a wave text was sent about, so a bare "YES" reply can be
// resolved without asking the sender to repeat an occurrence ID. Waves
// set this key when they text a number (see RecordOutreach); it is the
// documented resolution of the spec's open question on inbound-SMS
// correlation.
func correlationKey(phone string) string {
	return "smswave:last-outreach:" + phone
}

func helpGateKey(phone string) string {
	return "smswave:help-sent:" + phone
}

// RecordOutreach should be called by the wave worker immediately after a
// successful send, so a reply can be correlated back to the occurrence.
func RecordOutreach(ctx context.Context, redisClient *redis.Client, phone, occurrenceID string) error {
	return redisClient.Set(ctx, correlationKey(phone), occurrenceID, helpReplyWindow).Err()
}

func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !carrier.VerifySignature(r, h.carrierToken, h.publicURL) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	messageSID := r.PostForm.Get("MessageSid")

	ctx := r.Context()

	if h.idemp != nil && messageSID != "" {
		marked, err := h.idemp.MarkProcessed(ctx, idempotencyProvider, messageSID)
		if err != nil {
			h.worker.logger.Warn("smswave: idempotency check failed", "error", err, "message_sid", messageSID)
		} else if !marked {
			h.writeEmpty(w)
			return
		}
	}

	number, err := compliance.NormalizeE164(from)
	if err != nil {
		h.writeEmpty(w)
		return
	}

	reply := Classify(body)
	if reply == ReplyUnknown {
		h.maybeSendHelp(ctx, number)
		h.writeEmpty(w)
		return
	}

	occurrenceID, err := h.redis.Get(ctx, correlationKey(number)).Result()
	if err != nil || occurrenceID == "" {
		h.writeEmpty(w)
		return
	}

	staffID, err := h.redis.Get(ctx, "smswave:staff-by-phone:"+number).Result()
	if err != nil || staffID == "" {
		h.writeEmpty(w)
		return
	}

	if reply == ReplyAccept {
		accepted, err := h.worker.controller.TryAccept(ctx, occurrenceID, staffID)
		if err == nil && !accepted {
			h.worker.events.Publish(ctx, eventstream.Event{
				Kind:         eventstream.KindSMSReplyReceived,
				OccurrenceID: occurrenceID,
				Payload:      map[string]any{"outcome": "lost_race", "staff_id": staffID},
			})
		}
	}

	h.writeEmpty(w)
}

func (h *InboundHandler) maybeSendHelp(ctx context.Context, number string) {
	set, err := h.redis.SetNX(ctx, helpGateKey(number), "1", helpReplyWindow).Result()
	if err != nil || !set {
		return
	}
	_, _ = h.worker.carrier.SendSMS(ctx, number, helpReplyText)
}

func (h *InboundHandler) writeEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(twiml.Empty()))
}
