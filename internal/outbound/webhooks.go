package outbound

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/carrier/twiml"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/idempotency"
	"github.com/wolfman30/shiftcascade/internal/records"
)

const idempotencyProvider = "carrier-outbound-status"

// Webhooks serves the three HTTP callbacks an originated offer call
// drives: answer (initial gather), response (the caller's digit), and
// status (terminal carrier call status).
type Webhooks struct {
	worker       *Worker
	carrierToken string
	idemp        *idempotency.Store
}

// NewWebhooks builds a Webhooks. idemp may be nil in tests that never
// exercise carrier retry de-duplication.
func NewWebhooks(worker *Worker, carrierToken string, idemp *idempotency.Store) *Webhooks {
	return &Webhooks{worker: worker, carrierToken: carrierToken, idemp: idemp}
}

func (h *Webhooks) verify(r *http.Request) bool {
	return carrier.VerifySignature(r, h.carrierToken, requestURL(r, h.worker.publicBaseURL))
}

// requestURL reconstructs the exact URL the carrier signed, including
// the query string the orchestrator embedded (occurrenceId, employeeId,
// round) — unlike the inbound SMS webhook, this one can't use a fixed
// publicURL because every offer call's callback URL is distinct.
func requestURL(r *http.Request, baseURL string) string {
	return baseURL + r.URL.RequestURI()
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(body))
}

// Answer serves the outbound answer webhook (spec.md §6): a single-digit
// gather, speaking the pre-rendered, personalised offer prompt.
func (h *Webhooks) Answer(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	occurrenceID := r.URL.Query().Get("occurrenceId")
	staffID := r.URL.Query().Get("employeeId")
	round, _ := strconv.Atoi(r.URL.Query().Get("round"))
	callSID := r.PostForm.Get("CallSid")

	prompt, getErr := h.worker.redis.Get(ctx, callPromptKey(callSID)).Result()
	if getErr != nil || prompt == "" {
		prompt = h.worker.fallbackRenderPrompt(ctx, occurrenceID, staffID)
	}

	h.worker.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindCallAnswered,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID, "round": round, "call_sid": callSID},
	})

	actionURL := h.worker.callbackURL("/webhooks/outbound/response", occurrenceID, staffID, round)
	writeXML(w, twiml.GatherDigits(actionURL, 1, gatherTimeoutSeconds, "", prompt))
}

// Response serves the outbound response webhook: dispatches the
// caller's DTMF digit per spec.md §4.4's callback table.
func (h *Webhooks) Response(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	occurrenceID := r.URL.Query().Get("occurrenceId")
	staffID := r.URL.Query().Get("employeeId")
	round, _ := strconv.Atoi(r.URL.Query().Get("round"))
	callSID := r.PostForm.Get("CallSid")
	digits := r.PostForm.Get("Digits")

	switch digits {
	case "1":
		h.handleAccept(ctx, w, occurrenceID, staffID, callSID)
	case "2":
		h.handleDecline(ctx, w, occurrenceID, staffID, round, callSID)
	default:
		h.handleInvalidDigit(ctx, w, occurrenceID, staffID, round, callSID)
	}
}

func (h *Webhooks) handleAccept(ctx context.Context, w http.ResponseWriter, occurrenceID, staffID, callSID string) {
	accepted, err := h.worker.controller.TryAccept(ctx, occurrenceID, staffID)
	if err != nil {
		writeXML(w, twiml.SayAndHangup("Sorry, something went wrong. Please try again later."))
		return
	}
	h.logOutcome(ctx, callSID, occurrenceID, staffID, 0, records.OutcomeAccepted, "1")
	if !accepted {
		writeXML(w, twiml.SayAndHangup("Sorry, this shift has already been taken."))
		return
	}
	h.worker.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindOfferAccepted,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID, "call_sid": callSID},
	})
	writeXML(w, twiml.SayAndHangup("Thanks, you're confirmed for this shift. Goodbye."))
}

func (h *Webhooks) handleDecline(ctx context.Context, w http.ResponseWriter, occurrenceID, staffID string, round int, callSID string) {
	h.logOutcome(ctx, callSID, occurrenceID, staffID, round, records.OutcomeDeclined, "2")
	h.worker.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindCallDeclined,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID, "round": round, "call_sid": callSID},
	})
	h.advance(ctx, occurrenceID, round, nextStaffIdxFromPool(ctx, h.worker, occurrenceID, staffID)+1)
	writeXML(w, twiml.SayAndHangup("No problem, thanks for letting us know. Goodbye."))
}

// handleInvalidDigit re-prompts once for an unrecognised digit or empty
// input (Gather timeout); a second failure is treated as no-answer.
func (h *Webhooks) handleInvalidDigit(ctx context.Context, w http.ResponseWriter, occurrenceID, staffID string, round int, callSID string) {
	if hasRetried(ctx, h.worker.redis, callSID) {
		h.logOutcome(ctx, callSID, occurrenceID, staffID, round, records.OutcomeNoAnswer, "")
		h.advance(ctx, occurrenceID, round, nextStaffIdxFromPool(ctx, h.worker, occurrenceID, staffID)+1)
		writeXML(w, twiml.SayAndHangup("We didn't get a valid response. Goodbye."))
		return
	}
	if err := markRetried(ctx, h.worker.redis, callSID); err != nil {
		h.worker.logger.Warn("outbound: mark retried failed", "error", err, "call_sid", callSID)
	}
	prompt, getErr := h.worker.redis.Get(ctx, callPromptKey(callSID)).Result()
	if getErr != nil || prompt == "" {
		prompt = h.worker.fallbackRenderPrompt(ctx, occurrenceID, staffID)
	}
	actionURL := h.worker.callbackURL("/webhooks/outbound/response", occurrenceID, staffID, round)
	writeXML(w, twiml.GatherDigits(actionURL, 1, gatherTimeoutSeconds, "", "Sorry, I didn't catch that. "+prompt))
}

// Status serves the outbound status webhook: terminal carrier call
// statuses that never reached the response webhook (no answer, busy,
// canceled, failed).
func (h *Webhooks) Status(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	occurrenceID := r.URL.Query().Get("occurrenceId")
	staffID := r.URL.Query().Get("employeeId")
	round, _ := strconv.Atoi(r.URL.Query().Get("round"))
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")

	if h.idemp != nil {
		messageID := callSID + ":" + status
		marked, err := h.idemp.MarkProcessed(ctx, idempotencyProvider, messageID)
		if err != nil {
			h.worker.logger.Warn("outbound: idempotency check failed", "error", err, "call_sid", callSID)
		} else if !marked {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	switch status {
	case "completed":
		// The response webhook already logged and advanced the cascade
		// for a completed call; nothing further to do here.
	case "no-answer", "canceled":
		h.logOutcome(ctx, callSID, occurrenceID, staffID, round, records.OutcomeNoAnswer, "")
		h.advance(ctx, occurrenceID, round, nextStaffIdxFromPool(ctx, h.worker, occurrenceID, staffID)+1)
	case "busy":
		h.logOutcome(ctx, callSID, occurrenceID, staffID, round, records.OutcomeBusy, "")
		h.advance(ctx, occurrenceID, round, nextStaffIdxFromPool(ctx, h.worker, occurrenceID, staffID)+1)
	case "failed":
		h.logOutcome(ctx, callSID, occurrenceID, staffID, round, records.OutcomeFailed, "")
		h.advance(ctx, occurrenceID, round, nextStaffIdxFromPool(ctx, h.worker, occurrenceID, staffID)+1)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Webhooks) logOutcome(ctx context.Context, callSID, occurrenceID, staffID string, round int, outcome records.Outcome, dtmf string) {
	if callSID == "" {
		return
	}
	entry := records.CallLogEntry{
		CallSID:      callSID,
		OccurrenceID: occurrenceID,
		StaffID:      staffID,
		Purpose:      records.PurposeOutboundOffer,
		Round:        round,
		Outcome:      outcome,
		EndedAt:      time.Now(),
		DTMF:         dtmf,
	}
	if err := h.worker.facade.CallLogs.Append(ctx, entry); err != nil {
		h.worker.logger.Error("outbound: call log append failed", "error", err, "call_sid", callSID)
	}
}

// advance enqueues the next OutboundOffer step, stamped with the
// occurrence's current epoch.
func (h *Webhooks) advance(ctx context.Context, occurrenceID string, round, staffIdx int) {
	occ, err := h.worker.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		h.worker.logger.Error("outbound: get occurrence for advance failed", "error", err, "occurrence_id", occurrenceID)
		return
	}
	provider, err := h.worker.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	maxAttempts := 5
	if err == nil && provider.MaxAttempts > 0 {
		maxAttempts = provider.MaxAttempts
	}
	if err := h.worker.enqueueNext(ctx, occ, round, staffIdx, maxAttempts); err != nil {
		h.worker.logger.Error("outbound: advance cascade failed", "error", err, "occurrence_id", occurrenceID)
	}
}

// nextStaffIdxFromPool resolves staffID's index within the occurrence's
// pool so the cascade advances from the right position even though the
// webhook only carries occurrenceId/employeeId/round, not staff_idx.
func nextStaffIdxFromPool(ctx context.Context, w *Worker, occurrenceID, staffID string) int {
	occ, err := w.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return 0
	}
	for i, id := range occ.Pool {
		if id == staffID {
			return i
		}
	}
	return 0
}

// fallbackRenderPrompt re-renders the offer prompt when the per-call
// cache pointer has expired or was never set, keeping the answer
// webhook idempotent under carrier retries.
func (w *Worker) fallbackRenderPrompt(ctx context.Context, occurrenceID, staffID string) string {
	occ, err := w.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return "Press 1 to accept this shift, or 2 to decline."
	}
	staff, err := w.facade.Staff.GetStaff(ctx, staffID)
	if err != nil {
		return "Press 1 to accept this shift, or 2 to decline."
	}
	return renderOfferPrompt(occ, staff)
}
