// Package outbound implements the Outbound Call Orchestrator: the
// round-robin telephony cascade that interactively offers a shift to
// every staff member in an occurrence's pool, round after round, once
// all three SMS waves have gone unanswered.
package outbound

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/compliance"
	"github.com/wolfman30/shiftcascade/internal/escalation"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/internal/templates"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// DefaultOfferTemplate is the template every outbound offer prompt is
// rendered from; there is no per-provider override.
const DefaultOfferTemplate = "Hi {{employeeName}}, {{patientName}} needs cover {{date}} {{startTime}} to {{endTime}} in {{suburb}}. Press 1 to accept, or 2 to decline."

const (
	gatherTimeoutSeconds = 15
	defaultVoice         = "alice"
	offerTemplateID      = "offer-v1"
)

// Worker handles the "outbound-calls" queue: OutboundOffer(round,
// staff_idx) jobs that drive the round-robin cascade, and builds the
// TwiML the answer/response webhooks serve for each offer call.
type Worker struct {
	facade        *records.Facade
	controller    *escalation.Controller
	scheduler     *jobqueue.Scheduler
	carrier       *carrier.Client
	events        *eventstream.Publisher
	prompts       *PromptCache
	redis         *redis.Client
	publicBaseURL string
	logger        *logging.Logger
}

// New builds a Worker.
func New(facade *records.Facade, controller *escalation.Controller, scheduler *jobqueue.Scheduler, carrierClient *carrier.Client, events *eventstream.Publisher, prompts *PromptCache, redisClient *redis.Client, publicBaseURL string, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		facade:        facade,
		controller:    controller,
		scheduler:     scheduler,
		carrier:       carrierClient,
		events:        events,
		prompts:       prompts,
		redis:         redisClient,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
}

// Handle is a jobqueue.Handler for the "outbound-calls" queue,
// implementing the OutboundOffer(round, staff_idx) handler of spec.md
// §4.4.
func (w *Worker) Handle(ctx context.Context, job jobqueue.Job) error {
	occurrenceID, _ := job.Payload["occurrence_id"].(string)
	round := intPayload(job.Payload, "round")
	staffIdx := intPayload(job.Payload, "staff_idx")
	if occurrenceID == "" || round == 0 {
		return fmt.Errorf("outbound: malformed job payload: %+v", job.Payload)
	}

	live, err := w.controller.CheckEpoch(ctx, occurrenceID, job.EscalationEpoch)
	if err != nil {
		return fmt.Errorf("outbound: check epoch: %w", err)
	}
	if !live {
		w.logger.Info("outbound: dropping stale-epoch offer, cascade already resolved elsewhere", "occurrence_id", occurrenceID, "job_epoch", job.EscalationEpoch)
		return nil
	}

	occ, err := w.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("outbound: get occurrence: %w", err)
	}
	if occ.Status != records.StatusEscalating && occ.Status != records.StatusCalling {
		return nil
	}

	provider, err := w.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("outbound: get provider config: %w", err)
	}
	maxRounds := provider.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}
	maxAttempts := provider.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	if occ.Status == records.StatusEscalating {
		ok, current, advErr := w.facade.Occurrences.AdvanceStatus(ctx, occurrenceID, records.StatusEscalating, records.StatusCalling, occ.Version)
		if advErr != nil {
			return fmt.Errorf("outbound: advance to calling: %w", advErr)
		}
		if ok {
			occ = current
		}
	}

	if staffIdx >= len(occ.Pool) {
		round++
		staffIdx = 0
	}
	if round > maxRounds {
		if _, _, advErr := w.facade.Occurrences.AdvanceStatus(ctx, occurrenceID, records.StatusCalling, records.StatusUnfilledAfterCalls, occ.Version); advErr != nil {
			w.logger.Error("outbound: advance to unfilled_after_calls failed", "error", advErr, "occurrence_id", occurrenceID)
		}
		w.events.Publish(ctx, eventstream.Event{
			Kind:         eventstream.KindOutboundAllRoundsExhausted,
			ProviderID:   occ.ProviderID,
			OccurrenceID: occurrenceID,
		})
		return nil
	}

	staffID := occ.Pool[staffIdx]
	staff, err := w.facade.Staff.GetStaff(ctx, staffID)
	if err != nil {
		w.logger.Warn("outbound: resolve staff failed, skipping", "error", err, "staff_id", staffID)
		return w.enqueueNext(ctx, occ, round, staffIdx+1, maxAttempts)
	}
	number, ok := compliance.ValidForRegion(staff.Phone, provider.CountryPrefixes)
	if !ok {
		w.logger.Warn("outbound: skipping staff with invalid or out-of-region phone", "staff_id", staffID)
		return w.enqueueNext(ctx, occ, round, staffIdx+1, maxAttempts)
	}

	prompt := renderOfferPrompt(occ, staff)
	if _, cached := w.prompts.Get(ctx, offerTemplateID, prompt, defaultVoice); !cached {
		w.prompts.Put(ctx, offerTemplateID, prompt, defaultVoice)
	}

	answerURL := w.callbackURL("/webhooks/outbound/answer", occurrenceID, staffID, round)
	statusURL := w.callbackURL("/webhooks/outbound/status", occurrenceID, staffID, round)

	result, err := w.carrier.OriginateCall(ctx, number, answerURL, statusURL)
	if err != nil {
		w.logger.Error("outbound: originate call failed", "error", err, "staff_id", staffID)
		return fmt.Errorf("outbound: originate call: %w", err)
	}

	// The answer webhook, fired moments later by the carrier, needs this
	// exact rendered prompt; point it at the call_sid, which is only
	// known now that the call has been originated.
	if err := w.redis.Set(ctx, callPromptKey(result.CallSID), prompt, 10*time.Minute).Err(); err != nil {
		w.logger.Warn("outbound: cache call prompt pointer failed", "error", err, "call_sid", result.CallSID)
	}

	if _, err := w.facade.Occurrences.SetOutboundProgress(ctx, occurrenceID, round, staffIdx, occ.Version); err != nil {
		w.logger.Warn("outbound: set outbound progress failed", "error", err, "occurrence_id", occurrenceID)
	}

	if err := w.facade.CallLogs.Append(ctx, records.CallLogEntry{
		CallSID:      result.CallSID,
		OccurrenceID: occurrenceID,
		StaffID:      staffID,
		Purpose:      records.PurposeOutboundOffer,
		Round:        round,
		StartedAt:    time.Now(),
	}); err != nil {
		w.logger.Error("outbound: call log append failed", "error", err, "call_sid", result.CallSID)
	}

	w.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindOutboundCallScheduled,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID, "round": round, "call_sid": result.CallSID},
	})
	w.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindStaffNotified,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID, "round": round, "channel": "voice"},
	})
	return nil
}

// enqueueNext schedules the next OutboundOffer job immediately, stamped
// with the occurrence's current epoch so a stale round-robin step is
// dropped at dispatch if assignment already happened elsewhere.
func (w *Worker) enqueueNext(ctx context.Context, occ *records.Occurrence, round, staffIdx, maxAttempts int) error {
	job := jobqueue.NewJob("outbound-calls", map[string]any{
		"occurrence_id": occ.ID,
		"round":         round,
		"staff_idx":     staffIdx,
	}, time.Now(), 0, maxAttempts)
	job.EscalationEpoch = occ.EscalationEpoch
	_, err := w.scheduler.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("outbound: enqueue next offer: %w", err)
	}
	return nil
}

func (w *Worker) callbackURL(path, occurrenceID, staffID string, round int) string {
	q := url.Values{}
	q.Set("occurrenceId", occurrenceID)
	q.Set("employeeId", staffID)
	q.Set("round", strconv.Itoa(round))
	return fmt.Sprintf("%s%s?%s", w.publicBaseURL, path, q.Encode())
}

func callPromptKey(callSID string) string {
	return "outbound:call-prompt:" + callSID
}

// renderOfferPrompt builds the offer call's spoken prompt text from the
// fixed template variable set (§6), personalised to staff.
func renderOfferPrompt(occ *records.Occurrence, staff *records.Staff) string {
	vars := templates.Vars{
		EmployeeName: staff.Name,
		PatientName:  occ.PatientName,
		Suburb:       occ.Suburb,
		Date:         occ.Date.Format("Mon Jan 2"),
		StartTime:    occ.StartTime.Format("3:04pm"),
		EndTime:      occ.EndTime.Format("3:04pm"),
	}
	return templates.Render(DefaultOfferTemplate, vars)
}

func intPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
