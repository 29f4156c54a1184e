// Package ivr implements the Inbound Call State Machine (spec.md §4.5):
// the phase-by-phase dialog a caregiver walks through after dialing the
// shift line, from PIN authentication through to reschedule, leave-open,
// or an escape to a human representative.
//
// The state machine itself never speaks to the caller or listens for
// DTMF; that's the Voice Bridge's job, described only at the interface
// level by spec.md §1. Engine.HandleInput is the contract between the
// two: the bridge posts whatever digits or speech it recognized for the
// call's current phase, and the engine returns the next prompt to speak
// and how many digits (if any) to collect before calling back again.
package ivr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/escalation"
	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Result is what HandleInput (or Start) returns for the Voice Bridge to
// act on: the next prompt, how to collect the caller's reply, and
// whether the call is finished or should be hidden off to a human.
type Result struct {
	Prompt    string
	NumDigits int
	Done      bool
	Transfer  bool
}

// Engine drives callsession.Session through its Phase transitions,
// consulting records.Facade for authentication/lookup and
// escalation.Controller to act on the caller's decisions.
type Engine struct {
	sessions   *callsession.Store
	facade     *records.Facade
	controller *escalation.Controller
	events     *eventstream.Publisher
	logger     *logging.Logger
	now        func() time.Time
}

// New builds an Engine.
func New(sessions *callsession.Store, facade *records.Facade, controller *escalation.Controller, events *eventstream.Publisher, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{sessions: sessions, facade: facade, controller: controller, events: events, logger: logger, now: time.Now}
}

// Session returns callSID's current session, for callers (the transfer
// bridge) that need it after HandleInput has already returned a
// Transfer result.
func (e *Engine) Session(ctx context.Context, callSID string) (*callsession.Session, error) {
	return e.sessions.Get(ctx, callSID)
}

// Start begins a new call: creates its session and returns the first
// prompt (PIN entry).
func (e *Engine) Start(ctx context.Context, callSID, rootCallSID string) (Result, error) {
	if _, err := e.sessions.Create(ctx, callSID, rootCallSID); err != nil {
		return Result{}, fmt.Errorf("ivr: start: %w", err)
	}
	e.events.Publish(ctx, eventstream.Event{Kind: eventstream.KindCallStarted, Payload: map[string]any{"call_sid": callSID}})
	p := pinAuthPrompt()
	return Result{Prompt: p.Text, NumDigits: p.NumDigits}, nil
}

// HandleInput advances the session one step, dispatching on its current
// phase, and is the single entry point the Voice Bridge calls with
// whatever digits or speech it collected.
func (e *Engine) HandleInput(ctx context.Context, callSID, input string) (Result, error) {
	sess, err := e.sessions.Get(ctx, callSID)
	if err != nil {
		return Result{}, fmt.Errorf("ivr: handle input: %w", err)
	}
	input = strings.TrimSpace(input)

	var (
		result Result
		handle error
	)
	switch sess.Phase {
	case callsession.PhasePINAuth:
		result, handle = e.handlePINAuth(ctx, sess, input)
	case callsession.PhaseProviderSelection:
		result, handle = e.handleProviderSelection(ctx, sess, input)
	case callsession.PhaseCollectJobCode:
		result, handle = e.handleCollectJobCode(ctx, sess, input)
	case callsession.PhaseConfirmJobCode:
		result, handle = e.handleConfirmJobCode(ctx, sess, input)
	case callsession.PhaseJobOptions:
		result, handle = e.handleJobOptions(ctx, sess, input)
	case callsession.PhaseCollectReason:
		result, handle = e.handleCollectReason(ctx, sess, input)
	case callsession.PhaseConfirmLeaveOpen:
		result, handle = e.handleConfirmLeaveOpen(ctx, sess, input)
	case callsession.PhaseCollectDay:
		result, handle = e.handleCollectDay(ctx, sess, input)
	case callsession.PhaseCollectMonth:
		result, handle = e.handleCollectMonth(ctx, sess, input)
	case callsession.PhaseCollectTime:
		result, handle = e.handleCollectTime(ctx, sess, input)
	case callsession.PhaseConfirmDateTime:
		result, handle = e.handleConfirmDateTime(ctx, sess, input)
	case callsession.PhaseTransfer:
		result = Result{Prompt: transferPrompt().Text, Transfer: true, Done: true}
	default:
		return Result{}, fmt.Errorf("ivr: unknown phase %q", sess.Phase)
	}
	if handle != nil {
		return Result{}, handle
	}
	return result, nil
}

// gotoTransfer escapes the call to a human representative, the universal
// "too many failed attempts, or the caller asked" outcome.
func (e *Engine) gotoTransfer(ctx context.Context, sess *callsession.Session) (Result, error) {
	sess.Phase = callsession.PhaseTransfer
	sess.Attempts = 0
	if err := e.sessions.Save(ctx, sess); err != nil {
		return Result{}, err
	}
	e.events.Publish(ctx, eventstream.Event{Kind: eventstream.KindTransferInitiated, OccurrenceID: sess.OccurrenceID, Payload: map[string]any{"call_sid": sess.CallSID, "reason": "ivr_escalation"}})
	return Result{Prompt: transferPrompt().Text, Transfer: true, Done: true}, nil
}

// reprompt bumps the attempt counter for sess's current phase and
// escalates to a human once maxAttempts is exhausted.
func (e *Engine) reprompt(ctx context.Context, sess *callsession.Session, base prompt) (Result, error) {
	sess.Attempts++
	if sess.Attempts >= maxAttempts {
		return e.gotoTransfer(ctx, sess)
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return Result{}, err
	}
	rp := retryPrompt(base)
	return Result{Prompt: rp.Text, NumDigits: rp.NumDigits}, nil
}

func (e *Engine) advance(ctx context.Context, sess *callsession.Session, phase callsession.Phase, p prompt) (Result, error) {
	sess.Phase = phase
	sess.Attempts = 0
	if err := e.sessions.Save(ctx, sess); err != nil {
		return Result{}, err
	}
	return Result{Prompt: p.Text, NumDigits: p.NumDigits}, nil
}

func (e *Engine) handlePINAuth(ctx context.Context, sess *callsession.Session, pin string) (Result, error) {
	staff, providerIDs, err := e.facade.Staff.ResolveByPIN(ctx, pin)
	if err != nil || staff == nil || len(providerIDs) == 0 {
		return e.reprompt(ctx, sess, pinAuthPrompt())
	}
	sess.StaffID = staff.ID
	e.events.Publish(ctx, eventstream.Event{Kind: eventstream.KindCallAuthenticated, Payload: map[string]any{"call_sid": sess.CallSID, "staff_id": staff.ID}})

	if len(providerIDs) == 1 {
		sess.ProviderID = providerIDs[0]
		return e.advance(ctx, sess, callsession.PhaseCollectJobCode, collectJobCodePrompt())
	}
	sess.ProviderOptions = providerIDs
	return e.advance(ctx, sess, callsession.PhaseProviderSelection, providerSelectionPrompt(sess, providerNames(ctx, e.facade, providerIDs)))
}

func providerNames(ctx context.Context, facade *records.Facade, providerIDs []string) []string {
	names := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		cfg, err := facade.Providers.GetProviderConfig(ctx, id)
		if err != nil || cfg.Name == "" {
			names[i] = fmt.Sprintf("provider %d", i+1)
			continue
		}
		names[i] = cfg.Name
	}
	return names
}

func (e *Engine) handleProviderSelection(ctx context.Context, sess *callsession.Session, digit string) (Result, error) {
	idx, ok := isValidTwoDigitRange("0"+digit, 1, len(sess.ProviderOptions))
	if !ok || len(digit) != 1 {
		return e.reprompt(ctx, sess, providerSelectionPrompt(sess, providerNames(ctx, e.facade, sess.ProviderOptions)))
	}
	sess.ProviderID = sess.ProviderOptions[idx-1]
	return e.advance(ctx, sess, callsession.PhaseCollectJobCode, collectJobCodePrompt())
}

func (e *Engine) handleCollectJobCode(ctx context.Context, sess *callsession.Session, code string) (Result, error) {
	if len(code) == 0 {
		return e.reprompt(ctx, sess, collectJobCodePrompt())
	}
	occ, err := e.facade.Occurrences.FindByJobCode(ctx, sess.ProviderID, sess.StaffID, code)
	if err != nil {
		return e.reprompt(ctx, sess, collectJobCodePrompt())
	}
	sess.OccurrenceID = occ.ID
	sess.JobCode = code
	return e.advance(ctx, sess, callsession.PhaseConfirmJobCode, confirmJobCodePrompt(code))
}

func (e *Engine) handleConfirmJobCode(ctx context.Context, sess *callsession.Session, digit string) (Result, error) {
	switch digit {
	case "1":
		return e.advance(ctx, sess, callsession.PhaseJobOptions, jobOptionsPrompt())
	case "2":
		sess.JobCode = ""
		sess.OccurrenceID = ""
		return e.advance(ctx, sess, callsession.PhaseCollectJobCode, collectJobCodePrompt())
	default:
		return e.reprompt(ctx, sess, confirmJobCodePrompt(sess.JobCode))
	}
}

func (e *Engine) handleJobOptions(ctx context.Context, sess *callsession.Session, digit string) (Result, error) {
	switch digit {
	case "1":
		return e.advance(ctx, sess, callsession.PhaseCollectDay, collectDayPrompt())
	case "2":
		return e.advance(ctx, sess, callsession.PhaseCollectReason, collectReasonPrompt())
	case "3":
		return e.gotoTransfer(ctx, sess)
	case "4":
		sess.JobCode = ""
		sess.OccurrenceID = ""
		return e.advance(ctx, sess, callsession.PhaseCollectJobCode, collectJobCodePrompt())
	default:
		return e.reprompt(ctx, sess, jobOptionsPrompt())
	}
}

func (e *Engine) handleCollectReason(ctx context.Context, sess *callsession.Session, reason string) (Result, error) {
	if reason == "" {
		return e.reprompt(ctx, sess, collectReasonPrompt())
	}
	sess.LeaveReason = reason
	return e.advance(ctx, sess, callsession.PhaseConfirmLeaveOpen, confirmLeaveOpenPrompt())
}

func (e *Engine) handleConfirmLeaveOpen(ctx context.Context, sess *callsession.Session, digit string) (Result, error) {
	switch digit {
	case "1":
		occ, err := e.facade.Occurrences.Get(ctx, sess.OccurrenceID)
		if err != nil {
			return Result{}, fmt.Errorf("ivr: confirm leave open: %w", err)
		}
		if _, err := e.facade.Occurrences.ReleaseForReplacement(ctx, sess.OccurrenceID, sess.LeaveReason, occ.Version); err != nil {
			return Result{}, fmt.Errorf("ivr: release for replacement: %w", err)
		}
		if err := e.controller.StartEscalation(ctx, sess.OccurrenceID); err != nil {
			e.logger.Error("ivr: start escalation after release failed", "error", err, "occurrence_id", sess.OccurrenceID)
		}
		e.events.Publish(ctx, eventstream.Event{Kind: eventstream.KindShiftOpened, OccurrenceID: sess.OccurrenceID, Payload: map[string]any{"reason": sess.LeaveReason}})
		return e.finish(ctx, sess, "Thanks, we've reopened this shift for another caregiver. Goodbye.")
	case "2":
		return e.advance(ctx, sess, callsession.PhaseJobOptions, jobOptionsPrompt())
	default:
		return e.reprompt(ctx, sess, confirmLeaveOpenPrompt())
	}
}

func (e *Engine) handleCollectDay(ctx context.Context, sess *callsession.Session, value string) (Result, error) {
	if _, ok := isValidTwoDigitRange(value, 1, 31); !ok {
		return e.reprompt(ctx, sess, collectDayPrompt())
	}
	scratchSet(sess, "day", value)
	return e.advance(ctx, sess, callsession.PhaseCollectMonth, collectMonthPrompt())
}

func (e *Engine) handleCollectMonth(ctx context.Context, sess *callsession.Session, value string) (Result, error) {
	if _, ok := isValidTwoDigitRange(value, 1, 12); !ok {
		return e.reprompt(ctx, sess, collectMonthPrompt())
	}
	scratchSet(sess, "month", value)
	return e.advance(ctx, sess, callsession.PhaseCollectTime, collectTimePrompt())
}

func (e *Engine) handleCollectTime(ctx context.Context, sess *callsession.Session, value string) (Result, error) {
	if len(value) != 4 {
		return e.reprompt(ctx, sess, collectTimePrompt())
	}
	hour, hourOK := isValidTwoDigitRange(value[:2], 0, 23)
	minute, minuteOK := isValidTwoDigitRange(value[2:], 0, 59)
	if !hourOK || !minuteOK {
		return e.reprompt(ctx, sess, collectTimePrompt())
	}
	day, _ := scratchGet(sess, "day")
	month, _ := scratchGet(sess, "month")
	dayN, _ := isValidTwoDigitRange(day, 1, 31)
	monthN, _ := isValidTwoDigitRange(month, 1, 12)
	when, err := nextOccurrenceOf(dayN, monthN, hour, minute, e.now())
	if err != nil {
		return e.reprompt(ctx, sess, collectDayPrompt())
	}
	scratchSet(sess, "hour", fmt.Sprintf("%02d", hour))
	scratchSet(sess, "minute", fmt.Sprintf("%02d", minute))
	return e.advance(ctx, sess, callsession.PhaseConfirmDateTime, confirmDateTimePrompt(when))
}

func (e *Engine) handleConfirmDateTime(ctx context.Context, sess *callsession.Session, digit string) (Result, error) {
	day, _ := scratchGet(sess, "day")
	month, _ := scratchGet(sess, "month")
	hour, _ := scratchGet(sess, "hour")
	minute, _ := scratchGet(sess, "minute")
	dayN, _ := isValidTwoDigitRange(day, 1, 31)
	monthN, _ := isValidTwoDigitRange(month, 1, 12)
	hourN, _ := isValidTwoDigitRange(hour, 0, 23)
	minuteN, _ := isValidTwoDigitRange(minute, 0, 59)

	switch digit {
	case "1":
		when, err := nextOccurrenceOf(dayN, monthN, hourN, minuteN, e.now())
		if err != nil {
			return Result{}, fmt.Errorf("ivr: confirm datetime: %w", err)
		}
		occ, err := e.facade.Occurrences.Get(ctx, sess.OccurrenceID)
		if err != nil {
			return Result{}, fmt.Errorf("ivr: confirm datetime: get occurrence: %w", err)
		}
		duration := occ.EndTime.Sub(occ.StartTime)
		if duration <= 0 {
			duration = time.Hour
		}
		if _, err := e.facade.Occurrences.Reschedule(ctx, sess.OccurrenceID, when, when.Add(duration), occ.Version); err != nil {
			return Result{}, fmt.Errorf("ivr: reschedule: %w", err)
		}
		sess.Scratch = nil
		return e.finish(ctx, sess, "Your shift has been rescheduled. Goodbye.")
	case "2":
		sess.Scratch = nil
		return e.advance(ctx, sess, callsession.PhaseCollectDay, collectDayPrompt())
	default:
		when, err := nextOccurrenceOf(dayN, monthN, hourN, minuteN, e.now())
		if err != nil {
			when = e.now()
		}
		return e.reprompt(ctx, sess, confirmDateTimePrompt(when))
	}
}

func (e *Engine) finish(ctx context.Context, sess *callsession.Session, text string) (Result, error) {
	if err := e.sessions.Save(ctx, sess); err != nil {
		return Result{}, err
	}
	e.events.Publish(ctx, eventstream.Event{Kind: eventstream.KindCallEnded, OccurrenceID: sess.OccurrenceID, Payload: map[string]any{"call_sid": sess.CallSID}})
	return Result{Prompt: text, Done: true}, nil
}

func scratchSet(sess *callsession.Session, key, value string) {
	if sess.Scratch == nil {
		sess.Scratch = make(map[string]string)
	}
	sess.Scratch[key] = value
}

func scratchGet(sess *callsession.Session, key string) (string, bool) {
	if sess.Scratch == nil {
		return "", false
	}
	v, ok := sess.Scratch[key]
	return v, ok
}
