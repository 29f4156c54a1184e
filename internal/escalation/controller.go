// Package escalation implements the Shift Escalation Controller: the
// sole mutator of an occurrence's status and epoch, and the sole
// orchestrator of the wave/round scheduling that fills it.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/shiftcascade/internal/eventstream"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

var (
	// ErrOccurrenceClosed is returned when an operation targets an
	// occurrence that's already filled, closed, or expired.
	ErrOccurrenceClosed = errors.New("escalation: occurrence is no longer open")
	// ErrIneligibleStaff is returned when TryAccept is called for a
	// staff member the occurrence doesn't consider eligible.
	ErrIneligibleStaff = errors.New("escalation: staff not eligible for this occurrence")
)

const (
	totalWaves  = 3
	minDelta    = time.Minute
)

// Controller drives an occurrence from open through escalation to
// filled (or expired), and is the only component allowed to bump an
// occurrence's escalation epoch.
type Controller struct {
	facade    *records.Facade
	scheduler *jobqueue.Scheduler
	events    *eventstream.Publisher
	logger    *logging.Logger
}

// New builds a Controller.
func New(facade *records.Facade, scheduler *jobqueue.Scheduler, events *eventstream.Publisher, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{facade: facade, scheduler: scheduler, events: events, logger: logger}
}

// StartEscalation transitions an open occurrence to escalating and
// schedules its first SMS wave immediately.
func (c *Controller) StartEscalation(ctx context.Context, occurrenceID string) error {
	occ, err := c.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("escalation: start: %w", err)
	}
	if occ.Status != records.StatusOpen {
		return ErrOccurrenceClosed
	}

	ok, current, err := c.facade.Occurrences.AdvanceStatus(ctx, occurrenceID, records.StatusOpen, records.StatusEscalating, occ.Version)
	if err != nil {
		return fmt.Errorf("escalation: start: advance status: %w", err)
	}
	if !ok {
		c.logger.Warn("escalation: start raced with another transition", "occurrence_id", occurrenceID, "current_status", current.Status)
		return nil
	}

	if err := c.scheduleWave(ctx, current, 1); err != nil {
		return fmt.Errorf("escalation: start: schedule wave 1: %w", err)
	}
	return nil
}

// scheduleWave enqueues SendWave(n) for runAt=now when n==1, otherwise
// delayed by waveDelta(provider, occurrence). The job is stamped with
// the occurrence's current escalation epoch so a stale job is a no-op
// at dispatch time if the epoch has since moved on.
func (c *Controller) scheduleWave(ctx context.Context, occ *records.Occurrence, wave int) error {
	provider, err := c.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("get provider config: %w", err)
	}

	runAt := time.Now()
	if wave > 1 {
		runAt = runAt.Add(waveDelta(provider, occ))
	}

	job := jobqueue.NewJob("sms-waves", map[string]any{
		"occurrence_id": occ.ID,
		"wave":          wave,
	}, runAt, 0, provider.MaxAttempts)
	job.EscalationEpoch = occ.EscalationEpoch

	if _, err := c.scheduler.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue wave %d: %w", wave, err)
	}
	return nil
}

// waveDelta computes the gap before the next wave: a quarter of the time
// remaining until the shift starts, clamped to the provider's configured
// bounds (defaulting to [1 minute, wave_interval_minutes]).
func waveDelta(provider *records.ProviderConfig, occ *records.Occurrence) time.Duration {
	remaining := time.Until(occ.StartTime)
	delta := remaining / 4
	if delta < minDelta {
		delta = minDelta
	}
	maxDelta := time.Duration(provider.MaxWaveIntervalMinutes) * time.Minute
	if maxDelta <= 0 {
		maxDelta = time.Duration(provider.WaveIntervalMinutes) * time.Minute
	}
	if maxDelta > 0 && delta > maxDelta {
		delta = maxDelta
	}
	minConfigured := time.Duration(provider.MinWaveIntervalMinutes) * time.Minute
	if minConfigured > 0 && delta < minConfigured {
		delta = minConfigured
	}
	return delta
}

// OnWaveComplete is called when a wave's SMS sends have all gone out
// without an acceptance. Waves 1 and 2 advance to the next wave; wave 3
// completing hands off to the outbound call cascade.
func (c *Controller) OnWaveComplete(ctx context.Context, occurrenceID string, completedWave int) error {
	occ, err := c.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("escalation: wave complete: %w", err)
	}
	if occ.Status != records.StatusEscalating {
		return nil // already resolved, nothing to do
	}

	if completedWave < totalWaves {
		if _, err := c.facade.Occurrences.SetWaveProgress(ctx, occurrenceID, completedWave+1, occ.Version); err != nil {
			return fmt.Errorf("escalation: wave complete: set progress: %w", err)
		}
		return c.scheduleWave(ctx, occ, completedWave+1)
	}

	return c.startOutboundCascade(ctx, occ)
}

func (c *Controller) startOutboundCascade(ctx context.Context, occ *records.Occurrence) error {
	provider, err := c.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("get provider config: %w", err)
	}

	job := jobqueue.NewJob("outbound-calls", map[string]any{
		"occurrence_id": occ.ID,
		"round":         1,
		"staff_idx":     0,
	}, time.Now(), 0, provider.MaxAttempts)
	job.EscalationEpoch = occ.EscalationEpoch

	if _, err := c.scheduler.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue outbound cascade: %w", err)
	}
	return nil
}

// TryAccept is the single path by which any collaborator — inbound SMS
// reply, inbound IVR confirmation, outbound call DTMF acceptance —
// attempts to fill an occurrence. It is safe to call concurrently for
// the same occurrence: the underlying conditional write in
// records.OccurrenceStore guarantees only one caller wins.
func (c *Controller) TryAccept(ctx context.Context, occurrenceID, staffID string) (accepted bool, err error) {
	occ, err := c.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return false, fmt.Errorf("escalation: try accept: %w", err)
	}
	if occ.Status != records.StatusEscalating && occ.Status != records.StatusOpen {
		return false, ErrOccurrenceClosed
	}

	eligible, err := c.facade.Staff.EligibleForOccurrence(ctx, occurrenceID)
	if err != nil {
		return false, fmt.Errorf("escalation: try accept: eligibility: %w", err)
	}
	if !containsStaff(eligible, staffID) {
		return false, ErrIneligibleStaff
	}

	ok, current, err := c.facade.Occurrences.TryAssign(ctx, occurrenceID, staffID, occ.Version)
	if err != nil {
		return false, fmt.Errorf("escalation: try accept: assign: %w", err)
	}
	if !ok {
		c.logger.Info("escalation: lost assignment race", "occurrence_id", occurrenceID, "winning_staff_id", current.AssignedStaffID)
		return false, nil
	}

	if _, _, err := c.facade.Occurrences.BumpEpoch(ctx, occurrenceID, current.Version); err != nil {
		c.logger.Error("escalation: bump epoch after accept failed", "error", err, "occurrence_id", occurrenceID)
	}

	c.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindShiftFilled,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"staff_id": staffID},
	})

	confirmJob := jobqueue.NewJob("confirmation-sms", map[string]any{
		"occurrence_id": occurrenceID,
		"staff_id":      staffID,
	}, time.Now(), 0, 1)
	if _, err := c.scheduler.Enqueue(ctx, confirmJob); err != nil {
		c.logger.Error("escalation: enqueue confirmation sms failed", "error", err, "occurrence_id", occurrenceID, "staff_id", staffID)
	}

	return true, nil
}

// CancelEscalation stops all further waves/calls for an occurrence:
// bumps the epoch so in-flight jobs become no-ops, and closes the
// occurrence. Jobs already in the scheduler's delay index are not
// removed; they still dispatch and rely on their handler's epoch check.
func (c *Controller) CancelEscalation(ctx context.Context, occurrenceID string) error {
	occ, err := c.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("escalation: cancel: %w", err)
	}

	newEpoch, newVersion, err := c.facade.Occurrences.BumpEpoch(ctx, occurrenceID, occ.Version)
	if err != nil {
		return fmt.Errorf("escalation: cancel: bump epoch: %w", err)
	}

	if _, _, err := c.facade.Occurrences.AdvanceStatus(ctx, occurrenceID, occ.Status, records.StatusClosed, newVersion); err != nil {
		return fmt.Errorf("escalation: cancel: close: %w", err)
	}

	c.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindEpochInvalidated,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"new_epoch": newEpoch},
	})
	return nil
}

// CheckEpoch reports whether job's stamped epoch still matches the
// occurrence's live epoch. Every job handler must call this immediately
// before any externally-visible side effect (sending an SMS, placing a
// call) since a job already dispatched to SQS cannot be recalled by
// Cancel.
func (c *Controller) CheckEpoch(ctx context.Context, occurrenceID string, jobEpoch int) (bool, error) {
	occ, err := c.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return false, fmt.Errorf("escalation: check epoch: %w", err)
	}
	return occ.EscalationEpoch == jobEpoch, nil
}

func containsStaff(staff []records.Staff, staffID string) bool {
	for _, s := range staff {
		if s.ID == staffID && s.Active {
			return true
		}
	}
	return false
}
