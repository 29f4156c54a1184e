// Package smswave implements the SMS Wave Worker job handler and the
// inbound SMS webhook that classifies staff replies against it.
package smswave

import (
	"context"
	"fmt"

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

// DefaultTemplate is the template every wave text is rendered from; there
// is no per-provider override. The fixed placeholder set is rendered by
// internal/templates.
const DefaultTemplate = "{{patientName}} needs cover {{date}} {{startTime}}-{{endTime}} in {{suburb}}. Reply YES to accept."

// Worker handles SendWave jobs: it texts every eligible staff member who
// hasn't already been texted in this escalation's current wave.
type Worker struct {
	facade     *records.Facade
	controller *escalation.Controller
	carrier    *carrier.Client
	events     *eventstream.Publisher
	redis      *redis.Client
	logger     *logging.Logger
}

// New builds a Worker.
func New(facade *records.Facade, controller *escalation.Controller, carrierClient *carrier.Client, events *eventstream.Publisher, redisClient *redis.Client, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{facade: facade, controller: controller, carrier: carrierClient, events: events, redis: redisClient, logger: logger}
}

// Handle is a jobqueue.Handler for the "sms-waves" queue.
func (w *Worker) Handle(ctx context.Context, job jobqueue.Job) error {
	occurrenceID, _ := job.Payload["occurrence_id"].(string)
	waveFloat, _ := job.Payload["wave"].(float64)
	wave := int(waveFloat)
	if wave == 0 {
		if v, ok := job.Payload["wave"].(int); ok {
			wave = v
		}
	}
	if occurrenceID == "" || wave == 0 {
		return fmt.Errorf("smswave: malformed job payload: %+v", job.Payload)
	}

	live, err := w.controller.CheckEpoch(ctx, occurrenceID, job.EscalationEpoch)
	if err != nil {
		return fmt.Errorf("smswave: check epoch: %w", err)
	}
	if !live {
		w.logger.Info("smswave: dropping stale-epoch job", "occurrence_id", occurrenceID, "job_epoch", job.EscalationEpoch)
		return nil
	}

	occ, err := w.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("smswave: get occurrence: %w", err)
	}
	if occ.Status != records.StatusEscalating {
		return nil
	}

	staff, err := w.facade.Staff.EligibleForOccurrence(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("smswave: eligible staff: %w", err)
	}

	provider, err := w.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("smswave: get provider config: %w", err)
	}

	vars := templates.Vars{
		PatientName: occ.PatientName,
		Suburb:      occ.Suburb,
		Date:        occ.Date.Format("Mon Jan 2"),
		StartTime:   occ.StartTime.Format("3:04pm"),
		EndTime:     occ.EndTime.Format("3:04pm"),
	}

	var lastErr error
	for _, s := range staff {
		if !s.Active {
			continue
		}
		number, ok := compliance.ValidForRegion(s.Phone, provider.CountryPrefixes)
		if !ok {
			w.logger.Warn("smswave: skipping staff with invalid or out-of-region phone", "staff_id", s.ID)
			continue
		}
		sentKey := fmt.Sprintf("smswave:sent:%s:%d:%d:%s", occurrenceID, job.EscalationEpoch, wave, s.ID)
		if first, err := w.redis.SetNX(ctx, sentKey, "1", helpReplyWindow).Result(); err == nil && !first {
			continue
		}
		personal := vars
		personal.EmployeeName = s.Name
		body := templates.Render(DefaultTemplate, personal)

		if _, err := w.carrier.SendSMS(ctx, number, body); err != nil {
			w.logger.Error("smswave: send failed", "error", err, "staff_id", s.ID)
			w.redis.Del(ctx, sentKey)
			lastErr = err
			continue
		}
		if err := RecordOutreach(ctx, w.redis, number, occurrenceID); err != nil {
			w.logger.Error("smswave: record outreach failed", "error", err, "staff_id", s.ID)
		}
		if err := w.redis.Set(ctx, "smswave:staff-by-phone:"+number, s.ID, helpReplyWindow).Err(); err != nil {
			w.logger.Error("smswave: record staff-by-phone failed", "error", err, "staff_id", s.ID)
		}
		w.events.Publish(ctx, eventstream.Event{
			Kind:         eventstream.KindStaffNotified,
			ProviderID:   occ.ProviderID,
			OccurrenceID: occurrenceID,
			Payload:      map[string]any{"staff_id": s.ID, "wave": wave, "channel": "sms"},
		})
	}
	if lastErr != nil {
		return fmt.Errorf("smswave: one or more sends failed: %w", lastErr)
	}

	w.events.Publish(ctx, eventstream.Event{
		Kind:         eventstream.KindWaveSent,
		ProviderID:   occ.ProviderID,
		OccurrenceID: occurrenceID,
		Payload:      map[string]any{"wave": wave},
	})

	return w.controller.OnWaveComplete(ctx, occurrenceID, wave)
}
