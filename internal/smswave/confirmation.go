package smswave

import (
	"context"
	"fmt"

	"github.com/wolfman30/shiftcascade/internal/compliance"
	"github.com/wolfman30/shiftcascade/internal/jobqueue"
	"github.com/wolfman30/shiftcascade/internal/templates"
)

// ConfirmationTemplate texts the assigned staff member once
// escalation.Controller.TryAccept has durably recorded their
// acceptance (spec.md §4.3's final confirmation step).
const ConfirmationTemplate = "You're confirmed for {{patientName}} {{date}} {{startTime}}-{{endTime}} in {{suburb}}. Thanks, {{employeeName}}!"

// HandleConfirmation is a jobqueue.Handler for the "confirmation-sms"
// queue: a single best-effort text, never re-escalated on failure since
// the shift is already filled by the time this job runs.
func (w *Worker) HandleConfirmation(ctx context.Context, job jobqueue.Job) error {
	occurrenceID, _ := job.Payload["occurrence_id"].(string)
	staffID, _ := job.Payload["staff_id"].(string)
	if occurrenceID == "" || staffID == "" {
		return fmt.Errorf("smswave: malformed confirmation job payload: %+v", job.Payload)
	}

	occ, err := w.facade.Occurrences.Get(ctx, occurrenceID)
	if err != nil {
		return fmt.Errorf("smswave: confirmation: get occurrence: %w", err)
	}
	staff, err := w.facade.Staff.GetStaff(ctx, staffID)
	if err != nil {
		return fmt.Errorf("smswave: confirmation: get staff: %w", err)
	}
	provider, err := w.facade.Providers.GetProviderConfig(ctx, occ.ProviderID)
	if err != nil {
		return fmt.Errorf("smswave: confirmation: get provider config: %w", err)
	}

	number, ok := compliance.ValidForRegion(staff.Phone, provider.CountryPrefixes)
	if !ok {
		w.logger.Warn("smswave: confirmation skipped, invalid or out-of-region phone", "staff_id", staffID)
		return nil
	}

	vars := templates.Vars{
		PatientName:  occ.PatientName,
		Suburb:       occ.Suburb,
		Date:         occ.Date.Format("Mon Jan 2"),
		StartTime:    occ.StartTime.Format("3:04pm"),
		EndTime:      occ.EndTime.Format("3:04pm"),
		EmployeeName: staff.Name,
	}
	body := templates.Render(ConfirmationTemplate, vars)

	if _, err := w.carrier.SendSMS(ctx, number, body); err != nil {
		return fmt.Errorf("smswave: confirmation: send failed: %w", err)
	}
	return nil
}
