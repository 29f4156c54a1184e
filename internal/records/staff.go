package records

import (
	"context"
	"fmt"
	"time"
)

type staffDTO struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	PIN      string   `json:"pin"`
	JobCodes []string `json:"job_codes"`
	Active   bool     `json:"active"`
}

func (c *Client) GetStaff(ctx context.Context, staffID string) (*Staff, error) {
	var dto staffDTO
	if _, err := c.invoke(ctx, "GET", "/staff/"+staffID, nil, nil, &dto); err != nil {
		return nil, fmt.Errorf("records: get staff: %w", err)
	}
	return staffFromDTO(dto), nil
}

func (c *Client) EligibleForOccurrence(ctx context.Context, occurrenceID string) ([]Staff, error) {
	var dtos []staffDTO
	if _, err := c.invoke(ctx, "GET", "/occurrences/"+occurrenceID+"/eligible-staff", nil, nil, &dtos); err != nil {
		return nil, fmt.Errorf("records: eligible staff: %w", err)
	}
	out := make([]Staff, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, *staffFromDTO(d))
	}
	return out, nil
}

// pinLookupResult is the records system's response to a PIN
// authentication attempt: the matching staff member plus every
// provider_id they're active for.
type pinLookupResult struct {
	Staff       staffDTO `json:"staff"`
	ProviderIDs []string `json:"provider_ids"`
}

// ResolveByPIN authenticates an IVR caller's PIN. The records system
// hashes and looks up the PIN server-side; this client never sees or
// stores a PIN-to-staff mapping itself.
func (c *Client) ResolveByPIN(ctx context.Context, pin string) (*Staff, []string, error) {
	var result pinLookupResult
	if _, err := c.invoke(ctx, "POST", "/staff/resolve-pin", nil, map[string]string{"pin": pin}, &result); err != nil {
		return nil, nil, fmt.Errorf("records: resolve pin: %w", err)
	}
	return staffFromDTO(result.Staff), result.ProviderIDs, nil
}

func staffFromDTO(dto staffDTO) *Staff {
	return &Staff{
		ID:       dto.ID,
		Name:     dto.Name,
		Phone:    dto.Phone,
		PIN:      dto.PIN,
		JobCodes: dto.JobCodes,
		Active:   dto.Active,
	}
}

type providerConfigDTO struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	OutboundEnabled        bool     `json:"outbound_enabled"`
	WaitMinutes            int      `json:"wait_minutes"`
	MaxRounds              int      `json:"max_rounds"`
	WaveIntervalMinutes    int      `json:"wave_interval_minutes"`
	MaxWaveIntervalMinutes int      `json:"max_wave_interval_minutes"`
	MinWaveIntervalMinutes int      `json:"min_wave_interval_minutes"`
	MaxAttempts            int      `json:"max_attempts"`
	Rounds                 int      `json:"rounds"`
	OperatorNumber         string   `json:"operator_number"`
	SMSFromNumber          string   `json:"sms_from_number"`
	CallerIDNumber         string   `json:"caller_id_number"`
	QuietHoursEnabled      bool     `json:"quiet_hours_enabled"`
	CountryPrefixes        []string `json:"country_prefixes"`
}

func (c *Client) GetProviderConfig(ctx context.Context, providerID string) (*ProviderConfig, error) {
	var dto providerConfigDTO
	if _, err := c.invoke(ctx, "GET", "/providers/"+providerID+"/config", nil, nil, &dto); err != nil {
		return nil, fmt.Errorf("records: get provider config: %w", err)
	}
	return &ProviderConfig{
		ID:                     dto.ID,
		Name:                   dto.Name,
		OutboundEnabled:        dto.OutboundEnabled,
		WaitMinutes:            dto.WaitMinutes,
		MaxRounds:              dto.MaxRounds,
		WaveIntervalMinutes:    dto.WaveIntervalMinutes,
		MaxWaveIntervalMinutes: dto.MaxWaveIntervalMinutes,
		MinWaveIntervalMinutes: dto.MinWaveIntervalMinutes,
		MaxAttempts:            dto.MaxAttempts,
		Rounds:                 dto.Rounds,
		OperatorNumber:         dto.OperatorNumber,
		SMSFromNumber:          dto.SMSFromNumber,
		CallerIDNumber:         dto.CallerIDNumber,
		QuietHoursEnabled:      dto.QuietHoursEnabled,
		CountryPrefixes:        dto.CountryPrefixes,
	}, nil
}

type callLogDTO struct {
	CallSID              string `json:"call_sid"`
	RootCallSID          string `json:"root_call_sid,omitempty"`
	OccurrenceID         string `json:"occurrence_id,omitempty"`
	StaffID              string `json:"staff_id,omitempty"`
	Purpose              string `json:"purpose"`
	Round                int    `json:"round,omitempty"`
	Outcome              string `json:"outcome"`
	StartedAt            string `json:"started_at"`
	EndedAt              string `json:"ended_at,omitempty"`
	DTMF                 string `json:"dtmf,omitempty"`
	RecordingURL         string `json:"recording_uri,omitempty"`
	TransferRecordingURL string `json:"transfer_recording_uri,omitempty"`
}

// Append writes one Call Log row. It is not conditional: the spec only
// requires call_sid uniqueness, which the records system enforces
// server-side.
func (c *Client) Append(ctx context.Context, entry CallLogEntry) error {
	dto := callLogDTO{
		CallSID:              entry.CallSID,
		RootCallSID:          entry.RootCallSID,
		OccurrenceID:         entry.OccurrenceID,
		StaffID:              entry.StaffID,
		Purpose:              string(entry.Purpose),
		Round:                entry.Round,
		Outcome:              string(entry.Outcome),
		StartedAt:            entry.StartedAt.Format(time.RFC3339),
		DTMF:                 entry.DTMF,
		RecordingURL:         entry.RecordingURL,
		TransferRecordingURL: entry.TransferRecordingURL,
	}
	if !entry.EndedAt.IsZero() {
		dto.EndedAt = entry.EndedAt.Format(time.RFC3339)
	}
	_, err := c.invoke(ctx, "POST", "/call-logs", nil, dto, nil)
	if err != nil {
		return fmt.Errorf("records: append call log: %w", err)
	}
	return nil
}
