package records

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type occurrenceDTO struct {
	ID               string   `json:"id"`
	ProviderID       string   `json:"provider_id"`
	PatientName      string   `json:"patient_name"`
	Suburb           string   `json:"suburb"`
	Date             string   `json:"date"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time"`
	Status           string   `json:"status"`
	AssignedStaffID  string   `json:"assigned_staff_id"`
	EscalationEpoch  int      `json:"escalation_epoch"`
	CurrentWave      int      `json:"current_wave"`
	Pool             []string `json:"pool"`
	OutboundRound    int      `json:"outbound_round"`
	OutboundStaffIdx int      `json:"outbound_staff_idx"`
	Version          string   `json:"version"`
}

func (c *Client) Get(ctx context.Context, occurrenceID string) (*Occurrence, error) {
	var dto occurrenceDTO
	if _, err := c.invoke(ctx, "GET", "/occurrences/"+occurrenceID, nil, nil, &dto); err != nil {
		return nil, err
	}
	return fromDTO(dto), nil
}

// TryAssign implements OccurrenceStore.TryAssign as a conditional PATCH
// guarded by an If-Match header; a 409 from the records system means
// another wave/call already won the race, which this method reports as
// (false, nil) rather than an error, so callers don't need errors.Is on
// the hot path.
func (c *Client) TryAssign(ctx context.Context, occurrenceID, staffID, expectedVersion string) (bool, *Occurrence, error) {
	body := map[string]string{"status": string(StatusFilled), "assigned_staff_id": staffID}
	var dto occurrenceDTO
	_, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID, ifMatchHeader(expectedVersion), body, &dto)
	if errors.Is(err, ErrVersionConflict) {
		current, getErr := c.Get(ctx, occurrenceID)
		if getErr != nil {
			return false, nil, getErr
		}
		return false, current, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("records: try assign: %w", err)
	}
	return true, fromDTO(dto), nil
}

func (c *Client) AdvanceStatus(ctx context.Context, occurrenceID string, from, to Status, expectedVersion string) (bool, *Occurrence, error) {
	body := map[string]string{"status": string(to), "expected_status": string(from)}
	var dto occurrenceDTO
	_, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID, ifMatchHeader(expectedVersion), body, &dto)
	if errors.Is(err, ErrVersionConflict) {
		current, getErr := c.Get(ctx, occurrenceID)
		if getErr != nil {
			return false, nil, getErr
		}
		return false, current, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("records: advance status: %w", err)
	}
	return true, fromDTO(dto), nil
}

func (c *Client) BumpEpoch(ctx context.Context, occurrenceID, expectedVersion string) (int, string, error) {
	var dto occurrenceDTO
	_, err := c.invoke(ctx, "POST", "/occurrences/"+occurrenceID+"/bump-epoch", ifMatchHeader(expectedVersion), nil, &dto)
	if err != nil {
		return 0, "", fmt.Errorf("records: bump epoch: %w", err)
	}
	return dto.EscalationEpoch, dto.Version, nil
}

func (c *Client) SetWaveProgress(ctx context.Context, occurrenceID string, wave int, expectedVersion string) (string, error) {
	body := map[string]int{"current_wave": wave}
	var dto occurrenceDTO
	_, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID+"/wave-progress", ifMatchHeader(expectedVersion), body, &dto)
	if err != nil {
		return "", fmt.Errorf("records: set wave progress: %w", err)
	}
	return dto.Version, nil
}

func (c *Client) SetOutboundProgress(ctx context.Context, occurrenceID string, round, staffIdx int, expectedVersion string) (string, error) {
	body := map[string]int{"outbound_round": round, "outbound_staff_idx": staffIdx}
	var dto occurrenceDTO
	_, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID+"/outbound-progress", ifMatchHeader(expectedVersion), body, &dto)
	if err != nil {
		return "", fmt.Errorf("records: set outbound progress: %w", err)
	}
	return dto.Version, nil
}

// FindByJobCode resolves the occurrence a job code names, scoped to the
// provider and the staff member claiming ownership of it.
func (c *Client) FindByJobCode(ctx context.Context, providerID, staffID, jobCode string) (*Occurrence, error) {
	path := fmt.Sprintf("/providers/%s/staff/%s/occurrences/by-job-code/%s", providerID, staffID, jobCode)
	var dto occurrenceDTO
	if _, err := c.invoke(ctx, "GET", path, nil, nil, &dto); err != nil {
		return nil, fmt.Errorf("records: find by job code: %w", err)
	}
	return fromDTO(dto), nil
}

// ReleaseForReplacement reverts an assigned occurrence to open with a
// caller-supplied reason, the write the IVR's "leave shift open" action
// performs before the controller starts escalation again.
func (c *Client) ReleaseForReplacement(ctx context.Context, occurrenceID, reason, expectedVersion string) (*Occurrence, error) {
	body := map[string]string{"status": string(StatusOpen), "assigned_staff_id": "", "release_reason": reason}
	var dto occurrenceDTO
	if _, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID+"/release", ifMatchHeader(expectedVersion), body, &dto); err != nil {
		return nil, fmt.Errorf("records: release for replacement: %w", err)
	}
	return fromDTO(dto), nil
}

// Reschedule moves an occurrence to a new service window.
func (c *Client) Reschedule(ctx context.Context, occurrenceID string, newStart, newEnd time.Time, expectedVersion string) (*Occurrence, error) {
	body := map[string]string{"start_time": newStart.Format(time.RFC3339), "end_time": newEnd.Format(time.RFC3339)}
	var dto occurrenceDTO
	if _, err := c.invoke(ctx, "PATCH", "/occurrences/"+occurrenceID+"/reschedule", ifMatchHeader(expectedVersion), body, &dto); err != nil {
		return nil, fmt.Errorf("records: reschedule: %w", err)
	}
	return fromDTO(dto), nil
}

func fromDTO(dto occurrenceDTO) *Occurrence {
	return &Occurrence{
		ID:               dto.ID,
		ProviderID:       dto.ProviderID,
		PatientName:      dto.PatientName,
		Suburb:           dto.Suburb,
		Date:             parseTimeLoose(dto.Date),
		StartTime:        parseTimeLoose(dto.StartTime),
		EndTime:          parseTimeLoose(dto.EndTime),
		Status:           Status(dto.Status),
		AssignedStaffID:  dto.AssignedStaffID,
		EscalationEpoch:  dto.EscalationEpoch,
		CurrentWave:      dto.CurrentWave,
		Pool:             dto.Pool,
		OutboundRound:    dto.OutboundRound,
		OutboundStaffIdx: dto.OutboundStaffIdx,
		Version:          dto.Version,
	}
}

// parseTimeLoose parses the records system's RFC3339 timestamps,
// returning the zero time for an empty or malformed value rather than
// failing the whole occurrence fetch over one unparsable field.
func parseTimeLoose(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
