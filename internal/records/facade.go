package records

import (
	"context"
	"time"
)

// OccurrenceStore is the conditional-write surface the escalation
// controller uses. TryAssign and AdvanceStatus are optimistic-concurrency
// operations keyed on the occurrence's version token: the records system
// rejects a write whose expectedVersion is stale, which is how this
// service gets single-assignment guarantees without owning the store.
type OccurrenceStore interface {
	Get(ctx context.Context, occurrenceID string) (*Occurrence, error)

	// TryAssign attempts to set AssignedStaffID/Status=filled in one
	// conditional write. assigned is false (no error) when another
	// assignment won the race; the caller's occurrence is refreshed via
	// current.
	TryAssign(ctx context.Context, occurrenceID, staffID, expectedVersion string) (assigned bool, current *Occurrence, err error)

	// AdvanceStatus performs a conditional from->to status transition.
	AdvanceStatus(ctx context.Context, occurrenceID string, from, to Status, expectedVersion string) (ok bool, current *Occurrence, err error)

	// BumpEpoch increments escalation_epoch, invalidating any job
	// stamped with an older epoch.
	BumpEpoch(ctx context.Context, occurrenceID, expectedVersion string) (newEpoch int, newVersion string, err error)

	// SetWaveProgress persists the current wave number, grounded on the
	// same conditional-update shape as TryAssign.
	SetWaveProgress(ctx context.Context, occurrenceID string, wave int, expectedVersion string) (newVersion string, err error)

	// SetOutboundProgress persists the round-robin cursor used by the
	// outbound call orchestrator.
	SetOutboundProgress(ctx context.Context, occurrenceID string, round, staffIdx int, expectedVersion string) (newVersion string, err error)

	// FindByJobCode resolves the occurrence a staff member is naming by
	// its provider-scoped job code, for the IVR's COLLECT_JOB_CODE
	// phase. Returns ErrNotFound if the code doesn't name an occurrence
	// the staff member owns today.
	FindByJobCode(ctx context.Context, providerID, staffID, jobCode string) (*Occurrence, error)

	// ReleaseForReplacement reverts an assigned occurrence to open and
	// records why, the conditional write the IVR's "leave shift open"
	// action performs before calling StartEscalation.
	ReleaseForReplacement(ctx context.Context, occurrenceID, reason, expectedVersion string) (*Occurrence, error)

	// Reschedule moves an occurrence to a new service window, the
	// conditional write the IVR's reschedule action performs.
	Reschedule(ctx context.Context, occurrenceID string, newStart, newEnd time.Time, expectedVersion string) (*Occurrence, error)
}

// StaffDirectory resolves staff eligible for an occurrence.
type StaffDirectory interface {
	GetStaff(ctx context.Context, staffID string) (*Staff, error)
	EligibleForOccurrence(ctx context.Context, occurrenceID string) ([]Staff, error)

	// ResolveByPIN authenticates an IVR caller's PIN, returning the
	// staff member and the provider_ids they work for — possibly more
	// than one, which is why PIN_AUTH may fall through to
	// PROVIDER_SELECTION.
	ResolveByPIN(ctx context.Context, pin string) (*Staff, []string, error)
}

// ProviderConfigStore resolves per-provider tunables.
type ProviderConfigStore interface {
	GetProviderConfig(ctx context.Context, providerID string) (*ProviderConfig, error)
}

// CallLogWriter appends call-log entries. Appends are not conditional:
// the spec only requires call_sid uniqueness, which the records system
// enforces server-side.
type CallLogWriter interface {
	Append(ctx context.Context, entry CallLogEntry) error
}

// Facade bundles the four accessors the rest of this service depends on,
// so components take one dependency instead of four.
type Facade struct {
	Occurrences OccurrenceStore
	Staff       StaffDirectory
	Providers   ProviderConfigStore
	CallLogs    CallLogWriter
}
