package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
)

// Repository persists clinical events. Every mutation touches a single row;
// GetByID returns an apperr not-found error for a missing event.
type Repository interface {
	Create(ctx context.Context, e *ClinicalEvent) error
	GetByID(ctx context.Context, kind Kind, id uuid.UUID) (*ClinicalEvent, error)
	List(ctx context.Context, kind Kind, f ListFilter, limit, offset int) ([]*ClinicalEvent, int, error)

	// AttachCapture replaces the artifact and returns the one it replaced.
	AttachCapture(ctx context.Context, kind Kind, id uuid.UUID, ref string, at time.Time) (string, error)
	RecordExtractedText(ctx context.Context, kind Kind, id uuid.UUID, text string, at time.Time) error
	// ApplyDraft overwrites the current version without touching history.
	ApplyDraft(ctx context.Context, kind Kind, id uuid.UUID, v Version) error
	// Verify prepends the non-empty current version to history, installs v
	// as current and stamps the verifier, atomically.
	Verify(ctx context.Context, kind Kind, id uuid.UUID, v Version, verifiedBy *uuid.UUID, at time.Time) error
	SetStatus(ctx context.Context, kind Kind, id uuid.UUID, status lhp.Status, at time.Time) error
	Dispense(ctx context.Context, id uuid.UUID, staffID uuid.UUID, at time.Time) error

	HasRelationship(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}
