package suggestion

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Suggestion) error
	GetByID(ctx context.Context, id uuid.UUID) (*Suggestion, error)
	ListPending(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Suggestion, int, error)
	// Resolve moves a PENDING suggestion to status. It fails with an
	// invalid-state error when the suggestion is no longer pending, and
	// exactly one of any concurrent callers succeeds.
	Resolve(ctx context.Context, id uuid.UUID, status Status, actedBy uuid.UUID, at time.Time) (*Suggestion, error)
}
