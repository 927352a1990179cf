package lhp

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	// ListByPatient returns the patient's entries in cat, newest first. A nil
	// statuses slice applies no status filter.
	ListByPatient(ctx context.Context, cat Category, patientID uuid.UUID, statuses []Status) ([]Entry, error)
}
