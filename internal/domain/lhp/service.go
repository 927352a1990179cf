package lhp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/auth"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// VisibleStatuses returns the status filter for viewer. A nil slice means no
// filter. Doctors and staff only see doctor-verified facts; the patient and
// admins see everything.
func VisibleStatuses(viewer auth.Role) ([]Status, error) {
	switch viewer.(type) {
	case auth.Doctor, auth.Staff:
		return []Status{StatusVerifiedDoctor}, nil
	case auth.Patient, auth.Admin:
		return nil, nil
	case nil:
		return nil, apperr.Validation("viewer role is required")
	}
	return []Status{StatusVerifiedDoctor}, nil
}

// GetLhp resolves the profile of patientID as seen by viewer. The four
// collections are read concurrently; any read failure fails the whole call.
// Access control happens before this call.
func (s *Service) GetLhp(ctx context.Context, patientID uuid.UUID, viewer auth.Role) (*Profile, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	statuses, err := VisibleStatuses(viewer)
	if err != nil {
		return nil, err
	}

	results := make([][]Entry, len(Categories))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range Categories {
		i, cat := i, cat
		g.Go(func() error {
			entries, err := s.repo.ListByPatient(gctx, cat, patientID, statuses)
			if err != nil {
				return fmt.Errorf("list %s: %w", cat, err)
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p := &Profile{PatientID: patientID}
	for i, cat := range Categories {
		p.set(cat, results[i])
	}
	return p, nil
}

// CreateEntry persists e after validating it. Timestamps default to now.
func (s *Service) CreateEntry(ctx context.Context, e *Entry) error {
	if e.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if err := ValidateFields(e.Fields); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = StatusUnverified
	}
	if e.Source.Type == "" {
		return apperr.Validation("source type is required")
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return s.repo.Create(ctx, e)
}

// ManualStatus is the status a directly entered fact gets from its author.
func ManualStatus(author auth.Role) Status {
	switch author.(type) {
	case auth.Doctor:
		return StatusVerifiedDoctor
	case auth.Staff, auth.Admin:
		return StatusVerifiedStaff
	default:
		return StatusUnverified
	}
}

// CreateManualEntry adds a fact typed in by a person rather than derived from
// an encounter.
func (s *Service) CreateManualEntry(ctx context.Context, patientID uuid.UUID, fields Fields, author auth.Identity) (*Entry, error) {
	if author.Role == nil {
		return nil, apperr.Validation("author role is required")
	}
	createdBy := author.UserID
	e := &Entry{
		PatientID:       patientID,
		Status:          ManualStatus(author.Role),
		Source:          Source{Type: SourceManual},
		CreatedByUserID: &createdBy,
		Fields:          fields,
	}
	if err := s.CreateEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
