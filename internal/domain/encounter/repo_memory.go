package encounter

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
)

// MemoryRepo is a goroutine-safe Repository with the same single-row
// semantics as the Postgres one. Reads return deep copies.
type MemoryRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*ClinicalEvent
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{events: make(map[uuid.UUID]*ClinicalEvent)}
}

func cloneEvent(e *ClinicalEvent) *ClinicalEvent {
	c := *e
	if e.Current != nil {
		cur := cloneVersion(*e.Current)
		c.Current = &cur
	}
	c.History = make([]Version, len(e.History))
	for i, v := range e.History {
		c.History[i] = cloneVersion(v)
	}
	return &c
}

func cloneVersion(v Version) Version {
	if v.SOAP != nil {
		s := *v.SOAP
		v.SOAP = &s
	}
	v.Medications = slices.Clone(v.Medications)
	return v
}

func (m *MemoryRepo) get(kind Kind, id uuid.UUID) (*ClinicalEvent, error) {
	e, ok := m.events[id]
	if !ok || e.Kind != kind {
		return nil, apperr.NotFound("%s %s not found", kind, id)
	}
	return e, nil
}

func (m *MemoryRepo) Create(_ context.Context, e *ClinicalEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.History == nil {
		e.History = []Version{}
	}
	m.mu.Lock()
	m.events[e.ID] = cloneEvent(e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, kind Kind, id uuid.UUID) (*ClinicalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return nil, err
	}
	return cloneEvent(e), nil
}

func (m *MemoryRepo) List(_ context.Context, kind Kind, f ListFilter, limit, offset int) ([]*ClinicalEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ClinicalEvent
	for _, e := range m.events {
		if e.Kind != kind {
			continue
		}
		if f.PatientID != nil && e.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && !e.OwnedBy(*f.DoctorID) {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		all = append(all, cloneEvent(e))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *MemoryRepo) AttachCapture(_ context.Context, kind Kind, id uuid.UUID, ref string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return "", err
	}
	prev := e.ArtifactRef
	e.ArtifactRef, e.Stage, e.UpdatedAt = ref, StageCaptured, at
	return prev, nil
}

func (m *MemoryRepo) RecordExtractedText(_ context.Context, kind Kind, id uuid.UUID, text string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return err
	}
	e.ExtractedText, e.UpdatedAt = text, at
	if e.Stage == StageCaptured {
		e.Stage = StageTranscribed
	}
	return nil
}

func (m *MemoryRepo) ApplyDraft(_ context.Context, kind Kind, id uuid.UUID, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return err
	}
	e.Current = storedVersion(cloneVersion(v))
	e.Stage, e.UpdatedAt = StageDrafted, v.EditedAt
	return nil
}

func (m *MemoryRepo) Verify(_ context.Context, kind Kind, id uuid.UUID, v Version, verifiedBy *uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return err
	}
	if e.Current != nil {
		e.History = append([]Version{*e.Current}, e.History...)
	}
	e.Current = storedVersion(cloneVersion(v))
	e.Status, e.Stage = lhp.StatusVerifiedDoctor, StageVerified
	e.VerifiedByUserID, e.VerifiedAt, e.UpdatedAt = verifiedBy, &at, at
	return nil
}

func (m *MemoryRepo) SetStatus(_ context.Context, kind Kind, id uuid.UUID, status lhp.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(kind, id)
	if err != nil {
		return err
	}
	e.Status, e.UpdatedAt = status, at
	return nil
}

func (m *MemoryRepo) Dispense(_ context.Context, id uuid.UUID, staffID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.get(KindPrescription, id)
	if err != nil {
		return err
	}
	if e.StaffID == nil {
		e.StaffID = &staffID
	}
	e.Status, e.DispensedByStaffID, e.DispensedAt, e.UpdatedAt = lhp.StatusVerifiedStaff, &staffID, &at, at
	return nil
}

func (m *MemoryRepo) HasRelationship(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.PatientID == patientID && e.OwnedBy(doctorID) {
			return true, nil
		}
	}
	return false, nil
}
