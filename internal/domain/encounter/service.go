package encounter

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/auth"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// EditorOf stamps versions written by an authenticated caller.
func EditorOf(id auth.Identity) Editor {
	uid := id.UserID
	return Editor{UserID: &uid, Role: string(id.Role.Kind())}
}

// CreateEvent records a new, empty event. Consultations need a patient and a
// doctor; prescriptions need a patient.
func (s *Service) CreateEvent(ctx context.Context, kind Kind, in CreateInput, creator Editor) (*ClinicalEvent, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	switch kind {
	case KindConsultation:
		if in.DoctorID == nil || *in.DoctorID == uuid.Nil {
			return nil, apperr.Validation("doctor_id is required for a consultation")
		}
		if in.StaffID != nil || in.LinkedConsultationID != nil {
			return nil, apperr.Validation("staff_id and linked_consultation_id only apply to prescriptions")
		}
	case KindPrescription:
	default:
		return nil, apperr.Validation("unknown event kind %q", kind)
	}
	if in.LinkedConsultationID != nil {
		if _, err := s.repo.GetByID(ctx, KindConsultation, *in.LinkedConsultationID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	e := &ClinicalEvent{
		Kind:                 kind,
		PatientID:            in.PatientID,
		DoctorID:             in.DoctorID,
		StaffID:              in.StaffID,
		LinkedConsultationID: in.LinkedConsultationID,
		CreatedByRole:        creator.Role,
		CreatedByUserID:      creator.UserID,
		History:              []Version{},
		Status:               lhp.StatusUnverified,
		Stage:                StageCreated,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, kind Kind, id uuid.UUID) (*ClinicalEvent, error) {
	return s.repo.GetByID(ctx, kind, id)
}

func (s *Service) List(ctx context.Context, kind Kind, f ListFilter, limit, offset int) ([]*ClinicalEvent, int, error) {
	return s.repo.List(ctx, kind, f, limit, offset)
}

// AttachCapture stores the artifact reference and returns the previous one so
// the caller can release it.
func (s *Service) AttachCapture(ctx context.Context, kind Kind, id uuid.UUID, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", apperr.Validation("artifact reference is required")
	}
	return s.repo.AttachCapture(ctx, kind, id, ref, s.now())
}

// RecordExtractedText stores the transcript or OCR text. The structured
// payload is left alone.
func (s *Service) RecordExtractedText(ctx context.Context, kind Kind, id uuid.UUID, text string) error {
	return s.repo.RecordExtractedText(ctx, kind, id, text, s.now())
}

// ApplyDraft replaces the current version with an unverified draft. History
// is untouched.
func (s *Service) ApplyDraft(ctx context.Context, kind Kind, id uuid.UUID, p Payload, by Editor) error {
	if err := p.checkKind(kind); err != nil {
		return err
	}
	return s.repo.ApplyDraft(ctx, kind, id, newVersion(p, by, s.now()))
}

// Verify installs the doctor's payload as current after moving the previous
// current version onto history. Only the event's own doctor may verify.
func (s *Service) Verify(ctx context.Context, kind Kind, id uuid.UUID, p Payload, caller auth.Identity) (*ClinicalEvent, error) {
	e, err := s.repo.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	doctorID, isDoctor := caller.DoctorID()
	if !isDoctor || !e.OwnedBy(doctorID) {
		return nil, apperr.Forbidden("only the event's doctor may verify it")
	}
	if err := p.checkKind(kind); err != nil {
		return nil, err
	}
	editor := EditorOf(caller)
	if err := s.repo.Verify(ctx, kind, id, newVersion(p, editor, s.now()), editor.UserID, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, kind, id)
}

// CanEdit reports whether caller may change e's capture or draft. Patients
// never may; doctors only their own events; staff only prescriptions.
func CanEdit(e *ClinicalEvent, caller auth.Identity) error {
	switch r := caller.Role.(type) {
	case auth.Admin:
		return nil
	case auth.Doctor:
		if e.OwnedBy(r.DoctorID) {
			return nil
		}
		return apperr.Forbidden("not your %s", strings.ToLower(string(e.Kind)))
	case auth.Staff:
		if e.Kind == KindPrescription {
			return nil
		}
	}
	return apperr.Forbidden("role %s may not modify a %s", caller.Role.Kind(), strings.ToLower(string(e.Kind)))
}

// CanRead reports whether caller may see e.
func CanRead(e *ClinicalEvent, caller auth.Identity) error {
	switch r := caller.Role.(type) {
	case auth.Admin:
		return nil
	case auth.Doctor:
		if e.OwnedBy(r.DoctorID) {
			return nil
		}
	case auth.Patient:
		if e.PatientID == r.PatientID {
			return nil
		}
	case auth.Staff:
		if e.Kind == KindPrescription {
			return nil
		}
	}
	return apperr.Forbidden("not allowed to view this %s", strings.ToLower(string(e.Kind)))
}

// GetAs loads an event and checks caller may read it.
func (s *Service) GetAs(ctx context.Context, kind Kind, id uuid.UUID, caller auth.Identity) (*ClinicalEvent, error) {
	e, err := s.repo.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if err := CanRead(e, caller); err != nil {
		return nil, err
	}
	return e, nil
}

// ApplyDraftAs is ApplyDraft for a human editor.
func (s *Service) ApplyDraftAs(ctx context.Context, kind Kind, id uuid.UUID, p Payload, caller auth.Identity) (*ClinicalEvent, error) {
	e, err := s.repo.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if err := CanEdit(e, caller); err != nil {
		return nil, err
	}
	if err := s.ApplyDraft(ctx, kind, id, p, EditorOf(caller)); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, kind, id)
}

// AttachCaptureAs is AttachCapture for a human uploader.
func (s *Service) AttachCaptureAs(ctx context.Context, kind Kind, id uuid.UUID, ref string, caller auth.Identity) (string, error) {
	e, err := s.repo.GetByID(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if err := CanEdit(e, caller); err != nil {
		return "", err
	}
	return s.AttachCapture(ctx, kind, id, ref)
}

// Dispense marks a prescription as verified and dispensed by staff.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, caller auth.Identity) (*ClinicalEvent, error) {
	if _, err := s.repo.GetByID(ctx, KindPrescription, id); err != nil {
		return nil, err
	}
	staffID, ok := caller.StaffID()
	if !ok {
		return nil, apperr.Forbidden("only staff may dispense")
	}
	if err := s.repo.Dispense(ctx, id, staffID, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, KindPrescription, id)
}

// Ignore marks an event as deliberately not verified by its doctor.
func (s *Service) Ignore(ctx context.Context, kind Kind, id uuid.UUID, caller auth.Identity) (*ClinicalEvent, error) {
	e, err := s.repo.GetByID(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if doctorID, ok := caller.DoctorID(); !(ok && e.OwnedBy(doctorID)) && !caller.IsAdmin() {
		return nil, apperr.Forbidden("only the event's doctor may ignore it")
	}
	if e.Status == lhp.StatusVerifiedDoctor {
		return nil, apperr.InvalidState("a verified %s cannot be ignored", strings.ToLower(string(kind)))
	}
	if err := s.repo.SetStatus(ctx, kind, id, lhp.StatusIgnoredByDoctor, s.now()); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, kind, id)
}

func (s *Service) HasRelationship(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	return s.repo.HasRelationship(ctx, doctorID, patientID)
}

// timelineLimit caps each kind in a patient timeline.
const timelineLimit = 200

// Timeline merges a patient's consultations and prescriptions, newest first.
func (s *Service) Timeline(ctx context.Context, patientID uuid.UUID) ([]*ClinicalEvent, error) {
	f := ListFilter{PatientID: &patientID}
	var all []*ClinicalEvent
	for _, kind := range []Kind{KindConsultation, KindPrescription} {
		items, _, err := s.repo.List(ctx, kind, f, timelineLimit, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}
