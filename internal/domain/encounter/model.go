package encounter

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/validate"
)

// Kind distinguishes the two clinical event types.
type Kind string

const (
	KindConsultation Kind = "CONSULTATION"
	KindPrescription Kind = "PRESCRIPTION"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToUpper(s)) {
	case KindConsultation:
		return KindConsultation, nil
	case KindPrescription:
		return KindPrescription, nil
	}
	return "", apperr.Validation("unknown event kind %q", s)
}

// SourceType is the profile source an event of this kind produces.
func (k Kind) SourceType() lhp.SourceType {
	if k == KindPrescription {
		return lhp.SourcePrescription
	}
	return lhp.SourceConsultation
}

// Stage tracks how far an event has moved through capture and extraction.
type Stage string

const (
	StageCreated     Stage = "CREATED"
	StageCaptured    Stage = "CAPTURED"
	StageTranscribed Stage = "TRANSCRIBED"
	StageDrafted     Stage = "DRAFTED"
	StageVerified    Stage = "VERIFIED"
)

type SOAP struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

func (s *SOAP) IsEmpty() bool {
	return s == nil || (strings.TrimSpace(s.Subjective) == "" && strings.TrimSpace(s.Objective) == "" &&
		strings.TrimSpace(s.Assessment) == "" && strings.TrimSpace(s.Plan) == "")
}

type Medication struct {
	Name         string `json:"name" validate:"notblank"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Route        string `json:"route,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	StartDate    string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	IsCurrent    bool   `json:"is_current"`
}

// Payload is the structured content of an event: a SOAP note for
// consultations, a medication list for prescriptions.
type Payload struct {
	SOAP        *SOAP        `json:"soap,omitempty"`
	Medications []Medication `json:"medications,omitempty"`
}

func (p Payload) IsEmpty() bool {
	return p.SOAP.IsEmpty() && len(p.Medications) == 0
}

// checkKind rejects payloads that do not belong to kind.
func (p Payload) checkKind(kind Kind) error {
	switch kind {
	case KindConsultation:
		if p.SOAP == nil || len(p.Medications) > 0 {
			return apperr.Validation("consultation payload must be a soap note")
		}
	case KindPrescription:
		if p.SOAP != nil {
			return apperr.Validation("prescription payload must be a medication list")
		}
		for i := range p.Medications {
			if err := validate.Struct(p.Medications[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Editor is who produced a version. UserID is nil for the extraction
// pipeline.
type Editor struct {
	UserID *uuid.UUID
	Role   string
}

// PipelineEditor stamps drafts written by the extraction pipeline.
var PipelineEditor = Editor{Role: "pipeline"}

// Version is one revision of an event's payload.
type Version struct {
	Payload
	EditedByUserID *uuid.UUID `json:"edited_by_user_id,omitempty"`
	EditedByRole   string     `json:"edited_by_role,omitempty"`
	EditedAt       time.Time  `json:"edited_at"`
}

func newVersion(p Payload, by Editor, at time.Time) Version {
	return Version{Payload: p, EditedByUserID: by.UserID, EditedByRole: by.Role, EditedAt: at}
}

// ClinicalEvent is a consultation or prescription with its versioned payload.
// History is newest first; History[0] was Current just before the most
// recent verification.
type ClinicalEvent struct {
	ID                   uuid.UUID  `json:"id"`
	Kind                 Kind       `json:"kind"`
	PatientID            uuid.UUID  `json:"patient_id"`
	DoctorID             *uuid.UUID `json:"doctor_id,omitempty"`
	StaffID              *uuid.UUID `json:"staff_id,omitempty"`
	LinkedConsultationID *uuid.UUID `json:"linked_consultation_id,omitempty"`
	CreatedByRole        string     `json:"created_by_role"`
	CreatedByUserID      *uuid.UUID `json:"created_by_user_id,omitempty"`
	ArtifactRef          string     `json:"artifact_ref,omitempty"`
	ExtractedText        string     `json:"extracted_text,omitempty"`
	Current              *Version   `json:"current,omitempty"`
	History              []Version  `json:"history"`
	Status               lhp.Status `json:"status"`
	Stage                Stage      `json:"stage"`
	VerifiedByUserID     *uuid.UUID `json:"verified_by_user_id,omitempty"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	DispensedByStaffID   *uuid.UUID `json:"dispensed_by_staff_id,omitempty"`
	DispensedAt          *time.Time `json:"dispensed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// OwnedBy reports whether doctorID is the event's doctor.
func (e *ClinicalEvent) OwnedBy(doctorID uuid.UUID) bool {
	return e.DoctorID != nil && *e.DoctorID == doctorID
}

// CreateInput carries the identity fields of a new event.
type CreateInput struct {
	PatientID            uuid.UUID  `json:"patient_id"`
	DoctorID             *uuid.UUID `json:"doctor_id,omitempty"`
	StaffID              *uuid.UUID `json:"staff_id,omitempty"`
	LinkedConsultationID *uuid.UUID `json:"linked_consultation_id,omitempty"`
}

// ListFilter narrows List. Nil fields do not filter.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *lhp.Status
}
