package lhp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/validate"
)

// Category names one of the four profile collections. Suggestions call it
// the section.
type Category string

const (
	CategoryChronicCondition  Category = "CHRONIC_CONDITION"
	CategoryAllergy           Category = "ALLERGY"
	CategoryCurrentMedication Category = "CURRENT_MED"
	CategoryPastProcedure     Category = "PAST_PROCEDURE"
)

// Categories lists every category in profile order.
var Categories = []Category{
	CategoryChronicCondition,
	CategoryAllergy,
	CategoryCurrentMedication,
	CategoryPastProcedure,
}

// ParseCategory accepts the canonical names plus the long medication alias
// some extractors emit.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryChronicCondition, CategoryAllergy, CategoryCurrentMedication, CategoryPastProcedure:
		return Category(s), nil
	case "CURRENT_MEDICATION":
		return CategoryCurrentMedication, nil
	}
	return "", apperr.Validation("unknown section %q", s)
}

// Status is the verification status shared by profile entries and clinical
// events.
type Status string

const (
	StatusUnverified      Status = "UNVERIFIED"
	StatusVerifiedDoctor  Status = "VERIFIED_DOCTOR"
	StatusVerifiedStaff   Status = "VERIFIED_STAFF"
	StatusIgnoredByDoctor Status = "IGNORED_BY_DOCTOR"
)

type SourceType string

const (
	SourceConsultation SourceType = "CONSULTATION"
	SourcePrescription SourceType = "PRESCRIPTION"
	SourceManual       SourceType = "MANUAL"
)

// Source records where an entry came from. EventID is a weak reference and
// is nil for manual entries.
type Source struct {
	Type    SourceType `json:"type"`
	EventID *uuid.UUID `json:"event_id,omitempty"`
}

// Fields is the category-specific payload of an entry. It is a closed set:
// ChronicCondition, Allergy, CurrentMedication, PastProcedure.
type Fields interface {
	Category() Category
	sealed()
}

type ChronicCondition struct {
	Label string `json:"label" validate:"notblank"`
	Notes string `json:"notes,omitempty"`
}

type Allergy struct {
	Substance string `json:"substance" validate:"notblank"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// CurrentMedication dates are ISO calendar dates (YYYY-MM-DD).
type CurrentMedication struct {
	Name      string `json:"name" validate:"notblank"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Route     string `json:"route,omitempty"`
	StartDate string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	IsCurrent bool   `json:"is_current"`
}

type PastProcedure struct {
	Procedure string `json:"procedure" validate:"notblank"`
	Date      string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes     string `json:"notes,omitempty"`
}

func (ChronicCondition) Category() Category  { return CategoryChronicCondition }
func (Allergy) Category() Category           { return CategoryAllergy }
func (CurrentMedication) Category() Category { return CategoryCurrentMedication }
func (PastProcedure) Category() Category     { return CategoryPastProcedure }

func (ChronicCondition) sealed()  {}
func (Allergy) sealed()           {}
func (CurrentMedication) sealed() {}
func (PastProcedure) sealed()     {}

// DecodeFields parses raw as the payload for section and validates it. An
// unknown section or a malformed payload is a validation error.
func DecodeFields(section string, raw json.RawMessage) (Fields, error) {
	cat, err := ParseCategory(section)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, apperr.Validation("entry for section %s is empty", cat)
	}

	var f Fields
	switch cat {
	case CategoryChronicCondition:
		var v ChronicCondition
		err = json.Unmarshal(raw, &v)
		f = v
	case CategoryAllergy:
		var v Allergy
		err = json.Unmarshal(raw, &v)
		f = v
	case CategoryCurrentMedication:
		// Absent is_current means the medication is still being taken.
		v := CurrentMedication{IsCurrent: true}
		err = json.Unmarshal(raw, &v)
		f = v
	case CategoryPastProcedure:
		var v PastProcedure
		err = json.Unmarshal(raw, &v)
		f = v
	}
	if err != nil {
		return nil, apperr.WrapValidation("decode "+string(cat)+" entry", err)
	}
	if err := ValidateFields(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ValidateFields checks the struct tags of an already typed payload.
func ValidateFields(f Fields) error {
	if f == nil {
		return apperr.Validation("entry is required")
	}
	return validate.Struct(f)
}

// Entry is one fact in a patient's profile.
type Entry struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	Status          Status     `json:"status"`
	Source          Source     `json:"source"`
	CreatedByUserID *uuid.UUID `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Fields          Fields     `json:"-"`
}

func (e *Entry) Category() Category {
	if e.Fields == nil {
		return ""
	}
	return e.Fields.Category()
}

// MarshalJSON flattens the category fields next to the common ones.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if e.Fields != nil {
		raw, err := json.Marshal(e.Fields)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		out["category"] = e.Fields.Category()
	}
	out["id"] = e.ID
	out["patient_id"] = e.PatientID
	out["status"] = e.Status
	out["source"] = e.Source
	if e.CreatedByUserID != nil {
		out["created_by_user_id"] = e.CreatedByUserID
	}
	out["created_at"] = e.CreatedAt
	out["updated_at"] = e.UpdatedAt
	return json.Marshal(out)
}

// Profile is the resolved view of a patient's four collections.
type Profile struct {
	PatientID          uuid.UUID `json:"patient_id"`
	Chronic            []Entry   `json:"chronic"`
	Allergies          []Entry   `json:"allergies"`
	CurrentMedications []Entry   `json:"current_medications"`
	PastProcedures     []Entry   `json:"past_procedures"`
}

func (p *Profile) set(cat Category, entries []Entry) {
	if entries == nil {
		entries = []Entry{}
	}
	switch cat {
	case CategoryChronicCondition:
		p.Chronic = entries
	case CategoryAllergy:
		p.Allergies = entries
	case CategoryCurrentMedication:
		p.CurrentMedications = entries
	case CategoryPastProcedure:
		p.PastProcedures = entries
	}
}
