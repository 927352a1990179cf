package suggestion

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAccept, ActionReject:
		return a, nil
	}
	return "", apperr.Validation("action must be accept or reject, got %q", s)
}

// Suggestion is a proposed profile entry awaiting a doctor's decision.
type Suggestion struct {
	ID            uuid.UUID      `json:"id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	DoctorID      uuid.UUID      `json:"doctor_id"`
	SourceType    lhp.SourceType `json:"source_type"`
	SourceEventID *uuid.UUID     `json:"source_event_id,omitempty"`
	Section       lhp.Category   `json:"section"`
	ProposedEntry lhp.Fields     `json:"proposed_entry"`
	Status        Status         `json:"status"`
	ActedByUserID *uuid.UUID     `json:"acted_by_user_id,omitempty"`
	ActedAt       *time.Time     `json:"acted_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Source is the provenance an accepted entry inherits.
func (s *Suggestion) Source() lhp.Source {
	return lhp.Source{Type: s.SourceType, EventID: s.SourceEventID}
}

// CreateInput is the wire form of a new suggestion. ProposedEntry is decoded
// against Section.
type CreateInput struct {
	PatientID     uuid.UUID       `json:"patient_id"`
	DoctorID      uuid.UUID       `json:"doctor_id"`
	SourceType    lhp.SourceType  `json:"source_type"`
	SourceEventID *uuid.UUID      `json:"source_event_id,omitempty"`
	Section       string          `json:"section"`
	ProposedEntry json.RawMessage `json:"proposed_entry"`
}

// Suggestion decodes in into a suggestion ready for Create.
func (in CreateInput) Suggestion() (*Suggestion, error) {
	fields, err := lhp.DecodeFields(in.Section, in.ProposedEntry)
	if err != nil {
		return nil, err
	}
	return &Suggestion{
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		SourceType:    in.SourceType,
		SourceEventID: in.SourceEventID,
		Section:       fields.Category(),
		ProposedEntry: fields,
	}, nil
}

// ActRequest is a doctor's decision on one suggestion. EditedEntry, when
// present, replaces the proposed entry on accept.
type ActRequest struct {
	SuggestionID   uuid.UUID
	ActingUserID   uuid.UUID
	ActingDoctorID uuid.UUID
	Action         Action
	EditedEntry    json.RawMessage
}

// Outcome is the result of Act: the suggestion after the transition, plus
// the created entry on accept.
type Outcome struct {
	Suggestion *Suggestion `json:"suggestion"`
	Entry      *lhp.Entry  `json:"entry,omitempty"`
}
