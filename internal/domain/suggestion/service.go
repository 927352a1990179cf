package suggestion

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/telemetry"
	"github.com/ehr/lhp/internal/platform/websocket"
)

// EntryWriter persists accepted entries.
type EntryWriter interface {
	CreateEntry(ctx context.Context, e *lhp.Entry) error
}

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo    Repository
	entries EntryWriter
	tx      TxRunner
	events  websocket.EventPublisher
	now     func() time.Time

	tracer   trace.Tracer
	created  metric.Int64Counter
	resolved metric.Int64Counter
}

// NewService wires the workflow. events may be nil.
func NewService(repo Repository, entries EntryWriter, tx TxRunner, events websocket.EventPublisher) *Service {
	return &Service{
		repo:     repo,
		entries:  entries,
		tx:       tx,
		events:   events,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   telemetry.Tracer(),
		created:  telemetry.Counter("lhp.suggestion.created", "Suggestions created"),
		resolved: telemetry.Counter("lhp.suggestion.resolved", "Suggestions accepted or rejected"),
	}
}

// Create validates s and stores it as PENDING.
func (s *Service) Create(ctx context.Context, sg *Suggestion) (*Suggestion, error) {
	if sg.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	if sg.DoctorID == uuid.Nil {
		return nil, apperr.Validation("doctor_id is required")
	}
	switch sg.SourceType {
	case lhp.SourceConsultation, lhp.SourcePrescription:
	default:
		return nil, apperr.Validation("source_type must be CONSULTATION or PRESCRIPTION, got %q", sg.SourceType)
	}
	if sg.SourceEventID == nil {
		return nil, apperr.Validation("source_event_id is required")
	}
	section, err := lhp.ParseCategory(string(sg.Section))
	if err != nil {
		return nil, err
	}
	if err := lhp.ValidateFields(sg.ProposedEntry); err != nil {
		return nil, err
	}
	if sg.ProposedEntry.Category() != section {
		return nil, apperr.Validation("proposed entry is a %s, section is %s", sg.ProposedEntry.Category(), section)
	}

	sg.Section = section
	sg.Status = StatusPending
	sg.ActedByUserID, sg.ActedAt = nil, nil
	sg.CreatedAt = s.now()
	if err := s.repo.Create(ctx, sg); err != nil {
		return nil, err
	}
	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("section", string(section))))
	s.publish(ctx, "suggestion.created", sg)
	return sg, nil
}

// ListPendingForDoctor returns the doctor's PENDING suggestions, newest first.
func (s *Service) ListPendingForDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Suggestion, int, error) {
	if doctorID == uuid.Nil {
		return nil, 0, apperr.Validation("doctor_id is required")
	}
	return s.repo.ListPending(ctx, doctorID, limit, offset)
}

// Act resolves a suggestion. Checks run in a fixed order: not found, then
// not the intended doctor, then no longer pending. None of them mutate
// anything. Accepting writes the entry and flips the status in one
// transaction.
func (s *Service) Act(ctx context.Context, req ActRequest) (out *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "suggestion.Act", trace.WithAttributes(
		attribute.String("suggestion.id", req.SuggestionID.String()),
		attribute.String("suggestion.action", string(req.Action)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	action, err := ParseAction(string(req.Action))
	if err != nil {
		return nil, err
	}
	sg, err := s.repo.GetByID(ctx, req.SuggestionID)
	if err != nil {
		return nil, err
	}
	if sg.DoctorID != req.ActingDoctorID {
		return nil, apperr.Forbidden("suggestion %s is assigned to another doctor", sg.ID)
	}
	if sg.Status != StatusPending {
		return nil, apperr.InvalidState("suggestion %s is already %s", sg.ID, sg.Status)
	}

	switch action {
	case ActionReject:
		resolved, err := s.repo.Resolve(ctx, sg.ID, StatusRejected, req.ActingUserID, s.now())
		if err != nil {
			return nil, err
		}
		out = &Outcome{Suggestion: resolved}
	default:
		fields, err := acceptedFields(sg, req)
		if err != nil {
			return nil, err
		}
		out, err = s.accept(ctx, sg, fields, req.ActingUserID)
		if err != nil {
			return nil, err
		}
	}

	s.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
	s.publish(ctx, "suggestion."+strings.ToLower(string(out.Suggestion.Status)), out.Suggestion)
	zerolog.Ctx(ctx).Info().
		Str("suggestion_id", sg.ID.String()).
		Str("status", string(out.Suggestion.Status)).
		Msg("suggestion resolved")
	return out, nil
}

// Accept resolves the suggestion as ACCEPTED and returns the profile entry
// it created.
func (s *Service) Accept(ctx context.Context, req ActRequest) (*lhp.Entry, error) {
	req.Action = ActionAccept
	out, err := s.Act(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Entry, nil
}

// Reject resolves the suggestion as REJECTED and returns it.
func (s *Service) Reject(ctx context.Context, req ActRequest) (*Suggestion, error) {
	req.Action = ActionReject
	out, err := s.Act(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Suggestion, nil
}

// acceptedFields returns the doctor's edit when present, else the proposal,
// validated against the suggestion's section.
func acceptedFields(sg *Suggestion, req ActRequest) (lhp.Fields, error) {
	if len(req.EditedEntry) > 0 && string(req.EditedEntry) != "null" {
		return lhp.DecodeFields(string(sg.Section), req.EditedEntry)
	}
	section, err := lhp.ParseCategory(string(sg.Section))
	if err != nil {
		return nil, err
	}
	if err := lhp.ValidateFields(sg.ProposedEntry); err != nil {
		return nil, err
	}
	if sg.ProposedEntry.Category() != section {
		return nil, apperr.Validation("proposed entry does not match section %s", section)
	}
	return sg.ProposedEntry, nil
}

func (s *Service) accept(ctx context.Context, sg *Suggestion, fields lhp.Fields, actingUserID uuid.UUID) (*Outcome, error) {
	var out Outcome
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		resolved, err := s.repo.Resolve(ctx, sg.ID, StatusAccepted, actingUserID, s.now())
		if err != nil {
			return err
		}
		createdBy := actingUserID
		entry := &lhp.Entry{
			PatientID:       sg.PatientID,
			Status:          lhp.StatusVerifiedDoctor,
			Source:          sg.Source(),
			CreatedByUserID: &createdBy,
			Fields:          fields,
		}
		if err := s.entries.CreateEntry(ctx, entry); err != nil {
			return err
		}
		out = Outcome{Suggestion: resolved, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) publish(ctx context.Context, eventType string, sg *Suggestion) {
	if s.events == nil {
		return
	}
	for _, topic := range []string{websocket.DoctorTopic(sg.DoctorID), websocket.PatientTopic(sg.PatientID)} {
		ev, err := websocket.NewEvent(eventType, topic, "Suggestion", sg.ID.String(), sg)
		if err == nil {
			err = s.events.Publish(ctx, ev)
		}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("publish suggestion event")
		}
	}
}
