package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/websocket"
)

type inlineTx struct{}

func (inlineTx) InTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepo
	entries  *lhp.MemoryRepo
	events   *recordingPublisher
	doctorID uuid.UUID
	patient  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, entries, events := NewMemoryRepo(), lhp.NewMemoryRepo(), &recordingPublisher{}
	svc := NewService(repo, lhp.NewService(entries), inlineTx{}, events)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	svc.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	return &fixture{svc: svc, repo: repo, entries: entries, events: events, doctorID: uuid.New(), patient: uuid.New()}
}

func (f *fixture) propose(t *testing.T, fields lhp.Fields) *Suggestion {
	t.Helper()
	eventID := uuid.New()
	sg, err := f.svc.Create(context.Background(), &Suggestion{
		PatientID:     f.patient,
		DoctorID:      f.doctorID,
		SourceType:    lhp.SourceConsultation,
		SourceEventID: &eventID,
		Section:       fields.Category(),
		ProposedEntry: fields,
	})
	if err != nil {
		t.Fatalf("create suggestion: %v", err)
	}
	return sg
}

func (f *fixture) act(id uuid.UUID, action Action, edited string) (*Outcome, error) {
	req := ActRequest{SuggestionID: id, ActingUserID: uuid.New(), ActingDoctorID: f.doctorID, Action: action}
	if edited != "" {
		req.EditedEntry = json.RawMessage(edited)
	}
	return f.svc.Act(context.Background(), req)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	eventID := uuid.New()
	valid := func() *Suggestion {
		return &Suggestion{
			PatientID: f.patient, DoctorID: f.doctorID, SourceType: lhp.SourcePrescription, SourceEventID: &eventID,
			Section: lhp.CategoryAllergy, ProposedEntry: lhp.Allergy{Substance: "Penicillin"},
		}
	}
	tests := []struct {
		name   string
		mutate func(s *Suggestion)
	}{
		{"missing patient", func(s *Suggestion) { s.PatientID = uuid.Nil }},
		{"missing doctor", func(s *Suggestion) { s.DoctorID = uuid.Nil }},
		{"manual source", func(s *Suggestion) { s.SourceType = lhp.SourceManual }},
		{"missing source event", func(s *Suggestion) { s.SourceEventID = nil }},
		{"unknown section", func(s *Suggestion) { s.Section = "FAMILY_HISTORY" }},
		{"section mismatch", func(s *Suggestion) { s.Section = lhp.CategoryChronicCondition }},
		{"blank substance", func(s *Suggestion) { s.ProposedEntry = lhp.Allergy{Substance: "  "} }},
		{"no entry", func(s *Suggestion) { s.ProposedEntry = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			if _, err := f.svc.Create(context.Background(), s); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if got, _, _ := f.repo.ListPending(context.Background(), f.doctorID, 10, 0); len(got) != 0 {
		t.Errorf("invalid suggestions were stored: %d", len(got))
	}
}

func TestCreate_ForcesPending(t *testing.T) {
	f := newFixture(t)
	eventID := uuid.New()
	sg, err := f.svc.Create(context.Background(), &Suggestion{
		PatientID: f.patient, DoctorID: f.doctorID, SourceType: lhp.SourceConsultation, SourceEventID: &eventID,
		Section: lhp.CategoryChronicCondition, ProposedEntry: lhp.ChronicCondition{Label: "Asthma"},
		Status: StatusAccepted,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sg.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", sg.Status)
	}
	if len(f.events.events) != 2 {
		t.Errorf("expected doctor and patient notifications, got %d", len(f.events.events))
	}
}

func TestListPendingForDoctor_NewestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.propose(t, lhp.ChronicCondition{Label: "Hypertension"})
	second := f.propose(t, lhp.Allergy{Substance: "Peanuts"})
	third := f.propose(t, lhp.PastProcedure{Procedure: "Appendectomy"})
	if _, err := f.act(second.ID, ActionReject, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// Another doctor's suggestion never shows up.
	other := *first
	other.ID, other.DoctorID = uuid.Nil, uuid.New()
	if _, err := f.svc.Create(context.Background(), &other); err != nil {
		t.Fatalf("create other: %v", err)
	}

	items, total, err := f.svc.ListPendingForDoctor(context.Background(), f.doctorID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 pending, got total=%d len=%d", total, len(items))
	}
	if items[0].ID != third.ID || items[1].ID != first.ID {
		t.Errorf("expected newest first")
	}
}

func TestAct_AcceptCreatesOneVerifiedEntry(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.CurrentMedication{Name: "Amoxicillin", Dosage: "500mg", IsCurrent: true})

	out, err := f.act(sg.ID, ActionAccept, "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.Suggestion.Status != StatusAccepted || out.Suggestion.ActedAt == nil || out.Suggestion.ActedByUserID == nil {
		t.Errorf("suggestion not stamped: %+v", out.Suggestion)
	}
	e := out.Entry
	if e == nil {
		t.Fatal("expected an entry")
	}
	if e.Status != lhp.StatusVerifiedDoctor {
		t.Errorf("expected VERIFIED_DOCTOR, got %s", e.Status)
	}
	if e.Source.Type != lhp.SourceConsultation || e.Source.EventID == nil || *e.Source.EventID != *sg.SourceEventID {
		t.Errorf("entry source %+v does not match suggestion", e.Source)
	}
	if e.CreatedByUserID == nil || *e.CreatedByUserID != *out.Suggestion.ActedByUserID {
		t.Errorf("entry author should be the acting user")
	}
	med, ok := e.Fields.(lhp.CurrentMedication)
	if !ok || med.Name != "Amoxicillin" {
		t.Errorf("unexpected fields %#v", e.Fields)
	}
	if n := len(f.entries.All()); n != 1 {
		t.Errorf("expected exactly one entry, got %d", n)
	}
}

func TestAct_AcceptWithEdit(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.Allergy{Substance: "Penicilin"})

	out, err := f.act(sg.ID, ActionAccept, `{"substance":"Penicillin","reaction":"rash","severity":"moderate"}`)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	a := out.Entry.Fields.(lhp.Allergy)
	if a.Substance != "Penicillin" || a.Reaction != "rash" {
		t.Errorf("edit not applied: %+v", a)
	}
}

func TestAct_AcceptMalformedEditLeavesPending(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.Allergy{Substance: "Latex"})

	if _, err := f.act(sg.ID, ActionAccept, `{"substance":""}`); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), sg.ID)
	if got.Status != StatusPending || len(f.entries.All()) != 0 {
		t.Errorf("failed accept must not change anything")
	}
}

func TestAct_UnknownSectionIsValidation(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.ChronicCondition{Label: "Diabetes"})
	// Simulate a row written with a section this build does not know.
	f.repo.mu.Lock()
	f.repo.items[sg.ID].Section = "SOCIAL_HISTORY"
	f.repo.mu.Unlock()

	if _, err := f.act(sg.ID, ActionAccept, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAct_ErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sg := f.propose(t, lhp.ChronicCondition{Label: "Asthma"})
	if _, err := f.act(sg.ID, ActionReject, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	tests := []struct {
		name string
		req  ActRequest
		want error
	}{
		{"missing", ActRequest{SuggestionID: uuid.New(), ActingDoctorID: uuid.New(), Action: ActionAccept}, apperr.ErrNotFound},
		{"wrong doctor on resolved", ActRequest{SuggestionID: sg.ID, ActingDoctorID: uuid.New(), Action: ActionAccept}, apperr.ErrForbidden},
		{"owner on resolved", ActRequest{SuggestionID: sg.ID, ActingDoctorID: f.doctorID, Action: ActionAccept}, apperr.ErrInvalidState},
		{"bad action", ActRequest{SuggestionID: sg.ID, ActingDoctorID: f.doctorID, Action: "maybe"}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Act(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAccept_ReturnsTheCreatedEntry(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.PastProcedure{Procedure: "Appendectomy"})
	actor := uuid.New()

	entry, err := f.svc.Accept(context.Background(), ActRequest{SuggestionID: sg.ID, ActingUserID: actor, ActingDoctorID: f.doctorID})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if entry == nil || entry.Status != lhp.StatusVerifiedDoctor {
		t.Fatalf("expected a verified entry, got %+v", entry)
	}
	if proc, ok := entry.Fields.(lhp.PastProcedure); !ok || proc.Procedure != "Appendectomy" {
		t.Errorf("unexpected fields %#v", entry.Fields)
	}
	if entry.CreatedByUserID == nil || *entry.CreatedByUserID != actor {
		t.Errorf("entry author should be the acting user")
	}
	got, _ := f.repo.GetByID(context.Background(), sg.ID)
	if got.Status != StatusAccepted {
		t.Errorf("expected ACCEPTED, got %s", got.Status)
	}
}

func TestReject_ReturnsTheSuggestion(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.Allergy{Substance: "Latex"})

	// The request's own action is ignored.
	rejected, err := f.svc.Reject(context.Background(), ActRequest{
		SuggestionID: sg.ID, ActingUserID: uuid.New(), ActingDoctorID: f.doctorID, Action: ActionAccept,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.ID != sg.ID || rejected.Status != StatusRejected || rejected.ActedAt == nil {
		t.Errorf("unexpected suggestion %+v", rejected)
	}
	if n := len(f.entries.All()); n != 0 {
		t.Errorf("reject created %d entries", n)
	}

	if _, err := f.svc.Accept(context.Background(), ActRequest{SuggestionID: sg.ID, ActingDoctorID: f.doctorID}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected invalid state after reject, got %v", err)
	}
}

func TestAct_ForbiddenDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.ChronicCondition{Label: "Asthma"})
	_, err := f.svc.Act(context.Background(), ActRequest{
		SuggestionID: sg.ID, ActingUserID: uuid.New(), ActingDoctorID: uuid.New(), Action: ActionAccept,
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), sg.ID)
	if got.Status != StatusPending || got.ActedAt != nil || len(f.entries.All()) != 0 {
		t.Errorf("forbidden act mutated state")
	}
}

func TestAct_ConcurrentResolutionHasOneWinner(t *testing.T) {
	f := newFixture(t)
	sg := f.propose(t, lhp.Allergy{Substance: "Sulfa"})

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < workers; i++ {
		action := ActionAccept
		if i%2 == 1 {
			action = ActionReject
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.act(sg.ID, action, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrInvalidState):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflict != workers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", workers-1, wins, conflict)
	}
	got, _ := f.repo.GetByID(context.Background(), sg.ID)
	wantEntries := 0
	if got.Status == StatusAccepted {
		wantEntries = 1
	}
	if n := len(f.entries.All()); n != wantEntries {
		t.Errorf("status %s with %d entries", got.Status, n)
	}
}

type failingEntries struct{}

func (failingEntries) CreateEntry(context.Context, *lhp.Entry) error { return errors.New("disk full") }

func TestAct_EntryFailureSurfaces(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, failingEntries{}, inlineTx{}, nil)
	eventID, doctorID := uuid.New(), uuid.New()
	sg, err := svc.Create(context.Background(), &Suggestion{
		PatientID: uuid.New(), DoctorID: doctorID, SourceType: lhp.SourceConsultation, SourceEventID: &eventID,
		Section: lhp.CategoryAllergy, ProposedEntry: lhp.Allergy{Substance: "Iodine"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.Act(context.Background(), ActRequest{SuggestionID: sg.ID, ActingUserID: uuid.New(), ActingDoctorID: doctorID, Action: ActionAccept})
	if err == nil || err.Error() != "disk full" {
		t.Errorf("expected entry error, got %v", err)
	}
}
