package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/lhp/internal/domain/encounter"
	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/domain/suggestion"
	"github.com/ehr/lhp/internal/platform/auth"
	"github.com/ehr/lhp/internal/platform/db"
	"github.com/ehr/lhp/internal/platform/extraction"
	"github.com/ehr/lhp/internal/platform/queue"
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

func (p *recordingPublisher) types() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int{}
	for _, ev := range p.events {
		out[ev.Type]++
	}
	return out
}

// stubExtractor overrides individual mock calls.
type stubExtractor struct {
	*extraction.Mock
	transcribeErr error
	structure     json.RawMessage
	proposals     []extraction.Proposal

	// Transcribe calls for refs matching stalls report on entered, then
	// wait for release.
	stalls  func(ref string) bool
	entered chan string
	release chan struct{}
}

func (s *stubExtractor) Transcribe(ctx context.Context, kind, ref string) (string, error) {
	if s.stalls != nil && s.stalls(ref) {
		s.entered <- ref
		<-s.release
	}
	if s.transcribeErr != nil {
		return "", s.transcribeErr
	}
	return s.Mock.Transcribe(ctx, kind, ref)
}

func (s *stubExtractor) Structure(ctx context.Context, kind, text string) (json.RawMessage, error) {
	if s.structure != nil {
		return s.structure, nil
	}
	return s.Mock.Structure(ctx, kind, text)
}

func (s *stubExtractor) ProposeLhpEntries(ctx context.Context, subject extraction.Subject) ([]extraction.Proposal, error) {
	if s.proposals != nil {
		return s.proposals, nil
	}
	return s.Mock.ProposeLhpEntries(ctx, subject)
}

type recordingScope struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recordingScope) Run(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	r.mu.Lock()
	r.tenants = append(r.tenants, tenantID)
	r.mu.Unlock()
	return fn(db.WithTenant(ctx, tenantID))
}

type fixture struct {
	orch        *Orchestrator
	queue       *queue.MemoryQueue
	events      *encounter.Service
	suggestions *suggestion.Service
	extractor   *stubExtractor
	published   *recordingPublisher
	scope       *recordingScope
	doctorID    uuid.UUID
	doctor      auth.Identity
	patientID   uuid.UUID
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	q := queue.NewMemoryQueue(64)
	t.Cleanup(func() { q.Close() })

	published := &recordingPublisher{}
	events := encounter.NewService(encounter.NewMemoryRepo())
	suggestions := suggestion.NewService(suggestion.NewMemoryRepo(), lhp.NewService(lhp.NewMemoryRepo()), inlineTx{}, published)
	ext := &stubExtractor{Mock: extraction.NewMock()}
	scope := &recordingScope{}

	orch := NewOrchestrator(q, events, suggestions, ext, Options{
		SuggestionDelay: delay,
		Scope:           scope,
		Events:          published,
		Logger:          zerolog.Nop(),
	})
	doctorID := uuid.New()
	return &fixture{
		orch:        orch,
		queue:       q,
		events:      events,
		suggestions: suggestions,
		extractor:   ext,
		published:   published,
		scope:       scope,
		doctorID:    doctorID,
		doctor:      auth.Identity{UserID: uuid.New(), Role: auth.Doctor{DoctorID: doctorID}},
		patientID:   uuid.New(),
	}
}

// capturedConsultation creates a consultation with an attached recording and
// submits it.
func (f *fixture) capturedConsultation(t *testing.T, ctx context.Context) *encounter.ClinicalEvent {
	t.Helper()
	return f.capturedRecording(t, ctx, "mem://consultation/audio.webm")
}

func (f *fixture) capturedRecording(t *testing.T, ctx context.Context, ref string) *encounter.ClinicalEvent {
	t.Helper()
	e, err := f.events.CreateEvent(ctx, encounter.KindConsultation,
		encounter.CreateInput{PatientID: f.patientID, DoctorID: &f.doctorID}, encounter.EditorOf(f.doctor))
	require.NoError(t, err)
	_, err = f.events.AttachCapture(ctx, encounter.KindConsultation, e.ID, ref)
	require.NoError(t, err)
	require.NoError(t, f.orch.Submit(ctx, encounter.KindConsultation, e.ID))
	return e
}

// drain handles queued jobs on the calling goroutine until none are left.
func (f *fixture) drain(t *testing.T) []string {
	t.Helper()
	var handled []string
	for f.queue.Len() > 0 {
		d, err := f.queue.Dequeue(context.Background())
		require.NoError(t, err)
		handled = append(handled, d.Type)
		f.orch.handle(context.Background(), d)
	}
	return handled
}

func (f *fixture) pending(t *testing.T) []*suggestion.Suggestion {
	t.Helper()
	items, _, err := f.suggestions.ListPendingForDoctor(context.Background(), f.doctorID, 100, 0)
	require.NoError(t, err)
	return items
}

func TestPipeline_ConsultationEndToEnd(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)

	handled := f.drain(t)
	assert.Equal(t, []string{JobTranscribe, JobStructure, JobPropose}, handled)

	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	assert.Equal(t, extraction.DefaultTranscript, got.ExtractedText)
	assert.Contains(t, got.ExtractedText, "cough")
	assert.Contains(t, got.ExtractedText, "fever")
	require.NotNil(t, got.Current)
	require.NotNil(t, got.Current.SOAP)
	assert.Equal(t, extraction.DefaultTranscript, got.Current.SOAP.Subjective)
	assert.Equal(t, "pipeline", got.Current.EditedByRole)
	assert.Nil(t, got.Current.EditedByUserID)
	assert.Empty(t, got.History)
	assert.Equal(t, lhp.StatusUnverified, got.Status)
	assert.Equal(t, encounter.StageDrafted, got.Stage)

	pending := f.pending(t)
	require.Len(t, pending, 2)
	for _, sg := range pending {
		assert.Equal(t, suggestion.StatusPending, sg.Status)
		assert.Equal(t, f.patientID, sg.PatientID)
		assert.Equal(t, lhp.SourceConsultation, sg.SourceType)
		require.NotNil(t, sg.SourceEventID)
		assert.Equal(t, e.ID, *sg.SourceEventID)
	}

	draft := *got.Current
	refined := encounter.Payload{SOAP: &encounter.SOAP{
		Subjective: "Cough and fever for 3 days, worse at night.",
		Objective:  "Temperature 38.4 C.",
		Assessment: "Viral bronchitis.",
		Plan:       "Rest and fluids.",
	}}
	verified, err := f.events.Verify(ctx, encounter.KindConsultation, e.ID, refined, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, lhp.StatusVerifiedDoctor, verified.Status)
	assert.Equal(t, refined.SOAP, verified.Current.SOAP)
	require.Len(t, verified.History, 1)
	assert.Equal(t, draft.SOAP, verified.History[0].SOAP)

	types := f.published.types()
	assert.Equal(t, 2, types["event.transcribed"])
	assert.Equal(t, 2, types["event.drafted"])
	assert.Equal(t, 4, types["suggestion.created"])
}

func TestPipeline_TranscribeFailureStopsChain(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.transcribeErr = errors.New("speech service down")
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)

	assert.Equal(t, []string{JobTranscribe}, f.drain(t))

	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExtractedText)
	assert.Nil(t, got.Current)
	assert.Equal(t, encounter.StageCaptured, got.Stage)
	assert.Empty(t, f.pending(t))
}

func TestPipeline_FlatSoapIsDrafted(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.structure = json.RawMessage(`{"subjective":"cough, fever","plan":"fluids"}`)
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)

	assert.Equal(t, []string{JobTranscribe, JobStructure, JobPropose}, f.drain(t))

	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, &encounter.SOAP{Subjective: "cough, fever", Plan: "fluids"}, got.Current.SOAP)
	assert.Empty(t, got.Current.Medications)
	assert.Equal(t, encounter.StageDrafted, got.Stage)
}

func TestPipeline_WrappedSoapIsDrafted(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.structure = json.RawMessage(`{"soap":{"subjective":"cough","assessment":"bronchitis"}}`)
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)
	f.drain(t)

	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.Equal(t, &encounter.SOAP{Subjective: "cough", Assessment: "bronchitis"}, got.Current.SOAP)
	assert.Equal(t, encounter.StageDrafted, got.Stage)
}

func TestPipeline_ProposalsFromServiceJSON(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, json.Unmarshal([]byte(`[
		{"section":"ALLERGY","proposedEntry":{"substance":"Penicillin","reaction":"hives"}}
	]`), &f.extractor.proposals))
	f.capturedConsultation(t, context.Background())
	f.drain(t)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, lhp.CategoryAllergy, pending[0].Section)
	assert.Equal(t, lhp.Allergy{Substance: "Penicillin", Reaction: "hives"}, pending[0].ProposedEntry)
}

func TestPipeline_EmptyStructureDoesNotDraft(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.structure = json.RawMessage(`{"soap":{"subjective":"  "}}`)
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)

	assert.Equal(t, []string{JobTranscribe, JobStructure}, f.drain(t))

	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Current)
	assert.Equal(t, encounter.StageTranscribed, got.Stage)
}

func TestPipeline_WrongPayloadKindStops(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.structure = json.RawMessage(`{"medications":[{"name":"Amoxicillin"}]}`)
	ctx := context.Background()
	e := f.capturedConsultation(t, ctx)

	assert.Equal(t, []string{JobTranscribe, JobStructure}, f.drain(t))
	got, err := f.events.Get(ctx, encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Current)
}

func TestPipeline_UnusableProposalIsSkipped(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.proposals = []extraction.Proposal{
		{Section: "FAMILY_HISTORY", Entry: json.RawMessage(`{"label":"x"}`)},
		{Section: "ALLERGY", Entry: json.RawMessage(`{"reaction":"rash"}`)},
		{Section: "ALLERGY", Entry: json.RawMessage(`{"substance":"Penicillin","reaction":"rash"}`)},
	}
	f.capturedConsultation(t, context.Background())
	f.drain(t)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, lhp.CategoryAllergy, pending[0].Section)
	assert.Equal(t, lhp.Allergy{Substance: "Penicillin", Reaction: "rash"}, pending[0].ProposedEntry)
}

func TestPipeline_PrescriptionWithoutDoctorDraftsButDoesNotPropose(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	staffID := uuid.New()
	staff := auth.Identity{UserID: uuid.New(), Role: auth.Staff{StaffID: staffID}}
	e, err := f.events.CreateEvent(ctx, encounter.KindPrescription,
		encounter.CreateInput{PatientID: f.patientID, StaffID: &staffID}, encounter.EditorOf(staff))
	require.NoError(t, err)
	_, err = f.events.AttachCapture(ctx, encounter.KindPrescription, e.ID, "mem://prescription/scan.png")
	require.NoError(t, err)
	require.NoError(t, f.orch.Submit(ctx, encounter.KindPrescription, e.ID))

	assert.Equal(t, []string{JobTranscribe, JobStructure, JobPropose}, f.drain(t))

	got, err := f.events.Get(ctx, encounter.KindPrescription, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Current)
	assert.NotEmpty(t, got.Current.Medications)
	assert.Equal(t, encounter.StageDrafted, got.Stage)
	assert.Empty(t, f.pending(t))
}

func TestPipeline_ProposeWaitsForDelay(t *testing.T) {
	const delay = 80 * time.Millisecond
	f := newFixture(t, delay)
	ctx := context.Background()
	f.capturedConsultation(t, ctx)

	for _, want := range []string{JobTranscribe, JobStructure} {
		d, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Type)
		f.orch.handle(ctx, d)
	}

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, JobPropose, d.Type)
	assert.False(t, d.NotBefore.IsZero())

	start := time.Now()
	f.orch.handle(ctx, d)
	assert.GreaterOrEqual(t, time.Since(start), delay/2)
	assert.Len(t, f.pending(t), 2)
}

func TestPipeline_AbandonsDelayedJobOnShutdown(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	f.capturedConsultation(t, ctx)
	for i := 0; i < 2; i++ {
		d, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		f.orch.handle(ctx, d)
	}
	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	cancel()
	done := make(chan struct{})
	go func() {
		f.orch.handle(ctx, d)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after cancellation")
	}
	assert.Empty(t, f.pending(t))
}

func TestSubmit_CarriesTenant(t *testing.T) {
	f := newFixture(t, 0)
	ctx := db.WithTenant(context.Background(), "clinic_a")
	id := uuid.New()
	require.NoError(t, f.orch.Submit(ctx, encounter.KindConsultation, id))

	d, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobTranscribe, d.Type)
	assert.Equal(t, "clinic_a", d.TenantID)

	var p jobPayload
	require.NoError(t, d.Decode(&p))
	assert.Equal(t, id, p.EventID)
	assert.Equal(t, encounter.KindConsultation, p.Kind)
}

func TestPipeline_StagesRunInJobTenant(t *testing.T) {
	f := newFixture(t, 0)
	ctx := db.WithTenant(context.Background(), "clinic_b")
	f.capturedConsultation(t, ctx)
	f.drain(t)

	assert.Equal(t, []string{"clinic_b", "clinic_b", "clinic_b"}, f.scope.tenants)
}

func TestPipeline_MissingEventIsLoggedNotPanicked(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.orch.Submit(context.Background(), encounter.KindConsultation, uuid.New()))
	assert.Equal(t, []string{JobTranscribe}, f.drain(t))
	assert.Zero(t, f.queue.Len())
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, 2) }()

	e := f.capturedConsultation(t, context.Background())
	require.Eventually(t, func() bool {
		_, total, err := f.suggestions.ListPendingForDoctor(context.Background(), f.doctorID, 10, 0)
		return err == nil && total == 2
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.events.Get(context.Background(), encounter.KindConsultation, e.ID)
	require.NoError(t, err)
	assert.Equal(t, encounter.StageDrafted, got.Stage)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_StopsWhenQueueCloses(t *testing.T) {
	f := newFixture(t, 0)
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(context.Background(), 3) }()

	f.queue.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_StalledExtractionHoldsOnlyItsEvent(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor.stalls = func(ref string) bool { return strings.HasPrefix(ref, "mem://stalled/") }
	f.extractor.entered = make(chan string, 8)
	f.extractor.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, 4) }()

	var stalled []*encounter.ClinicalEvent
	for i := 0; i < 4; i++ {
		stalled = append(stalled, f.capturedRecording(t, context.Background(), fmt.Sprintf("mem://stalled/%d.webm", i)))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-f.extractor.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("stalled transcribe did not start")
		}
	}

	healthy := f.capturedConsultation(t, context.Background())
	require.Eventually(t, func() bool {
		got, err := f.events.Get(context.Background(), encounter.KindConsultation, healthy.ID)
		return err == nil && got.Stage == encounter.StageDrafted
	}, 5*time.Second, 10*time.Millisecond)

	for _, e := range stalled {
		got, err := f.events.Get(context.Background(), encounter.KindConsultation, e.ID)
		require.NoError(t, err)
		assert.Equal(t, encounter.StageCaptured, got.Stage)
	}

	close(f.extractor.release)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_DelayedProposalsDoNotHoldConsumers(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx, 1) }()

	drafted := func(id uuid.UUID) func() bool {
		return func() bool {
			got, err := f.events.Get(context.Background(), encounter.KindConsultation, id)
			return err == nil && got.Stage == encounter.StageDrafted
		}
	}
	for i := 0; i < 3; i++ {
		e := f.capturedRecording(t, context.Background(), fmt.Sprintf("mem://consultation/%d.webm", i))
		require.Eventually(t, drafted(e.ID), 5*time.Second, 10*time.Millisecond)
	}
	late := f.capturedConsultation(t, context.Background())
	require.Eventually(t, drafted(late.ID), 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.pending(t))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop with proposals still delayed")
	}
}
