// Package pipeline moves captured clinical events through extraction:
// transcribe, structure into a draft, then propose profile entries as
// suggestions for the event's doctor. Each stage is a queued job that, on
// success, enqueues the next stage for the same event. A failed stage is
// logged and ends the chain; nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/lhp/internal/domain/encounter"
	"github.com/ehr/lhp/internal/domain/suggestion"
	"github.com/ehr/lhp/internal/platform/db"
	"github.com/ehr/lhp/internal/platform/extraction"
	"github.com/ehr/lhp/internal/platform/queue"
	"github.com/ehr/lhp/internal/platform/telemetry"
	"github.com/ehr/lhp/internal/platform/websocket"
)

// Job types, in pipeline order.
const (
	JobTranscribe = "pipeline.transcribe"
	JobStructure  = "pipeline.structure"
	JobPropose    = "pipeline.propose"
)

// DefaultSuggestionDelay separates a draft from its proposals.
const DefaultSuggestionDelay = 3 * time.Second

// EventStore is the part of the event store the pipeline writes through.
type EventStore interface {
	Get(ctx context.Context, kind encounter.Kind, id uuid.UUID) (*encounter.ClinicalEvent, error)
	RecordExtractedText(ctx context.Context, kind encounter.Kind, id uuid.UUID, text string) error
	ApplyDraft(ctx context.Context, kind encounter.Kind, id uuid.UUID, p encounter.Payload, by encounter.Editor) error
}

// SuggestionCreator files proposals for review.
type SuggestionCreator interface {
	Create(ctx context.Context, sg *suggestion.Suggestion) (*suggestion.Suggestion, error)
}

// TenantScope runs fn against a tenant's schema. *db.TenantRunner
// satisfies it.
type TenantScope interface {
	Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

type unscoped struct{}

func (unscoped) Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if tenantID != "" {
		ctx = db.WithTenant(ctx, tenantID)
	}
	return fn(ctx)
}

// jobPayload identifies the event a job works on.
type jobPayload struct {
	Kind    encounter.Kind `json:"kind"`
	EventID uuid.UUID      `json:"event_id"`
}

type Options struct {
	SuggestionDelay time.Duration
	// Scope defaults to running jobs without tenant isolation.
	Scope TenantScope
	// Events may be nil.
	Events websocket.EventPublisher
	Logger zerolog.Logger
}

type Orchestrator struct {
	queue       queue.Queue
	events      EventStore
	suggestions SuggestionCreator
	extractor   extraction.Extractor
	scope       TenantScope
	publisher   websocket.EventPublisher
	delay       time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	tracer   trace.Tracer
	stages   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewOrchestrator(q queue.Queue, events EventStore, suggestions SuggestionCreator, extractor extraction.Extractor, opts Options) *Orchestrator {
	if opts.SuggestionDelay < 0 {
		opts.SuggestionDelay = 0
	}
	if opts.Scope == nil {
		opts.Scope = unscoped{}
	}
	return &Orchestrator{
		queue:       q,
		events:      events,
		suggestions: suggestions,
		extractor:   extractor,
		scope:       opts.Scope,
		publisher:   opts.Events,
		delay:       opts.SuggestionDelay,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
		tracer:      telemetry.Tracer(),
		stages:      telemetry.Counter("lhp.pipeline.stages", "Pipeline stages run, by stage and outcome"),
		duration:    telemetry.Histogram("lhp.pipeline.stage.duration", "Pipeline stage duration in seconds"),
	}
}

// Submit starts the pipeline for a captured event. The job carries the
// tenant found on ctx.
func (o *Orchestrator) Submit(ctx context.Context, kind encounter.Kind, id uuid.UUID) error {
	return o.enqueue(ctx, JobTranscribe, db.TenantFromContext(ctx), jobPayload{Kind: kind, EventID: id}, time.Time{})
}

func (o *Orchestrator) enqueue(ctx context.Context, jobType, tenantID string, p jobPayload, notBefore time.Time) error {
	job, err := queue.NewJob(jobType, tenantID, p)
	if err != nil {
		return fmt.Errorf("build %s job: %w", jobType, err)
	}
	job.NotBefore = notBefore
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return nil
}

// Run pulls jobs with the given number of consumers until ctx is done or
// the queue is closed. Every delivery is handled on its own goroutine, so a
// stalled extraction call or a propose job waiting out its delay holds up
// only its own event. Run returns once the stages already running finish.
func (o *Orchestrator) Run(ctx context.Context, consumers int) error {
	if consumers <= 0 {
		consumers = 1
	}
	o.logger.Info().Int("consumers", consumers).Dur("suggestion_delay", o.delay).Msg("pipeline started")

	var consuming, inflight sync.WaitGroup
	for i := 0; i < consumers; i++ {
		consuming.Add(1)
		go func() {
			defer consuming.Done()
			o.consume(ctx, &inflight)
		}()
	}
	consuming.Wait()
	inflight.Wait()
	o.logger.Info().Msg("pipeline stopped")
	return nil
}

func (o *Orchestrator) consume(ctx context.Context, inflight *sync.WaitGroup) {
	for {
		d, err := o.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return
		default:
			o.logger.Error().Err(err).Msg("dequeue pipeline job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			o.handle(ctx, d)
		}()
	}
}
