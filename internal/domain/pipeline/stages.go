package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/lhp/internal/domain/encounter"
	"github.com/ehr/lhp/internal/domain/suggestion"
	"github.com/ehr/lhp/internal/platform/extraction"
	"github.com/ehr/lhp/internal/platform/queue"
	"github.com/ehr/lhp/internal/platform/websocket"
)

// errHalt ends the chain without counting the stage as failed.
var errHalt = errors.New("pipeline halted")

func stageName(jobType string) string {
	return strings.TrimPrefix(jobType, "pipeline.")
}

// handle runs one delivery. The delivery is acknowledged whatever the
// outcome since failed stages are not retried. A delayed job abandoned at
// shutdown is left unacknowledged so a durable queue delivers it again.
func (o *Orchestrator) handle(ctx context.Context, d queue.Delivery) {
	stage := stageName(d.Type)
	logger := o.logger.With().
		Str("job_id", d.ID).
		Str("stage", stage).
		Str("tenant_id", d.TenantID).
		Logger()

	ack := func() {
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("ack pipeline job")
		}
	}

	var p jobPayload
	if err := d.Decode(&p); err != nil {
		logger.Error().Err(err).Msg("undecodable pipeline job dropped")
		ack()
		return
	}
	logger = logger.With().Str("event_id", p.EventID.String()).Str("kind", string(p.Kind)).Logger()

	if wait := d.NotBefore.Sub(o.now()); !d.NotBefore.IsZero() && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().Msg("delayed pipeline job left for redelivery at shutdown")
			return
		case <-timer.C:
		}
	}
	defer ack()

	// A stage that has started runs to completion even during shutdown.
	jobCtx := logger.WithContext(context.WithoutCancel(ctx))
	jobCtx, span := o.tracer.Start(jobCtx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("event.id", p.EventID.String()),
		attribute.String("event.kind", string(p.Kind)),
		attribute.String("tenant.id", d.TenantID),
	))
	start := time.Now()

	err := o.scope.Run(jobCtx, d.TenantID, func(ctx context.Context) error {
		return o.runStage(ctx, d.Type, d.TenantID, p)
	})

	outcome := "ok"
	switch {
	case errors.Is(err, errHalt):
		outcome = "halted"
		logger.Info().Err(err).Msg("pipeline stopped")
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("pipeline stage failed")
	default:
		logger.Info().Dur("elapsed", time.Since(start)).Msg("pipeline stage done")
	}
	span.End()

	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", outcome))
	o.stages.Add(jobCtx, 1, attrs)
	o.duration.Record(jobCtx, time.Since(start).Seconds(), attrs)
}

func (o *Orchestrator) runStage(ctx context.Context, jobType, tenantID string, p jobPayload) error {
	switch jobType {
	case JobTranscribe:
		return o.transcribe(ctx, tenantID, p)
	case JobStructure:
		return o.structure(ctx, tenantID, p)
	case JobPropose:
		return o.propose(ctx, p)
	}
	return fmt.Errorf("unknown job type %q", jobType)
}

func (o *Orchestrator) transcribe(ctx context.Context, tenantID string, p jobPayload) error {
	e, err := o.events.Get(ctx, p.Kind, p.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if e.ArtifactRef == "" {
		return fmt.Errorf("event has no capture")
	}
	text, err := o.extractor.Transcribe(ctx, string(p.Kind), e.ArtifactRef)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if err := o.events.RecordExtractedText(ctx, p.Kind, p.EventID, text); err != nil {
		return fmt.Errorf("record extracted text: %w", err)
	}
	o.notify(ctx, "event.transcribed", e)
	return o.enqueue(ctx, JobStructure, tenantID, p, time.Time{})
}

func (o *Orchestrator) structure(ctx context.Context, tenantID string, p jobPayload) error {
	e, err := o.events.Get(ctx, p.Kind, p.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	raw, err := o.extractor.Structure(ctx, string(p.Kind), e.ExtractedText)
	if err != nil {
		return fmt.Errorf("structure: %w", err)
	}
	payload, err := decodeStructured(raw)
	if err != nil {
		return fmt.Errorf("decode structured payload: %w", err)
	}
	if payload.IsEmpty() {
		return fmt.Errorf("%w: nothing structured from extracted text", errHalt)
	}
	if err := o.events.ApplyDraft(ctx, p.Kind, p.EventID, payload, encounter.PipelineEditor); err != nil {
		return fmt.Errorf("apply draft: %w", err)
	}
	o.notify(ctx, "event.drafted", e)
	return o.enqueue(ctx, JobPropose, tenantID, p, o.now().Add(o.delay))
}

// structuredDoc is what the extraction service returns from structure: a
// soap note given flat or under "soap", or a medication list.
type structuredDoc struct {
	encounter.SOAP
	Wrapped     *encounter.SOAP        `json:"soap"`
	Medications []encounter.Medication `json:"medications"`
}

func decodeStructured(raw json.RawMessage) (encounter.Payload, error) {
	var doc structuredDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return encounter.Payload{}, err
	}
	p := encounter.Payload{Medications: doc.Medications}
	switch {
	case doc.Wrapped != nil:
		p.SOAP = doc.Wrapped
	case !doc.SOAP.IsEmpty():
		soap := doc.SOAP
		p.SOAP = &soap
	}
	return p, nil
}

// propose files one PENDING suggestion per usable proposal. A proposal that
// cannot be filed is logged and skipped.
func (o *Orchestrator) propose(ctx context.Context, p jobPayload) error {
	e, err := o.events.Get(ctx, p.Kind, p.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if e.DoctorID == nil {
		return fmt.Errorf("%w: event has no doctor to review proposals", errHalt)
	}

	subject := extraction.Subject{Kind: string(e.Kind), EventID: e.ID, Text: e.ExtractedText}
	if e.Current != nil {
		if subject.Payload, err = json.Marshal(e.Current.Payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	proposals, err := o.extractor.ProposeLhpEntries(ctx, subject)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	logger := zerolog.Ctx(ctx)
	eventID := e.ID
	created := 0
	for i, prop := range proposals {
		sg, err := suggestion.CreateInput{
			PatientID:     e.PatientID,
			DoctorID:      *e.DoctorID,
			SourceType:    e.Kind.SourceType(),
			SourceEventID: &eventID,
			Section:       prop.Section,
			ProposedEntry: prop.Entry,
		}.Suggestion()
		if err == nil {
			_, err = o.suggestions.Create(ctx, sg)
		}
		if err != nil {
			logger.Warn().Err(err).Int("proposal", i).Str("section", prop.Section).Msg("proposal skipped")
			continue
		}
		created++
	}
	logger.Info().Int("proposals", len(proposals)).Int("suggestions", created).Msg("suggestions filed")
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, eventType string, e *encounter.ClinicalEvent) {
	if o.publisher == nil {
		return
	}
	topics := []string{websocket.PatientTopic(e.PatientID)}
	if e.DoctorID != nil {
		topics = append(topics, websocket.DoctorTopic(*e.DoctorID))
	}
	data := map[string]string{"event_id": e.ID.String(), "kind": string(e.Kind)}
	for _, topic := range topics {
		ev, err := websocket.NewEvent(eventType, topic, string(e.Kind), e.ID.String(), data)
		if err == nil {
			err = o.publisher.Publish(ctx, ev)
		}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("topic", topic).Msg("publish pipeline event")
		}
	}
}
