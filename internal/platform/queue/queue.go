// Package queue carries background jobs between the API and the pipeline
// workers. Delivery is at least once: a job stays owned by a consumer until
// it is acknowledged.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job is one unit of background work. Payload is owned by the job type.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob builds a job with payload encoded as JSON.
func NewJob(jobType, tenantID string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		TenantID:   tenantID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Delivery is a dequeued job. Ack removes it from the queue for good.
type Delivery struct {
	Job
	ack func(ctx context.Context) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, ctx is done or the queue is
	// closed.
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}
