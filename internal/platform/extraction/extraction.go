// Package extraction talks to the inference service that turns capture
// artifacts into text, structured drafts and profile proposals.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/lhp/internal/platform/blobstore"
)

// Event kinds understood by the extractor.
const (
	KindConsultation = "CONSULTATION"
	KindPrescription = "PRESCRIPTION"
)

// Subject is the event a proposal request is made for.
type Subject struct {
	Kind    string          `json:"kind"`
	EventID uuid.UUID       `json:"event_id"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Proposal is a candidate profile entry. Entry is the JSON form of the
// section's fields.
type Proposal struct {
	Section string          `json:"section"`
	Entry   json.RawMessage `json:"proposedEntry"`
}

type Extractor interface {
	// Transcribe returns the transcript (consultations) or OCR text
	// (prescriptions) of the artifact at ref.
	Transcribe(ctx context.Context, kind, ref string) (string, error)
	// Structure returns a payload document: a flat soap note
	// ({"subjective", "objective", "assessment", "plan"}) for a
	// consultation, {"medications": [...]} for a prescription. A soap note
	// wrapped as {"soap": {...}} is also accepted by callers.
	Structure(ctx context.Context, kind, text string) (json.RawMessage, error)
	ProposeLhpEntries(ctx context.Context, subject Subject) ([]Proposal, error)
}

// Config selects and configures a backend.
type Config struct {
	Mode    string // mock | http
	URL     string
	Timeout time.Duration
}

// New builds the extractor named by cfg.Mode. The http backend reads
// artifacts from blobs.
func New(cfg Config, blobs ArtifactReader) (Extractor, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(), nil
	case "http":
		return NewHTTPClient(cfg.URL, cfg.Timeout, blobs)
	}
	return nil, fmt.Errorf("unknown extraction mode %q", cfg.Mode)
}

// ArtifactReader opens stored artifacts.
type ArtifactReader interface {
	Get(ctx context.Context, ref string) (io.ReadCloser, *blobstore.Metadata, error)
}
