package main

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lhp/internal/config"
	"github.com/ehr/lhp/internal/domain/encounter"
	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/domain/pipeline"
	"github.com/ehr/lhp/internal/domain/suggestion"
	"github.com/ehr/lhp/internal/platform/auth"
	"github.com/ehr/lhp/internal/platform/blobstore"
	"github.com/ehr/lhp/internal/platform/extraction"
	"github.com/ehr/lhp/internal/platform/queue"
	"github.com/ehr/lhp/internal/platform/websocket"
)

func TestIssueToken_RoundTripsIdentity(t *testing.T) {
	cfg := &config.Config{AuthSigningKey: "test-secret", AuthIssuer: "lhp-test"}
	doctorID := uuid.New()
	userID := uuid.New()

	token, err := issueToken(cfg, "doctor", doctorID.String(), userID.String(), "clinic_a", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var claims auth.Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	}, jwt.WithIssuer("lhp-test"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, err := claims.Identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	got, ok := id.DoctorID()
	if !ok || got != doctorID || id.UserID != userID || id.TenantID != "clinic_a" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestIssueToken_Errors(t *testing.T) {
	if _, err := issueToken(&config.Config{}, "admin", "", "", "", time.Minute); err == nil {
		t.Error("expected error without signing key")
	}
	cfg := &config.Config{AuthSigningKey: "k"}
	if _, err := issueToken(cfg, "doctor", "not-a-uuid", "", "", time.Minute); err == nil {
		t.Error("expected error for invalid doctor id")
	}
	if _, err := issueToken(cfg, "admin", "", "nope", "", time.Minute); err == nil {
		t.Error("expected error for invalid user id")
	}
}

func TestMigrationsFS_Embedded(t *testing.T) {
	names, err := fs.Glob(migrationsFS(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no embedded migrations")
	}
}

// newTestApp wires the router over in-memory collaborators. Routes that
// reach Postgres are not exercised.
func newTestApp() *app {
	cfg := &config.Config{Env: "development", DefaultTenant: "default", QueueBackend: "memory", CORSOrigins: []string{"*"}}
	hub := websocket.NewHub()
	q := queue.NewMemoryQueue(8)
	events := encounter.NewService(encounter.NewMemoryRepo())
	profiles := lhp.NewService(lhp.NewMemoryRepo())
	suggestions := suggestion.NewService(suggestion.NewMemoryRepo(), profiles, nil, hub)
	return &app{
		cfg:          cfg,
		logger:       zerolog.Nop(),
		queue:        q,
		blobs:        blobstore.NewMemoryStore(),
		hub:          hub,
		publisher:    hub,
		events:       events,
		profiles:     profiles,
		suggestions:  suggestions,
		orchestrator: pipeline.NewOrchestrator(q, events, suggestions, extraction.NewMock(), pipeline.Options{Logger: zerolog.Nop()}),
	}
}

func TestRouter_RegistersRoutes(t *testing.T) {
	e := newTestApp().newRouter()

	registered := map[string]bool{}
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"GET /api/v1/ws",
		"POST /api/v1/consultations",
		"GET /api/v1/consultations",
		"GET /api/v1/consultations/:id",
		"PATCH /api/v1/consultations/:id/draft",
		"POST /api/v1/consultations/:id/verify",
		"POST /api/v1/consultations/:id/capture",
		"POST /api/v1/consultations/:id/ignore",
		"POST /api/v1/prescriptions",
		"POST /api/v1/prescriptions/:id/dispense",
		"GET /api/v1/patients/:patientId/timeline",
		"GET /api/v1/lhp/:patientId",
		"POST /api/v1/lhp/:patientId/entries",
		"GET /api/v1/suggestions",
		"POST /api/v1/suggestions",
		"POST /api/v1/suggestions/:id/action",
	} {
		if !registered[want] {
			t.Errorf("route %s not registered", want)
		}
	}
}

func TestRouter_Health(t *testing.T) {
	e := newTestApp().newRouter()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
}
