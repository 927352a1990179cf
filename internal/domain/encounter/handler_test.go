package encounter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lhp/internal/platform/auth"
)

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string][]byte{}} }

func (b *fakeBlobs) Put(_ context.Context, key, _ string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := "mem://" + key
	b.objects[ref] = data
	return ref, nil
}

func (b *fakeBlobs) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, ref)
	b.deleted = append(b.deleted, ref)
	return nil
}

type submission struct {
	kind Kind
	id   uuid.UUID
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []submission
	err  error
}

func (s *fakeSubmitter) Submit(_ context.Context, kind Kind, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, submission{kind, id})
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fixture, *fakeBlobs, *fakeSubmitter) {
	t.Helper()
	f := newFixture(t)
	blobs, sub := newFakeBlobs(), &fakeSubmitter{}
	return NewHandler(f.svc, blobs, sub), f, blobs, sub
}

func newRequest(method, body string, caller auth.Identity) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), caller))
}

func newCaptureRequest(t *testing.T, caller auth.Identity, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req.WithContext(auth.WithIdentity(req.Context(), caller))
}

func expectHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_CreateConsultation_DoctorDefaultsToSelf(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	e := echo.New()
	body := `{"patient_id":"` + f.patientID.String() + `"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, body, f.doctor), rec)

	if err := h.create(KindConsultation)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got ClinicalEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DoctorID == nil || *got.DoctorID != f.doctorID {
		t.Errorf("expected doctor_id %s, got %v", f.doctorID, got.DoctorID)
	}
}

func TestHandler_CreateConsultation_ForOtherDoctor(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	e := echo.New()
	body := `{"patient_id":"` + f.patientID.String() + `","doctor_id":"` + uuid.NewString() + `"}`
	c := e.NewContext(newRequest(http.MethodPost, body, f.doctor), httptest.NewRecorder())
	expectHTTPCode(t, h.create(KindConsultation)(c), http.StatusForbidden)
}

func TestHandler_List_DoctorSeesOwnOnly(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	ctx := context.Background()
	f.consultation(t)
	f.consultation(t)
	otherDoctor := uuid.New()
	if _, err := f.svc.CreateEvent(ctx, KindConsultation, CreateInput{PatientID: f.patientID, DoctorID: &otherDoctor}, PipelineEditor); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "", f.doctor), rec)
	if err := h.list(KindConsultation)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []ClinicalEvent `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 2 {
		t.Fatalf("expected 2 own consultations, got total=%d len=%d", page.Total, len(page.Data))
	}
	for _, ev := range page.Data {
		if !ev.OwnedBy(f.doctorID) {
			t.Errorf("doctor saw event of %v", ev.DoctorID)
		}
	}
}

func TestHandler_Get_PatientOtherForbidden(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	ev := f.consultation(t)
	stranger := auth.Identity{UserID: uuid.New(), Role: auth.Patient{PatientID: uuid.New()}}

	c := echo.New().NewContext(newRequest(http.MethodGet, "", stranger), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectHTTPCode(t, h.get(KindConsultation)(c), http.StatusForbidden)
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	c := echo.New().NewContext(newRequest(http.MethodGet, "", f.doctor), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPCode(t, h.get(KindConsultation)(c), http.StatusBadRequest)
}

func TestHandler_Verify(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	ev := f.consultation(t)
	body := `{"soap":{"subjective":"cough","assessment":"bronchitis"}}`

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(newRequest(http.MethodPost, body, f.doctor), rec)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	if err := h.verify(KindConsultation)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got ClinicalEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Current == nil || got.Current.SOAP.Assessment != "bronchitis" {
		t.Errorf("current not updated: %+v", got.Current)
	}
}

func TestHandler_Verify_Unknown(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	c := echo.New().NewContext(newRequest(http.MethodPost, `{"soap":{}}`, f.doctor), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	expectHTTPCode(t, h.verify(KindConsultation)(c), http.StatusNotFound)
}

func TestHandler_Capture_ReplacesAndSubmits(t *testing.T) {
	h, f, blobs, sub := newTestHandler(t)
	ev := f.consultation(t)

	capture := func(data string) {
		t.Helper()
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(newCaptureRequest(t, f.doctor, "visit.webm", []byte(data)), rec)
		c.SetParamNames("id")
		c.SetParamValues(ev.ID.String())
		if err := h.capture(KindConsultation)(c); err != nil {
			t.Fatalf("capture: %v", err)
		}
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	}
	capture("first")
	capture("second")

	got, _ := f.svc.Get(context.Background(), KindConsultation, ev.ID)
	if got.Stage != StageCaptured {
		t.Errorf("expected CAPTURED, got %s", got.Stage)
	}
	if !strings.HasSuffix(got.ArtifactRef, ".webm") {
		t.Errorf("unexpected ref %q", got.ArtifactRef)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] == got.ArtifactRef {
		t.Errorf("expected the first capture released, deleted=%v", blobs.deleted)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("expected one stored object, got %d", len(blobs.objects))
	}
	if len(sub.jobs) != 2 || sub.jobs[1] != (submission{KindConsultation, ev.ID}) {
		t.Errorf("unexpected submissions %+v", sub.jobs)
	}
}

func TestHandler_Capture_Forbidden(t *testing.T) {
	h, f, blobs, sub := newTestHandler(t)
	ev := f.consultation(t)
	staff := auth.Identity{UserID: uuid.New(), Role: auth.Staff{StaffID: uuid.New()}}

	c := echo.New().NewContext(newCaptureRequest(t, staff, "a.webm", []byte("x")), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectHTTPCode(t, h.capture(KindConsultation)(c), http.StatusForbidden)
	if len(blobs.objects) != 0 || len(sub.jobs) != 0 {
		t.Errorf("forbidden capture must not store or submit")
	}
}

func TestHandler_Capture_MissingFile(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	ev := f.consultation(t)
	c := echo.New().NewContext(newRequest(http.MethodPost, `{}`, f.doctor), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectHTTPCode(t, h.capture(KindConsultation)(c), http.StatusBadRequest)
}

func TestHandler_Capture_SubmitFails(t *testing.T) {
	h, f, _, sub := newTestHandler(t)
	sub.err = errors.New("queue down")
	ev := f.consultation(t)
	c := echo.New().NewContext(newCaptureRequest(t, f.doctor, "a.webm", []byte("x")), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())
	expectHTTPCode(t, h.capture(KindConsultation)(c), http.StatusServiceUnavailable)
}

func TestHandler_Timeline_Access(t *testing.T) {
	h, f, _, _ := newTestHandler(t)
	f.consultation(t)

	tests := []struct {
		name   string
		caller auth.Identity
		code   int
	}{
		{"own patient", auth.Identity{UserID: uuid.New(), Role: auth.Patient{PatientID: f.patientID}}, http.StatusOK},
		{"other patient", auth.Identity{UserID: uuid.New(), Role: auth.Patient{PatientID: uuid.New()}}, http.StatusForbidden},
		{"treating doctor", f.doctor, http.StatusOK},
		{"unrelated doctor", auth.Identity{UserID: uuid.New(), Role: auth.Doctor{DoctorID: uuid.New()}}, http.StatusForbidden},
		{"staff", auth.Identity{UserID: uuid.New(), Role: auth.Staff{StaffID: uuid.New()}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(newRequest(http.MethodGet, "", tt.caller), rec)
			c.SetParamNames("patientId")
			c.SetParamValues(f.patientID.String())
			err := h.Timeline(c)
			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectHTTPCode(t, err, tt.code)
		})
	}
}
