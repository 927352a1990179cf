package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPClient calls a remote inference service:
//
//	POST /v1/transcribe  multipart {kind, file}       -> {"text": "..."}
//	POST /v1/structure   {"kind", "text"}             -> {"payload": {...}}
//	POST /v1/propose     Subject                      -> {"proposals": [...]}
type HTTPClient struct {
	base       *url.URL
	httpClient *http.Client
	blobs      ArtifactReader
}

func NewHTTPClient(baseURL string, timeout time.Duration, blobs ArtifactReader) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("extraction URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse extraction URL: %w", err)
	}
	if blobs == nil {
		return nil, errors.New("extraction client needs an artifact reader")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{base: u, httpClient: &http.Client{Timeout: timeout}, blobs: blobs}, nil
}

func (c *HTTPClient) endpoint(name string) string {
	u := *c.base
	u.Path = path.Join(u.Path, "v1", name)
	return u.String()
}

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extraction %s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

func (c *HTTPClient) do(req *http.Request, name string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("extraction %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("extraction %s: read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &StatusError{Endpoint: name, Code: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("extraction %s: decode response: %w", name, err)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, name string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("extraction %s: encode request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(name), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("extraction %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, name, out)
}

func (c *HTTPClient) Transcribe(ctx context.Context, kind, ref string) (string, error) {
	rc, meta, err := c.blobs.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("extraction transcribe: open artifact: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("kind", kind); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", path.Base(ref))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return "", fmt.Errorf("extraction transcribe: read artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("transcribe"), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if meta != nil && meta.ContentType != "" {
		req.Header.Set("X-Artifact-Content-Type", meta.ContentType)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := c.do(req, "transcribe", &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *HTTPClient) Structure(ctx context.Context, kind, text string) (json.RawMessage, error) {
	in := map[string]string{"kind": kind, "text": text}
	var out struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.postJSON(ctx, "structure", in, &out); err != nil {
		return nil, err
	}
	if len(out.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return out.Payload, nil
}

func (c *HTTPClient) ProposeLhpEntries(ctx context.Context, subject Subject) ([]Proposal, error) {
	var out struct {
		Proposals []Proposal `json:"proposals"`
	}
	if err := c.postJSON(ctx, "propose", subject, &out); err != nil {
		return nil, err
	}
	return out.Proposals, nil
}
