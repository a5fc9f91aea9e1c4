package comparator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

// HTTPComparator talks to one per-modality biometric service over its
// REST surface: POST /enroll, POST /verify, GET /health.
type HTTPComparator struct {
	baseURL  string
	modality verify.Modality
	client   *http.Client
}

// HTTPOption configures an HTTPComparator.
type HTTPOption func(*HTTPComparator)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPComparator) { c.client = client }
}

// WithTimeout sets the per-request timeout (default 10s).
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPComparator) { c.client.Timeout = d }
}

// NewHTTPComparator creates a client for a biometric service endpoint.
func NewHTTPComparator(baseURL string, modality verify.Modality, opts ...HTTPOption) (*HTTPComparator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if !modality.Valid() {
		return nil, fmt.Errorf("unknown modality: %s", modality)
	}

	c := &HTTPComparator{
		baseURL:  strings.TrimRight(baseURL, "/"),
		modality: modality,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Modality identifies the biometric channel this comparator covers.
func (c *HTTPComparator) Modality() verify.Modality { return c.modality }

type enrollRequest struct {
	SubjectID string `json:"subjectId"`
	Sample    string `json:"sample"`
}

type verifyResponse struct {
	Verified   bool           `json:"verified"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// Enroll registers a reference sample for a subject.
func (c *HTTPComparator) Enroll(ctx context.Context, subjectID string, sample []byte) error {
	var resp verifyResponse
	if err := c.post(ctx, "/enroll", subjectID, sample, &resp); err != nil {
		return fmt.Errorf("enroll %s/%s: %w", c.modality, subjectID, err)
	}
	return nil
}

// Verify matches a live sample against the subject's enrollment.
func (c *HTTPComparator) Verify(ctx context.Context, subjectID string, sample []byte) (verify.Result, error) {
	var resp verifyResponse
	if err := c.post(ctx, "/verify", subjectID, sample, &resp); err != nil {
		return verify.Result{}, fmt.Errorf("verify %s/%s: %w", c.modality, subjectID, err)
	}
	return verify.Result{
		Verified:   resp.Verified,
		Confidence: resp.Confidence,
		Details:    resp.Details,
	}, nil
}

// Health checks the service's liveness endpoint.
func (c *HTTPComparator) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", c.modality, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check %s: status %d", c.modality, resp.StatusCode)
	}
	return nil
}

func (c *HTTPComparator) post(ctx context.Context, path, subjectID string, sample []byte, out *verifyResponse) error {
	body, err := json.Marshal(enrollRequest{
		SubjectID: subjectID,
		Sample:    base64.StdEncoding.EncodeToString(sample),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
