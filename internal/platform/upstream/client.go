// Package upstream is a small JSON-over-HTTP client for the FHIR and billing
// REST servers the service reads from and writes to.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/platform/fhir"
	"github.com/ehr/checkin-billing/internal/platform/middleware"
)

const (
	mimeJSON     = "application/json"
	mimeFHIRJSON = "application/fhir+json"
)

// Error is a non-2xx upstream response.
type Error struct {
	Method  string
	URL     string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
	Logger    zerolog.Logger
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client issues JSON requests relative to a base URL.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger zerolog.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		token:  opts.AuthToken,
		http:   hc,
		logger: opts.Logger,
	}
}

// GetJSON fetches path with the given query and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON encodes body, posts it to path and decodes the response into out.
// out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.base + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", mimeFHIRJSON+", "+mimeJSON)
	if body != nil {
		req.Header.Set("Content-Type", mimeJSON)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set(middleware.RequestIDHeader, rid)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("request_id", middleware.RequestIDFromContext(ctx)).
		Msg("upstream request")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Method: method, URL: target, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", target, err)
	}
	return nil
}

// errorMessage extracts a readable message from a FHIR OperationOutcome or an
// OpenMRS REST error body, falling back to the raw text.
func errorMessage(data []byte) string {
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(data, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" && len(outcome.Issue) > 0 {
		msgs := make([]string, 0, len(outcome.Issue))
		for _, issue := range outcome.Issue {
			msgs = append(msgs, issue.Diagnostics)
		}
		return strings.Join(msgs, "; ")
	}

	var rest struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &rest); err == nil && rest.Error.Message != "" {
		return rest.Error.Message
	}

	msg := strings.TrimSpace(string(data))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
