package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// WebhookEndpoint is a receiver of bill events. Events lists the event
// types it wants; patterns may end in ".*" ("bill.commit.*"). An empty list
// receives everything.
type WebhookEndpoint struct {
	URL    string
	Secret string
	Events []string
}

// WebhookSender POSTs events as signed JSON to every matching endpoint.
type WebhookSender struct {
	endpoints []WebhookEndpoint
	client    *http.Client
	now       func() time.Time
}

// NewWebhookSender validates the endpoint URLs.
func NewWebhookSender(client *http.Client, endpoints ...WebhookEndpoint) (*WebhookSender, error) {
	for _, ep := range endpoints {
		if err := validateWebhookURL(ep.URL); err != nil {
			return nil, err
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{endpoints: endpoints, client: client, now: time.Now}, nil
}

func (s *WebhookSender) Send(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var failed []string
	for _, ep := range s.endpoints {
		if !endpointWants(ep, string(e.Type)) {
			continue
		}
		if err := s.post(ctx, ep, e.ID, payload); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (s *WebhookSender) post(ctx context.Context, ep WebhookEndpoint, eventID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", eventID)
	req.Header.Set("X-Webhook-Timestamp", s.now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", ep.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: non-2xx response: %d", ep.URL, resp.StatusCode)
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func endpointWants(ep WebhookEndpoint, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pattern := range ep.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
		if strings.HasSuffix(pattern, ".*") && strings.HasPrefix(eventType, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}
