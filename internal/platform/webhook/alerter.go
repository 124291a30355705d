// Package webhook delivers security alerts to external HTTP endpoints. Each
// delivery is an HMAC-SHA256 signed JSON document describing one high
// severity audit event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehr/phiguard/internal/platform/hipaa"
)

// ErrRateLimited is returned when an alert is dropped because the endpoint's
// delivery budget is exhausted. The event itself remains in the audit ledger.
var ErrRateLimited = errors.New("webhook: alert rate limit exceeded")

const (
	SignatureHeader = "X-Phiguard-Signature"
	DeliveryHeader  = "X-Phiguard-Delivery"
	TimestampHeader = "X-Phiguard-Timestamp"
)

// AlertPayload is the JSON document posted for each alert.
type AlertPayload struct {
	DeliveryID string           `json:"delivery_id"`
	Type       string           `json:"type"`
	SentAt     time.Time        `json:"sent_at"`
	Entry      hipaa.AuditEntry `json:"entry"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures an Alerter.
type Option func(*Alerter)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Alerter) { a.httpClient = c }
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(a *Alerter) { a.maxRetries = n }
}

// WithRetryDelay sets the base delay between attempts. It doubles per retry.
func WithRetryDelay(d time.Duration) Option {
	return func(a *Alerter) { a.retryDelay = d }
}

// WithRateLimit caps deliveries at perMinute with the given burst.
func WithRateLimit(perMinute float64, burst int) Option {
	return func(a *Alerter) {
		a.limiter = rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
	}
}

// Alerter posts high severity audit events to a single endpoint. It
// implements hipaa.Alerter.
type Alerter struct {
	url        string
	secret     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewAlerter validates rawURL and returns an Alerter with sensible defaults.
func NewAlerter(rawURL, secret string, opts ...Option) (*Alerter, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, errors.New("webhook: signing secret is required")
	}
	a := &Alerter{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
		limiter:    rate.NewLimiter(rate.Limit(1), 10),
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("webhook: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook: url host is required")
	}
	return nil
}

// Alert signs and delivers entry, retrying transient failures until ctx is
// done or the retry budget is spent.
func (a *Alerter) Alert(ctx context.Context, entry hipaa.AuditEntry) error {
	if !a.limiter.Allow() {
		return ErrRateLimited
	}

	deliveryID := uuid.New().String()
	payload, err := json.Marshal(AlertPayload{
		DeliveryID: deliveryID,
		Type:       "security." + string(entry.EventKind),
		SentAt:     a.now().UTC(),
		Entry:      entry,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal alert: %w", err)
	}

	delay := a.retryDelay
	for attempt := 0; ; attempt++ {
		err = a.deliver(ctx, deliveryID, payload)
		if err == nil || attempt >= a.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (a *Alerter) deliver(ctx context.Context, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, a.secret))
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(TimestampHeader, a.now().UTC().Format(time.RFC3339))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
