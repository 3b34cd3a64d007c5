package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// message is the wire frame posted to the subscriber's callback URL.
type message struct {
	Event   string            `json:"event"`
	Title   string            `json:"title,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Sender delivers notifications by POSTing JSON to the URL the subscriber
// registered as its token. Zero value is not usable; use New.
type Sender struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    BackoffStrategy
}

// Option customizes a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(s *Sender) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff replaces the default exponential retry schedule.
func WithBackoff(b BackoffStrategy) Option {
	return func(s *Sender) {
		if b != nil {
			s.backoff = b
		}
	}
}

// New creates a webhook sender. The default client pools connections for
// high fan-out throughput; timeouts and retries are tuned for endpoints
// that are usually up but occasionally slow.
func New(opts ...Option) *Sender {
	s := &Sender{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:    10 * time.Second,
		maxRetries: 2,
		backoff:    DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateToken accepts absolute http or https URLs only.
func (s *Sender) ValidateToken(token string) (string, bool) {
	u, err := url.Parse(token)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// Push posts the notification to the subscriber's callback URL, retrying
// transient failures with backoff. 4xx responses other than 408, 425 and
// 429 are treated as permanent and abort the retry loop.
func (s *Sender) Push(ctx context.Context, sub *registry.Subscriber, opts registry.SubscriptionOptions, p *payload.Payload) error {
	info, err := sub.Get(ctx)
	if err != nil {
		return err
	}

	msg := message{Event: p.Event(), Data: p.Data}
	if !opts.IgnoreMessage {
		title, ok, err := p.LocalizedTitle(info.Lang)
		if err != nil {
			return err
		}
		if ok {
			msg.Title = title
		}
		text, ok, err := p.LocalizedMessage(info.Lang)
		if err != nil {
			return err
		}
		if ok {
			msg.Message = text
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff.NextInterval(attempt)):
			}
		}

		statusCode, err := s.attempt(ctx, info.Token, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if isPermanentError(statusCode) {
			return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, s.maxRetries+1, lastErr)
}

// attempt makes a single delivery request and classifies the outcome.
func (s *Sender) attempt(ctx context.Context, callbackURL string, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pushbroker-webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	// Response body is trimmed into the error for operator context only.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*64))
	errMsg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
	if len(respBody) > 0 {
		bodyStr := strings.ReplaceAll(string(respBody), "\n", " ")
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		errMsg += ": " + bodyStr
	}
	return resp.StatusCode, fmt.Errorf("%s", errMsg)
}

// isPermanentError reports whether a status code should stop the retry loop.
// Most 4xx codes indicate the callback URL will never accept this payload,
// but a few represent timing or rate-limit conditions that can clear.
func isPermanentError(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return false
		default:
			return true
		}
	}
	return false
}
