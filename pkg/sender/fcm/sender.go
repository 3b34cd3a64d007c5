package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// DefaultEndpoint is the legacy FCM HTTP send endpoint.
const DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// maxTokenLength caps registration tokens; FCM tokens are well under this,
// anything longer is garbage input.
const maxTokenLength = 4096

// notification is the user-visible part of an FCM downstream message.
type notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Sound string `json:"sound,omitempty"`
	Badge *int   `json:"badge,omitempty"`
}

// downstreamMessage is the legacy FCM HTTP request body.
type downstreamMessage struct {
	To               string            `json:"to"`
	Notification     *notification     `json:"notification,omitempty"`
	Data             map[string]string `json:"data,omitempty"`
	ContentAvailable bool              `json:"content_available,omitempty"`
}

// sendResponse is the subset of the FCM response we act on.
type sendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// Sender delivers notifications through Firebase Cloud Messaging using the
// legacy HTTP API. Zero value is not usable; use New.
type Sender struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// Option customizes a Sender.
type Option func(*Sender)

// WithEndpoint overrides the FCM endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(s *Sender) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// New creates an FCM sender authenticated with the given server API key.
func New(apiKey string, opts ...Option) (*Sender, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	s := &Sender{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateToken accepts any non-empty registration token without whitespace.
// FCM does not document a token format, so validation stays structural.
func (s *Sender) ValidateToken(token string) (string, bool) {
	if token == "" || len(token) > maxTokenLength {
		return "", false
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}

// Push sends a downstream message to the subscriber's registration token.
// The notification block is localized to the subscriber's language and
// omitted entirely when the subscription ignores messages, leaving a pure
// data message the client app handles in the background.
func (s *Sender) Push(ctx context.Context, sub *registry.Subscriber, opts registry.SubscriptionOptions, p *payload.Payload) error {
	info, err := sub.Get(ctx)
	if err != nil {
		return err
	}

	msg := downstreamMessage{
		To:               info.Token,
		Data:             p.Data,
		ContentAvailable: p.ContentAvailable,
	}
	if !opts.IgnoreMessage {
		n := &notification{Sound: p.Sound, Badge: p.Badge}
		title, ok, err := p.LocalizedTitle(info.Lang)
		if err != nil {
			return err
		}
		if ok {
			n.Title = title
		}
		text, ok, err := p.LocalizedMessage(info.Lang)
		if err != nil {
			return err
		}
		if ok {
			n.Body = text
		}
		if n.Title != "" || n.Body != "" {
			msg.Notification = n
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to per-message results below
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServerOverloaded, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	// A 200 still carries per-token errors such as NotRegistered.
	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: malformed response: %w", ErrDeliveryFailed, err)
	}
	if result.Failure > 0 {
		reason := "unknown"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		if reason == "NotRegistered" || reason == "InvalidRegistration" {
			return fmt.Errorf("%w: %s", ErrTokenRejected, reason)
		}
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, reason)
	}
	return nil
}
