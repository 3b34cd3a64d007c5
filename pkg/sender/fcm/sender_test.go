package fcm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
	"github.com/dmitrymomot/pushbroker/pkg/sender/fcm"
)

func newSubscriber(t *testing.T, token, lang string) *registry.Subscriber {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sub, _, err := registry.CreateSubscriber(context.Background(), rdb, registry.Fields{
		Proto: "fcm",
		Token: token,
		Lang:  lang,
	})
	require.NoError(t, err)
	return sub
}

func newPayload(t *testing.T, fields map[string]string) *payload.Payload {
	t.Helper()

	p, err := payload.New(fields)
	require.NoError(t, err)
	p.AttachEvent("chat.message")
	require.NoError(t, p.Compile())
	return p
}

func okResponse(w http.ResponseWriter) {
	_, _ = w.Write([]byte(`{"success":1,"failure":0,"results":[{}]}`))
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires api key", func(t *testing.T) {
		t.Parallel()

		_, err := fcm.New("")
		require.ErrorIs(t, err, fcm.ErrMissingAPIKey)
	})
}

func TestSenderValidateToken(t *testing.T) {
	t.Parallel()

	s, err := fcm.New("server-key")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{"plain token", "dGVzdC1yZWdpc3RyYXRpb24tdG9rZW4", true},
		{"empty", "", false},
		{"contains space", "abc def", false},
		{"contains newline", "abc\ndef", false},
		{"too long", strings.Repeat("a", 5000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := s.ValidateToken(tt.token)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.token, got)
			}
		})
	}
}

func TestSenderPush(t *testing.T) {
	t.Parallel()

	t.Run("sends localized downstream message", func(t *testing.T) {
		t.Parallel()

		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "key=server-key", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			okResponse(w)
		}))
		defer srv.Close()

		sub := newSubscriber(t, "reg-token-1", "de_DE")
		p := newPayload(t, map[string]string{
			"title":       "New message",
			"title.de_DE": "Neue Nachricht",
			"msg":         "Hello there",
			"sound":       "ping.aiff",
			"data.room":   "lobby",
		})

		s, err := fcm.New("server-key", fcm.WithEndpoint(srv.URL))
		require.NoError(t, err)
		require.NoError(t, s.Push(context.Background(), sub, registry.SubscriptionOptions{}, p))

		assert.Equal(t, "reg-token-1", got["to"])
		n, ok := got["notification"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Neue Nachricht", n["title"])
		assert.Equal(t, "Hello there", n["body"])
		assert.Equal(t, "ping.aiff", n["sound"])
		assert.Equal(t, map[string]any{"room": "lobby"}, got["data"])
	})

	t.Run("ignore message sends data-only frame", func(t *testing.T) {
		t.Parallel()

		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			okResponse(w)
		}))
		defer srv.Close()

		sub := newSubscriber(t, "reg-token-2", "")
		p := newPayload(t, map[string]string{
			"title":     "New message",
			"data.room": "lobby",
		})

		s, err := fcm.New("server-key", fcm.WithEndpoint(srv.URL))
		require.NoError(t, err)
		require.NoError(t, s.Push(context.Background(), sub, registry.SubscriptionOptions{IgnoreMessage: true}, p))

		assert.NotContains(t, got, "notification")
		assert.Equal(t, map[string]any{"room": "lobby"}, got["data"])
	})

	t.Run("rejected token surfaces as token error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
		}))
		defer srv.Close()

		sub := newSubscriber(t, "stale-token", "")
		p := newPayload(t, map[string]string{"title": "New message"})

		s, err := fcm.New("server-key", fcm.WithEndpoint(srv.URL))
		require.NoError(t, err)
		err = s.Push(context.Background(), sub, registry.SubscriptionOptions{}, p)
		require.ErrorIs(t, err, fcm.ErrTokenRejected)
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		sub := newSubscriber(t, "reg-token-3", "")
		p := newPayload(t, map[string]string{"title": "New message"})

		s, err := fcm.New("server-key", fcm.WithEndpoint(srv.URL))
		require.NoError(t, err)
		err = s.Push(context.Background(), sub, registry.SubscriptionOptions{}, p)
		require.ErrorIs(t, err, fcm.ErrServerOverloaded)
	})
}
