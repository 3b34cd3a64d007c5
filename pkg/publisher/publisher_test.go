package publisher_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pushbroker/pkg/broadcast"
	"github.com/dmitrymomot/pushbroker/pkg/dispatch"
	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/publisher"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

type recordingSender struct {
	pushes []push
}

type push struct {
	subscriberID string
	opts         registry.SubscriptionOptions
	payload      *payload.Payload
}

func (r *recordingSender) Push(_ context.Context, sub *registry.Subscriber, opts registry.SubscriptionOptions, p *payload.Payload) error {
	r.pushes = append(r.pushes, push{subscriberID: sub.ID, opts: opts, payload: p})
	return nil
}

func (r *recordingSender) ValidateToken(token string) (string, bool) { return token, true }

type harness struct {
	rdb    redis.UniversalClient
	sender *recordingSender
	hub    *broadcast.Hub
	pub    *publisher.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sender := &recordingSender{}
	reg := dispatch.NewRegistry(nil)
	reg.Register("webhook", sender)

	hub := broadcast.NewHub(4)
	t.Cleanup(hub.Close)

	return &harness{
		rdb:    rdb,
		sender: sender,
		hub:    hub,
		pub:    publisher.New(reg, hub, nil),
	}
}

func (h *harness) event(t *testing.T, name string) *registry.Event {
	t.Helper()
	ev, err := registry.NewEvent(h.rdb, name)
	require.NoError(t, err)
	return ev
}

func (h *harness) subscribe(t *testing.T, token string, ev *registry.Event, opts registry.SubscriptionOptions) *registry.Subscriber {
	t.Helper()
	ctx := context.Background()
	sub, _, err := registry.CreateSubscriber(ctx, h.rdb, registry.Fields{Proto: "webhook", Token: token})
	require.NoError(t, err)
	_, err = sub.AddSubscription(ctx, ev, opts)
	require.NoError(t, err)
	return sub
}

func TestPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid payload aborts before dispatch", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "news")
		h.subscribe(t, "tok", ev, registry.SubscriptionOptions{})

		_, err := h.pub.Publish(ctx, ev, map[string]string{})
		require.ErrorIs(t, err, payload.ErrEmptyPayload)
		assert.Empty(t, h.sender.pushes)
	})

	t.Run("missing template variable aborts with invalid payload", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "news")
		h.subscribe(t, "tok", ev, registry.SubscriptionOptions{})

		_, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi ${var.name}"})
		require.ErrorIs(t, err, payload.ErrMissingVariable)
		assert.Empty(t, h.sender.pushes)
	})

	t.Run("nonexistent event reports zero reached", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "ghost")

		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi"})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, h.sender.pushes)
	})

	t.Run("reaches every subscriber and logs stats", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "news")
		h.subscribe(t, "tok-1", ev, registry.SubscriptionOptions{})
		h.subscribe(t, "tok-2", ev, registry.SubscriptionOptions{IgnoreMessage: true})

		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hello from ${event.name}"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, h.sender.pushes, 2)

		// templates are compiled exactly once, before the first subscriber
		msg, ok, err := h.sender.pushes[0].payload.LocalizedMessage("")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hello from news", msg)

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.EqualValues(t, 1, info.Total)
		assert.NotZero(t, info.Last)
	})

	t.Run("per-subscription options reach the sender", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "news")
		quiet := h.subscribe(t, "tok", ev, registry.SubscriptionOptions{IgnoreMessage: true})

		_, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi"})
		require.NoError(t, err)
		require.Len(t, h.sender.pushes, 1)
		assert.Equal(t, quiet.ID, h.sender.pushes[0].subscriberID)
		assert.True(t, h.sender.pushes[0].opts.IgnoreMessage)
	})

	t.Run("self-cleans an event with no members", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "stale")

		// an event that exists with a stale info hash but zero members
		require.NoError(t, h.rdb.SAdd(ctx, "events", "stale").Err())
		require.NoError(t, h.rdb.HSet(ctx, "event:stale", "created", time.Now().Unix()).Err())

		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi"})
		require.NoError(t, err)
		assert.Zero(t, n)

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		assert.Nil(t, info, "event must be deleted after an empty fan-out")

		exists, err := ev.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("single subscriber bumps total to one", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "news")
		h.subscribe(t, "tok", ev, registry.SubscriptionOptions{})

		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi"})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.EqualValues(t, 1, info.Total)
	})

	t.Run("unicast publish reaches the addressed subscriber", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		other := h.event(t, "other")
		sub := h.subscribe(t, "tok", other, registry.SubscriptionOptions{})

		ev := h.event(t, "unicast:"+sub.ID)
		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Len(t, h.sender.pushes, 1)
		assert.Equal(t, sub.ID, h.sender.pushes[0].subscriberID)
	})

	t.Run("live listeners hear every publish", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ev := h.event(t, "ghost-event")

		l := h.hub.Subscribe(ctx, "ghost-event")
		defer l.Close()

		// the event does not exist, durable fan-out reaches nobody
		n, err := h.pub.Publish(ctx, ev, map[string]string{"msg": "hi ${var.x}", "var.x": "there"})
		require.NoError(t, err)
		assert.Zero(t, n)

		select {
		case pub := <-l.C():
			assert.Equal(t, "ghost-event", pub.Event)
			// listeners receive the uncompiled payload
			assert.Equal(t, "hi ${var.x}", pub.Payload.Msg[payload.DefaultLocale])
		case <-time.After(time.Second):
			t.Fatal("live listener was not notified")
		}
	})
}
