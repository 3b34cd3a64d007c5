package registry_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func createSubscriber(t *testing.T, rdb redis.UniversalClient, proto, token string) *registry.Subscriber {
	t.Helper()
	sub, created, err := registry.CreateSubscriber(context.Background(), rdb, registry.Fields{Proto: proto, Token: token})
	require.NoError(t, err)
	require.True(t, created)
	return sub
}

func TestCreateSubscriber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing mandatory fields", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		_, _, err := registry.CreateSubscriber(ctx, rdb, registry.Fields{Token: "tok"})
		require.ErrorIs(t, err, registry.ErrMissingProto)

		_, _, err = registry.CreateSubscriber(ctx, rdb, registry.Fields{Proto: "webhook"})
		require.ErrorIs(t, err, registry.ErrMissingToken)
	})

	t.Run("creates with generated id and timestamps", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		badge := 2
		sub, created, err := registry.CreateSubscriber(ctx, rdb, registry.Fields{
			Proto: "webhook",
			Token: "https://example.com/hook",
			Lang:  "fr",
			Badge: &badge,
			Extra: map[string]string{"version": "1.2", "proto": "sneaky"},
		})
		require.NoError(t, err)
		require.True(t, created)
		assert.Len(t, sub.ID, 11) // 8 raw bytes of base64url

		info, err := sub.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "webhook", info.Proto)
		assert.Equal(t, "https://example.com/hook", info.Token)
		assert.Equal(t, "fr", info.Lang)
		assert.Equal(t, 2, info.Badge)
		assert.NotZero(t, info.Created)
		assert.Equal(t, info.Created, info.Updated)
		// extra fields never shadow the reserved ones
		assert.Equal(t, map[string]string{"version": "1.2"}, info.Extra)
	})

	t.Run("re-registration is idempotent", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		first, created, err := registry.CreateSubscriber(ctx, rdb, registry.Fields{Proto: "webhook", Token: "tok"})
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := registry.CreateSubscriber(ctx, rdb, registry.Fields{Proto: "webhook", Token: "tok", Lang: "de"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		info, err := second.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "de", info.Lang, "mutable fields are merged on re-registration")
	})

	t.Run("same token different proto is a new subscriber", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		first := createSubscriber(t, rdb, "webhook", "tok")
		second := createSubscriber(t, rdb, "fcm", "tok")
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestSubscriberFromToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("resolves registered token", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		found, err := registry.SubscriberFromToken(ctx, rdb, "webhook", "tok")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, sub.ID, found.ID)
	})

	t.Run("unknown token", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		found, err := registry.SubscriberFromToken(ctx, rdb, "webhook", "nope")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("self-heals a stale index entry", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		require.NoError(t, rdb.HSet(ctx, "tokenmap", "webhook:tok", "ghost").Err())

		found, err := registry.SubscriberFromToken(ctx, rdb, "webhook", "tok")
		require.NoError(t, err)
		assert.Nil(t, found)

		n, err := rdb.HExists(ctx, "tokenmap", "webhook:tok").Result()
		require.NoError(t, err)
		assert.False(t, n, "stale entry must be deleted")
	})
}

func TestSubscriberGetSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("get on unknown subscriber", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		_, err := registry.NewSubscriber(rdb, "ghost").Get(ctx)
		require.ErrorIs(t, err, registry.ErrSubscriberNotFound)
	})

	t.Run("immutable fields", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		require.ErrorIs(t, sub.Set(ctx, registry.Fields{Proto: "fcm"}), registry.ErrImmutableField)
		require.ErrorIs(t, sub.Set(ctx, registry.Fields{Token: "other"}), registry.ErrImmutableField)
	})

	t.Run("set updates fields and stamps updated", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		require.NoError(t, sub.Set(ctx, registry.Fields{Lang: "fr", Category: "news"}))

		info, err := sub.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fr", info.Lang)
		assert.Equal(t, "news", info.Category)
		assert.GreaterOrEqual(t, info.Updated, info.Created)
	})

	t.Run("set on deleted subscriber removes the stray write", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		_, err := sub.Delete(ctx)
		require.NoError(t, err)

		require.ErrorIs(t, sub.Set(ctx, registry.Fields{Lang: "fr"}), registry.ErrSubscriberNotFound)

		n, err := rdb.Exists(ctx, "subscriber:"+sub.ID).Result()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("get is cached until a mutation", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		_, err := sub.Get(ctx)
		require.NoError(t, err)

		// out-of-band change is invisible through the cached handle
		require.NoError(t, rdb.HSet(ctx, "subscriber:"+sub.ID, "lang", "de").Err())
		info, err := sub.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, info.Lang)

		// any mutation through the handle drops the cache
		require.NoError(t, sub.Set(ctx, registry.Fields{Category: "x"}))
		info, err = sub.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "de", info.Lang)
	})
}

func TestSubscriberIncr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("increments", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		n, err := sub.Incr(ctx, "badge")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = sub.Incr(ctx, "badge")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("on deleted subscriber", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		_, err := sub.Delete(ctx)
		require.NoError(t, err)

		_, err = sub.Incr(ctx, "badge")
		require.ErrorIs(t, err, registry.ErrSubscriberNotFound)
	})
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		added, err := sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{IgnoreMessage: true})
		require.NoError(t, err)
		assert.True(t, added)

		got, err := sub.GetSubscription(ctx, ev)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "news", got.Event.Name)
		assert.True(t, got.Options.IgnoreMessage)

		require.NoError(t, sub.RemoveSubscription(ctx, ev))

		got, err = sub.GetSubscription(ctx, ev)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("re-add with same options reports not newly added", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		added, err := sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
		require.NoError(t, err)
		require.True(t, added)

		added, err = sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
		require.NoError(t, err)
		assert.False(t, added)

		// options update keeps both indexes in sync
		added, err = sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{IgnoreMessage: true})
		require.NoError(t, err)
		assert.False(t, added)

		got, err := sub.GetSubscription(ctx, ev)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Options.IgnoreMessage)
	})

	t.Run("lazy event creation", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		exists, err := ev.Exists(ctx)
		require.NoError(t, err)
		require.False(t, exists)

		_, err = sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
		require.NoError(t, err)

		exists, err = ev.Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists)

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.NotZero(t, info.Created)
		assert.EqualValues(t, 1, info.Subscribers)
	})

	t.Run("add on a missing subscriber rolls back", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		ghost := registry.NewSubscriber(rdb, "ghost")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		_, err = ghost.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
		require.ErrorIs(t, err, registry.ErrSubscriberNotFound)

		exists, err := ev.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists, "rolled-back subscription must not leave the event behind")

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		require.NoError(t, sub.RemoveSubscription(ctx, ev))
	})

	t.Run("remove on a missing subscriber", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)
		err = registry.NewSubscriber(rdb, "ghost").RemoveSubscription(ctx, ev)
		require.ErrorIs(t, err, registry.ErrSubscriberNotFound)
	})

	t.Run("removing the last member deletes the event", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		ev, err := registry.NewEvent(rdb, "news")
		require.NoError(t, err)

		_, err = sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
		require.NoError(t, err)
		require.NoError(t, sub.RemoveSubscription(ctx, ev))

		exists, err := ev.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists)

		info, err := ev.Info(ctx)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("list subscriptions", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		for _, name := range []string{"alpha", "beta"} {
			ev, err := registry.NewEvent(rdb, name)
			require.NoError(t, err)
			_, err = sub.AddSubscription(ctx, ev, registry.SubscriptionOptions{})
			require.NoError(t, err)
		}

		subs, err := sub.GetSubscriptions(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		names := []string{subs[0].Event.Name, subs[1].Event.Name}
		assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
	})

	t.Run("list on a missing subscriber", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		_, err := registry.NewSubscriber(rdb, "ghost").GetSubscriptions(ctx)
		require.ErrorIs(t, err, registry.ErrSubscriberNotFound)
	})
}

func TestSubscriberDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reports prior existence", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		existed, err := sub.Delete(ctx)
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = sub.Delete(ctx)
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("frees the token for re-registration", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sub := createSubscriber(t, rdb, "webhook", "tok")
		_, err := sub.Delete(ctx)
		require.NoError(t, err)

		other := createSubscriber(t, rdb, "webhook", "tok")
		assert.NotEqual(t, sub.ID, other.ID)
	})

	t.Run("cascades to events left empty", func(t *testing.T) {
		t.Parallel()
		rdb := newTestRedis(t)

		sole := createSubscriber(t, rdb, "webhook", "tok-1")
		peer := createSubscriber(t, rdb, "webhook", "tok-2")

		lonely, err := registry.NewEvent(rdb, "lonely")
		require.NoError(t, err)
		shared, err := registry.NewEvent(rdb, "shared")
		require.NoError(t, err)

		_, err = sole.AddSubscription(ctx, lonely, registry.SubscriptionOptions{})
		require.NoError(t, err)
		_, err = sole.AddSubscription(ctx, shared, registry.SubscriptionOptions{})
		require.NoError(t, err)
		_, err = peer.AddSubscription(ctx, shared, registry.SubscriptionOptions{})
		require.NoError(t, err)

		_, err = sole.Delete(ctx)
		require.NoError(t, err)

		exists, err := lonely.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists, "sole-member event must disappear entirely")

		exists, err = shared.Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists)

		subs, err := peer.GetSubscriptions(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "shared", subs[0].Event.Name)
	})
}

func TestCreateSubscriberTokenRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rdb := newTestRedis(t)

	// sequential creations never race, so a large batch is mostly a smoke
	// test that the retry loop and token index hold up under volume
	seen := make(map[string]bool)
	for i := range 50 {
		sub, created, err := registry.CreateSubscriber(ctx, rdb, registry.Fields{
			Proto: "webhook",
			Token: fmt.Sprintf("tok-%d", i),
		})
		require.NoError(t, err)
		require.True(t, created)
		require.False(t, seen[sub.ID], "ids must be unique")
		seen[sub.ID] = true
	}
}
