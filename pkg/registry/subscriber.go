package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// createRetryLimit bounds the creation retry loop: id collisions, optimistic
// lock losses and token-index races each consume one attempt.
const createRetryLimit = 10

// Fields carries the client-writable subscriber attributes. Proto and Token
// are immutable after creation; Extra holds arbitrary opaque string fields
// that must not shadow the reserved ones.
type Fields struct {
	Proto    string
	Token    string
	Lang     string
	Category string
	Badge    *int
	Extra    map[string]string
}

func isReservedField(name string) bool {
	switch name {
	case "proto", "token", "lang", "category", "badge", "created", "updated":
		return true
	}
	return false
}

func (f Fields) toMap() map[string]any {
	m := make(map[string]any)
	if f.Proto != "" {
		m["proto"] = f.Proto
	}
	if f.Token != "" {
		m["token"] = f.Token
	}
	if f.Lang != "" {
		m["lang"] = f.Lang
	}
	if f.Category != "" {
		m["category"] = f.Category
	}
	if f.Badge != nil {
		m["badge"] = *f.Badge
	}
	for k, v := range f.Extra {
		if !isReservedField(k) {
			m[k] = v
		}
	}
	return m
}

// SubscriberInfo is the full field set of a live subscriber, with numeric
// fields coerced from their stored string form.
type SubscriberInfo struct {
	ID       string
	Proto    string
	Token    string
	Lang     string
	Category string
	Badge    int
	Created  int64
	Updated  int64
	Extra    map[string]string
}

// Subscriber is a cheap handle on a registered subscriber. Handles can be
// constructed freely from an id; every mutation goes through the registry
// operations below so the mirrored subscription indexes stay consistent.
type Subscriber struct {
	rdb redis.UniversalClient
	ID  string

	key  string
	info *SubscriberInfo // last Get result, dropped on any mutation
}

// NewSubscriber returns a handle for the given subscriber id. It does not
// check existence; operations report ErrSubscriberNotFound when the underlying
// record is gone.
func NewSubscriber(rdb redis.UniversalClient, id string) *Subscriber {
	return &Subscriber{rdb: rdb, ID: id, key: subscriberKey(id)}
}

// SubscriberFromToken resolves a (proto, token) pair through the token index.
// It returns (nil, nil) when no live subscriber owns the pair; a stale index
// entry pointing at a deleted subscriber is removed on the way.
func SubscriberFromToken(ctx context.Context, rdb redis.UniversalClient, proto, token string) (*Subscriber, error) {
	if proto == "" {
		return nil, ErrMissingProto
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	id, err := rdb.HGet(ctx, tokenMapKey, tokenMapField(proto, token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	n, err := rdb.Exists(ctx, subscriberKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// the index references a deleted subscriber, heal it
		if err := rdb.HDel(ctx, tokenMapKey, tokenMapField(proto, token)).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return NewSubscriber(rdb, id), nil
}

// CreateSubscriber registers a subscriber, or merges the mutable fields into
// the existing subscriber owning the same (proto, token) pair. The second
// return value reports whether a new subscriber was created.
//
// Creation runs as one WATCH-guarded transaction on the candidate id key:
// the token index entry is written only if absent, the id joins the global
// subscriber set, and the field hash is written. An id collision, a lost
// optimistic lock or a lost token-index race each trigger a bounded retry;
// in the token-race case the half-created record is rolled back first so the
// next round discovers the peer's subscriber through the index.
func CreateSubscriber(ctx context.Context, rdb redis.UniversalClient, fields Fields) (*Subscriber, bool, error) {
	if fields.Proto == "" {
		return nil, false, ErrMissingProto
	}
	if fields.Token == "" {
		return nil, false, ErrMissingToken
	}

	for range createRetryLimit {
		sub, err := SubscriberFromToken(ctx, rdb, fields.Proto, fields.Token)
		if err != nil {
			return nil, false, err
		}
		if sub != nil {
			// re-registration: merge everything but the immutable pair
			update := fields
			update.Proto, update.Token = "", ""
			if err := sub.Set(ctx, update); err != nil {
				if errors.Is(err, ErrSubscriberNotFound) {
					continue // deleted between lookup and update
				}
				return nil, false, err
			}
			return sub, false, nil
		}

		id, err := newSubscriberID()
		if err != nil {
			return nil, false, err
		}
		key := subscriberKey(id)

		var tokenClaimed *redis.BoolCmd
		err = rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errIDCollision
			}

			now := time.Now().Unix()
			hash := fields.toMap()
			hash["created"] = now
			hash["updated"] = now

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				tokenClaimed = pipe.HSetNX(ctx, tokenMapKey, tokenMapField(fields.Proto, fields.Token), id)
				pipe.ZAdd(ctx, subscribersKey, redis.Z{Score: 0, Member: id})
				pipe.HSet(ctx, key, hash)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			if !tokenClaimed.Val() {
				// a concurrent creation claimed the same token first;
				// roll back and let the next round return the peer
				if _, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.ZRem(ctx, subscribersKey, id)
					return nil
				}); err != nil {
					return nil, false, err
				}
				continue
			}
			return NewSubscriber(rdb, id), true, nil
		case errors.Is(err, errIDCollision), errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, ErrIDExhausted
}

// newSubscriberID generates an opaque, URL-safe subscriber id from 8
// crypto-random bytes (11 characters of unpadded base64url).
func newSubscriberID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// Get returns the subscriber's full field set, cached on the handle until the
// next mutation through this handle.
func (s *Subscriber) Get(ctx context.Context) (*SubscriberInfo, error) {
	if s.info != nil {
		return s.info, nil
	}

	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	if raw["updated"] == "" {
		return nil, ErrSubscriberNotFound
	}

	info := &SubscriberInfo{ID: s.ID, Extra: make(map[string]string)}
	for k, v := range raw {
		switch k {
		case "proto":
			info.Proto = v
		case "token":
			info.Token = v
		case "lang":
			info.Lang = v
		case "category":
			info.Category = v
		case "badge":
			info.Badge, _ = strconv.Atoi(v)
		case "created":
			info.Created, _ = strconv.ParseInt(v, 10, 64)
		case "updated":
			info.Updated, _ = strconv.ParseInt(v, 10, 64)
		default:
			info.Extra[k] = v
		}
	}
	s.info = info
	return info, nil
}

// Set updates the subscriber's mutable fields and stamps updated. The write is
// aborted (partial write deleted) when the subscriber vanished meanwhile.
func (s *Subscriber) Set(ctx context.Context, fields Fields) error {
	if fields.Proto != "" || fields.Token != "" {
		return ErrImmutableField
	}
	s.info = nil

	hash := fields.toMap()
	hash["updated"] = time.Now().Unix()

	var alive *redis.FloatCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		pipe.HSet(ctx, s.key, hash)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(alive.Err(), redis.Nil) {
		// raced with a deletion, drop the stray write
		if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
			return err
		}
		return ErrSubscriberNotFound
	}
	return alive.Err()
}

// Incr atomically increments a numeric field and returns the new value.
func (s *Subscriber) Incr(ctx context.Context, field string) (int64, error) {
	s.info = nil

	var alive *redis.FloatCmd
	var next *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		next = pipe.HIncrBy(ctx, s.key, field, 1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if errors.Is(alive.Err(), redis.Nil) {
		if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
			return 0, err
		}
		return 0, ErrSubscriberNotFound
	}
	return next.Val(), nil
}

// Delete removes the subscriber, its token index entry, its global membership
// and its whole subscription set, then cascades deletion to any event left
// without members. It reports whether a live subscriber existed.
func (s *Subscriber) Delete(ctx context.Context) (bool, error) {
	s.info = nil

	var identity *redis.SliceCmd
	var events *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		identity = pipe.HMGet(ctx, s.key, "proto", "token")
		events = pipe.ZRange(ctx, subscriberEventsKey(s.ID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}

	proto, _ := identity.Val()[0].(string)
	token, _ := identity.Val()[1].(string)

	var existed *redis.IntCmd
	counts := make([]*redis.IntCmd, 0, len(events.Val()))
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, tokenMapKey, tokenMapField(proto, token))
		existed = pipe.ZRem(ctx, subscribersKey, s.ID)
		pipe.Del(ctx, s.key)
		pipe.Del(ctx, subscriberEventsKey(s.ID))
		for _, name := range events.Val() {
			pipe.ZRem(ctx, eventSubsKey(name), s.ID)
			counts = append(counts, pipe.ZCard(ctx, eventSubsKey(name)))
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	// cascade: events this deletion rendered empty disappear entirely
	for i, name := range events.Val() {
		if counts[i].Val() != 0 {
			continue
		}
		ev, err := NewEvent(s.rdb, name)
		if err != nil {
			continue // names in the index were validated on the way in
		}
		if _, err := ev.Delete(ctx); err != nil {
			return false, err
		}
	}
	return existed.Val() == 1, nil
}

// AddSubscription subscribes the subscriber to the event with the given
// options, lazily creating the event on its first subscription. It returns
// true when newly added and false when the subscription already existed
// (options are updated in place). If the subscriber turns out not to exist,
// the just-added entries are rolled back and an event left empty is deleted.
func (s *Subscriber) AddSubscription(ctx context.Context, ev *Event, options SubscriptionOptions) (bool, error) {
	s.info = nil
	score := float64(options.bits())
	now := time.Now().Unix()

	var alive *redis.FloatCmd
	var added *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		added = pipe.ZAdd(ctx, subscriberEventsKey(s.ID), redis.Z{Score: score, Member: ev.Name})
		pipe.ZAdd(ctx, eventSubsKey(ev.Name), redis.Z{Score: score, Member: s.ID})
		// the event is lazily created by its first subscription
		pipe.HSetNX(ctx, eventKey(ev.Name), "created", now)
		pipe.SAdd(ctx, eventsKey, ev.Name)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}

	if errors.Is(alive.Err(), redis.Nil) {
		// liveness check failed after the fact: roll the entries back
		var remaining *redis.IntCmd
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, subscriberEventsKey(s.ID), ev.Name)
			pipe.ZRem(ctx, eventSubsKey(ev.Name), s.ID)
			remaining = pipe.ZCard(ctx, eventSubsKey(ev.Name))
			return nil
		})
		if err != nil {
			return false, err
		}
		if remaining.Val() == 0 {
			if _, err := ev.Delete(ctx); err != nil {
				return false, err
			}
		}
		return false, ErrSubscriberNotFound
	}
	return added.Val() == 1, nil
}

// RemoveSubscription unsubscribes the subscriber from the event. It is
// idempotent: removing a subscription that never existed succeeds. An
// ordinary event left with zero members is deleted.
func (s *Subscriber) RemoveSubscription(ctx context.Context, ev *Event) error {
	return s.removeSubscription(ctx, ev, true)
}

// removeSubscription removes both sides of the subscription relation.
// cleanup is disabled during an event deletion cascade, which would otherwise
// recurse through Event.Delete.
func (s *Subscriber) removeSubscription(ctx context.Context, ev *Event, cleanup bool) error {
	s.info = nil

	var alive *redis.FloatCmd
	var remaining *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		pipe.ZRem(ctx, subscriberEventsKey(s.ID), ev.Name)
		pipe.ZRem(ctx, eventSubsKey(ev.Name), s.ID)
		remaining = pipe.ZCard(ctx, eventSubsKey(ev.Name))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(alive.Err(), redis.Nil) {
		return ErrSubscriberNotFound
	}

	if cleanup && remaining.Val() == 0 && !ev.virtual() {
		if _, err := ev.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// GetSubscriptions returns every (event, options) pair of the subscriber's
// subscription set.
func (s *Subscriber) GetSubscriptions(ctx context.Context) ([]Subscription, error) {
	var alive *redis.FloatCmd
	var entries *redis.ZSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		entries = pipe.ZRangeWithScores(ctx, subscriberEventsKey(s.ID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if errors.Is(alive.Err(), redis.Nil) {
		return nil, ErrSubscriberNotFound
	}

	subs := make([]Subscription, 0, len(entries.Val()))
	for _, z := range entries.Val() {
		name, _ := z.Member.(string)
		ev, err := NewEvent(s.rdb, name)
		if err != nil {
			continue
		}
		subs = append(subs, Subscription{Event: ev, Options: optionsFromScore(z.Score)})
	}
	return subs, nil
}

// GetSubscription returns the subscription to the given event, or (nil, nil)
// when the subscriber is not subscribed to it.
func (s *Subscriber) GetSubscription(ctx context.Context, ev *Event) (*Subscription, error) {
	var alive, score *redis.FloatCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		alive = pipe.ZScore(ctx, subscribersKey, s.ID)
		score = pipe.ZScore(ctx, subscriberEventsKey(s.ID), ev.Name)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if errors.Is(alive.Err(), redis.Nil) {
		return nil, ErrSubscriberNotFound
	}
	if errors.Is(score.Err(), redis.Nil) {
		return nil, nil
	}
	return &Subscription{Event: ev, Options: optionsFromScore(score.Val())}, nil
}
