package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BroadcastName is the virtual event matching every registered subscriber.
// It is never persisted and always exists.
const BroadcastName = "broadcast"

// fanoutPageSize bounds the number of members fetched per store round trip
// during fan-out, so one hot event cannot monopolize the connection.
const fanoutPageSize = 100

var (
	eventNameFormat = regexp.MustCompile(`^[a-zA-Z0-9@:._-]{1,100}$`)
	unicastFormat   = regexp.MustCompile(`^unicast:(.+)$`)
)

// EventInfo holds the accumulated stats of a lazily created event.
type EventInfo struct {
	Created     int64 // first-subscription timestamp, seconds since epoch
	Total       int64 // successful publishes since creation
	Last        int64 // timestamp of the last successful publish
	Subscribers int64 // current member count
}

// Event is a handle on a named event. Ordinary events exist only while they
// have subscribers; the broadcast and unicast:<id> forms are virtual and
// never persisted.
type Event struct {
	rdb  redis.UniversalClient
	Name string

	key string
}

// NewEvent validates the event name and returns a handle on it.
func NewEvent(rdb redis.UniversalClient, name string) (*Event, error) {
	if !eventNameFormat.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventName, name)
	}
	return &Event{rdb: rdb, Name: name, key: eventKey(name)}, nil
}

// unicastSubscriber returns the single subscriber addressed by a
// unicast:<id> event name, or nil for any other name.
func (e *Event) unicastSubscriber() *Subscriber {
	m := unicastFormat.FindStringSubmatch(e.Name)
	if m == nil {
		return nil
	}
	return NewSubscriber(e.rdb, m[1])
}

func (e *Event) virtual() bool {
	return e.Name == BroadcastName || unicastFormat.MatchString(e.Name)
}

// Exists reports whether the event currently exists: unconditionally for
// broadcast, by subscriber existence for the unicast form, and by membership
// in the global event set otherwise.
func (e *Event) Exists(ctx context.Context) (bool, error) {
	if e.Name == BroadcastName {
		return true, nil
	}
	if sub := e.unicastSubscriber(); sub != nil {
		_, err := sub.Get(ctx)
		if errors.Is(err, ErrSubscriberNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return e.rdb.SIsMember(ctx, eventsKey, e.Name).Result()
}

// Info returns the event's stats, or nil if the event has no info hash
// (never existed, or was deleted).
func (e *Event) Info(ctx context.Context) (*EventInfo, error) {
	var raw *redis.MapStringStringCmd
	var count *redis.IntCmd
	_, err := e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		raw = pipe.HGetAll(ctx, e.key)
		count = pipe.ZCard(ctx, eventSubsKey(e.Name))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw.Val()) == 0 {
		return nil, nil
	}

	info := &EventInfo{Subscribers: count.Val()}
	for k, v := range raw.Val() {
		n, _ := strconv.ParseInt(v, 10, 64)
		switch k {
		case "created":
			info.Created = n
		case "total":
			info.Total = n
		case "last":
			info.Last = n
		}
	}
	return info, nil
}

// Log records one successful publish: it increments the total counter and
// stamps the last-publish time.
func (e *Event) Log(ctx context.Context) error {
	_, err := e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, e.key, "total", 1)
		pipe.HSet(ctx, e.key, "last", time.Now().Unix())
		return nil
	})
	return err
}

// Delete removes the event. Ordinary events first unsubscribe every current
// member through the fan-out iterator; the virtual forms have no persisted
// membership to clean. It reports whether the event was actually removed from
// the global event set.
func (e *Event) Delete(ctx context.Context) (bool, error) {
	if !e.virtual() {
		_, err := e.ForEachSubscribers(ctx, func(sub *Subscriber, _ SubscriptionOptions) error {
			err := sub.removeSubscription(ctx, e, false)
			if errors.Is(err, ErrSubscriberNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			return false, err
		}
	}

	var removed *redis.IntCmd
	_, err := e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, e.key)
		removed = pipe.SRem(ctx, eventsKey, e.Name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// ForEachSubscribers invokes action once per current subscriber of the event
// and returns the number of invocations. The unicast form yields exactly its
// one resolved subscriber with empty options; broadcast paginates the global
// subscriber set, also with empty options; ordinary events paginate the
// event's member set, decoding each score into subscription options.
//
// Membership is snapshot-counted once at the start and then processed in
// pages of 100 from the high-score end downward, so a very large membership
// never turns into one unbounded store operation. Members added or removed
// during a long fan-out are not guaranteed to be visited exactly once.
func (e *Event) ForEachSubscribers(ctx context.Context, action func(*Subscriber, SubscriptionOptions) error) (int, error) {
	if sub := e.unicastSubscriber(); sub != nil {
		if err := action(sub, SubscriptionOptions{}); err != nil {
			return 0, err
		}
		return 1, nil
	}

	key := eventSubsKey(e.Name)
	scoreIsOptions := true
	if e.Name == BroadcastName {
		// broadcast has no per-subscriber options, the global set score is meaningless
		key = subscribersKey
		scoreIsOptions = false
	}

	total, err := e.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	visited := 0
	pages := (total + fanoutPageSize - 1) / fanoutPageSize
	for page := int64(0); page < pages; page++ {
		start := max(total-(page+1)*fanoutPageSize, 0)
		stop := total - page*fanoutPageSize - 1
		entries, err := e.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
		if err != nil {
			return visited, err
		}
		for _, z := range entries {
			id, _ := z.Member.(string)
			opts := SubscriptionOptions{}
			if scoreIsOptions {
				opts = optionsFromScore(z.Score)
			}
			if err := action(NewSubscriber(e.rdb, id), opts); err != nil {
				return visited, err
			}
			visited++
		}
	}
	return visited, nil
}
