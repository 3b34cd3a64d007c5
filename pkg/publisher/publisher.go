package publisher

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/pushbroker/pkg/broadcast"
	"github.com/dmitrymomot/pushbroker/pkg/dispatch"
	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// Publisher orchestrates one publish: payload validation, live-listener
// notification, existence check, template compilation, fan-out through the
// dispatch registry, and the post-fan-out stats update or event self-clean.
type Publisher struct {
	dispatch *dispatch.Registry
	live     *broadcast.Hub
	log      *slog.Logger
}

// New wires a publisher. The hub may be nil when no live listeners exist;
// a nil logger silences the publisher.
func New(d *dispatch.Registry, hub *broadcast.Hub, log *slog.Logger) *Publisher {
	if log == nil {
		log = newNoopLogger()
	}
	return &Publisher{dispatch: d, live: hub, log: log}
}

// Publish pushes the raw payload fields to every current subscriber of the
// event and returns the number of subscribers reached.
//
// Payload validation and template compilation failures surface as
// payload.ErrInvalidPayload-class errors with no dispatch attempted; a
// nonexistent event reports (0, nil). Per-subscriber delivery failures are
// the senders' concern and never abort the fan-out. Live listeners are
// notified with the uncompiled payload before the existence check, so
// live-tail consumers see publishes to events nobody durably subscribes to.
func (p *Publisher) Publish(ctx context.Context, event *registry.Event, fields map[string]string) (int, error) {
	pl, err := payload.New(fields)
	if err != nil {
		p.log.Error("invalid payload", slog.String("event", event.Name), slog.Any("error", err))
		return 0, err
	}
	pl.AttachEvent(event.Name)

	if p.live != nil {
		// listeners get their own uncompiled copy: the original is compiled
		// in place below while listeners may still be reading theirs
		p.live.Publish(ctx, broadcast.Publication{Event: event.Name, Payload: pl.Clone()})
	}

	exists, err := event.Exists(ctx)
	if err != nil {
		return 0, err
	}
	if !exists {
		p.log.Debug("publish to nonexistent event", slog.String("event", event.Name))
		return 0, nil
	}

	// compile only once the event is known to exist, and before serving the
	// first subscriber, so a broken template reaches nobody
	if err := pl.Compile(); err != nil {
		p.log.Error("payload template does not compile",
			slog.String("event", event.Name), slog.Any("error", err))
		return 0, err
	}

	reached, err := event.ForEachSubscribers(ctx, func(sub *registry.Subscriber, opts registry.SubscriptionOptions) error {
		if err := p.dispatch.Dispatch(ctx, sub, opts, pl); err != nil {
			// delivery failures are logged and swallowed, fan-out continues
			p.log.Warn("dispatch failed",
				slog.String("event", event.Name),
				slog.String("subscriber", sub.ID),
				slog.Any("error", err))
		}
		return nil
	})
	if err != nil {
		return reached, err
	}

	if reached > 0 {
		p.log.Debug("pushed event", slog.String("event", event.Name), slog.Int("subscribers", reached))
		if err := event.Log(ctx); err != nil {
			return reached, err
		}
		return reached, nil
	}

	// nobody is listening anymore: self-clean the event
	if _, err := event.Delete(ctx); err != nil {
		return 0, err
	}
	return 0, nil
}
