package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/pushbroker/pkg/payload"
	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// Sender performs the outbound transmission for one push protocol.
type Sender interface {
	// Push delivers the compiled payload to the subscriber over the sender's
	// protocol, honoring the per-subscription options.
	Push(ctx context.Context, sub *registry.Subscriber, opts registry.SubscriptionOptions, p *payload.Payload) error
	// ValidateToken normalizes a protocol-specific token, rejecting tokens
	// the protocol cannot address. It is consulted at registration time only.
	ValidateToken(token string) (string, bool)
}

// Registry maps protocol names to their registered senders and routes each
// dispatch to the sender matching the subscriber's stored protocol.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	log     *slog.Logger
}

// NewRegistry returns an empty dispatch registry. A nil logger silences it.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = newNoopLogger()
	}
	return &Registry{senders: make(map[string]Sender), log: log}
}

// Register installs the sender for a protocol name, replacing any previous one.
func (r *Registry) Register(proto string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[proto] = sender
}

// Get returns the sender registered for a protocol.
func (r *Registry) Get(proto string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[proto]
	return s, ok
}

// Protocols lists the registered protocol names.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	return names
}

// Dispatch resolves the subscriber's protocol and delegates to the matching
// sender. A subscriber that vanished mid fan-out and a protocol without a
// registered sender are both silent no-ops: neither may abort a fan-out.
func (r *Registry) Dispatch(ctx context.Context, sub *registry.Subscriber, opts registry.SubscriptionOptions, p *payload.Payload) error {
	info, err := sub.Get(ctx)
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sender, ok := r.Get(info.Proto)
	if !ok {
		r.log.Debug("no sender registered for protocol",
			slog.String("proto", info.Proto),
			slog.String("subscriber", sub.ID))
		return nil
	}
	return sender.Push(ctx, sub, opts, p)
}
