package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pushbroker/pkg/payload"
)

// Publication is one published event as seen by live listeners. The payload
// is the uncompiled original: listeners receive the raw localized template
// maps, not any per-subscriber rendering.
type Publication struct {
	ID          string
	Event       string
	Payload     *payload.Payload
	PublishedAt time.Time
}

// Listener receives publications for the event names it subscribed to.
type Listener struct {
	ch     chan Publication
	events map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// C returns the receive channel. It is closed when the listener detaches or
// the hub shuts down.
func (l *Listener) C() <-chan Publication { return l.ch }

// Close detaches the listener and closes its channel. Safe to call twice.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.ch)
		l.closed = true
	}
}

// wants reports whether the listener subscribed to the publication's event.
// A listener with no event filter receives everything.
func (l *Listener) wants(event string) bool {
	if len(l.events) == 0 {
		return true
	}
	_, ok := l.events[event]
	return ok
}

// send delivers non-blocking; a full buffer drops the publication for this
// listener rather than stalling the publish path.
func (l *Listener) send(pub Publication) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- pub:
		return true
	default:
		return false
	}
}

// Hub fans published events out to in-process live listeners, such as the
// server-sent-events bridge. Publishing never blocks: slow listeners lose
// publications instead of slowing the publisher down.
type Hub struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	buffer    int
	closed    bool
	done      chan struct{}
	cleanupWg sync.WaitGroup
}

// NewHub creates a hub whose listeners buffer up to bufferSize publications.
// A minimum buffer of 1 keeps sends non-blocking.
func NewHub(bufferSize int) *Hub {
	return &Hub{
		listeners: make(map[*Listener]struct{}),
		buffer:    max(bufferSize, 1),
		done:      make(chan struct{}),
	}
}

// Subscribe attaches a listener for the given event names (none means every
// event). The listener detaches automatically when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, events ...string) *Listener {
	l := &Listener{
		ch:     make(chan Publication, h.buffer),
		events: make(map[string]struct{}, len(events)),
	}
	for _, name := range events {
		l.events[name] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		l.Close()
		return l
	}
	h.listeners[l] = struct{}{}

	if ctx.Done() != nil {
		h.cleanupWg.Add(1)
		go func() {
			defer h.cleanupWg.Done()
			select {
			case <-ctx.Done():
				h.detach(l)
			case <-h.done:
				// Close already detached every listener.
			}
		}()
	}
	return l
}

// Publish delivers the publication to every interested listener. Missing ID
// and PublishedAt fields are filled in. Publish never blocks and never fails;
// listeners whose buffer is full simply miss this publication.
func (h *Hub) Publish(_ context.Context, pub Publication) {
	if pub.ID == "" {
		pub.ID = uuid.NewString()
	}
	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for l := range h.listeners {
		if l.wants(pub.Event) {
			l.send(pub)
		}
	}
}

// Close shuts the hub down and closes every listener. Safe to call twice.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	for l := range h.listeners {
		l.Close()
	}
	clear(h.listeners)
	h.mu.Unlock()

	h.cleanupWg.Wait()
}

func (h *Hub) detach(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, l)
	l.Close()
}
