package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/pushbroker/pkg/broadcast"
	"github.com/dmitrymomot/pushbroker/pkg/dispatch"
	"github.com/dmitrymomot/pushbroker/pkg/publisher"
)

// API is the broker's HTTP surface: subscriber registration and editing,
// subscription management, event stats and publishing, the server-sent-events
// bridge and the status probe.
type API struct {
	rdb     redis.UniversalClient
	senders *dispatch.Registry
	pub     *publisher.Publisher
	hub     *broadcast.Hub
	check   func(context.Context) error
	log     *slog.Logger
}

// New assembles the API from its collaborators. check is the store probe
// behind GET /status; a nil logger silences the API.
func New(rdb redis.UniversalClient, senders *dispatch.Registry, pub *publisher.Publisher, hub *broadcast.Hub, check func(context.Context) error, log *slog.Logger) *API {
	if log == nil {
		log = newNoopLogger()
	}
	return &API{
		rdb:     rdb,
		senders: senders,
		pub:     pub,
		hub:     hub,
		check:   check,
		log:     log,
	}
}

// Router builds the chi router with all broker routes mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Post("/subscribers", a.handleRegister)

	r.Route("/subscriber/{subscriber_id}", func(r chi.Router) {
		r.Get("/", a.handleSubscriberInfo)
		r.Post("/", a.handleSubscriberEdit)
		r.Delete("/", a.handleSubscriberDelete)

		r.Get("/subscriptions", a.handleSubscriptionsList)
		r.Post("/subscriptions", a.handleSubscriptionsSet)

		r.Get("/subscriptions/{event_id}", a.handleSubscriptionInfo)
		r.Post("/subscriptions/{event_id}", a.handleSubscribe)
		r.Delete("/subscriptions/{event_id}", a.handleUnsubscribe)
	})

	r.Route("/event/{event_id}", func(r chi.Router) {
		r.Get("/", a.handleEventInfo)
		r.Post("/", a.handleEventPublish)
		r.Delete("/", a.handleEventDelete)
	})

	r.Get("/subscribe", a.handleStream)
	r.Get("/status", a.handleStatus)

	return r
}

// handleStatus probes the backing store: 204 when healthy, 503 otherwise.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.check != nil {
		if err := a.check(r.Context()); err != nil {
			a.log.ErrorContext(r.Context(), "status check failed", slog.Any("error", err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestLogger records one structured line per handled request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.DebugContext(r.Context(), "request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", slog.Any("error", err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
