package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// publishTimeout bounds a single background fan-out.
const publishTimeout = 30 * time.Second

// eventResponse is the wire form of event stats.
type eventResponse struct {
	Created     int64 `json:"created"`
	Total       int64 `json:"total"`
	Last        int64 `json:"last,omitempty"`
	Subscribers int64 `json:"subscribers"`
}

func (a *API) handleEventInfo(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	info, err := ev.Info(r.Context())
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to read event", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, eventResponse{
		Created:     info.Created,
		Total:       info.Total,
		Last:        info.Last,
		Subscribers: info.Subscribers,
	})
}

// handleEventPublish accepts the publication and fans it out in the
// background: the producer gets its 204 before the first push leaves the
// broker, matching the fire-and-forget publish contract.
func (a *API) handleEventPublish(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	fields, err := parseBody(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), publishTimeout)
	go func() {
		defer cancel()
		reached, err := a.pub.Publish(ctx, ev, fields)
		if err != nil {
			a.log.ErrorContext(ctx, "publish failed",
				slog.String("event", ev.Name),
				slog.Any("error", err))
			return
		}
		a.log.DebugContext(ctx, "event published",
			slog.String("event", ev.Name),
			slog.Int("reached", reached))
	}()
}

func (a *API) handleEventDelete(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	deleted, err := ev.Delete(r.Context())
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to delete event", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
