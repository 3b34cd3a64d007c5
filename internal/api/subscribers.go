package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

var errImmutableFields = errors.New("proto and token cannot be changed")

// subscriberResponse flattens the subscriber info into the wire shape.
func subscriberResponse(info *registry.SubscriberInfo) map[string]any {
	resp := map[string]any{
		"id":      info.ID,
		"proto":   info.Proto,
		"token":   info.Token,
		"created": info.Created,
		"updated": info.Updated,
	}
	if info.Lang != "" {
		resp["lang"] = info.Lang
	}
	if info.Category != "" {
		resp["category"] = info.Category
	}
	if info.Badge != 0 {
		resp["badge"] = info.Badge
	}
	for k, v := range info.Extra {
		resp[k] = v
	}
	return resp
}

// handleRegister creates a subscriber or re-registers an existing token.
// 201 with a Location header for a new subscriber, 200 for an existing one.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	fields, err := filterFields(body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	// A registered sender vets the token for its protocol. Unknown protocols
	// are stored as-is; their delivery is handled outside this process.
	if a.senders != nil && fields.Proto != "" {
		if sender, ok := a.senders.Get(fields.Proto); ok {
			normalized, ok := sender.ValidateToken(fields.Token)
			if !ok {
				a.writeError(w, http.StatusBadRequest, errors.New("invalid token for protocol "+fields.Proto))
				return
			}
			fields.Token = normalized
		}
	}

	sub, created, err := registry.CreateSubscriber(r.Context(), a.rdb, fields)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrMissingProto), errors.Is(err, registry.ErrMissingToken):
			a.writeError(w, http.StatusBadRequest, err)
		default:
			a.log.ErrorContext(r.Context(), "subscriber registration failed", slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	info, err := sub.Get(r.Context())
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to read back subscriber", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/subscriber/"+sub.ID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.writeJSON(w, status, subscriberResponse(info))
}

func (a *API) handleSubscriberInfo(w http.ResponseWriter, r *http.Request) {
	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	info, err := sub.Get(r.Context())
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to read subscriber", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, subscriberResponse(info))
}

func (a *API) handleSubscriberEdit(w http.ResponseWriter, r *http.Request) {
	body, err := parseBody(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	fields, err := filterFields(body)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	switch err := sub.Set(r.Context(), fields); {
	case errors.Is(err, registry.ErrImmutableField):
		a.writeError(w, http.StatusBadRequest, errImmutableFields)
	case errors.Is(err, registry.ErrSubscriberNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		a.log.ErrorContext(r.Context(), "failed to edit subscriber", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleSubscriberDelete(w http.ResponseWriter, r *http.Request) {
	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	deleted, err := sub.Delete(r.Context())
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to delete subscriber", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !deleted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
