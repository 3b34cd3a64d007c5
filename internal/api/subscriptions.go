package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/pushbroker/pkg/registry"
)

// subscriptionView is the wire form of one subscription's options.
type subscriptionView struct {
	IgnoreMessage bool `json:"ignore_message"`
}

func (a *API) handleSubscriptionsList(w http.ResponseWriter, r *http.Request) {
	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	subs, err := sub.GetSubscriptions(r.Context())
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to list subscriptions", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp := make(map[string]subscriptionView, len(subs))
	for _, s := range subs {
		resp[s.Event.Name] = subscriptionView{IgnoreMessage: s.Options.IgnoreMessage}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// handleSubscriptionsSet replaces the subscriber's whole subscription set
// with the posted one: missing events are unsubscribed, new ones subscribed,
// and changed options updated in place.
func (a *API) handleSubscriptionsSet(w http.ResponseWriter, r *http.Request) {
	var body map[string]*subscriptionView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Join(errMalformedBody, err))
		return
	}

	desired := make(map[string]registry.SubscriptionOptions, len(body))
	events := make(map[string]*registry.Event, len(body))
	for name, view := range body {
		ev, err := registry.NewEvent(a.rdb, name)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		var opts registry.SubscriptionOptions
		if view != nil {
			opts.IgnoreMessage = view.IgnoreMessage
		}
		desired[name] = opts
		events[name] = ev
	}

	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	current, err := sub.GetSubscriptions(r.Context())
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to read subscriptions", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for _, s := range current {
		opts, keep := desired[s.Event.Name]
		if !keep {
			err = sub.RemoveSubscription(r.Context(), s.Event)
		} else if opts != s.Options {
			_, err = sub.AddSubscription(r.Context(), s.Event, opts)
		}
		if err != nil {
			break
		}
		delete(desired, s.Event.Name)
	}
	if err == nil {
		for name, opts := range desired {
			if _, err = sub.AddSubscription(r.Context(), events[name], opts); err != nil {
				break
			}
		}
	}

	switch {
	case errors.Is(err, registry.ErrSubscriberNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		a.log.ErrorContext(r.Context(), "failed to set subscriptions", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleSubscriptionInfo(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	s, err := sub.GetSubscription(r.Context(), ev)
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to read subscription", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, subscriptionView{IgnoreMessage: s.Options.IgnoreMessage})
}

// handleSubscribe adds one subscription: 201 when newly added, 204 when it
// already existed (options updated in place).
func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := parseBody(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := registry.SubscriptionOptions{IgnoreMessage: truthy(body["ignore_message"])}
	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	added, err := sub.AddSubscription(r.Context(), ev, opts)
	if errors.Is(err, registry.ErrSubscriberNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "failed to subscribe", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if added {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnsubscribe removes one subscription. Removing a subscription that
// never existed still succeeds with 204; only a missing subscriber is 404.
func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ev, err := registry.NewEvent(a.rdb, chi.URLParam(r, "event_id"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := registry.NewSubscriber(a.rdb, chi.URLParam(r, "subscriber_id"))
	switch err := sub.RemoveSubscription(r.Context(), ev); {
	case errors.Is(err, registry.ErrSubscriberNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		a.log.ErrorContext(r.Context(), "failed to unsubscribe", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// truthy interprets the loose option encodings clients send: 1, true, yes.
func truthy(value string) bool {
	if value == "" {
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n != 0
	}
	b, err := strconv.ParseBool(value)
	return err == nil && b
}
