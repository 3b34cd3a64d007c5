package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// heartbeatInterval keeps idle event-stream connections from being reaped by
// intermediaries.
const heartbeatInterval = 10 * time.Second

// streamFrame is one server-sent publication. Title and message carry the
// raw localized template maps; rendering is up to the listening client.
type streamFrame struct {
	Event   string            `json:"event"`
	Title   map[string]string `json:"title,omitempty"`
	Message map[string]string `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// handleStream bridges the in-process broadcast hub onto a text/event-stream
// response. The events query parameter selects the subscribed event names,
// separated by spaces.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	if !r.URL.Query().Has("events") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	events := strings.Fields(r.URL.Query().Get("events"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.log.ErrorContext(r.Context(), "response writer does not support streaming")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("\n"))
	flusher.Flush()

	listener := a.hub.Subscribe(r.Context(), events...)
	defer listener.Close()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(":\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case pub, open := <-listener.C():
			if !open {
				return
			}
			frame := streamFrame{
				Event:   pub.Event,
				Title:   pub.Payload.Title,
				Message: pub.Payload.Msg,
				Data:    pub.Payload.Data,
			}
			data, err := json.Marshal(frame)
			if err != nil {
				a.log.ErrorContext(r.Context(), "failed to encode stream frame", slog.Any("error", err))
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
