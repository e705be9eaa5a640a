package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/events"
)

// Events streams control-plane updates as server-sent events. A new
// subscriber first gets the current sessions, queue stats and sent total.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by response writer"))
		return
	}

	updates, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for _, ev := range h.snapshot(r) {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("event stream closed", "err", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) snapshot(r *http.Request) []events.Event {
	out := []events.Event{{Name: events.SessionsStatus, Data: h.sessions.List()}}

	if stats, err := h.queue.Stats(r.Context()); err == nil {
		out = append(out, events.Event{Name: events.QueueStats, Data: stats})
	} else {
		slog.Warn("queue stats unavailable for snapshot", "err", err)
	}

	if total, err := h.sent.SentTotal(r.Context()); err == nil {
		out = append(out, events.Event{Name: events.MessagesSent, Data: events.SentCount{Total: total}})
	} else {
		slog.Warn("sent total unavailable for snapshot", "err", err)
	}
	return out
}

func writeEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
