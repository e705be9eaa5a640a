package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/events"
	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

const maxBodyBytes = 1 << 20

type SessionManager interface {
	List() []session.Info
	Create(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	SendMessage(ctx context.Context, sessionID, phone, message string, scheduledAt time.Time) (model.JobHandle, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (model.QueueStats, error)
}

type SentCounter interface {
	SentTotal(ctx context.Context) (int64, error)
}

type Handler struct {
	sessions SessionManager
	queue    StatsSource
	sent     SentCounter
	hub      *events.Hub

	heartbeat time.Duration
}

func NewHandler(sessions SessionManager, queue StatsSource, sent SentCounter, hub *events.Hub) *Handler {
	return &Handler{
		sessions:  sessions,
		queue:     queue,
		sent:      sent,
		hub:       hub,
		heartbeat: 15 * time.Second,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": h.sessions.List(),
	})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, badRequest("sessionId is required"))
		return
	}

	if err := h.sessions.Create(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Session %s created", req.SessionID),
	})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Close(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Session %s closed", id),
	})
}

func (h *Handler) ReconnectSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Reconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Session %s reconnecting", id),
	})
}

type sendMessageRequest struct {
	SessionID     string `json:"sessionId"`
	Phone         string `json:"phone"`
	Message       string `json:"message"`
	ScheduledTime string `json:"scheduledTime,omitempty"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" || req.Phone == "" || req.Message == "" {
		writeError(w, badRequest("sessionId, phone and message are required"))
		return
	}

	var scheduledAt time.Time
	if req.ScheduledTime != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledTime)
		if err != nil {
			writeError(w, badRequest("scheduledTime must be an RFC 3339 timestamp"))
			return
		}
		scheduledAt = t
	}

	handle, err := h.sessions.SendMessage(r.Context(), req.SessionID, req.Phone, req.Message, scheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   handle.ID,
		"status":  handle.Status,
	})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
