package api

import "net/http"

// Router wires the control plane. Mutating routes require the API key;
// metrics may be nil.
func Router(h *Handler, auth *APIKeyAuthenticator, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	protect := RequireAPIKey(auth)

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /sessions", h.ListSessions)
	mux.Handle("POST /sessions", protect(http.HandlerFunc(h.CreateSession)))
	mux.Handle("DELETE /sessions/{id}", protect(http.HandlerFunc(h.DeleteSession)))
	mux.Handle("POST /sessions/{id}/reconnect", protect(http.HandlerFunc(h.ReconnectSession)))

	mux.Handle("POST /send-message", protect(http.HandlerFunc(h.SendMessage)))
	mux.HandleFunc("GET /queue/stats", h.QueueStats)

	mux.HandleFunc("GET /events", h.Events)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-gateway"))
	})

	return mux
}
