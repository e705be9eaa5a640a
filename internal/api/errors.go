package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

var errBadRequest = errors.New("invalid request")

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return errBadRequest }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

// classify maps an error to its HTTP status and error kind.
func classify(err error) (int, string) {
	var notReady *session.NotReadyError
	var limited *session.RateLimitError

	switch {
	case errors.Is(err, ErrAuthRejected):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionAlreadyExists):
		return http.StatusBadRequest, "already_exists"
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, session.ErrInvalidPhone),
		errors.Is(err, session.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &notReady):
		return http.StatusConflict, "not_ready"
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
		"kind":    kind,
	})
}
