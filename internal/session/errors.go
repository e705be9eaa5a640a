package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrInvalidSessionID     = errors.New("session id is required")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidMessage       = errors.New("message is required")
	ErrManagerClosed        = errors.New("session manager is shut down")
	ErrInvalidTransition    = errors.New("invalid state transition")
)

// NotReadyError reports a send against a session that is not Ready. An
// empty State means the session is not registered at all.
type NotReadyError struct {
	SessionID string
	State     State
}

func (e *NotReadyError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("session %s is not registered", e.SessionID)
	}
	return fmt.Sprintf("session %s is not ready (state=%s)", e.SessionID, e.State)
}

// RateLimitError asks the queue to run the job again once the session's
// window has room. It does not count as a failed attempt.
type RateLimitError struct {
	SessionID  string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for session %s", e.SessionID)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) DeferFor() time.Duration {
	if e.RetryAfter < time.Second {
		return time.Second
	}
	return e.RetryAfter
}

// ProviderError wraps connection, send and timeout failures from the
// provider.
type ProviderError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
