// Package ratelimit caps outbound sends per session within a one-minute window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxPerMinute = 20
	Window              = time.Minute
)

// ExceededError is returned when a session has used its quota for the
// current window. RetryAfter is the time left until the window rolls over.
type ExceededError struct {
	SessionID  string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for session %s: retry after %s", e.SessionID, e.RetryAfter)
}

type window struct {
	start time.Time
	count int
}

type Limiter struct {
	max int
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func New(maxPerMinute int) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxPerMinute
	}
	return &Limiter{
		max:     maxPerMinute,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records one send for sessionID, or rejects it with *ExceededError
// without recording anything.
func (l *Limiter) Allow(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[sessionID]
	if !ok {
		w = &window{start: now}
		l.windows[sessionID] = w
	}

	if now.Sub(w.start) >= Window {
		w.start = now
		w.count = 0
	}

	if w.count >= l.max {
		return &ExceededError{
			SessionID:  sessionID,
			RetryAfter: Window - now.Sub(w.start),
		}
	}

	w.count++
	return nil
}

// Usage returns the count and start of the session's current window.
func (l *Limiter) Usage(sessionID string) (count int, windowStart time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[sessionID]
	if !ok {
		return 0, time.Time{}
	}
	if l.now().Sub(w.start) >= Window {
		return 0, w.start
	}
	return w.count, w.start
}

// Forget drops the state of a closed session.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	delete(l.windows, sessionID)
	l.mu.Unlock()
}
