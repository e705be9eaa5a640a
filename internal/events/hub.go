// Package events fans control-plane updates out to live subscribers.
package events

import (
	"log/slog"
	"sync"
)

const (
	SessionsStatus = "sessionsStatus"
	QueueStats     = "queueStats"
	MessagesSent   = "messagesSent"
)

const DefaultBuffer = 16

type Event struct {
	Name string
	Data any
}

// Hub is a non-blocking broadcaster. A subscriber that falls behind loses
// events rather than slowing publishers down.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(name string, data any) {
	ev := Event{Name: name, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event dropped for slow subscriber", "subscriber", id, "event", name)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// SentCount is the payload of MessagesSent.
type SentCount struct {
	Total int64 `json:"total"`
}
