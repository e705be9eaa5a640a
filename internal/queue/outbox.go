package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
)

const (
	EventMessageSent   = "message_sent"
	EventMessageFailed = "message_failed"

	outboxSize    = 256
	notifyTimeout = 15 * time.Second
)

// Notification is the payload handed to the Notifier when a job reaches a
// final state.
type Notification struct {
	Event   string            `json:"event"`
	JobData NotificationJob   `json:"jobData"`
	Result  *model.SendResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type NotificationJob struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts"`
}

func notificationJob(j model.Job) NotificationJob {
	return NotificationJob{
		ID:        j.ID,
		SessionID: j.SessionID,
		Phone:     j.Phone,
		Message:   j.Message,
		Attempts:  j.Attempts,
	}
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// outbox drains notifications in the background. Delivery is best effort:
// a full buffer drops the notification and errors are only logged.
type outbox struct {
	notifier Notifier
	ch       chan Notification
	wg       sync.WaitGroup
}

func newOutbox(n Notifier) *outbox {
	return &outbox{notifier: n, ch: make(chan Notification, outboxSize)}
}

func (o *outbox) start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for n := range o.ch {
			o.deliver(n)
		}
	}()
}

func (o *outbox) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notifier panic recovered", "panic", r, "job_id", n.JobData.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := o.notifier.Notify(ctx, n); err != nil {
		slog.Warn("job notification failed", "event", n.Event, "job_id", n.JobData.ID, "err", err)
	}
}

func (o *outbox) push(n Notification) {
	select {
	case o.ch <- n:
	default:
		slog.Warn("notification outbox full, dropping", "event", n.Event, "job_id", n.JobData.ID)
	}
}

// close stops accepting notifications and waits for queued ones to drain.
func (o *outbox) close() {
	close(o.ch)
	o.wg.Wait()
}
