package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/LeventeLantos/whatsapp-gateway/internal/cache"
	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
	"github.com/LeventeLantos/whatsapp-gateway/internal/queue"
)

var ErrContentTooLong = errors.New("content too long")

// MessageProcessor delivers one queued job.
type MessageProcessor interface {
	ProcessQueuedMessage(ctx context.Context, job model.Job) (model.SendResult, error)
}

// Dispatcher is the queue handler. It rejects content the provider would
// refuse, delivers through the processor and records receipts.
type Dispatcher struct {
	processor  MessageProcessor
	contentMax int
	receipts   cache.ReceiptCache

	onSent func(ctx context.Context, total int64)
}

func NewDispatcher(processor MessageProcessor, contentMax int) *Dispatcher {
	return &Dispatcher{
		processor:  processor,
		contentMax: contentMax,
	}
}

func (d *Dispatcher) WithReceipts(c cache.ReceiptCache) *Dispatcher {
	d.receipts = c
	return d
}

// WithHooks sets the callback run after every delivered message with the
// new running total.
func (d *Dispatcher) WithHooks(onSent func(ctx context.Context, total int64)) *Dispatcher {
	d.onSent = onSent
	return d
}

func (d *Dispatcher) Handle(ctx context.Context, job model.Job) (model.SendResult, error) {
	if d.contentMax > 0 && utf8.RuneCountInString(job.Message) > d.contentMax {
		return model.SendResult{}, queue.Permanent(fmt.Errorf("%w: exceeds %d chars", ErrContentTooLong, d.contentMax))
	}

	res, err := d.processor.ProcessQueuedMessage(ctx, job)
	if err != nil {
		return model.SendResult{}, err
	}

	d.record(ctx, job, res)
	return res, nil
}

// record is best effort; the message is already delivered.
func (d *Dispatcher) record(ctx context.Context, job model.Job, res model.SendResult) {
	if d.receipts == nil {
		return
	}
	if err := d.receipts.StoreSent(ctx, job.ID, res.ProviderMessageID, res.Timestamp); err != nil {
		slog.Warn("storing receipt failed", "job_id", job.ID, "err", err)
	}
	total, err := d.receipts.IncrSent(ctx)
	if err != nil {
		slog.Warn("incrementing sent total failed", "job_id", job.ID, "err", err)
		return
	}
	if d.onSent != nil {
		d.onSent(ctx, total)
	}
}
