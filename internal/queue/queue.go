// Package queue is the durable outbound-message queue: jobs are persisted by
// a Store, claimed by a bounded worker pool and retried with exponential
// backoff until they succeed or run out of attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
)

const (
	DefaultWorkers      = 2
	DefaultPollInterval = time.Second
	DefaultRetain       = 100

	settleTimeout = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("queue already running")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Handler delivers one job. Returning nil marks the job completed.
type Handler func(ctx context.Context, job model.Job) (model.SendResult, error)

// Observer receives job outcome counts, typically for metrics.
type Observer interface {
	JobEnqueued()
	JobCompleted()
	JobRetried()
	JobDeferred()
	JobFailed()
}

type Config struct {
	Workers         int
	PollInterval    time.Duration
	Retry           RetryPolicy
	Jitter          JitterPolicy
	RetainCompleted int
	RetainFailed    int
}

func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		PollInterval:    DefaultPollInterval,
		Retry:           DefaultRetryPolicy(),
		Jitter:          DefaultJitterPolicy(),
		RetainCompleted: DefaultRetain,
		RetainFailed:    DefaultRetain,
	}
}

type EnqueueRequest struct {
	SessionID   string
	Phone       string
	Message     string
	ScheduledAt time.Time
}

type Queue struct {
	store    Store
	cfg      Config
	notifier Notifier
	observer Observer
	now      func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	outbox  *outbox
}

type Option func(*Queue)

// WithNotifier sets the sink for message_sent / message_failed events.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store Store, cfg Config, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be > 0")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be > 0")
	}
	if cfg.Jitter.Min < 0 || cfg.Jitter.Max < 0 {
		return nil, errors.New("jitter must not be negative")
	}

	q := &Queue{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue persists a job and returns as soon as it is stored. A zero
// ScheduledAt means now.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (model.JobHandle, error) {
	if req.SessionID == "" || req.Phone == "" || req.Message == "" {
		return model.JobHandle{}, errors.New("sessionID, phone and message are required")
	}

	now := q.now()
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}

	job := model.Job{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		Phone:       req.Phone,
		Message:     req.Message,
		Status:      model.Waiting,
		ScheduledAt: scheduled,
		RunAt:       scheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return model.JobHandle{}, fmt.Errorf("enqueue job: %w", err)
	}
	if q.observer != nil {
		q.observer.JobEnqueued()
	}
	q.signal()

	slog.Debug("job enqueued", "job_id", job.ID, "session_id", job.SessionID, "run_at", job.RunAt)
	return model.JobHandle{ID: job.ID, Status: job.EffectiveStatus(now)}, nil
}

func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	return q.store.Stats(ctx, q.now())
}

func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	return q.store.Get(ctx, id)
}

// Prune applies the retention limits for finished jobs.
func (q *Queue) Prune(ctx context.Context) error {
	n, err := q.store.Prune(ctx, q.cfg.RetainCompleted, q.cfg.RetainFailed)
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	if n > 0 {
		slog.Info("pruned finished jobs", "count", n)
	}
	return nil
}

// Start recovers jobs orphaned by a previous process and launches the
// worker pool.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ErrAlreadyRunning
	}

	recovered, err := q.store.RecoverActive(ctx, q.now())
	if err != nil {
		return fmt.Errorf("recover active jobs: %w", err)
	}
	if recovered > 0 {
		slog.Warn("returned orphaned active jobs to waiting", "count", recovered)
	}

	workCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	if q.notifier != nil {
		q.outbox = newOutbox(q.notifier)
		q.outbox.start()
	}

	for i := 1; i <= q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(workCtx, i, handler)
	}

	slog.Info("queue started", "workers", q.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to settle. Jobs
// interrupted mid-delivery go back to waiting without losing an attempt.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	q.cancel()
	q.wg.Wait()
	if q.outbox != nil {
		q.outbox.close()
		q.outbox = nil
	}
	q.running = false

	slog.Info("queue stopped")
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work(ctx context.Context, id int, handler Handler) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.store.Claim(ctx, q.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim job failed", "worker", id, "err", err)
			q.idle(ctx)
			continue
		}
		if job == nil {
			q.idle(ctx)
			continue
		}

		q.process(ctx, handler, *job)
	}
}

func (q *Queue) idle(ctx context.Context) {
	t := time.NewTimer(q.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-q.wake:
	case <-t.C:
	}
}

func (q *Queue) process(ctx context.Context, handler Handler, job model.Job) {
	if d := q.cfg.Jitter.Delay(); d > 0 {
		if err := sleep(ctx, d); err != nil {
			q.release(job)
			return
		}
	}

	result, err := invoke(ctx, handler, job)
	if err != nil && ctx.Err() != nil {
		q.release(job)
		return
	}

	q.settle(job, result, err)
}

func invoke(ctx context.Context, handler Handler, job model.Job) (result model.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panic recovered", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// release hands a job back after a shutdown interrupted it.
func (q *Queue) release(job model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := q.store.Retry(ctx, job.ID, q.now(), job.LastError, false); err != nil {
		slog.Error("release interrupted job failed", "job_id", job.ID, "err", err)
	}
}

func (q *Queue) settle(job model.Job, result model.SendResult, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	now := q.now()
	log := slog.With("job_id", job.ID, "session_id", job.SessionID, "attempt", job.Attempts)

	if jobErr == nil {
		if result.Status == "" {
			result.Status = "sent"
		}
		if err := q.store.Complete(ctx, job.ID, result, now); err != nil {
			log.Error("mark job completed failed", "err", err)
			return
		}
		if q.observer != nil {
			q.observer.JobCompleted()
		}
		log.Info("job completed", "provider_message_id", result.ProviderMessageID)
		q.notify(Notification{Event: EventMessageSent, JobData: notificationJob(job), Result: &result})
		return
	}

	if d, ok := deferral(jobErr); ok && !IsPermanent(jobErr) {
		if err := q.store.Retry(ctx, job.ID, now.Add(d), jobErr.Error(), false); err != nil {
			log.Error("defer job failed", "err", err)
			return
		}
		if q.observer != nil {
			q.observer.JobDeferred()
		}
		log.Info("job deferred", "delay", d.String(), "reason", jobErr.Error())
		return
	}

	if IsPermanent(jobErr) || q.cfg.Retry.Exhausted(job.Attempts) {
		reason := fmt.Errorf("%w after %d attempt(s): %v", ErrDeliveryFailed, job.Attempts, jobErr).Error()
		if err := q.store.Fail(ctx, job.ID, reason, now); err != nil {
			log.Error("mark job failed failed", "err", err)
			return
		}
		if q.observer != nil {
			q.observer.JobFailed()
		}
		log.Warn("job failed terminally", "err", jobErr)
		q.notify(Notification{Event: EventMessageFailed, JobData: notificationJob(job), Error: reason})
		return
	}

	delay := q.cfg.Retry.Backoff(job.Attempts)
	if err := q.store.Retry(ctx, job.ID, now.Add(delay), jobErr.Error(), true); err != nil {
		log.Error("reschedule job failed", "err", err)
		return
	}
	if q.observer != nil {
		q.observer.JobRetried()
	}
	log.Warn("job attempt failed, retrying", "delay", delay.String(), "err", jobErr)
}

func (q *Queue) notify(n Notification) {
	if q.outbox != nil {
		q.outbox.push(n)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
