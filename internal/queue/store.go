package queue

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// Store persists jobs. Claim must be atomic: a waiting job is handed to at
// most one caller, which becomes its owner until Complete, Retry or Fail.
type Store interface {
	Insert(ctx context.Context, job model.Job) error
	// Claim moves the next eligible job (RunAt <= now, ordered by RunAt then
	// enqueue order) to Active and increments its Attempts. It returns nil
	// when nothing is eligible.
	Claim(ctx context.Context, now time.Time) (*model.Job, error)
	Complete(ctx context.Context, id string, result model.SendResult, at time.Time) error
	// Retry returns the job to Waiting at runAt. When countAttempt is false
	// the attempt taken by Claim is given back.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string, countAttempt bool) error
	Fail(ctx context.Context, id string, lastErr string, at time.Time) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Stats(ctx context.Context, now time.Time) (model.QueueStats, error)
	// Prune keeps only the most recent keepCompleted completed and
	// keepFailed failed jobs.
	Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error)
	// RecoverActive returns jobs left Active by a crashed process to Waiting.
	RecoverActive(ctx context.Context, now time.Time) (int64, error)
}
