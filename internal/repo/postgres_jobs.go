package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
	"github.com/LeventeLantos/whatsapp-gateway/internal/queue"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const jobColumns = `id, session_id, phone, message, status, attempts, scheduled_at, run_at,
		last_error, result_status, provider_message_id, sent_at, created_at, updated_at, finished_at`

// PostgresJobStore is the durable queue.Store.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (r *PostgresJobStore) Insert(ctx context.Context, job model.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_jobs
		(id, session_id, phone, message, status, attempts, scheduled_at, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.ID,
		job.SessionID,
		job.Phone,
		job.Message,
		string(job.Status),
		job.Attempts,
		job.ScheduledAt,
		job.RunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// Claim locks the oldest eligible waiting job, skipping rows other workers
// hold, and marks it active.
func (r *PostgresJobStore) Claim(ctx context.Context, now time.Time) (*model.Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM message_jobs
		WHERE status = 'waiting' AND run_at <= $1
		ORDER BY run_at ASC, seq ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing empty claim: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting job to claim: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE message_jobs
		SET status = 'active', attempts = attempts + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+jobColumns, id, now))
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

func (r *PostgresJobStore) Complete(ctx context.Context, id string, result model.SendResult, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_jobs
		SET status = 'completed',
		    result_status = $2,
		    provider_message_id = $3,
		    sent_at = $4,
		    last_error = NULL,
		    updated_at = $5,
		    finished_at = $5
		WHERE id = $1
	`, id, result.Status, result.ProviderMessageID, result.Timestamp, at)
	return affected(res, err, "completing job")
}

func (r *PostgresJobStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string, countAttempt bool) error {
	giveBack := 1
	if countAttempt {
		giveBack = 0
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_jobs
		SET status = 'waiting',
		    run_at = $2,
		    last_error = $3,
		    attempts = GREATEST(attempts - $4, 0),
		    updated_at = now()
		WHERE id = $1
	`, id, runAt, lastErr, giveBack)
	return affected(res, err, "rescheduling job")
}

func (r *PostgresJobStore) Fail(ctx context.Context, id string, lastErr string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_jobs
		SET status = 'failed',
		    last_error = $2,
		    updated_at = $3,
		    finished_at = $3
		WHERE id = $1
	`, id, lastErr, at)
	return affected(res, err, "failing job")
}

func (r *PostgresJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM message_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// Stats counts jobs per status; waiting jobs whose run_at is still ahead
// are reported as delayed.
func (r *PostgresJobStore) Stats(ctx context.Context, now time.Time) (model.QueueStats, error) {
	query, args, err := psq.Select().
		Column(sq.Expr("CASE WHEN status = 'waiting' AND run_at > ? THEN 'delayed' ELSE status END AS bucket", now)).
		Column("COUNT(*)").
		From("message_jobs").
		GroupBy("bucket").
		ToSql()
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("building stats query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var st model.QueueStats
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return model.QueueStats{}, fmt.Errorf("scanning stats: %w", err)
		}
		switch model.Status(bucket) {
		case model.Waiting:
			st.Waiting = n
		case model.Delayed:
			st.Delayed = n
		case model.Active:
			st.Active = n
		case model.Completed:
			st.Completed = n
		case model.Failed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (r *PostgresJobStore) Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	completed, err := r.pruneStatus(ctx, model.Completed, keepCompleted)
	if err != nil {
		return 0, err
	}
	failed, err := r.pruneStatus(ctx, model.Failed, keepFailed)
	if err != nil {
		return completed, err
	}
	return completed + failed, nil
}

func (r *PostgresJobStore) pruneStatus(ctx context.Context, status model.Status, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	newest := sq.Select("id").
		From("message_jobs").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("finished_at DESC", "seq DESC").
		Limit(uint64(keep))

	query, args, err := psq.Delete("message_jobs").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Expr("id NOT IN (?)", newest)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning %s jobs: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning %s jobs: %w", status, err)
	}
	return n, nil
}

func (r *PostgresJobStore) RecoverActive(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_jobs
		SET status = 'waiting',
		    run_at = $1,
		    attempts = GREATEST(attempts - 1, 0),
		    updated_at = $1
		WHERE status = 'active'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("recovering active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovering active jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		lastErr    sql.NullString
		resStatus  sql.NullString
		providerID sql.NullString
		sentAt     sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.SessionID,
		&j.Phone,
		&j.Message,
		&status,
		&j.Attempts,
		&j.ScheduledAt,
		&j.RunAt,
		&lastErr,
		&resStatus,
		&providerID,
		&sentAt,
		&j.CreatedAt,
		&j.UpdatedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	j.Status = model.Status(status)
	j.LastError = lastErr.String
	if resStatus.Valid {
		j.Result = &model.SendResult{
			Status:            resStatus.String,
			ProviderMessageID: providerID.String,
			Timestamp:         sentAt.Time,
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}
