package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned when a job lookup matches no row.
var ErrJobNotFound = errors.New("job not found")

// JobRepository handles database operations for automation jobs.
// Jobs are exclusively owned by the scheduler; nothing else mutates them.
type JobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `id, shop_id, type, status, run_at, payload, dedupe_key, attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.ShopID,
		&job.Type,
		&job.Status,
		&job.RunAt,
		&job.Payload,
		&job.DedupeKey,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpsertPending snoozes the pending job with the given dedupe key to the
// new run_at, or creates a fresh pending job when none exists. At most one
// non-terminal row per dedupe key exists at any time (enforced by a
// partial unique index); a snooze rewrites run_at and payload in place.
func (r *JobRepository) UpsertPending(
	ctx context.Context,
	shopID uuid.UUID,
	jobType string,
	dedupeKey string,
	runAt time.Time,
	payload json.RawMessage,
) (uuid.UUID, error) {
	snooze := `
		UPDATE automation_jobs
		SET run_at = $1, payload = $2, updated_at = NOW()
		WHERE dedupe_key = $3 AND status = 'pending'
		RETURNING id
	`

	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, snooze, runAt, payload, dedupeKey).Scan(&id)
	if err == nil {
		r.logger.Info("delayed job snoozed",
			zap.String("job_id", id.String()),
			zap.String("dedupe_key", dedupeKey),
			zap.Time("run_at", runAt),
		)
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("snooze job: %w", err)
	}

	insert := `
		INSERT INTO automation_jobs (id, shop_id, type, status, run_at, payload, dedupe_key, attempts)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, 0)
		RETURNING id
	`

	id = uuid.New()
	if err := r.db.Pool().QueryRow(ctx, insert, id, shopID, jobType, runAt, payload, dedupeKey).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("insert job: %w", err)
	}

	r.logger.Info("delayed job created",
		zap.String("job_id", id.String()),
		zap.String("shop_id", shopID.String()),
		zap.String("type", jobType),
		zap.String("dedupe_key", dedupeKey),
		zap.Time("run_at", runAt),
	)

	return id, nil
}

// CancelPending cancels the pending job with the given dedupe key.
// Returns false when no pending row matches: a job that is already
// running or terminal is never retroactively altered, so a cancel racing
// a claim loses to the claim.
func (r *JobRepository) CancelPending(ctx context.Context, dedupeKey string) (bool, error) {
	query := `
		UPDATE automation_jobs
		SET status = 'canceled', updated_at = NOW()
		WHERE dedupe_key = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}

	canceled := result.RowsAffected() > 0
	if canceled {
		r.logger.Info("delayed job canceled", zap.String("dedupe_key", dedupeKey))
	}
	return canceled, nil
}

// DueJobs returns up to limit pending jobs whose run_at has passed,
// oldest first.
func (r *JobRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM automation_jobs
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2
	`, jobColumns)

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// Claim atomically transitions a job from pending to running and bumps
// its attempt counter. Returns false when the row was already claimed or
// canceled; this conditional update is the scheduler's sole
// synchronization point.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE automation_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// Finalize writes a terminal status for a running job.
func (r *JobRepository) Finalize(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	query := `
		UPDATE automation_jobs
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'running'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, lastError, id)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("finalize job %s: %w", id, ErrJobNotFound)
	}

	return nil
}

// ResetRunning flips every running job back to pending. Called once at
// scheduler startup to recover jobs orphaned by a crash mid-execution;
// assumes at most one scheduler instance was live when the crash occurred.
func (r *JobRepository) ResetRunning(ctx context.Context) (int64, error) {
	query := `
		UPDATE automation_jobs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'running'
	`

	result, err := r.db.Pool().Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}

	return result.RowsAffected(), nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM automation_jobs WHERE id = $1`, jobColumns)

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	return job, nil
}

// ListJobsByShop retrieves jobs for a shop with pagination, newest first.
func (r *JobRepository) ListJobsByShop(ctx context.Context, shopID uuid.UUID, limit, offset int) ([]*Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM automation_jobs
		WHERE shop_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, jobColumns)

	rows, err := r.db.Pool().Query(ctx, query, shopID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}
