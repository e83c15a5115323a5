// Package scheduler owns the lifecycle of persistent delayed automation
// jobs: upsert with snooze, cancel, a fixed-interval polling executor
// with conditional-update claims, and crash recovery at boot.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/db"
	"github.com/example/cartline/internal/metrics"
)

const unknownTypeError = "unknown_type"

// Store is the durable job store. The Claim implementation must be a
// conditional single-row update (pending→running) checked by affected
// row count; it is the sole synchronization point of the scheduler.
type Store interface {
	UpsertPending(ctx context.Context, shopID uuid.UUID, jobType, dedupeKey string, runAt time.Time, payload json.RawMessage) (uuid.UUID, error)
	CancelPending(ctx context.Context, dedupeKey string) (bool, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*db.Job, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Finalize(ctx context.Context, id uuid.UUID, status string, lastError *string) error
	ResetRunning(ctx context.Context) (int64, error)
}

// Handler executes one claimed job. A non-empty skip reason means the
// send was deliberately declined by the rule gate; the job is still
// finalized done, with the reason recorded. An error finalizes the job
// failed, and no retry is scheduled.
type Handler interface {
	Handle(ctx context.Context, job *db.Job) (skipReason string, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *db.Job) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, job *db.Job) (string, error) {
	return f(ctx, job)
}

// Config holds scheduler tuning.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// AuditSink records job outcomes best-effort.
type AuditSink interface {
	Record(ctx context.Context, kind string, shopID, subjectID uuid.UUID, detail any)
}

// Scheduler polls the job store on a fixed interval and drives claimed
// jobs through their type handler. One instance is assumed live at a
// time; the conditional claim keeps a second instance from double-
// executing, but no lease/owner mechanism exists.
type Scheduler struct {
	store    Store
	handlers map[string]Handler
	audit    AuditSink
	config   Config
	logger   *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a scheduler. Handlers are registered with Register before
// Start.
func New(store Store, audit AuditSink, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}

	return &Scheduler{
		store:    store,
		handlers: make(map[string]Handler),
		audit:    audit,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Register installs the handler for a job type.
func (s *Scheduler) Register(jobType string, handler Handler) {
	s.handlers[jobType] = handler
}

// UpsertDelayedJob creates a pending job or, when a pending job with the
// same dedupe key exists, snoozes it to the new run_at with the new
// payload. Returns the (possibly pre-existing) job id.
func (s *Scheduler) UpsertDelayedJob(
	ctx context.Context,
	shopID uuid.UUID,
	jobType string,
	dedupeKey string,
	runAt time.Time,
	payload json.RawMessage,
) (uuid.UUID, error) {
	id, err := s.store.UpsertPending(ctx, shopID, jobType, dedupeKey, runAt, payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert delayed job: %w", err)
	}
	return id, nil
}

// CancelJob cancels the pending job with the given dedupe key. Returns
// false when no pending job matches; a job already running or terminal
// is left alone — cancellation racing a claim resolves in favor of
// execution.
func (s *Scheduler) CancelJob(ctx context.Context, dedupeKey string) (bool, error) {
	canceled, err := s.store.CancelPending(ctx, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return canceled, nil
}

// Start recovers orphaned jobs and launches the poll loop. The recovery
// pass runs before the first tick so a crash mid-execution cannot strand
// rows in running.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.store.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered orphaned running jobs", zap.Int64("count", recovered))
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	return nil
}

// Stop terminates the poll loop and waits for the in-flight tick to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	s.logger.Info("scheduler stopped")
}

// loop runs ticks back to back with the poll interval between them.
// Ticks never overlap: the next one is scheduled only after the current
// batch finished.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims and executes one batch of due jobs. Store failure here is
// contained: the tick is skipped and the timer loop survives.
func (s *Scheduler) tick(ctx context.Context) {
	start := s.now()
	defer func() {
		metrics.ObserveTick(time.Since(start))
	}()

	due, err := s.store.DueJobs(ctx, start, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to query due jobs", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("processing due jobs", zap.Int("count", len(due)))

	for _, job := range due {
		claimed, err := s.store.Claim(ctx, job.ID)
		if err != nil {
			s.logger.Error("failed to claim job",
				zap.Error(err),
				zap.String("job_id", job.ID.String()),
			)
			continue
		}
		if !claimed {
			// Another claimer or a cancel got there first.
			continue
		}

		s.execute(ctx, job)
	}
}

// execute runs the claimed job's handler and finalizes the row.
func (s *Scheduler) execute(ctx context.Context, job *db.Job) {
	handler, ok := s.handlers[job.Type]
	if !ok {
		s.logger.Warn("no handler for job type",
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
		)
		s.finalize(ctx, job, db.JobCanceled, strPtr(unknownTypeError))
		return
	}

	skipReason, err := handler.Handle(ctx, job)
	if err != nil {
		s.logger.Error("job handler failed",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts+1),
		)
		s.finalize(ctx, job, db.JobFailed, strPtr(err.Error()))
		return
	}

	// A gate skip is still done: the job ran and deliberately declined
	// to send. The reason lands in last_error for operators.
	var note *string
	if skipReason != "" {
		note = &skipReason
		s.logger.Info("job skipped by rule gate",
			zap.String("job_id", job.ID.String()),
			zap.String("type", job.Type),
			zap.String("reason", skipReason),
		)
	}
	s.finalize(ctx, job, db.JobDone, note)
}

func (s *Scheduler) finalize(ctx context.Context, job *db.Job, status string, lastError *string) {
	if err := s.store.Finalize(ctx, job.ID, status, lastError); err != nil {
		s.logger.Error("failed to finalize job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.String("status", status),
		)
		return
	}

	metrics.RecordJobFinalized(job.Type, status)

	if s.audit != nil {
		detail := map[string]string{"type": job.Type, "status": status}
		if lastError != nil {
			detail["last_error"] = *lastError
		}
		s.audit.Record(ctx, "job."+status, job.ShopID, job.ID, detail)
	}
}

func strPtr(s string) *string {
	return &s
}
