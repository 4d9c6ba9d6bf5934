// Package worker consumes summarization tasks from the durable queue with
// bounded concurrency and drives each job through its state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/archive"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/config"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/fetch"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/queue"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/ratelimit"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/store"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/summarize"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/telemetry"
)

// JobStore is the slice of the job store the pool mutates.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, summary string, extracted *string, elapsedMs int64) error
	RecordFailure(ctx context.Context, id, message, stack string, final bool, elapsedMs int64) error
	ResetToPending(ctx context.Context, id, note string, bumpFailure bool) error
}

// Queue is the consumer side of the durable queue.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) (int, bool, error)
	FailPermanently(ctx context.Context, jobID, reason string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	ReclaimStalled(ctx context.Context, now time.Time, limit int64) (requeued, dead []string, err error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// ResultCache is the write-through side of the result cache.
type ResultCache interface {
	Set(ctx context.Context, input, jobID, summary string, processingTimeMs int64)
}

// Limiter paces deliveries to protect the external summarization service.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Pool runs a fixed number of consumer loops over one shared queue plus a
// single maintenance loop that promotes due retries and reclaims stalled
// leases.
type Pool struct {
	cfg        config.Config
	queue      Queue
	store      JobStore
	cache      ResultCache
	fetcher    fetch.Fetcher
	summarizer summarize.Summarizer
	limiter    Limiter
	archiver   archive.Archiver
	logger     *slog.Logger
}

func NewPool(cfg config.Config, q Queue, st JobStore, rc ResultCache, f fetch.Fetcher, s summarize.Summarizer, limiter Limiter, logger *slog.Logger) *Pool {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 3
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = 30 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		queue:      q,
		store:      st,
		cache:      rc,
		fetcher:    f,
		summarizer: s,
		limiter:    limiter,
		logger:     logger,
	}
}

// WithArchiver attaches a best-effort archive for extracted URL content.
func (p *Pool) WithArchiver(a archive.Archiver) *Pool {
	p.archiver = a
	return p
}

// Run blocks until the context is cancelled, supervising the consumer and
// maintenance goroutines. Worker loop mutations all happen inline, so a
// returned Run means nothing in the pool still owns state.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consumerLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) consumerLoop(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			allowed, _, err := p.limiter.Allow(ctx, ratelimit.DeliveryKey)
			if err != nil {
				logger.Warn("delivery limiter unavailable", "error", err)
			} else if !allowed {
				sleep(ctx, 100*time.Millisecond)
				continue
			}
		}

		delivery, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("dequeue failed", "error", err)
			}
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if delivery == nil {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, logger, delivery)
		telemetry.InFlightGauge.Dec()
	}
}

// process drives one delivery through the execution contract.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	jobID := d.Task.JobID
	attempt := d.Attempts + 1
	logger = logger.With("job_id", jobID, "attempt", attempt, "type", d.Task.Type)
	logger.Info("processing job")

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// A task referencing a missing record is a data-integrity fault;
		// retrying cannot conjure the row.
		logger.Error("job record missing, failing task permanently")
		if qerr := p.queue.FailPermanently(ctx, jobID, "job record missing from store"); qerr != nil {
			logger.Error("failed to dead-letter task", "error", qerr)
		}
		return
	}
	if err != nil {
		logger.Warn("store read failed, retrying task", "error", err)
		p.failAttempt(ctx, logger, d, 0, fmt.Errorf("load job: %w", err), false)
		return
	}

	if models.Terminal(job.Status) || job.DeletedAt != nil {
		// Redelivery of already-finished (or deleted) work is acknowledged
		// as a no-op.
		logger.Info("job already finished, acking redelivery", "status", job.Status)
		if err := p.queue.Ack(ctx, jobID); err != nil {
			logger.Error("failed to ack no-op delivery", "error", err)
		}
		return
	}

	if err := p.store.MarkProcessing(ctx, jobID); err != nil {
		logger.Warn("could not mark job processing, retrying task", "error", err)
		p.failAttempt(ctx, logger, d, 0, fmt.Errorf("mark processing: %w", err), false)
		return
	}

	start := time.Now()
	summary, extracted, err := p.execute(ctx, d.Task)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		p.failAttempt(ctx, logger, d, elapsed, err, true)
		return
	}

	if err := p.store.MarkCompleted(ctx, jobID, summary, extracted, elapsed); err != nil {
		// The summary is not persisted; treat the attempt as failed so the
		// retry redoes the work. Completion is idempotent, so a duplicate
		// run after a lost ack is harmless.
		p.failAttempt(ctx, logger, d, elapsed, fmt.Errorf("persist result: %w", err), true)
		return
	}

	p.cache.Set(ctx, d.Task.Input, jobID, summary, elapsed)
	if p.archiver != nil && extracted != nil {
		if err := p.archiver.Put(ctx, jobID, *extracted); err != nil {
			logger.Warn("archive write failed", "error", err)
		}
	}
	if err := p.queue.Ack(ctx, jobID); err != nil {
		logger.Error("failed to ack completed task", "error", err)
	}
	telemetry.WorkerSuccess.Inc()
	logger.Info("job completed", "elapsed_ms", elapsed)
}

// execute invokes the collaborators: fetch for url inputs, then summarize.
func (p *Pool) execute(ctx context.Context, task models.Task) (summary string, extracted *string, err error) {
	content := task.Input
	if task.Type == models.TypeURL {
		text, err := p.fetcher.Fetch(ctx, task.Input)
		if err != nil {
			return "", nil, err
		}
		extracted = &text
		content = text
	}
	if strings.TrimSpace(content) == "" {
		return "", nil, errors.New("no content available to summarize")
	}
	summary, err = p.summarizer.Summarize(ctx, content)
	if err != nil {
		return "", extracted, err
	}
	return summary, extracted, nil
}

// failAttempt records failure bookkeeping in the store and signals the queue,
// which either schedules the backoff retry or dead-letters the task.
// recordInStore is false for infrastructure errors that never reached the
// job itself.
func (p *Pool) failAttempt(ctx context.Context, logger *slog.Logger, d *queue.Delivery, elapsed int64, cause error, recordInStore bool) {
	jobID := d.Task.JobID
	attempt := d.Attempts + 1
	final := attempt >= p.cfg.MaxAttempts

	if recordInStore {
		msg := cause.Error()
		stack := fmt.Sprintf("%+v", cause)
		if err := p.store.RecordFailure(ctx, jobID, msg, stack, final, elapsed); err != nil {
			logger.Error("failed to record failure", "error", err)
		}
	}

	attempts, dead, err := p.queue.Fail(ctx, jobID, cause.Error())
	if err != nil {
		logger.Error("failed to signal task failure", "error", err)
	}
	if dead || final {
		telemetry.WorkerDead.Inc()
		logger.Error("job failed after all retries", "error", cause, "attempts", attempts)
		return
	}
	telemetry.WorkerFailures.Inc()
	logger.Warn("attempt failed, retry scheduled", "error", cause, "attempts", attempts)
}

// maintenanceLoop promotes due retries and reclaims stalled leases. A
// reclaimed job still marked processing is re-stated as pending with its
// failure count bumped; the queue's redelivery does the rest. Tasks that
// stalled past the limit are left for the reaper, which treats a failed task
// under a non-terminal job as divergence to repair.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.maintain(ctx)
	}
}

func (p *Pool) maintain(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, 100); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	}

	requeued, dead, err := p.queue.ReclaimStalled(ctx, now, 100)
	if err != nil {
		p.logger.Warn("reclaim stalled failed", "error", err)
	}
	// The gauge is not touched here: a stalled worker in this process still
	// decrements when its process call returns, and a crash-orphaned
	// increment resets with the process.
	for _, id := range requeued {
		telemetry.StalledTasks.Inc()
		if err := p.store.ResetToPending(ctx, id, "task lease expired, reset for retry", true); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to reset stalled job", "job_id", id, "error", err)
		}
	}
	for _, id := range dead {
		telemetry.StalledTasks.Inc()
		p.logger.Error("task exceeded stall limit, leaving job for the reaper", "job_id", id)
		if err := p.store.ResetToPending(ctx, id, "task stalled repeatedly, awaiting repair", true); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to annotate stall-exhausted job", "job_id", id, "error", err)
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
