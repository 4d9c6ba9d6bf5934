// Package reaper reconciles job store state against queue state. It is the
// backstop for process crashes that orphan a lease without any stall signal
// ever firing: a job left pending or processing with no live queue task is
// reset and re-enqueued.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/queue"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/telemetry"
)

const sweepBatchSize = 200

// Store is the slice of the job store the reaper needs.
type Store interface {
	FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	ResetToPending(ctx context.Context, id, note string, bumpFailure bool) error
}

// Queue is the audit-and-repair surface of the durable queue.
type Queue interface {
	TaskStatus(ctx context.Context, jobID string) (queue.TaskInfo, error)
	Remove(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, task models.Task) (bool, error)
}

// Reaper periodically sweeps for stuck jobs and repairs store/queue
// divergence.
type Reaper struct {
	store    Store
	queue    Queue
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func New(store Store, q Queue, interval, timeout time.Duration, logger *slog.Logger) *Reaper {
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Reaper{store: store, queue: q, interval: interval, timeout: timeout, logger: logger}
}

// Run sweeps once immediately, then on every tick until cancellation.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval, "stuck_timeout", r.timeout)
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep audits every stuck job once. A job whose queue task is missing, or
// finished without the job reaching a terminal state, is reset to pending
// and re-enqueued under its original id. Jobs with a live task are left to
// the normal retry and stall machinery.
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.timeout)
	stuck, err := r.store.FindStuck(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	reset := 0
	for _, job := range stuck {
		repaired, err := r.repair(ctx, job)
		if err != nil {
			r.logger.Error("failed to repair stuck job", "job_id", job.ID, "error", err)
			continue
		}
		if repaired {
			reset++
		}
	}

	if reset > 0 {
		telemetry.ReaperResets.Add(float64(reset))
		r.logger.Info("reset stuck jobs", "count", reset, "examined", len(stuck))
	}
	return nil
}

func (r *Reaper) repair(ctx context.Context, job models.Job) (bool, error) {
	info, err := r.queue.TaskStatus(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if info.State == queue.StateActive || info.State == queue.StateReady || info.State == queue.StateScheduled {
		// The retry/stall path owns live tasks.
		return false, nil
	}

	r.logger.Warn("stuck job has no live queue task, resetting",
		"job_id", job.ID, "status", job.Status, "task_state", info.State)

	if err := r.store.ResetToPending(ctx, job.ID, "job was stuck, reset for retry", false); err != nil {
		return false, err
	}
	if info.State != queue.StateMissing {
		if err := r.queue.Remove(ctx, job.ID); err != nil {
			return false, err
		}
	}
	if _, err := r.queue.Enqueue(ctx, models.Task{JobID: job.ID, Type: job.Type, Input: job.Input}); err != nil {
		return false, err
	}
	return true, nil
}
