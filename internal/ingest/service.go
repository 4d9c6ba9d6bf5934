// Package ingest turns raw submissions into jobs: result-cache lookup,
// deduplication against prior work, record creation, and enqueue.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/cache"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/telemetry"
)

// Store is the slice of the job store ingestion needs.
type Store interface {
	CreateJob(ctx context.Context, jobType, input string) (models.Job, bool, error)
	FindCompletedByInput(ctx context.Context, input string) (models.Job, bool, error)
	FindInFlightByInput(ctx context.Context, input string) (models.Job, bool, error)
	RecordFailure(ctx context.Context, id, message, stack string, final bool, elapsedMs int64) error
}

// Queue is the enqueue side of the durable queue.
type Queue interface {
	Enqueue(ctx context.Context, task models.Task) (bool, error)
}

// ResultCache is the corroborated result cache.
type ResultCache interface {
	Get(ctx context.Context, input string) (cache.Entry, bool)
	Set(ctx context.Context, input, jobID, summary string, processingTimeMs int64)
}

// Result is the outcome of a submission. Exactly one of the cached-summary
// and job-in-flight shapes applies: Cached results carry a summary; fresh or
// deduplicated submissions carry the job to poll.
type Result struct {
	Cached           bool
	Deduplicated     bool
	Job              models.Job
	Summary          string
	ProcessingTimeMs int64
}

// Service coordinates a submission through cache, dedup, store, and queue.
type Service struct {
	store  Store
	cache  ResultCache
	queue  Queue
	logger *slog.Logger
}

func NewService(store Store, resultCache ResultCache, queue Queue, logger *slog.Logger) *Service {
	return &Service{store: store, cache: resultCache, queue: queue, logger: logger}
}

// Submit runs the ingress flow for one input:
//
//  1. corroborated cache hit → cached summary, no new job
//  2. completed job found via dedup → summary, cache backfilled
//  3. in-flight job for the same normalized input → that job, no new work
//  4. otherwise → create a pending job and enqueue its task
//
// Two near-simultaneous submissions of the same input can both reach step 4;
// the store's in-flight uniqueness constraint collapses them onto one job.
func (s *Service) Submit(ctx context.Context, input string) (Result, error) {
	if entry, ok := s.cache.Get(ctx, input); ok {
		telemetry.CacheHits.Inc()
		s.logger.Info("cache hit", "job_id", entry.JobID)
		return Result{
			Cached:           true,
			Job:              models.Job{ID: entry.JobID, Status: models.StatusCompleted},
			Summary:          entry.Summary,
			ProcessingTimeMs: entry.ProcessingTimeMs,
		}, nil
	}

	if job, ok, err := s.store.FindCompletedByInput(ctx, input); err != nil {
		return Result{}, fmt.Errorf("dedup lookup: %w", err)
	} else if ok {
		telemetry.DedupHits.Inc()
		s.logger.Info("dedup hit on completed job", "job_id", job.ID)
		var elapsed int64
		if job.ProcessingTimeMs != nil {
			elapsed = *job.ProcessingTimeMs
		}
		// The cache missed but the work exists; backfill for next time.
		s.cache.Set(ctx, input, job.ID, *job.Summary, elapsed)
		return Result{Cached: true, Job: job, Summary: *job.Summary, ProcessingTimeMs: elapsed}, nil
	}

	if job, ok, err := s.store.FindInFlightByInput(ctx, input); err != nil {
		return Result{}, fmt.Errorf("in-flight lookup: %w", err)
	} else if ok {
		telemetry.DedupHits.Inc()
		s.logger.Info("dedup hit on in-flight job", "job_id", job.ID, "status", job.Status)
		return Result{Deduplicated: true, Job: job}, nil
	}

	jobType := DetectType(input)
	job, existing, err := s.store.CreateJob(ctx, jobType, input)
	if err != nil {
		return Result{}, fmt.Errorf("create job: %w", err)
	}
	if existing {
		telemetry.DedupHits.Inc()
		s.logger.Info("submission raced an identical input, reusing job", "job_id", job.ID)
		if job.Status == models.StatusCompleted && job.Summary != nil {
			// The racing winner finished before we got its row back.
			var elapsed int64
			if job.ProcessingTimeMs != nil {
				elapsed = *job.ProcessingTimeMs
			}
			s.cache.Set(ctx, input, job.ID, *job.Summary, elapsed)
			return Result{Cached: true, Job: job, Summary: *job.Summary, ProcessingTimeMs: elapsed}, nil
		}
		return Result{Deduplicated: true, Job: job}, nil
	}

	if _, err := s.queue.Enqueue(ctx, models.Task{JobID: job.ID, Type: job.Type, Input: job.Input}); err != nil {
		// The record exists but no task does; mark the job failed so the
		// caller sees a terminal state instead of a forever-pending one.
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if serr := s.store.RecordFailure(ctx, job.ID, msg, msg, true, 0); serr != nil {
			s.logger.Error("failed to record enqueue failure", "job_id", job.ID, "error", serr)
		}
		return Result{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	telemetry.SubmitCounter.Inc()
	s.logger.Info("job created", "job_id", job.ID, "type", job.Type)
	return Result{Job: job}, nil
}
