package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/hash"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

// Memory is an in-process JobStore with the same semantics as Postgres,
// including the one-live-job-per-input uniqueness rule. It backs tests and
// local development without a database.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, jobType, input string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := hash.Normalize(input)
	if existing := m.latestLocked(normalized, func(j *models.Job) bool {
		return j.DeletedAt == nil && (j.Status == models.StatusPending || j.Status == models.StatusProcessing)
	}); existing != nil {
		return *existing, true, nil
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              uuid.New().String(),
		Type:            jobType,
		Input:           input,
		NormalizedInput: normalized,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[job.ID] = job
	return *job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) FindCompletedByInput(_ context.Context, input string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.latestLocked(hash.Normalize(input), func(j *models.Job) bool {
		return j.DeletedAt == nil && j.Status == models.StatusCompleted && j.Summary != nil && *j.Summary != ""
	})
	if job == nil {
		return models.Job{}, false, nil
	}
	return *job, true, nil
}

func (m *Memory) FindInFlightByInput(_ context.Context, input string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.latestLocked(hash.Normalize(input), func(j *models.Job) bool {
		return j.DeletedAt == nil && (j.Status == models.StatusPending || j.Status == models.StatusProcessing)
	})
	if job == nil {
		return models.Job{}, false, nil
	}
	return *job, true, nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = models.StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, id, summary string, extracted *string, elapsedMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = models.StatusCompleted
	job.Summary = &summary
	job.ExtractedContent = extracted
	job.ProcessingTimeMs = &elapsedMs
	job.ErrorMessage = nil
	job.ErrorStack = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, id, message, stack string, final bool, elapsedMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.FailureCount++
	job.LastFailureAt = &now
	job.ErrorMessage = &message
	job.ErrorStack = &stack
	if final {
		job.Status = models.StatusFailed
		job.ProcessingTimeMs = &elapsedMs
	}
	job.UpdatedAt = now
	return nil
}

func (m *Memory) ResetToPending(_ context.Context, id, note string, bumpFailure bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || models.Terminal(job.Status) {
		return ErrNotFound
	}
	job.Status = models.StatusPending
	job.ErrorMessage = &note
	if bumpFailure {
		job.FailureCount++
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FindStuck(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stuck []models.Job
	for _, j := range m.jobs {
		if j.DeletedAt != nil {
			continue
		}
		if (j.Status == models.StatusPending && j.CreatedAt.Before(cutoff)) ||
			(j.Status == models.StatusProcessing && j.UpdatedAt.Before(cutoff)) {
			stuck = append(stuck, *j)
		}
	}
	sort.Slice(stuck, func(i, k int) bool { return stuck[i].CreatedAt.Before(stuck[k].CreatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (m *Memory) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.DeletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Put seeds a job directly; test helper.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[job.ID] = &j
}

func (m *Memory) latestLocked(normalized string, match func(*models.Job) bool) *models.Job {
	var latest *models.Job
	for _, j := range m.jobs {
		if j.NormalizedInput != normalized || !match(j) {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest
}
