package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/cache"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/store"
)

type fakeCache struct {
	entries map[string]cache.Entry
	sets    map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]cache.Entry{}, sets: map[string]string{}}
}

func (c *fakeCache) Get(_ context.Context, input string) (cache.Entry, bool) {
	e, ok := c.entries[input]
	return e, ok
}

func (c *fakeCache) Set(_ context.Context, input, jobID, summary string, _ int64) {
	c.sets[input] = summary
}

type fakeQueue struct {
	tasks []models.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task models.Task) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	q.tasks = append(q.tasks, task)
	return true, nil
}

func newService(t *testing.T) (*Service, *store.Memory, *fakeCache, *fakeQueue) {
	t.Helper()
	st := store.NewMemory()
	fc := newFakeCache()
	fq := &fakeQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, fc, fq, logger), st, fc, fq
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	svc, _, _, fq := newService(t)

	res, err := svc.Submit(ctx, "a perfectly ordinary block of text")
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, models.StatusPending, res.Job.Status)
	assert.Equal(t, models.TypeText, res.Job.Type)

	require.Len(t, fq.tasks, 1)
	assert.Equal(t, res.Job.ID, fq.tasks[0].JobID)
	assert.Equal(t, "a perfectly ordinary block of text", fq.tasks[0].Input)
}

func TestSubmitDetectsURLType(t *testing.T) {
	ctx := context.Background()
	svc, _, _, fq := newService(t)

	res, err := svc.Submit(ctx, "https://example.com/articles/42")
	require.NoError(t, err)
	assert.Equal(t, models.TypeURL, res.Job.Type)
	require.Len(t, fq.tasks, 1)
	assert.Equal(t, models.TypeURL, fq.tasks[0].Type)
}

func TestSubmitReturnsCachedSummary(t *testing.T) {
	ctx := context.Background()
	svc, _, fc, fq := newService(t)
	fc.entries["warm input already summarized"] = cache.Entry{
		JobID:            "job-1",
		Summary:          "a cached summary",
		ProcessingTimeMs: 120,
	}

	res, err := svc.Submit(ctx, "warm input already summarized")
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, "a cached summary", res.Summary)
	assert.Equal(t, int64(120), res.ProcessingTimeMs)
	assert.Equal(t, "job-1", res.Job.ID)
	assert.Empty(t, fq.tasks, "cache hits enqueue nothing")
}

func TestSubmitDedupsCompletedJobAndBackfillsCache(t *testing.T) {
	ctx := context.Background()
	svc, st, fc, fq := newService(t)

	job, _, err := st.CreateJob(ctx, models.TypeText, "previously processed text content")
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, job.ID, "an earlier summary", nil, 80))

	res, err := svc.Submit(ctx, "previously processed text content")
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, "an earlier summary", res.Summary)
	assert.Equal(t, job.ID, res.Job.ID)
	assert.Equal(t, "an earlier summary", fc.sets["previously processed text content"])
	assert.Empty(t, fq.tasks)
}

func TestSubmitDedupsInFlightJob(t *testing.T) {
	ctx := context.Background()
	svc, _, _, fq := newService(t)

	first, err := svc.Submit(ctx, "Some Text Still Being Processed")
	require.NoError(t, err)

	// Same input up to trim and case folding collapses onto the same job.
	second, err := svc.Submit(ctx, "  some text still being processed ")
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Len(t, fq.tasks, 1, "only the first submission enqueues")
}

func TestSubmitAllowsNewJobAfterFailure(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newService(t)

	first, err := svc.Submit(ctx, "text whose first job failed")
	require.NoError(t, err)
	require.NoError(t, st.RecordFailure(ctx, first.Job.ID, "boom", "boom", true, 10))

	second, err := svc.Submit(ctx, "text whose first job failed")
	require.NoError(t, err)
	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.Job.ID, second.Job.ID)
}

type completedRaceStore struct {
	*store.Memory
	job models.Job
}

func (s *completedRaceStore) CreateJob(context.Context, string, string) (models.Job, bool, error) {
	return s.job, true, nil
}

func TestSubmitRaceAgainstFinishedWinnerReturnsSummary(t *testing.T) {
	ctx := context.Background()
	summary := "the winner's summary"
	elapsed := int64(150)
	winner := models.Job{
		ID:               "winner",
		Type:             models.TypeText,
		Status:           models.StatusCompleted,
		Summary:          &summary,
		ProcessingTimeMs: &elapsed,
	}
	st := &completedRaceStore{Memory: store.NewMemory(), job: winner}
	fc := newFakeCache()
	fq := &fakeQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, fc, fq, logger)

	res, err := svc.Submit(ctx, "input whose insert lost the race")
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, "the winner's summary", res.Summary)
	assert.Equal(t, int64(150), res.ProcessingTimeMs)
	assert.Equal(t, "the winner's summary", fc.sets["input whose insert lost the race"])
	assert.Empty(t, fq.tasks, "no task for work that already finished")
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	svc, st, _, fq := newService(t)
	fq.err = errors.New("redis down")

	_, err := svc.Submit(ctx, "text that never reaches the queue")
	require.Error(t, err)

	job, ok, err := st.FindInFlightByInput(ctx, "text that never reaches the queue")
	require.NoError(t, err)
	assert.False(t, ok, "the orphaned record must not stay pending: %+v", job)
}
