package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

func TestCreateJobCollapsesConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, existing, err := m.CreateJob(ctx, models.TypeText, "Some Content To Summarize")
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.StatusPending, first.Status)

	// Same input modulo case and whitespace.
	second, existing, err := m.CreateJob(ctx, models.TypeText, "  some content to summarize ")
	require.NoError(t, err)
	assert.True(t, existing, "a second live job for the same normalized input must not be created")
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateJobAllowsNewAfterTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, _, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)
	require.NoError(t, m.RecordFailure(ctx, first.ID, "boom", "boom", true, 5))

	second, existing, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)
	assert.False(t, existing, "terminal jobs do not block resubmission")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestFindCompletedByInput(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, _, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)

	_, found, err := m.FindCompletedByInput(ctx, "some content to summarize")
	require.NoError(t, err)
	assert.False(t, found, "pending jobs are not completed matches")

	require.NoError(t, m.MarkCompleted(ctx, job.ID, "a summary", nil, 40))
	got, found, err := m.FindCompletedByInput(ctx, "  SOME content to summarize ")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, got.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "a summary", *got.Summary)
}

func TestSoftDeleteHidesFromDedupAndStuckScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, _, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)
	require.NoError(t, m.SoftDelete(ctx, job.ID))

	_, found, err := m.FindInFlightByInput(ctx, "some content to summarize")
	require.NoError(t, err)
	assert.False(t, found)

	stuck, err := m.FindStuck(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	// Still readable by id.
	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestRecordFailureAccumulates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, _, err := m.CreateJob(ctx, models.TypeURL, "https://example.com/article")
	require.NoError(t, err)

	require.NoError(t, m.RecordFailure(ctx, job.ID, "fetch timed out", "stack one", false, 0))
	require.NoError(t, m.RecordFailure(ctx, job.ID, "fetch timed out again", "stack two", false, 0))
	require.NoError(t, m.RecordFailure(ctx, job.ID, "fetch timed out finally", "stack three", true, 900))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.FailureCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "fetch timed out finally", *got.ErrorMessage)
	require.NotNil(t, got.ProcessingTimeMs)
	assert.Equal(t, int64(900), *got.ProcessingTimeMs)
	assert.NotNil(t, got.LastFailureAt)
	assert.Nil(t, got.Summary)
}

func TestResetToPendingRefusesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, _, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, job.ID, "done", nil, 10))

	err = m.ResetToPending(ctx, job.ID, "stuck", false)
	assert.ErrorIs(t, err, ErrNotFound, "terminal jobs must never revert to pending")

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestMarkCompletedClearsErrorFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, _, err := m.CreateJob(ctx, models.TypeText, "some content to summarize")
	require.NoError(t, err)
	require.NoError(t, m.RecordFailure(ctx, job.ID, "first attempt failed", "stack", false, 0))
	require.NoError(t, m.MarkCompleted(ctx, job.ID, "a summary", nil, 80))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ErrorStack)
	assert.Equal(t, 1, got.FailureCount, "failure count history survives success")
}

func TestFindStuck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	old := time.Now().Add(-10 * time.Minute)
	m.Put(models.Job{ID: "stale-pending", NormalizedInput: "a", Status: models.StatusPending, CreatedAt: old, UpdatedAt: old})
	m.Put(models.Job{ID: "stale-processing", NormalizedInput: "b", Status: models.StatusProcessing, CreatedAt: old, UpdatedAt: old})
	m.Put(models.Job{ID: "fresh", NormalizedInput: "c", Status: models.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	m.Put(models.Job{ID: "done", NormalizedInput: "d", Status: models.StatusCompleted, CreatedAt: old, UpdatedAt: old})

	stuck, err := m.FindStuck(ctx, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)

	var ids []string
	for _, j := range stuck {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"stale-pending", "stale-processing"}, ids)
}
