package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/queue"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/store"
)

type fakeQueue struct {
	states   map[string]string
	removed  []string
	enqueued []models.Task
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{states: map[string]string{}}
}

func (q *fakeQueue) TaskStatus(_ context.Context, jobID string) (queue.TaskInfo, error) {
	state, ok := q.states[jobID]
	if !ok {
		state = queue.StateMissing
	}
	return queue.TaskInfo{State: state}, nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID string) error {
	q.removed = append(q.removed, jobID)
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, task models.Task) (bool, error) {
	q.enqueued = append(q.enqueued, task)
	return true, nil
}

func newReaper(t *testing.T) (*Reaper, *store.Memory, *fakeQueue) {
	t.Helper()
	st := store.NewMemory()
	fq := newFakeQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, fq, 2*time.Minute, 5*time.Minute, logger), st, fq
}

// seedStuck puts a job in the store whose timestamps predate the stuck cutoff.
func seedStuck(st *store.Memory, status string) models.Job {
	old := time.Now().Add(-10 * time.Minute).UTC()
	job := models.Job{
		ID:              "stuck-" + status,
		Type:            models.TypeText,
		Input:           "some stuck input " + status,
		NormalizedInput: "some stuck input " + status,
		Status:          status,
		CreatedAt:       old,
		UpdatedAt:       old,
	}
	st.Put(job)
	return job
}

func TestSweepResetsJobWithMissingTask(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)
	job := seedStuck(st, models.StatusProcessing)

	require.NoError(t, r.Sweep(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "stuck")
	assert.Zero(t, got.FailureCount, "reaper resets do not consume attempts")

	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, job.ID, fq.enqueued[0].JobID)
	assert.Equal(t, job.Input, fq.enqueued[0].Input)
	assert.Empty(t, fq.removed, "nothing to purge when the task is already gone")
}

func TestSweepPurgesFinishedTaskBeforeReenqueue(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)
	job := seedStuck(st, models.StatusProcessing)
	fq.states[job.ID] = queue.StateFailed

	require.NoError(t, r.Sweep(ctx))

	assert.Equal(t, []string{job.ID}, fq.removed)
	require.Len(t, fq.enqueued, 1)
	assert.Equal(t, job.ID, fq.enqueued[0].JobID)
}

func TestSweepLeavesLiveTasksAlone(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)

	old := time.Now().Add(-10 * time.Minute).UTC()
	for i, state := range []string{queue.StateActive, queue.StateReady, queue.StateScheduled} {
		job := models.Job{
			ID:              "live-" + state,
			Type:            models.TypeText,
			Input:           "still moving " + state,
			NormalizedInput: "still moving " + state,
			Status:          models.StatusProcessing,
			CreatedAt:       old,
			UpdatedAt:       old.Add(time.Duration(i) * time.Second),
		}
		st.Put(job)
		fq.states[job.ID] = state
	}

	require.NoError(t, r.Sweep(ctx))
	assert.Empty(t, fq.enqueued)
	assert.Empty(t, fq.removed)
}

func TestSweepIgnoresFreshJobs(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)

	job, _, err := st.CreateJob(ctx, models.TypeText, "a freshly submitted input")
	require.NoError(t, err)

	require.NoError(t, r.Sweep(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Empty(t, fq.enqueued)
}

func TestSweepIgnoresTerminalJobs(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)
	seedStuck(st, models.StatusCompleted)
	seedStuck(st, models.StatusFailed)

	require.NoError(t, r.Sweep(ctx))
	assert.Empty(t, fq.enqueued)
	assert.Empty(t, fq.removed)
}

func TestSweepResetsOldPendingJob(t *testing.T) {
	ctx := context.Background()
	r, st, fq := newReaper(t)
	job := seedStuck(st, models.StatusPending)

	require.NoError(t, r.Sweep(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.Len(t, fq.enqueued, 1, "a pending job with no task gets its task recreated")
}
