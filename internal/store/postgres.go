package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/hash"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

const jobColumns = `id, type, input, normalized_input, extracted_content, summary, status,
	failure_count, last_failure_at, error_message, error_stack, processing_time_ms,
	created_at, updated_at, deleted_at`

// Postgres persists job records via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a pending job row. A partial unique index on
// (normalized_input) over non-terminal, non-deleted rows closes the race
// between the dedup check and the insert: when two submissions of the same
// input land together, the loser gets a 23505 and is handed the winner's
// row instead. The returned bool reports that reuse.
func (s *Postgres) CreateJob(ctx context.Context, jobType, input string) (models.Job, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	normalized := hash.Normalize(input)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, input, normalized_input, status, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, id, jobType, input, normalized, models.StatusPending, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, found, ferr := raceWinner(ctx, input, s.FindInFlightByInput, s.FindCompletedByInput)
			if ferr != nil {
				return models.Job{}, false, ferr
			}
			if !found {
				return models.Job{}, false, fmt.Errorf("in-flight uniqueness conflict but no existing job: %w", err)
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		Type:            jobType,
		Input:           input,
		NormalizedInput: normalized,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, false, nil
}

// GetJob fetches a job by id, soft-deleted rows included; callers that care
// about deletion check DeletedAt themselves.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindCompletedByInput returns the most recent non-deleted completed job with
// a non-empty summary for the normalized input.
func (s *Postgres) FindCompletedByInput(ctx context.Context, input string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE normalized_input = $1 AND status = $2 AND summary IS NOT NULL AND summary <> '' AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, hash.Normalize(input), models.StatusCompleted)
	return findOne(row, "find completed by input")
}

// FindInFlightByInput returns the most recent non-deleted pending or
// processing job for the normalized input.
func (s *Postgres) FindInFlightByInput(ctx context.Context, input string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE normalized_input = $1 AND status IN ($2, $3) AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, hash.Normalize(input), models.StatusPending, models.StatusProcessing)
	return findOne(row, "find in-flight by input")
}

// MarkProcessing transitions a job to processing.
func (s *Postgres) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusProcessing)
	return err
}

// MarkCompleted records the result of a successful attempt. Error fields are
// cleared only here; failures accumulate everywhere else.
func (s *Postgres) MarkCompleted(ctx context.Context, id, summary string, extracted *string, elapsedMs int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, summary = $3, extracted_content = $4, processing_time_ms = $5,
		    error_message = NULL, error_stack = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, summary, extracted, elapsedMs)
	return err
}

// RecordFailure accumulates failure bookkeeping for one attempt. When final
// is set the job lands in its terminal failed state with the attempt's
// wall-clock duration recorded.
func (s *Postgres) RecordFailure(ctx context.Context, id, message, stack string, final bool, elapsedMs int64) error {
	if final {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs
			SET status = $2, failure_count = failure_count + 1, last_failure_at = NOW(),
			    error_message = $3, error_stack = $4, processing_time_ms = $5, updated_at = NOW()
			WHERE id = $1
		`, id, models.StatusFailed, message, stack, elapsedMs)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET failure_count = failure_count + 1, last_failure_at = NOW(),
		    error_message = $2, error_stack = $3, updated_at = NOW()
		WHERE id = $1
	`, id, message, stack)
	return err
}

// ResetToPending re-states a non-terminal job as pending with an annotation.
// It refuses to touch terminal rows, so a reaper racing a finishing worker
// cannot resurrect a completed or failed job.
func (s *Postgres) ResetToPending(ctx context.Context, id, note string, bumpFailure bool) error {
	bump := 0
	if bumpFailure {
		bump = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, failure_count = failure_count + $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.StatusPending, bump, note, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStuck returns non-deleted jobs that have sat in pending since before
// the cutoff (by creation) or in processing since before the cutoff (by last
// update).
func (s *Postgres) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE deleted_at IS NULL
		  AND ((status = $1 AND created_at < $3) OR (status = $2 AND updated_at < $3))
		ORDER BY created_at
		LIMIT $4
	`, models.StatusPending, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SoftDelete marks a job deleted, excluding it from dedup and the reaper.
func (s *Postgres) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type inputFinder func(ctx context.Context, input string) (models.Job, bool, error)

// raceWinner locates the row that won a dedup-insert race. The winner can
// finish between the unique-violation and the lookup, so completed rows are
// consulted after live ones.
func raceWinner(ctx context.Context, input string, inFlight, completed inputFinder) (models.Job, bool, error) {
	job, found, err := inFlight(ctx, input)
	if err != nil || found {
		return job, found, err
	}
	return completed(ctx, input)
}

func findOne(row pgx.Row, op string) (models.Job, bool, error) {
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return job, true, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var extracted, summary, errMsg, errStack pgtype.Text
	var lastFailure, deleted pgtype.Timestamptz
	var elapsed pgtype.Int8

	err := row.Scan(
		&job.ID, &job.Type, &job.Input, &job.NormalizedInput,
		&extracted, &summary, &job.Status,
		&job.FailureCount, &lastFailure, &errMsg, &errStack, &elapsed,
		&job.CreatedAt, &job.UpdatedAt, &deleted,
	)
	if err != nil {
		return models.Job{}, err
	}

	job.ExtractedContent = textPtr(extracted)
	job.Summary = textPtr(summary)
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorStack = textPtr(errStack)
	job.LastFailureAt = timePtr(lastFailure)
	job.DeletedAt = timePtr(deleted)
	if elapsed.Valid {
		job.ProcessingTimeMs = &elapsed.Int64
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
