// Package cache is the Redis result cache for completed summaries. It is an
// optimization layer only: entries are derived from the job store and are
// never trusted without corroborating the referenced job record.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/hash"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

const keyPrefix = "summary:cache:"

// JobReader is the slice of the job store the cache needs for corroboration.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Entry is the cached view of one completed summarization.
type Entry struct {
	JobID            string    `json:"job_id"`
	Summary          string    `json:"summary"`
	CreatedAt        time.Time `json:"created_at"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// Cache maps hashed normalized input to completed summaries with a TTL.
type Cache struct {
	client *redis.Client
	store  JobReader
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client, store JobReader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Cache{client: client, store: store, ttl: ttl, logger: logger}
}

// Get looks up a summary for the input. A hit is only returned when the
// referenced job record independently confirms a completed status and a
// non-empty summary. A miss, decode failure, store error, or stale entry all
// read as a miss. Stale entries are left in place to age out
// via TTL.
func (c *Cache) Get(ctx context.Context, input string) (Entry, bool) {
	key := keyPrefix + hash.Key(input)
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Entry{}, false
	}
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("cache entry undecodable", "key", key, "error", err)
		return Entry{}, false
	}

	job, err := c.store.GetJob(ctx, entry.JobID)
	if err != nil {
		c.logger.Warn("cache corroboration failed", "job_id", entry.JobID, "error", err)
		return Entry{}, false
	}
	if job.Status != models.StatusCompleted || job.Summary == nil || *job.Summary == "" {
		return Entry{}, false
	}

	// The store is authoritative for the summary text.
	entry.Summary = *job.Summary
	return entry, true
}

// Set writes the entry best-effort. Failures are logged and swallowed; the
// cache is not a source of truth.
func (c *Cache) Set(ctx context.Context, input, jobID, summary string, processingTimeMs int64) {
	entry := Entry{
		JobID:            jobID,
		Summary:          summary,
		CreatedAt:        time.Now().UTC(),
		ProcessingTimeMs: processingTimeMs,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry unencodable", "job_id", jobID, "error", err)
		return
	}
	key := keyPrefix + hash.Key(input)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "job_id", jobID, "error", err)
	}
}
