package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIdempotencyPurge removes expired document claims.
	TaskIdempotencyPurge = "maintenance:idempotency_purge"
)

// IdempotencyPurgePayload sets how long claims are retained.
type IdempotencyPurgePayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyPurgeTask constructs the purge task. Zero retention keeps 90 days.
func NewIdempotencyPurgeTask(payload IdempotencyPurgePayload) (*asynq.Task, error) {
	if payload.RetentionHours < 0 {
		return nil, fmt.Errorf("idempotency purge: negative retention %d", payload.RetentionHours)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyPurge, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// Purger deletes claims older than a retention window.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HandleIdempotencyPurge returns a handler bound to purger.
func HandleIdempotencyPurge(purger Purger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IdempotencyPurgePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		retention := time.Duration(payload.RetentionHours) * time.Hour
		if retention <= 0 {
			retention = 90 * 24 * time.Hour
		}
		tracker := defaultJobMetrics.Track(TaskIdempotencyPurge)
		_, err := purger.Purge(ctx, retention)
		return tracker.End(err)
	}
}
