package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/forge-erp/forge-erp/internal/jobs"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/replay"
)

const (
	// TaskLedgerSnapshot builds month-end lot-queue snapshots.
	TaskLedgerSnapshot = "ledger:snapshot"
)

// LedgerSnapshotPayload scopes a snapshot run. ItemID 0 means every item; an empty
// AsOf means the last day of the previous month.
type LedgerSnapshotPayload struct {
	ItemID int64  `json:"item_id,omitempty"`
	AsOf   string `json:"as_of,omitempty"`
}

// SnapshotBuilder persists one item's queue as of a date.
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, itemID int64, asOf time.Time) (replay.Snapshot, error)
}

// ItemLister enumerates items from master data.
type ItemLister interface {
	Items(ctx context.Context, filter ledger.ItemFilter) ([]ledger.Item, error)
}

// LedgerSnapshotJob walks items and stores a snapshot per item.
type LedgerSnapshotJob struct {
	Builder SnapshotBuilder
	Items   ItemLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerSnapshotJob constructs the job handler.
func NewLedgerSnapshotJob(builder SnapshotBuilder, items ItemLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerSnapshotJob {
	return &LedgerSnapshotJob{
		Builder: builder,
		Items:   items,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewLedgerSnapshotTask creates an Asynq task for the snapshot job.
func NewLedgerSnapshotTask(payload LedgerSnapshotPayload) (*asynq.Task, error) {
	if payload.AsOf != "" {
		if _, err := time.Parse(time.DateOnly, payload.AsOf); err != nil {
			return nil, fmt.Errorf("ledger snapshot: invalid as_of %q: %w", payload.AsOf, err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerSnapshot, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Handle executes the snapshot job. Items that fail are logged and reported together.
func (j *LedgerSnapshotJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Builder == nil || j.Items == nil {
		return errors.New("ledger snapshot: dependencies not configured")
	}
	var payload LedgerSnapshotPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := j.resolveAsOf(payload.AsOf)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLedgerSnapshot)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	itemIDs, err := j.resolveItems(ctx, payload.ItemID)
	if err != nil {
		resultErr = err
		j.log().Error("resolve items", slog.Int64("item_id", payload.ItemID), slog.Any("error", err))
		return resultErr
	}

	start := j.now()
	built, stale := 0, 0
	var failures []error
	for _, itemID := range itemIDs {
		if err := ctx.Err(); err != nil {
			resultErr = err
			return resultErr
		}
		snap, err := j.Builder.BuildSnapshot(ctx, itemID, asOf)
		if errors.Is(err, replay.ErrSnapshotStale) {
			// A concurrent write touched the item; the next run picks it up.
			stale++
			j.log().Warn("snapshot dropped", slog.Int64("item_id", itemID), slog.Any("error", err))
			continue
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("item %d: %w", itemID, err))
			j.log().Error("build snapshot", slog.Int64("item_id", itemID), slog.Any("error", err))
			continue
		}
		built++
		j.log().Debug("snapshot stored", slog.Int64("item_id", itemID), slog.Int("lots", len(snap.Lots)))
	}
	j.metrics().AddSnapshots("built", built)
	j.metrics().AddSnapshots("stale", stale)
	j.metrics().AddSnapshots("failed", len(failures))

	j.log().Info("ledger snapshots built",
		slog.String("as_of", asOf.Format(time.DateOnly)),
		slog.Int("items", built),
		slog.Int("stale", stale),
		slog.Int("failed", len(failures)),
		slog.Duration("duration", time.Since(start)))
	resultErr = errors.Join(failures...)
	return resultErr
}

func (j *LedgerSnapshotJob) resolveAsOf(raw string) (time.Time, error) {
	if raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("ledger snapshot: invalid as_of %q", raw)
		}
		return t, nil
	}
	return PreviousMonthEnd(j.now()), nil
}

func (j *LedgerSnapshotJob) resolveItems(ctx context.Context, itemID int64) ([]int64, error) {
	if itemID < 0 {
		return nil, fmt.Errorf("item id must be positive")
	}
	if itemID > 0 {
		return []int64{itemID}, nil
	}
	items, err := j.Items.Items(ctx, ledger.ItemFilter{})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// PreviousMonthEnd returns the last calendar day of the month before now.
func PreviousMonthEnd(now time.Time) time.Time {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, -1)
}

func (j *LedgerSnapshotJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerSnapshotJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerSnapshot))
	}
	return slog.Default().With(slog.String("job", TaskLedgerSnapshot))
}

func (j *LedgerSnapshotJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerSnapshotJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
