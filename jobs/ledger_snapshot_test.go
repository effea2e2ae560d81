package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/forge-erp/forge-erp/internal/jobs"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/replay"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

type snapshotFixture struct {
	job   *LedgerSnapshotJob
	store *replay.RedisSnapshotStore
}

func newSnapshotFixture(t *testing.T) snapshotFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ledger.NewMemoryStore()
	catalog := ledger.NewMemoryCatalog(
		ledger.Item{ID: 1, Code: "SCRAP", Category: ledger.CategoryRawMaterial},
		ledger.Item{ID: 2, Code: "C", Category: ledger.CategoryMineral},
	)
	snapshots := replay.NewRedisSnapshotStore(client, 0)
	engine := replay.NewEngine(store, snapshots, nil)
	svc := ledger.NewService(store, catalog, engine, nil, nil)
	for _, in := range []ledger.Input{
		{Date: day("2024-01-03"), Type: ledger.TypeReceipt, ItemID: 1, Quantity: decimal.NewFromInt(100), Rate: decimal.NewFromInt(10), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-1"},
		{Date: day("2024-01-20"), Type: ledger.TypeIssue, ItemID: 1, Quantity: decimal.NewFromInt(40), ReferenceType: ledger.RefDispatch, ReferenceID: "DSP-1"},
		{Date: day("2024-02-02"), Type: ledger.TypeReceipt, ItemID: 2, Quantity: decimal.NewFromInt(5), Rate: decimal.NewFromInt(50), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-2"},
	} {
		_, err := svc.Append(context.Background(), in)
		require.NoError(t, err)
	}

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewLedgerSnapshotJob(engine, catalog, nil, metrics)
	job.WithClock(func() time.Time { return day("2024-02-15") })
	return snapshotFixture{job: job, store: snapshots}
}

func TestLedgerSnapshotJobBuildsPreviousMonthEnd(t *testing.T) {
	f := newSnapshotFixture(t)
	task, err := NewLedgerSnapshotTask(LedgerSnapshotPayload{})
	require.NoError(t, err)
	require.NoError(t, f.job.Handle(context.Background(), task))

	snap, ok, err := f.store.Latest(context.Background(), 1, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, snap.AsOf.Equal(day("2024-01-31")))
	require.Len(t, snap.Lots, 1)
	require.True(t, snap.Lots[0].Remaining.Equal(decimal.NewFromInt(60)))

	// Item 2 had nothing before February; its snapshot is an empty queue.
	snap, ok, err = f.store.Latest(context.Background(), 2, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, snap.Lots)
}

func TestLedgerSnapshotJobSingleItemAndDate(t *testing.T) {
	f := newSnapshotFixture(t)
	task, err := NewLedgerSnapshotTask(LedgerSnapshotPayload{ItemID: 1, AsOf: "2024-01-10"})
	require.NoError(t, err)
	require.NoError(t, f.job.Handle(context.Background(), task))

	snap, ok, err := f.store.Latest(context.Background(), 1, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, snap.Lots[0].Remaining.Equal(decimal.NewFromInt(100)))

	_, ok, err = f.store.Latest(context.Background(), 2, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)
}

type failingBuilder struct{}

func (failingBuilder) BuildSnapshot(context.Context, int64, time.Time) (replay.Snapshot, error) {
	return replay.Snapshot{}, errors.New("redis down")
}

func TestLedgerSnapshotJobReportsFailures(t *testing.T) {
	catalog := ledger.NewMemoryCatalog(ledger.Item{ID: 1}, ledger.Item{ID: 2})
	job := NewLedgerSnapshotJob(failingBuilder{}, catalog, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewLedgerSnapshotTask(LedgerSnapshotPayload{AsOf: "2024-01-31"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.Contains(t, err.Error(), "item 1: redis down")
	require.Contains(t, err.Error(), "item 2: redis down")
}

type staleBuilder struct{}

func (staleBuilder) BuildSnapshot(_ context.Context, itemID int64, _ time.Time) (replay.Snapshot, error) {
	if itemID == 1 {
		return replay.Snapshot{}, fmt.Errorf("replay: save snapshot for item 1: %w", replay.ErrSnapshotStale)
	}
	return replay.Snapshot{ItemID: itemID}, nil
}

func TestLedgerSnapshotJobSkipsInvalidatedItems(t *testing.T) {
	catalog := ledger.NewMemoryCatalog(ledger.Item{ID: 1}, ledger.Item{ID: 2})
	job := NewLedgerSnapshotJob(staleBuilder{}, catalog, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewLedgerSnapshotTask(LedgerSnapshotPayload{AsOf: "2024-01-31"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestLedgerSnapshotTaskValidatesDate(t *testing.T) {
	_, err := NewLedgerSnapshotTask(LedgerSnapshotPayload{AsOf: "31/01/2024"})
	require.Error(t, err)
}

func TestPreviousMonthEnd(t *testing.T) {
	require.Equal(t, day("2024-02-29"), PreviousMonthEnd(day("2024-03-01")))
	require.Equal(t, day("2023-12-31"), PreviousMonthEnd(day("2024-01-17")))
}

type recordingEnqueuer struct {
	payloads []LedgerSnapshotPayload
}

func (e *recordingEnqueuer) EnqueueLedgerSnapshot(_ context.Context, payload LedgerSnapshotPayload) (*asynq.TaskInfo, error) {
	e.payloads = append(e.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func TestHandlerTriggersSnapshot(t *testing.T) {
	enq := &recordingEnqueuer{}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, enq, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/ledger-snapshots", strings.NewReader(`{"item_id":7,"as_of":"2024-01-31"}`)))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, "task-1", body["task_id"])
	require.Equal(t, []LedgerSnapshotPayload{{ItemID: 7, AsOf: "2024-01-31"}}, enq.payloads)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/ledger-snapshots", strings.NewReader(`{"as_of":"yesterday"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

type fakePurger struct {
	retention time.Duration
}

func (p *fakePurger) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	p.retention = olderThan
	return 3, nil
}

func TestIdempotencyPurgeDefaultsRetention(t *testing.T) {
	p := &fakePurger{}
	task, err := NewIdempotencyPurgeTask(IdempotencyPurgePayload{})
	require.NoError(t, err)
	require.NoError(t, HandleIdempotencyPurge(p)(context.Background(), task))
	require.Equal(t, 90*24*time.Hour, p.retention)

	_, err = NewIdempotencyPurgeTask(IdempotencyPurgePayload{RetentionHours: -1})
	require.Error(t, err)
}
