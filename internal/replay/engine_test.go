package replay

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-erp/forge-erp/internal/fifo"
	"github.com/forge-erp/forge-erp/internal/ledger"
)

const itemX int64 = 7

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedScenario(t *testing.T) (*ledger.Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc := ledger.NewService(store, ledger.NewMemoryCatalog(ledger.Item{ID: itemX, Code: "X", Category: ledger.CategoryRawMaterial}), nil, nil, nil)
	ctx := context.Background()
	for _, in := range []ledger.Input{
		{Date: day("2024-01-01"), Type: ledger.TypeReceipt, ItemID: itemX, Quantity: dec("100"), Rate: dec("10"), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-1"},
		{Date: day("2024-01-10"), Type: ledger.TypeReceipt, ItemID: itemX, Quantity: dec("50"), Rate: dec("12"), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-2"},
		{Date: day("2024-01-15"), Type: ledger.TypeIssue, ItemID: itemX, Quantity: dec("120"), ReferenceType: ledger.RefDispatch, ReferenceID: "D-1"},
	} {
		_, err := svc.Append(ctx, in)
		require.NoError(t, err)
	}
	return svc, store
}

func newRedisStore(t *testing.T) *RedisSnapshotStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSnapshotStore(client, 0)
}

func requireSameLots(t *testing.T, want, got []fifo.Lot) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].OriginID, got[i].OriginID)
		require.Truef(t, want[i].Remaining.Equal(got[i].Remaining), "lot %d remaining %s != %s", i, want[i].Remaining, got[i].Remaining)
		require.Truef(t, want[i].Value.Equal(got[i].Value), "lot %d value %s != %s", i, want[i].Value, got[i].Value)
	}
}

func TestStateAsOfScenario(t *testing.T) {
	_, store := seedScenario(t)
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()

	q, err := engine.StateAsOf(ctx, itemX, day("2024-01-12"))
	require.NoError(t, err)
	state := q.State()
	require.True(t, dec("150").Equal(state.Quantity))
	require.True(t, dec("1600").Equal(state.Value))

	q, err = engine.StateAsOf(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	state = q.State()
	require.True(t, dec("30").Equal(state.Quantity))
	require.True(t, dec("12").Equal(state.Rate))
	require.True(t, dec("360").Equal(state.Value))

	q, err = engine.StateAsOf(ctx, itemX, day("2023-12-31"))
	require.NoError(t, err)
	require.True(t, q.State().IsZero())
}

func TestStateAsOfIsDeterministic(t *testing.T) {
	_, store := seedScenario(t)
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()

	a, err := engine.StateAsOf(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	b, err := engine.StateAsOf(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	requireSameLots(t, a.Lots(), b.Lots())
	require.Equal(t, a.State().Rate.String(), b.State().Rate.String())
}

func TestSnapshotReplayMatchesFullReplay(t *testing.T) {
	svc, store := seedScenario(t)
	snaps := newRedisStore(t)
	engine := NewEngine(store, snaps, nil)
	svc.SetInvalidator(engine)
	ctx := context.Background()

	snap, err := engine.BuildSnapshot(ctx, itemX, day("2024-01-12"))
	require.NoError(t, err)
	require.Len(t, snap.Lots, 2)

	_, err = svc.Append(ctx, ledger.Input{Date: day("2024-02-01"), Type: ledger.TypeReceipt, ItemID: itemX, Quantity: dec("5"), Rate: dec("13.5"), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-3"})
	require.NoError(t, err)

	for _, cutoff := range []string{"2024-01-12", "2024-01-20", "2024-02-01"} {
		fast, err := engine.StateAsOf(ctx, itemX, day(cutoff))
		require.NoError(t, err)
		full, err := engine.Rebuild(ctx, itemX, day(cutoff))
		require.NoError(t, err)
		requireSameLots(t, full.Lots(), fast.Lots())
	}

	_, ok, err := snaps.Latest(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.True(t, ok, "a later append must not drop an earlier snapshot")
}

func TestBackdatedAppendInvalidatesSnapshot(t *testing.T) {
	svc, store := seedScenario(t)
	snaps := newRedisStore(t)
	engine := NewEngine(store, snaps, nil)
	svc.SetInvalidator(engine)
	ctx := context.Background()

	_, err := engine.BuildSnapshot(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)

	_, err = svc.Append(ctx, ledger.Input{Date: day("2024-01-05"), Type: ledger.TypeReceipt, ItemID: itemX, Quantity: dec("10"), Rate: dec("11"), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-0"})
	require.NoError(t, err)

	_, ok, err := snaps.Latest(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.False(t, ok)

	q, err := engine.StateAsOf(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	// 100@10, 10@11, 50@12 less 120 leaves 40@12.
	require.True(t, dec("40").Equal(q.State().Quantity))
	require.True(t, dec("480").Equal(q.State().Value))
}

func TestRemoveLastInvalidatesSnapshot(t *testing.T) {
	svc, store := seedScenario(t)
	snaps := newRedisStore(t)
	engine := NewEngine(store, snaps, nil)
	svc.SetInvalidator(engine)
	ctx := context.Background()

	_, err := engine.BuildSnapshot(ctx, itemX, day("2024-01-20"))
	require.NoError(t, err)

	_, err = svc.RemoveLast(ctx, ledger.RefDispatch, "D-1")
	require.NoError(t, err)

	_, ok, err := snaps.Latest(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSnapshotStoreLatestRespectsCutoff(t *testing.T) {
	snaps := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, snaps.Save(ctx, Snapshot{ItemID: 1, AsOf: day("2024-01-31"), LastTxID: 3}, 0))
	require.NoError(t, snaps.Save(ctx, Snapshot{ItemID: 1, AsOf: day("2024-02-29"), LastTxID: 9}, 0))
	require.NoError(t, snaps.Save(ctx, Snapshot{ItemID: 1, AsOf: day("2024-02-29"), LastTxID: 10}, 0))

	snap, ok, err := snaps.Latest(ctx, 1, day("2024-02-15"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), snap.LastTxID)

	snap, ok, err = snaps.Latest(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), snap.LastTxID)

	_, ok, err = snaps.Latest(ctx, 1, day("2024-01-01"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, snaps.InvalidateFrom(ctx, 1, day("2024-02-01")))
	snap, ok, err = snaps.Latest(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), snap.LastTxID)

	gen, err := snaps.Generation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	// A save computed before the invalidation is refused.
	err = snaps.Save(ctx, Snapshot{ItemID: 1, AsOf: day("2024-02-29"), LastTxID: 9}, 0)
	require.ErrorIs(t, err, ErrSnapshotStale)
	snap, _, err = snaps.Latest(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.LastTxID)

	require.NoError(t, snaps.Save(ctx, Snapshot{ItemID: 1, AsOf: day("2024-02-29"), LastTxID: 11}, gen))
	snap, _, err = snaps.Latest(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(11), snap.LastTxID)
}

// interleavedReader lands a back-dated receipt right after the replay has read the ledger,
// the way a concurrent writer would between the read and the snapshot save.
type interleavedReader struct {
	ledger.Reader
	write func()
	done  bool
}

func (r *interleavedReader) Query(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	rows, err := r.Reader.Query(ctx, filter)
	if err == nil && !r.done {
		r.done = true
		r.write()
	}
	return rows, err
}

func TestBuildSnapshotDropsSaveRacingBackdatedAppend(t *testing.T) {
	svc, store := seedScenario(t)
	snaps := newRedisStore(t)
	engine := NewEngine(store, snaps, nil)
	svc.SetInvalidator(engine)
	ctx := context.Background()

	racing := engine.WithReader(&interleavedReader{Reader: store, write: func() {
		_, err := svc.Append(ctx, ledger.Input{Date: day("2024-01-05"), Type: ledger.TypeReceipt, ItemID: itemX, Quantity: dec("10"), Rate: dec("11"), ReferenceType: ledger.RefGRN, ReferenceID: "GRN-0"})
		require.NoError(t, err)
	}})

	_, err := racing.BuildSnapshot(ctx, itemX, day("2024-01-31"))
	require.ErrorIs(t, err, ErrSnapshotStale)

	_, ok, err := snaps.Latest(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.False(t, ok)

	fast, err := engine.StateAsOf(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	full, err := engine.Rebuild(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.True(t, dec("40").Equal(fast.State().Quantity))
	require.True(t, dec("480").Equal(fast.State().Value))
	requireSameLots(t, full.Lots(), fast.Lots())

	// With no writer in the way the rebuild is stored.
	_, err = engine.BuildSnapshot(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	_, ok, err = snaps.Latest(ctx, itemX, day("2024-01-31"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildSnapshotRequiresStore(t *testing.T) {
	_, store := seedScenario(t)
	engine := NewEngine(store, nil, nil)
	_, err := engine.BuildSnapshot(context.Background(), itemX, day("2024-01-31"))
	require.ErrorIs(t, err, ErrSnapshotsDisabled)
}
