package valuation

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/replay"
)

const (
	itemX int64 = 1
	itemY int64 = 2
)

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

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s", want, got)
}

type fixture struct {
	ledger  *ledger.Service
	store   *ledger.MemoryStore
	service *Service
}

func newFixture() *fixture {
	store := ledger.NewMemoryStore()
	catalog := ledger.NewMemoryCatalog(
		ledger.Item{ID: itemX, Code: "X", Name: "Item X", Category: ledger.CategoryRawMaterial, Unit: "kg"},
		ledger.Item{ID: itemY, Code: "Y", Name: "Item Y", Category: ledger.CategoryMineral, Unit: "kg"},
	)
	engine := replay.NewEngine(store, nil, nil)
	return &fixture{
		ledger:  ledger.NewService(store, catalog, engine, nil, nil),
		store:   store,
		service: NewService(engine, store, catalog, 2, nil, nil),
	}
}

func (f *fixture) post(t *testing.T, typ ledger.TransactionType, item int64, date, qty, rate string) {
	t.Helper()
	ref := ledger.RefGRN
	if typ == ledger.TypeIssue {
		ref = ledger.RefDispatch
	}
	_, err := f.ledger.Append(context.Background(), ledger.Input{
		Date: day(date), Type: typ, ItemID: item, Quantity: dec(qty), Rate: dec(rate),
		ReferenceType: ref, ReferenceID: date + "-" + qty,
	})
	require.NoError(t, err)
}

func TestStatementJanuaryScenario(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "100", "10")
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-10", "50", "12")
	f.post(t, ledger.TypeIssue, itemX, "2024-01-15", "120", "0")

	st, err := f.service.Statement(context.Background(), []int64{itemX}, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, st.Rows, 1)
	row := st.Rows[0]

	require.Equal(t, "X", row.Code)
	requireDecimal(t, "0", row.Opening.Quantity)
	requireDecimal(t, "0", row.Opening.Amount)
	requireDecimal(t, "150", row.Receipts.Quantity)
	requireDecimal(t, "1600", row.Receipts.Amount)
	requireDecimal(t, "10.6667", row.Receipts.Rate)
	requireDecimal(t, "120", row.Issues.Quantity)
	requireDecimal(t, "1240", row.Issues.Amount)
	requireDecimal(t, "30", row.Closing.Quantity)
	requireDecimal(t, "12", row.Closing.Rate)
	requireDecimal(t, "360", row.Closing.Amount)
	require.False(t, row.Flagged)
}

func TestStatementOpeningFromPriorHistory(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "100", "10")
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-10", "50", "12")
	f.post(t, ledger.TypeIssue, itemX, "2024-01-15", "120", "0")
	f.post(t, ledger.TypeReceipt, itemX, "2024-02-03", "10", "14")
	f.post(t, ledger.TypeIssue, itemX, "2024-02-20", "35", "0")

	st, err := f.service.Statement(context.Background(), []int64{itemX}, day("2024-02-01"), day("2024-02-29"))
	require.NoError(t, err)
	row := st.Rows[0]
	requireDecimal(t, "30", row.Opening.Quantity)
	requireDecimal(t, "360", row.Opening.Amount)
	requireDecimal(t, "10", row.Receipts.Quantity)
	// 30@12 then 5@14.
	requireDecimal(t, "430", row.Issues.Amount)
	requireDecimal(t, "5", row.Closing.Quantity)
	requireDecimal(t, "70", row.Closing.Amount)
}

func TestStatementFlagsShortfall(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "30", "4")
	f.post(t, ledger.TypeIssue, itemX, "2024-01-02", "50", "0")
	f.post(t, ledger.TypeReceipt, itemY, "2024-01-01", "5", "2")

	st, err := f.service.Statement(context.Background(), []int64{itemX, itemY}, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, st.Rows, 2)

	x := st.Rows[0]
	require.True(t, x.Flagged)
	requireDecimal(t, "20", x.Shortfall)
	requireDecimal(t, "120", x.Issues.Amount)
	requireDecimal(t, "0", x.Closing.Quantity)
	requireDecimal(t, "20", x.DiscrepancyQty)
	require.NotEmpty(t, x.Warnings)

	require.False(t, st.Rows[1].Flagged)
	require.Equal(t, 1, st.Total.Flagged)
}

func TestStatementGrandTotalRecomputesRates(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "10", "3")
	f.post(t, ledger.TypeReceipt, itemY, "2024-01-01", "30", "7")

	st, err := f.service.Statement(context.Background(), []int64{itemX, itemY}, time.Time{}, day("2024-01-31"))
	require.NoError(t, err)
	requireDecimal(t, "40", st.Total.Closing.Quantity)
	requireDecimal(t, "240", st.Total.Closing.Amount)
	requireDecimal(t, "6", st.Total.Closing.Rate)
	requireDecimal(t, "6", st.Total.Receipts.Rate)
}

func TestStatementUnknownItemIsFlaggedNotFatal(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "10", "3")

	st, err := f.service.Statement(context.Background(), []int64{99, itemX}, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, st.Rows, 2)
	require.True(t, st.Rows[0].Flagged)
	require.Contains(t, st.Rows[0].Error, "item not found")
	requireDecimal(t, "30", st.Rows[1].Closing.Amount)
}

type failingReader struct {
	ledger.Reader
	failItem int64
}

func (r failingReader) Query(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	if len(filter.ItemIDs) == 1 && filter.ItemIDs[0] == r.failItem {
		return nil, errors.New("disk on fire")
	}
	return r.Reader.Query(ctx, filter)
}

func TestStatementReadFailureFlagsOnlyThatItem(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "10", "3")
	f.post(t, ledger.TypeReceipt, itemY, "2024-01-01", "1", "1")

	reader := failingReader{Reader: f.store, failItem: itemY}
	svc := NewService(replay.NewEngine(reader, nil, nil), reader, nil, 0, nil, nil)
	st, err := svc.Statement(context.Background(), []int64{itemX, itemY}, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.False(t, st.Rows[0].Flagged)
	require.True(t, st.Rows[1].Flagged)
	require.Equal(t, "replay: read item 2: disk on fire", st.Rows[1].Error)
}

func TestStatementHonoursCancellation(t *testing.T) {
	f := newFixture()
	f.post(t, ledger.TypeReceipt, itemX, "2024-01-01", "10", "3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceled := canceledReader{Reader: f.store}
	svc := NewService(replay.NewEngine(canceled, nil, nil), canceled, nil, 0, nil, nil)
	_, err := svc.Statement(ctx, []int64{itemX}, day("2024-01-01"), day("2024-01-31"))
	require.ErrorIs(t, err, context.Canceled)
}

type canceledReader struct {
	ledger.Reader
}

func (r canceledReader) Query(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.Reader.Query(ctx, filter)
}

func TestStatementRejectsInvertedRange(t *testing.T) {
	f := newFixture()
	_, err := f.service.Statement(context.Background(), []int64{itemX}, day("2024-02-01"), day("2024-01-01"))
	require.ErrorIs(t, err, ledger.ErrInvalidRange)
}

// Randomised histories must always reconcile: closing = opening + receipts - issues.
func TestStatementInvariantHoldsForRandomHistories(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	start := day("2024-01-01")
	for run := 0; run < 25; run++ {
		f := newFixture()
		stock := decimal.Zero
		for i := 0; i < 60; i++ {
			date := start.AddDate(0, 0, rng.Intn(90))
			if rng.Intn(3) > 0 || !stock.IsPositive() {
				qty := decimal.New(int64(rng.Intn(50000)+1), -3)
				rate := decimal.New(int64(rng.Intn(200000)), -4)
				_, err := f.ledger.Append(context.Background(), ledger.Input{Date: date, Type: ledger.TypeReceipt, ItemID: itemX, Quantity: qty, Rate: rate, ReferenceType: ledger.RefGRN, ReferenceID: "G"})
				require.NoError(t, err)
				stock = stock.Add(qty)
				continue
			}
			qty := decimal.New(int64(rng.Intn(20000)+1), -3)
			_, err := f.ledger.Append(context.Background(), ledger.Input{Date: date, Type: ledger.TypeIssue, ItemID: itemX, Quantity: qty, ReferenceType: ledger.RefDispatch, ReferenceID: "D"})
			require.NoError(t, err)
			stock = stock.Sub(qty)
		}

		from := start.AddDate(0, 0, rng.Intn(45))
		to := from.AddDate(0, 0, rng.Intn(45))
		st, err := f.service.Statement(context.Background(), []int64{itemX}, from, to)
		require.NoError(t, err)
		row := st.Rows[0]
		require.Empty(t, row.Error)

		closingQty := row.Opening.Quantity.Add(row.Receipts.Quantity).Sub(row.Issues.Quantity).Add(row.Shortfall)
		requireDecimal(t, closingQty.String(), row.Closing.Quantity)
		closingAmount := row.Opening.Amount.Add(row.Receipts.Amount).Sub(row.Issues.Amount)
		requireDecimal(t, closingAmount.String(), row.Closing.Amount)
		if !row.Shortfall.IsPositive() {
			require.False(t, row.Flagged)
		}

		// Consecutive statements chain: this closing is the next opening.
		next, err := f.service.Statement(context.Background(), []int64{itemX}, to.AddDate(0, 0, 1), to.AddDate(0, 0, 30))
		require.NoError(t, err)
		requireDecimal(t, row.Closing.Quantity.String(), next.Rows[0].Opening.Quantity)
		requireDecimal(t, row.Closing.Amount.String(), next.Rows[0].Opening.Amount)
	}
}
