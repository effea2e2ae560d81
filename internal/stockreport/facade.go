// Package stockreport exposes the stock reports built on FIFO valuation.
package stockreport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/forge-erp/forge-erp/internal/fifo"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/numeric"
	"github.com/forge-erp/forge-erp/internal/replay"
	"github.com/forge-erp/forge-erp/internal/valuation"
)

// Range bounds a report. Zero values are open ends.
type Range struct {
	From time.Time
	To   time.Time
}

// Valuer produces valuation statements for resolved items.
type Valuer interface {
	StatementFor(ctx context.Context, items []ledger.Item, from, to time.Time) (valuation.Statement, error)
}

// Facade selects items per report and delegates valuation.
type Facade struct {
	valuer   Valuer
	items    ledger.ItemCatalog
	reader   ledger.Reader
	replayer valuation.Replayer
	// concurrency bounds the per-item fan-out of the movement report.
	concurrency int
	now         func() time.Time
}

// NewFacade builds Facade.
func NewFacade(valuer Valuer, items ledger.ItemCatalog, reader ledger.Reader, replayer valuation.Replayer, concurrency int) *Facade {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Facade{
		valuer:      valuer,
		items:       items,
		reader:      reader,
		replayer:    replayer,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RawMaterialStock values raw materials and minerals from the first transaction to asOf.
// A zero asOf means today.
func (f *Facade) RawMaterialStock(ctx context.Context, asOf time.Time) (valuation.Statement, error) {
	if asOf.IsZero() {
		asOf = f.now()
	}
	return f.byCategory(ctx, Range{To: asOf}, ledger.CategoryRawMaterial, ledger.CategoryMineral)
}

// WIPStock values work in progress over r.
func (f *Facade) WIPStock(ctx context.Context, r Range) (valuation.Statement, error) {
	return f.byCategory(ctx, r, ledger.CategoryWIP)
}

// FinishedGoodsRow adds the bag count to a statement row.
type FinishedGoodsRow struct {
	valuation.Row
	UnitWeight decimal.Decimal `json:"unit_weight"`
	Bags       decimal.Decimal `json:"bags"`
}

// FinishedGoodsReport is the finished-goods statement with bag counts.
type FinishedGoodsReport struct {
	From  time.Time          `json:"from"`
	To    time.Time          `json:"to"`
	Rows  []FinishedGoodsRow `json:"rows"`
	Total valuation.Totals   `json:"total"`
}

// FinishedGoodsStock values finished goods over r. Bags are closing quantity over unit weight.
func (f *Facade) FinishedGoodsStock(ctx context.Context, r Range) (FinishedGoodsReport, error) {
	items, err := f.items.Items(ctx, ledger.ItemFilter{Categories: []ledger.Category{ledger.CategoryFinishedGood}})
	if err != nil {
		return FinishedGoodsReport{}, fmt.Errorf("stockreport: load items: %w", err)
	}
	st, err := f.valuer.StatementFor(ctx, items, r.From, r.To)
	if err != nil {
		return FinishedGoodsReport{}, err
	}
	weights := make(map[int64]decimal.Decimal, len(items))
	for _, it := range items {
		weights[it.ID] = it.UnitWeight
	}
	out := FinishedGoodsReport{From: st.From, To: st.To, Total: st.Total, Rows: make([]FinishedGoodsRow, 0, len(st.Rows))}
	for _, row := range st.Rows {
		w := weights[row.ItemID]
		out.Rows = append(out.Rows, FinishedGoodsRow{Row: row, UnitWeight: w, Bags: Bags(row.Closing.Quantity, w)})
	}
	return out, nil
}

// Bags converts a quantity into bags of unitWeight; zero when the weight is unknown.
func Bags(qty, unitWeight decimal.Decimal) decimal.Decimal {
	if !unitWeight.IsPositive() {
		return decimal.Zero
	}
	return numeric.Qty(numeric.Div(qty, unitWeight))
}

// FIFOStatement values every item, or one category, over r.
func (f *Facade) FIFOStatement(ctx context.Context, r Range, category *ledger.Category) (valuation.Statement, error) {
	if category == nil {
		return f.byCategory(ctx, r)
	}
	return f.byCategory(ctx, r, *category)
}

func (f *Facade) byCategory(ctx context.Context, r Range, categories ...ledger.Category) (valuation.Statement, error) {
	items, err := f.items.Items(ctx, ledger.ItemFilter{Categories: categories})
	if err != nil {
		return valuation.Statement{}, fmt.Errorf("stockreport: load items: %w", err)
	}
	return f.valuer.StatementFor(ctx, items, r.From, r.To)
}

// MovementFilter selects items for the movement report. Empty slices match everything.
type MovementFilter struct {
	Range
	Categories []ledger.Category
	ItemIDs    []int64
}

// Movement line kinds.
const (
	KindOpening = "OPENING"
	KindReceipt = string(ledger.TypeReceipt)
	KindIssue   = string(ledger.TypeIssue)
	KindError   = "ERROR"
)

// MovementLine is one transaction with the item's running FIFO balance after it.
type MovementLine struct {
	Date          time.Time            `json:"date"`
	TransactionID int64                `json:"transaction_id,omitempty"`
	ItemID        int64                `json:"item_id"`
	Code          string               `json:"code"`
	Name          string               `json:"name"`
	Kind          string               `json:"kind"`
	ReferenceType ledger.ReferenceType `json:"reference_type,omitempty"`
	ReferenceID   string               `json:"reference_id,omitempty"`
	Remarks       string               `json:"remarks,omitempty"`
	Quantity      decimal.Decimal      `json:"quantity"`
	Rate          decimal.Decimal      `json:"rate"`
	// Amount is the stored amount for receipts and the realised FIFO cost for issues.
	Amount       decimal.Decimal `json:"amount"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	BalanceQty   decimal.Decimal `json:"balance_qty"`
	BalanceValue decimal.Decimal `json:"balance_value"`
	// Flagged marks an item whose movement could not be built; Error says why.
	Flagged bool   `json:"flagged,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Movement flattens transactions in range, each with an opening line per item, ordered by
// date then transaction id.
func (f *Facade) Movement(ctx context.Context, filter MovementFilter) ([]MovementLine, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && ledger.DateOf(filter.From).After(ledger.DateOf(filter.To)) {
		return nil, fmt.Errorf("%w: from after to", ledger.ErrInvalidRange)
	}
	items, err := f.items.Items(ctx, ledger.ItemFilter{IDs: filter.ItemIDs, Categories: filter.Categories})
	if err != nil {
		return nil, fmt.Errorf("stockreport: load items: %w", err)
	}

	perItem := make([][]MovementLine, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			lines, err := f.itemMovement(gctx, item, filter.Range)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("stockreport: movement of item %d: %w", item.ID, err)
				}
				lines = []MovementLine{failedMovement(item, filter.Range, err)}
			}
			perItem[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []MovementLine{}
	for _, lines := range perItem {
		out = append(out, lines...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if (a.Kind == KindOpening) != (b.Kind == KindOpening) {
			return a.Kind == KindOpening
		}
		if a.TransactionID != b.TransactionID {
			return a.TransactionID < b.TransactionID
		}
		return a.ItemID < b.ItemID
	})
	return out, nil
}

// failedMovement stands in for an item whose movement could not be replayed.
func failedMovement(item ledger.Item, r Range, err error) MovementLine {
	var date time.Time
	if !r.From.IsZero() {
		date = ledger.DateOf(r.From)
	}
	return MovementLine{
		Date: date, ItemID: item.ID, Code: item.Code, Name: item.Name, Kind: KindError,
		Quantity: decimal.Zero, Rate: decimal.Zero, Amount: decimal.Zero, Shortfall: decimal.Zero,
		BalanceQty: decimal.Zero, BalanceValue: decimal.Zero,
		Flagged: true, Error: err.Error(),
	}
}

func (f *Facade) itemMovement(ctx context.Context, item ledger.Item, r Range) ([]MovementLine, error) {
	q := fifo.NewQueue()
	var lines []MovementLine
	if !r.From.IsZero() {
		opening, err := f.replayer.StateAsOf(ctx, item.ID, ledger.DayBefore(r.From))
		if err != nil {
			return nil, err
		}
		q = opening
		s := q.State()
		if !s.IsZero() {
			lines = append(lines, MovementLine{
				Date: ledger.DateOf(r.From), ItemID: item.ID, Code: item.Code, Name: item.Name, Kind: KindOpening,
				Quantity: s.Quantity, Rate: s.Rate, Amount: s.Value, Shortfall: decimal.Zero,
				BalanceQty: s.Quantity, BalanceValue: s.Value,
			})
		}
	}
	txs, err := f.reader.Query(ctx, ledger.Filter{ItemIDs: []int64{item.ID}, From: r.From, To: r.To})
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		res, err := replay.Apply(q, tx)
		if err != nil {
			return nil, err
		}
		line := MovementLine{
			Date: tx.Date, TransactionID: tx.ID, ItemID: item.ID, Code: item.Code, Name: item.Name,
			Kind: string(tx.Type), ReferenceType: tx.ReferenceType, ReferenceID: tx.ReferenceID, Remarks: tx.Remarks,
			Quantity: tx.Quantity, Rate: tx.Rate, Amount: tx.Amount, Shortfall: decimal.Zero,
		}
		if tx.Type == ledger.TypeIssue {
			line.Amount = res.Cost
			line.Rate = numeric.RateOf(res.Cost, tx.Quantity)
			line.Shortfall = res.Shortfall
		}
		s := q.State()
		line.BalanceQty = s.Quantity
		line.BalanceValue = s.Value
		lines = append(lines, line)
	}
	return lines, nil
}
