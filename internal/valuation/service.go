package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forge-erp/forge-erp/internal/fifo"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/observability"
	"github.com/forge-erp/forge-erp/internal/replay"
)

const defaultConcurrency = 8

// Replayer rebuilds an item's queue as of a date.
type Replayer interface {
	StateAsOf(ctx context.Context, itemID int64, cutoff time.Time) (*fifo.Queue, error)
}

// Service values items over a date range.
type Service struct {
	replayer    Replayer
	reader      ledger.Reader
	items       ledger.ItemCatalog
	concurrency int
	metrics     *observability.LedgerMetrics
	logger      *slog.Logger
}

// NewService builds Service. concurrency <= 0 uses a default bound.
func NewService(replayer Replayer, reader ledger.Reader, items ledger.ItemCatalog, concurrency int, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{replayer: replayer, reader: reader, items: items, concurrency: concurrency, metrics: metrics, logger: logger}
}

// Statement values itemIDs between from and to inclusive. A zero from starts at the first
// transaction; a zero to runs to the latest. Unknown items become flagged rows.
func (s *Service) Statement(ctx context.Context, itemIDs []int64, from, to time.Time) (Statement, error) {
	items := make([]ledger.Item, 0, len(itemIDs))
	known := map[int64]ledger.Item{}
	if s.items != nil && len(itemIDs) > 0 {
		found, err := s.items.Items(ctx, ledger.ItemFilter{IDs: itemIDs})
		if err != nil {
			return Statement{}, fmt.Errorf("valuation: load items: %w", err)
		}
		for _, it := range found {
			known[it.ID] = it
		}
	}
	var missing []int64
	for _, id := range itemIDs {
		it, ok := known[id]
		if !ok {
			if s.items != nil {
				missing = append(missing, id)
			}
			it = ledger.Item{ID: id}
		}
		items = append(items, it)
	}
	st, err := s.StatementFor(ctx, items, from, to)
	if err != nil {
		return Statement{}, err
	}
	if len(missing) > 0 {
		lookup := make(map[int64]struct{}, len(missing))
		for _, id := range missing {
			lookup[id] = struct{}{}
		}
		for i := range st.Rows {
			if _, ok := lookup[st.Rows[i].ItemID]; ok {
				st.Rows[i].fail(fmt.Errorf("%w: %d", ledger.ErrItemNotFound, st.Rows[i].ItemID))
			}
		}
		st.Total = summarise(st.Rows)
	}
	return st, nil
}

// StatementFor values already-resolved items, preserving their order.
func (s *Service) StatementFor(ctx context.Context, items []ledger.Item, from, to time.Time) (Statement, error) {
	if !from.IsZero() {
		from = ledger.DateOf(from)
	}
	if !to.IsZero() {
		to = ledger.DateOf(to)
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return Statement{}, fmt.Errorf("%w: %s after %s", ledger.ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	rows := make([]Row, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			row, err := s.value(gctx, item, from, to)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Statement{}, err
	}

	st := Statement{From: from, To: to, Rows: rows, Total: summarise(rows)}
	if st.Total.Flagged > 0 {
		s.metrics.Flagged(st.Total.Flagged)
		s.logger.WarnContext(ctx, "valuation statement has flagged rows",
			slog.Int("flagged", st.Total.Flagged),
			slog.Int("items", len(rows)))
	}
	return st, nil
}

// value builds one row. Only context errors are returned; everything else flags the row.
func (s *Service) value(ctx context.Context, item ledger.Item, from, to time.Time) (Row, error) {
	row := newRow(item)

	opening := fifo.NewQueue()
	if !from.IsZero() {
		q, err := s.replayer.StateAsOf(ctx, item.ID, ledger.DayBefore(from))
		if err != nil {
			return s.failed(ctx, row, err)
		}
		opening = q
	}
	row.Opening = fromState(opening.State())

	txs, err := s.reader.Query(ctx, ledger.Filter{ItemIDs: []int64{item.ID}, From: from, To: to})
	if err != nil {
		return s.failed(ctx, row, err)
	}

	working := opening.Clone()
	for _, tx := range txs {
		res, err := replay.Apply(working, tx)
		if err != nil {
			return s.failed(ctx, row, err)
		}
		switch tx.Type {
		case ledger.TypeReceipt:
			row.Receipts = row.Receipts.add(tx.Quantity, tx.Amount)
		case ledger.TypeIssue:
			row.Issues = row.Issues.add(tx.Quantity, res.Cost)
			row.Shortfall = row.Shortfall.Add(res.Shortfall)
		}
	}
	row.Closing = fromState(working.State())
	row.check()
	if row.Shortfall.IsPositive() {
		s.metrics.Shortfall("statement")
	}
	return row, nil
}

func (s *Service) failed(ctx context.Context, row Row, err error) (Row, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return row, err
	}
	s.logger.ErrorContext(ctx, "valuation row failed", slog.Int64("item_id", row.ItemID), slog.Any("error", err))
	row.fail(err)
	return row, nil
}
