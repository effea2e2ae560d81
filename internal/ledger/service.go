package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/fifo"
	"github.com/forge-erp/forge-erp/internal/observability"
	"github.com/forge-erp/forge-erp/internal/platform/numeric"
)

// ItemCatalog resolves items from master data.
type ItemCatalog interface {
	Item(ctx context.Context, id int64) (Item, error)
	Items(ctx context.Context, filter ItemFilter) ([]Item, error)
}

// SnapshotInvalidator drops cached queue snapshots dated on or after from.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, itemID int64, from time.Time) error
}

// Service guards the ledger: validation on append and the consumption rule on removal.
type Service struct {
	repo        RepositoryPort
	items       ItemCatalog
	invalidator SnapshotInvalidator
	metrics     *observability.LedgerMetrics
	logger      *slog.Logger
}

// NewService builds Service. items, invalidator and metrics may be nil.
func NewService(repo RepositoryPort, items ItemCatalog, invalidator SnapshotInvalidator, metrics *observability.LedgerMetrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, items: items, invalidator: invalidator, metrics: metrics, logger: logger}
}

// Reader exposes the committed read side.
func (s *Service) Reader() Reader {
	return s.repo
}

// SetInvalidator wires the snapshot invalidator once the replay engine exists.
func (s *Service) SetInvalidator(inv SnapshotInvalidator) {
	s.invalidator = inv
}

// Query lists one item's transactions between from and to inclusive, in replay order.
func (s *Service) Query(ctx context.Context, itemID int64, from, to time.Time) ([]Transaction, error) {
	if !from.IsZero() && !to.IsZero() && DateOf(from).After(DateOf(to)) {
		return nil, fmt.Errorf("%w: %s after %s", ErrInvalidRange, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return s.repo.Query(ctx, Filter{ItemIDs: []int64{itemID}, From: from, To: to})
}

// Append validates and persists a single transaction.
func (s *Service) Append(ctx context.Context, in Input) (Transaction, error) {
	var stored Transaction
	err := s.Write(ctx, []int64{in.ItemID}, func(ctx context.Context, w *Writer) error {
		var err error
		stored, err = w.Append(ctx, in)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return stored, nil
}

// Write runs fn in one store transaction holding advisory locks on itemIDs.
// Snapshots of every touched item are invalidated from the earliest appended date.
func (s *Service) Write(ctx context.Context, itemIDs []int64, fn func(context.Context, *Writer) error) error {
	var appended []Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.LockItems(ctx, itemIDs); err != nil {
			return err
		}
		w := &Writer{svc: s, tx: tx, locked: toSet(itemIDs)}
		if err := fn(ctx, w); err != nil {
			return err
		}
		appended = w.appended
		return s.invalidate(ctx, earliestByItem(appended))
	})
	if err != nil {
		return err
	}
	for _, t := range appended {
		s.metrics.Appended(string(t.Type), string(t.ReferenceType))
	}
	s.invalidateAfterCommit(ctx, earliestByItem(appended))
	return nil
}

// RemoveLast deletes every transaction of one document. It refuses when a receipt of the
// document created a lot that a transaction outside the document has already drawn from.
func (s *Service) RemoveLast(ctx context.Context, refType ReferenceType, refID string) ([]Transaction, error) {
	if !refType.Valid() || refID == "" {
		return nil, fmt.Errorf("%w: reference %q/%q", ErrInvalidTransaction, refType, refID)
	}
	var removed []Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		rows, err := tx.ListByReference(ctx, refType, refID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: %s %s", ErrDocumentNotFound, refType, refID)
		}
		itemIDs := make([]int64, 0, len(rows))
		for _, r := range rows {
			itemIDs = append(itemIDs, r.ItemID)
		}
		if err := tx.LockItems(ctx, itemIDs); err != nil {
			return err
		}
		// Re-read under the lock so a concurrent append is visible to the check.
		if rows, err = tx.ListByReference(ctx, refType, refID); err != nil {
			return err
		}
		if err := checkUnconsumed(ctx, tx, rows); err != nil {
			return err
		}
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		if err := tx.Delete(ctx, ids); err != nil {
			return err
		}
		removed = rows
		return s.invalidate(ctx, earliestByItem(rows))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Removed(len(removed))
	s.invalidateAfterCommit(ctx, earliestByItem(removed))
	s.logger.InfoContext(ctx, "ledger document removed",
		slog.String("reference_type", string(refType)),
		slog.String("reference_id", refID),
		slog.Int("transactions", len(removed)))
	return removed, nil
}

// checkUnconsumed replays each affected item and fails if a transaction outside the
// document draws from a lot the document created.
func checkUnconsumed(ctx context.Context, tx TxStore, rows []Transaction) error {
	inDoc := make(map[int64]struct{}, len(rows))
	receiptsByItem := make(map[int64]map[int64]struct{})
	for _, r := range rows {
		inDoc[r.ID] = struct{}{}
		if r.Type == TypeReceipt {
			if receiptsByItem[r.ItemID] == nil {
				receiptsByItem[r.ItemID] = make(map[int64]struct{})
			}
			receiptsByItem[r.ItemID][r.ID] = struct{}{}
		}
	}
	for itemID, origins := range receiptsByItem {
		history, err := tx.Query(ctx, Filter{ItemIDs: []int64{itemID}})
		if err != nil {
			return err
		}
		q := fifo.NewQueue()
		for _, h := range history {
			switch h.Type {
			case TypeReceipt:
				if err := q.ReceiveValue(h.Quantity, h.Amount, h.ID); err != nil {
					return fmt.Errorf("ledger: replay item %d at %d: %w", itemID, h.ID, err)
				}
			case TypeIssue:
				res, err := q.Issue(h.Quantity)
				if err != nil {
					return fmt.Errorf("ledger: replay item %d at %d: %w", itemID, h.ID, err)
				}
				if _, own := inDoc[h.ID]; own {
					continue
				}
				for _, draw := range res.Draws {
					if _, ok := origins[draw.OriginID]; ok {
						return fmt.Errorf("%w: lot %d drawn by transaction %d", ErrLotAlreadyConsumed, draw.OriginID, h.ID)
					}
				}
			}
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, from map[int64]time.Time) error {
	if s.invalidator == nil {
		return nil
	}
	for itemID, date := range from {
		if err := s.invalidator.Invalidate(ctx, itemID, date); err != nil {
			return fmt.Errorf("ledger: invalidate snapshots of item %d: %w", itemID, err)
		}
	}
	return nil
}

// invalidateAfterCommit repeats invalidation to drop snapshots built concurrently from pre-commit state.
func (s *Service) invalidateAfterCommit(ctx context.Context, from map[int64]time.Time) {
	if err := s.invalidate(ctx, from); err != nil {
		s.logger.ErrorContext(ctx, "snapshot invalidation after commit failed", slog.Any("error", err))
	}
}

func (s *Service) validate(ctx context.Context, in Input) (Transaction, error) {
	if !in.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidTransaction, in.Type)
	}
	if !in.ReferenceType.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown reference type %q", ErrInvalidTransaction, in.ReferenceType)
	}
	if in.ReferenceID == "" {
		return Transaction{}, fmt.Errorf("%w: reference id required", ErrInvalidTransaction)
	}
	if in.Date.IsZero() {
		return Transaction{}, fmt.Errorf("%w: date required", ErrInvalidTransaction)
	}
	qty := numeric.Qty(in.Quantity)
	if !qty.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: quantity %s must be positive", ErrInvalidTransaction, in.Quantity)
	}
	if in.Rate.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: rate %s must not be negative", ErrInvalidTransaction, in.Rate)
	}
	rate := numeric.Rate(in.Rate)
	amount := numeric.Amount(qty.Mul(in.Rate))
	if in.Amount.Valid {
		if in.Amount.Decimal.IsNegative() {
			return Transaction{}, fmt.Errorf("%w: amount %s must not be negative", ErrInvalidTransaction, in.Amount.Decimal)
		}
		amount = numeric.Amount(in.Amount.Decimal)
	}
	if in.ItemID <= 0 {
		return Transaction{}, fmt.Errorf("%w: item id required", ErrInvalidTransaction)
	}
	if s.items != nil {
		if _, err := s.items.Item(ctx, in.ItemID); err != nil {
			if errors.Is(err, ErrItemNotFound) {
				return Transaction{}, fmt.Errorf("%w: unknown item %d", ErrInvalidTransaction, in.ItemID)
			}
			return Transaction{}, err
		}
	}
	return Transaction{
		Date:          DateOf(in.Date),
		Type:          in.Type,
		ItemID:        in.ItemID,
		Quantity:      qty,
		Rate:          rate,
		Amount:        amount,
		ReferenceType: in.ReferenceType,
		ReferenceID:   in.ReferenceID,
		Remarks:       in.Remarks,
	}, nil
}

// Writer appends within a Service.Write transaction.
type Writer struct {
	svc      *Service
	tx       TxStore
	locked   map[int64]struct{}
	appended []Transaction
}

// Query reads through the open transaction, seeing rows appended so far.
func (w *Writer) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	return w.tx.Query(ctx, filter)
}

// Append validates and stages one transaction. The item must be among those locked by Write.
func (w *Writer) Append(ctx context.Context, in Input) (Transaction, error) {
	t, err := w.svc.validate(ctx, in)
	if err != nil {
		return Transaction{}, err
	}
	if _, ok := w.locked[t.ItemID]; !ok {
		return Transaction{}, fmt.Errorf("ledger: item %d not locked by this write", t.ItemID)
	}
	stored, err := w.tx.Append(ctx, t)
	if err != nil {
		return Transaction{}, err
	}
	w.appended = append(w.appended, stored)
	return stored, nil
}

// Appended returns the transactions staged so far.
func (w *Writer) Appended() []Transaction {
	out := make([]Transaction, len(w.appended))
	copy(out, w.appended)
	return out
}

func earliestByItem(rows []Transaction) map[int64]time.Time {
	out := make(map[int64]time.Time)
	for _, r := range rows {
		if cur, ok := out[r.ItemID]; !ok || r.Date.Before(cur) {
			out[r.ItemID] = r.Date
		}
	}
	return out
}

func toSet(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// Totals sums quantity and amount over rows of one type.
func Totals(rows []Transaction, typ TransactionType) (qty, amount decimal.Decimal) {
	qty, amount = decimal.Zero, decimal.Zero
	for _, r := range rows {
		if r.Type != typ {
			continue
		}
		qty = qty.Add(r.Quantity)
		amount = amount.Add(r.Amount)
	}
	return qty, amount
}
