package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/platform/db"
)

// Reader is the read side of the store; replay and reports depend only on this.
type Reader interface {
	Query(ctx context.Context, filter Filter) ([]Transaction, error)
}

// TxStore exposes the operations available inside a write transaction.
type TxStore interface {
	Reader
	Append(ctx context.Context, tx Transaction) (Transaction, error)
	ListByReference(ctx context.Context, refType ReferenceType, refID string) ([]Transaction, error)
	Delete(ctx context.Context, ids []int64) error
	LockItems(ctx context.Context, itemIDs []int64) error
}

// RepositoryPort abstracts persistence for Service.
type RepositoryPort interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// Repository persists stock transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction. Writers serialise on advisory
// locks, so each statement after LockItems sees every earlier writer's commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Query lists transactions in replay order.
func (r *Repository) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	sql, args := buildQuery(filter)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return scanTransactions(rows)
}

func (r *txRepository) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	sql, args := buildQuery(filter)
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return scanTransactions(rows)
}

func (r *txRepository) Append(ctx context.Context, t Transaction) (Transaction, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (txn_date, txn_type, item_id, quantity, rate, amount, reference_type, reference_id, remarks, created_at)
VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7,$8,$9,NOW()) RETURNING id, created_at`,
		t.Date, string(t.Type), t.ItemID, t.Quantity.String(), t.Rate.String(), t.Amount.String(),
		string(t.ReferenceType), t.ReferenceID, t.Remarks).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: insert: %w", err)
	}
	return t, nil
}

func (r *txRepository) ListByReference(ctx context.Context, refType ReferenceType, refID string) ([]Transaction, error) {
	rows, err := r.tx.Query(ctx, selectColumns+`
WHERE reference_type IN ($1, $2) AND reference_id = $3
ORDER BY txn_date ASC, id ASC`, string(refType), string(refType.Output()), refID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by reference: %w", err)
	}
	return scanTransactions(rows)
}

func (r *txRepository) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_transactions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("ledger: delete: %w", err)
	}
	return nil
}

// LockItems takes transaction-scoped advisory locks in ascending item order.
func (r *txRepository) LockItems(ctx context.Context, itemIDs []int64) error {
	for _, id := range sortedUnique(itemIDs) {
		if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
			return fmt.Errorf("ledger: lock item %d: %w", id, err)
		}
	}
	return nil
}

const selectColumns = `SELECT id, txn_date, txn_type, item_id, quantity::text, rate::text, amount::text, reference_type, reference_id, remarks, created_at
FROM stock_transactions`

func buildQuery(filter Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectColumns)
	sb.WriteString("\nWHERE 1=1")
	args := []any{}
	if len(filter.ItemIDs) > 0 {
		args = append(args, filter.ItemIDs)
		sb.WriteString(" AND item_id = ANY($" + strconv.Itoa(len(args)) + ")")
	}
	if !filter.From.IsZero() {
		args = append(args, DateOf(filter.From))
		sb.WriteString(" AND txn_date >= $" + strconv.Itoa(len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, DateOf(filter.To))
		sb.WriteString(" AND txn_date <= $" + strconv.Itoa(len(args)))
	}
	sb.WriteString("\nORDER BY txn_date ASC, id ASC")
	return sb.String(), args
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		var (
			t                 Transaction
			txType, refType   string
			qty, rate, amount string
			date, createdAt   time.Time
		)
		if err := rows.Scan(&t.ID, &date, &txType, &t.ItemID, &qty, &rate, &amount, &refType, &t.ReferenceID, &t.Remarks, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		var err error
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("ledger: parse quantity of %d: %w", t.ID, err)
		}
		if t.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("ledger: parse rate of %d: %w", t.ID, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse amount of %d: %w", t.ID, err)
		}
		t.Date = DateOf(date)
		t.Type = TransactionType(txType)
		t.ReferenceType = ReferenceType(refType)
		t.CreatedAt = createdAt
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
