// Package items reads the item master the ledger values.
package items

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forge-erp/forge-erp/internal/ledger"
)

// Repository implements ledger.ItemCatalog over the items table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectItems = `SELECT id, code, name, category, unit, unit_weight::text FROM items`

// Item loads one item.
func (r *Repository) Item(ctx context.Context, id int64) (ledger.Item, error) {
	if r == nil || r.pool == nil {
		return ledger.Item{}, errors.New("items repository not initialised")
	}
	row := r.pool.QueryRow(ctx, selectItems+` WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Item{}, fmt.Errorf("%w: %d", ledger.ErrItemNotFound, id)
	}
	if err != nil {
		return ledger.Item{}, fmt.Errorf("items: get %d: %w", id, err)
	}
	return item, nil
}

// Items lists items matching filter ordered by id.
func (r *Repository) Items(ctx context.Context, filter ledger.ItemFilter) ([]ledger.Item, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("items repository not initialised")
	}
	var (
		where []string
		args  []any
	)
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if len(filter.Categories) > 0 {
		cats := make([]string, 0, len(filter.Categories))
		for _, c := range filter.Categories {
			cats = append(cats, string(c))
		}
		args = append(args, cats)
		where = append(where, fmt.Sprintf("category = ANY($%d)", len(args)))
	}
	sql := selectItems
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY id"

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("items: list: %w", err)
	}
	defer rows.Close()
	var out []ledger.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("items: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (ledger.Item, error) {
	var (
		item     ledger.Item
		category string
		weight   *string
	)
	if err := row.Scan(&item.ID, &item.Code, &item.Name, &category, &item.Unit, &weight); err != nil {
		return ledger.Item{}, err
	}
	item.Category = ledger.Category(category)
	if weight != nil {
		w, err := decimal.NewFromString(*weight)
		if err != nil {
			return ledger.Item{}, fmt.Errorf("unit weight of item %d: %w", item.ID, err)
		}
		item.UnitWeight = w
	}
	return item, nil
}
