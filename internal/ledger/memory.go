package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RepositoryPort. It backs tests and offline verification of exported ledgers.
type MemoryStore struct {
	mu     sync.Mutex
	rows   []Transaction
	nextID int64
	now    func() time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Load replaces the contents with rows, keeping their IDs.
func (m *MemoryStore) Load(rows []Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append([]Transaction(nil), rows...)
	m.nextID = 0
	for _, r := range rows {
		if r.ID > m.nextID {
			m.nextID = r.ID
		}
	}
}

// Query implements Reader.
func (m *MemoryStore) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query(filter), nil
}

// WithTx runs fn against a staged copy and publishes it only when fn succeeds.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := &memoryTx{store: m, rows: append([]Transaction(nil), m.rows...), nextID: m.nextID}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	m.rows = staged.rows
	m.nextID = staged.nextID
	return nil
}

func (m *MemoryStore) query(filter Filter) []Transaction {
	return filterRows(m.rows, filter)
}

func filterRows(rows []Transaction, filter Filter) []Transaction {
	items := make(map[int64]struct{}, len(filter.ItemIDs))
	for _, id := range filter.ItemIDs {
		items[id] = struct{}{}
	}
	out := []Transaction{}
	for _, r := range rows {
		if len(items) > 0 {
			if _, ok := items[r.ItemID]; !ok {
				continue
			}
		}
		if !filter.From.IsZero() && r.Date.Before(DateOf(filter.From)) {
			continue
		}
		if !filter.To.IsZero() && r.Date.After(DateOf(filter.To)) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type memoryTx struct {
	store  *MemoryStore
	rows   []Transaction
	nextID int64
}

func (t *memoryTx) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	return filterRows(t.rows, filter), nil
}

func (t *memoryTx) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	t.nextID++
	tx.ID = t.nextID
	tx.CreatedAt = t.store.now()
	t.rows = append(t.rows, tx)
	return tx, nil
}

func (t *memoryTx) ListByReference(ctx context.Context, refType ReferenceType, refID string) ([]Transaction, error) {
	out := []Transaction{}
	for _, r := range t.rows {
		if r.ReferenceID != refID {
			continue
		}
		if r.ReferenceType == refType || r.ReferenceType == refType.Output() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (t *memoryTx) Delete(ctx context.Context, ids []int64) error {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := t.rows[:0:0]
	for _, r := range t.rows {
		if _, ok := drop[r.ID]; ok {
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return nil
}

// LockItems is a no-op: WithTx already holds the store mutex.
func (t *memoryTx) LockItems(ctx context.Context, itemIDs []int64) error {
	return nil
}

// MemoryCatalog is a fixed ItemCatalog.
type MemoryCatalog struct {
	items map[int64]Item
}

// NewMemoryCatalog builds a catalog from items.
func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[int64]Item, len(items))}
	for _, it := range items {
		c.items[it.ID] = it
	}
	return c
}

// Item implements ItemCatalog.
func (c *MemoryCatalog) Item(ctx context.Context, id int64) (Item, error) {
	it, ok := c.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return it, nil
}

// Items implements ItemCatalog, ordered by ID.
func (c *MemoryCatalog) Items(ctx context.Context, filter ItemFilter) ([]Item, error) {
	ids := make(map[int64]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		ids[id] = struct{}{}
	}
	cats := make(map[Category]struct{}, len(filter.Categories))
	for _, cat := range filter.Categories {
		cats[cat] = struct{}{}
	}
	out := []Item{}
	for _, it := range c.items {
		if len(ids) > 0 {
			if _, ok := ids[it.ID]; !ok {
				continue
			}
		}
		if len(cats) > 0 {
			if _, ok := cats[it.Category]; !ok {
				continue
			}
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
