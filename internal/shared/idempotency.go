package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict indicates the key was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// DocumentKey derives a stable idempotency key for a posted document.
func DocumentKey(kind, number string) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%s", kind, number))).String()
}

// IdempotencyStore persists claimed keys in idempotency_keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Claim records key for module, failing with ErrIdempotencyConflict if it exists.
func (s *IdempotencyStore) Claim(ctx context.Context, module, key string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := checkKey(module, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIdempotencyConflict
	}
	return err
}

// Release drops a claim, used when processing failed or the document was reversed.
func (s *IdempotencyStore) Release(ctx context.Context, module, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if err := checkKey(module, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module)
	return err
}

// Purge removes claims older than retention and reports how many went.
func (s *IdempotencyStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryIdempotency is an in-process claim set.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryIdempotency constructs an empty claim set.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: map[string]struct{}{}}
}

// Claim implements the same contract as IdempotencyStore.Claim.
func (m *MemoryIdempotency) Claim(_ context.Context, module, key string) error {
	if err := checkKey(module, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := module + "/" + key
	if _, ok := m.keys[k]; ok {
		return ErrIdempotencyConflict
	}
	m.keys[k] = struct{}{}
	return nil
}

// Release implements the same contract as IdempotencyStore.Release.
func (m *MemoryIdempotency) Release(_ context.Context, module, key string) error {
	if err := checkKey(module, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.keys, module+"/"+key)
	m.mu.Unlock()
	return nil
}

func checkKey(module, key string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}
