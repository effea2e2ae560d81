// Package lock provides per-item mutual exclusion for ledger writers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/forge-erp/forge-erp/internal/shared"
)

// ErrBusy is returned when an item lock could not be obtained before the wait expired.
var ErrBusy = errors.New("lock: item busy")

// Release frees every lock taken by one Acquire call.
type Release func(ctx context.Context)

// Redis locks items across processes with bsm/redislock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedis builds a Redis locker. ttl bounds how long a crashed holder blocks others;
// wait bounds how long Acquire retries.
func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Redis{client: redislock.New(client), ttl: ttl, wait: wait}
}

// Acquire takes the locks of itemIDs in ascending order.
func (r *Redis) Acquire(ctx context.Context, itemIDs []int64) (Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond)}

	held := make([]*redislock.Lock, 0, len(itemIDs))
	release := func(ctx context.Context) {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(ctx)
		}
	}
	for _, id := range sortedUnique(itemIDs) {
		l, err := r.client.Obtain(waitCtx, shared.ItemLockKey(id), r.ttl, opts)
		if err != nil {
			release(context.WithoutCancel(ctx))
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: item %d", ErrBusy, id)
			}
			return nil, fmt.Errorf("lock: obtain item %d: %w", id, err)
		}
		held = append(held, l)
	}
	return release, nil
}

// Local locks items within one process.
type Local struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

// NewLocal builds an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[int64]chan struct{})}
}

func (l *Local) slot(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

// Acquire takes the locks of itemIDs in ascending order, honouring ctx while waiting.
func (l *Local) Acquire(ctx context.Context, itemIDs []int64) (Release, error) {
	held := make([]chan struct{}, 0, len(itemIDs))
	release := func(context.Context) {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range sortedUnique(itemIDs) {
		ch := l.slot(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release(ctx)
			return nil, fmt.Errorf("%w: item %d: %v", ErrBusy, id, ctx.Err())
		}
	}
	return release, nil
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
