package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-erp/forge-erp/internal/fifo"
)

var (
	// ErrSnapshotsDisabled is returned by BuildSnapshot when no store is configured.
	ErrSnapshotsDisabled = errors.New("replay: snapshots disabled")
	// ErrSnapshotStale is returned by Save when the item was invalidated after the replay began.
	ErrSnapshotStale = errors.New("replay: snapshot invalidated while building")
)

// Snapshot is the serialised queue of one item after every transaction dated on or before AsOf.
type Snapshot struct {
	ItemID   int64      `json:"item_id"`
	AsOf     time.Time  `json:"as_of"`
	LastTxID int64      `json:"last_tx_id"`
	Lots     []fifo.Lot `json:"lots"`
}

// SnapshotStore persists snapshots per item. Every invalidation bumps the item's generation;
// Save only succeeds while the generation still equals the one read before the replay.
type SnapshotStore interface {
	// Latest returns the newest snapshot dated on or before cutoff. A zero cutoff means no bound.
	Latest(ctx context.Context, itemID int64, cutoff time.Time) (Snapshot, bool, error)
	Generation(ctx context.Context, itemID int64) (int64, error)
	Save(ctx context.Context, snap Snapshot, generation int64) error
	InvalidateFrom(ctx context.Context, itemID int64, from time.Time) error
}

const (
	snapshotKeyPrefix   = "ledger:snapshot:"
	generationKeyPrefix = "ledger:snapshot:gen:"
)

// RedisSnapshotStore keeps one sorted set per item scored by snapshot date.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotStore builds the store. ttl <= 0 keeps snapshots until invalidated.
func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(itemID int64) string {
	return snapshotKeyPrefix + strconv.FormatInt(itemID, 10)
}

func generationKey(itemID int64) string {
	return generationKeyPrefix + strconv.FormatInt(itemID, 10)
}

func score(t time.Time) float64 {
	return float64(t.Unix())
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Latest implements SnapshotStore.
func (s *RedisSnapshotStore) Latest(ctx context.Context, itemID int64, cutoff time.Time) (Snapshot, bool, error) {
	max := "+inf"
	if !cutoff.IsZero() {
		max = scoreString(cutoff)
	}
	members, err := s.client.ZRevRangeByScore(ctx, snapshotKey(itemID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: 1,
	}).Result()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(members) == 0 {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot for item %d: %w", itemID, err)
	}
	return snap, true, nil
}

// Generation implements SnapshotStore. An item never invalidated is at generation 0.
func (s *RedisSnapshotStore) Generation(ctx context.Context, itemID int64) (int64, error) {
	gen, err := s.client.Get(ctx, generationKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Save replaces any snapshot of the same item and date. It fails with ErrSnapshotStale when
// the item's generation moved past generation, leaving the stored snapshots untouched.
func (s *RedisSnapshotStore) Save(ctx context.Context, snap Snapshot, generation int64) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := snapshotKey(snap.ItemID)
	genKey := generationKey(snap.ItemID)
	at := scoreString(snap.AsOf)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return ErrSnapshotStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, at, at)
			pipe.ZAdd(ctx, key, redis.Z{Score: score(snap.AsOf), Member: string(raw)})
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrSnapshotStale
	}
	return err
}

// InvalidateFrom implements SnapshotStore.
func (s *RedisSnapshotStore) InvalidateFrom(ctx context.Context, itemID int64, from time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, generationKey(itemID))
	pipe.ZRemRangeByScore(ctx, snapshotKey(itemID), scoreString(from), "+inf")
	_, err := pipe.Exec(ctx)
	return err
}
