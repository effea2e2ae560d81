package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisAcquireBlocksOverlappingItems(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedis(client, time.Minute, 200*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, []int64{3, 1, 3})
	require.NoError(t, err)
	require.True(t, mr.Exists("ledger:item:1:lock"))
	require.True(t, mr.Exists("ledger:item:3:lock"))

	_, err = locker.Acquire(ctx, []int64{2, 3})
	require.ErrorIs(t, err, ErrBusy)
	require.False(t, mr.Exists("ledger:item:2:lock"), "partial locks must be released")

	release(ctx)
	release2, err := locker.Acquire(ctx, []int64{2, 3})
	require.NoError(t, err)
	release2(ctx)
}

func TestLocalSerialisesWriters(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, []int64{5, 9})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release(ctx)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestLocalHonoursContext(t *testing.T) {
	locker := NewLocal()
	release, err := locker.Acquire(context.Background(), []int64{1})
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, []int64{1})
	require.ErrorIs(t, err, ErrBusy)
}
