package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testKey = urlkey.Key{Base: "example.com/path", Variant: urlkey.Basic}

type backend struct {
	name    string
	manager Manager
	advance func(time.Duration)
}

func backends(t *testing.T, ttl time.Duration) []backend {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return []backend{
		{"memory", NewInMemory(WithTTL(ttl), WithShards(4), WithClock(clock.Now)), clock.Advance},
		{"redis", NewRedis(client, WithTTL(ttl), WithPrefix("test")), mr.FastForward},
	}
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t, time.Minute) {
		t.Run(b.name, func(t *testing.T) {
			l, err := b.manager.Acquire(ctx, testKey)
			require.NoError(t, err)
			assert.NotEmpty(t, l.HolderID)
			assert.Equal(t, testKey, l.Key)

			_, err = b.manager.Acquire(ctx, testKey)
			assert.True(t, errors.Is(err, ErrBusy))

			other := urlkey.Key{Base: testKey.Base, Variant: urlkey.Deep}
			l2, err := b.manager.Acquire(ctx, other)
			require.NoError(t, err)

			require.NoError(t, b.manager.Release(ctx, l))
			require.NoError(t, b.manager.Release(ctx, l))
			require.NoError(t, b.manager.Release(ctx, nil))

			l3, err := b.manager.Acquire(ctx, testKey)
			require.NoError(t, err)
			assert.NotEqual(t, l.HolderID, l3.HolderID)
			require.NoError(t, b.manager.Release(ctx, l3))
			require.NoError(t, b.manager.Release(ctx, l2))
		})
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t, time.Minute) {
		t.Run(b.name, func(t *testing.T) {
			stale, err := b.manager.Acquire(ctx, testKey)
			require.NoError(t, err)

			b.advance(time.Minute + time.Second)

			fresh, err := b.manager.Acquire(ctx, testKey)
			require.NoError(t, err)

			// the stale holder must not release the new holder's lease
			require.NoError(t, b.manager.Release(ctx, stale))
			_, err = b.manager.Acquire(ctx, testKey)
			assert.True(t, errors.Is(err, ErrBusy))

			require.NoError(t, b.manager.Release(ctx, fresh))
		})
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t, time.Minute) {
		t.Run(b.name, func(t *testing.T) {
			var wins, busy int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := b.manager.Acquire(ctx, testKey)
					if err == nil {
						atomic.AddInt32(&wins, 1)
					} else if errors.Is(err, ErrBusy) {
						atomic.AddInt32(&busy, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
			assert.Equal(t, int32(49), busy)
		})
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	l := newLease(testKey, now, time.Second)
	assert.False(t, l.Expired(now))
	assert.True(t, l.Expired(now.Add(time.Second)))
}

func TestAbandonedLeasesArePruned(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewInMemory(WithTTL(time.Minute), WithShards(1), WithClock(clock.Now)).(*memoryManager)

	for _, base := range []string{"a.com", "b.com", "c.com"} {
		_, err := m.Acquire(ctx, urlkey.Key{Base: base, Variant: urlkey.Basic})
		require.NoError(t, err)
	}
	assert.Len(t, m.shards[0].held, 3)

	clock.Advance(2 * time.Minute)
	l, err := m.Acquire(ctx, urlkey.Key{Base: "d.com", Variant: urlkey.Basic})
	require.NoError(t, err)
	assert.Len(t, m.shards[0].held, 1)
	assert.Contains(t, m.shards[0].held, l.Key.String())
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInMemory().Acquire(ctx, testKey)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	m := NewRedis(client)
	mr.Close()

	_, err := m.Acquire(context.Background(), testKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.False(t, errors.Is(err, ErrBusy))
}
