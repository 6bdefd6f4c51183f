package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()

	var (
		inside  int32
		maxSeen int32
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), InvoiceKey("inv_1"))
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			counter++
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	assert.Zero(t, l.Held(), "slots are dropped once released")
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, l.Held())
}

func TestLocal_TryLock(t *testing.T) {
	l := NewLocal()
	unlock, ok := l.TryLock("k")
	require.True(t, ok)

	_, ok = l.TryLock("k")
	assert.False(t, ok)

	unlock()
	unlock2, ok := l.TryLock("k")
	assert.True(t, ok)
	unlock2()
}

func setupRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, "dunning", WithRetryWait(time.Millisecond)), mr
}

func TestRedis_MutualExclusion(t *testing.T) {
	l, _ := setupRedisLocker(t)
	exerciseMutualExclusion(t, l)
}

func TestRedis_ReleaseDeletesKey(t *testing.T) {
	l, mr := setupRedisLocker(t)

	unlock, err := l.Lock(context.Background(), SubscriptionKey("sub_1"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("dunning:lock:subscription:sub_1"))

	unlock()
	assert.False(t, mr.Exists("dunning:lock:subscription:sub_1"))
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	l, mr := setupRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	// lock expired and was taken by another instance
	require.NoError(t, mr.Set("dunning:lock:k", "someone-else"))
	unlock()

	got, err := mr.Get("dunning:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_ContextCancelled(t *testing.T) {
	l, _ := setupRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedis_TTLApplied(t *testing.T) {
	l, mr := setupRedisLocker(t)
	l.ttl = 2 * time.Second

	_, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)
	assert.False(t, mr.Exists("dunning:lock:k"), "abandoned lock expires")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "invoice:inv_1", InvoiceKey("inv_1"))
	assert.Equal(t, "subscriber:cust_1", SubscriberKey("cust_1"))
}
