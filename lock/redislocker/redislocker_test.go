package redislocker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

func newTestLocker(t *testing.T, cfg Config) *Locker {
	t.Helper()
	addr := os.Getenv("STOCKLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKLEDGER_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return New(rdb, cfg, zerolog.Nop())
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	l := newTestLocker(t, Config{Wait: 100 * time.Millisecond, TTL: 5 * time.Second, Retry: 10 * time.Millisecond})
	ctx := context.Background()
	name := "stock:test/" + uuid.NewString()

	unlock, err := l.Lock(ctx, name)
	require.NoError(t, err)

	_, err = l.Lock(ctx, name)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)

	unlock()
	again, err := l.Lock(ctx, name)
	require.NoError(t, err)
	again()
}

func TestLocker_CanceledContext(t *testing.T) {
	l := newTestLocker(t, Config{Wait: time.Second})
	name := "stock:test/" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), name)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, name)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocker_RefreshedWhileHeld(t *testing.T) {
	// GIVEN: A lock with a short TTL
	// WHEN: It is held for several TTLs
	// THEN: Another holder still cannot obtain it until it is released

	l := newTestLocker(t, Config{Wait: 50 * time.Millisecond, TTL: 200 * time.Millisecond, Retry: 10 * time.Millisecond})
	ctx := context.Background()
	name := "stock:test/" + uuid.NewString()

	unlock, err := l.Lock(ctx, name)
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	_, err = l.Lock(ctx, name)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)

	unlock()
	again, err := l.Lock(ctx, name)
	require.NoError(t, err)
	again()
}
