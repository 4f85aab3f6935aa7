// Package redislocker implements ledger.Locker on Redis so that several
// server processes sharing one database serialize on the same keys.
package redislocker

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

var _ ledger.Locker = (*Locker)(nil)

// Locker obtains one Redis lock per key name.
type Locker struct {
	client *redislock.Client
	wait   time.Duration
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

type Config struct {
	// Wait bounds how long Lock retries before ErrLockTimeout.
	Wait time.Duration
	// TTL is how long Redis keeps a lock whose holder stopped refreshing it.
	// Held locks are refreshed every TTL/2 until released.
	TTL time.Duration
	// Retry is the pause between attempts.
	Retry time.Duration
}

func New(rdb redis.UniversalClient, cfg Config, log zerolog.Logger) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	return &Locker{client: redislock.New(rdb), wait: cfg.Wait, ttl: cfg.TTL, retry: cfg.Retry, log: log}
}

func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	obtainCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	lock, err := l.client.Obtain(obtainCtx, name, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, redislock.ErrNotObtained), errors.Is(err, context.DeadlineExceeded):
		return nil, ledger.ErrLockTimeout
	default:
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, name, stop, done)

	return func() {
		close(stop)
		<-done
		// The caller's context may already be done; the release must still go out.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn().Err(err).Str("lock", name).Msg("release lock")
		}
	}, nil
}

// keepAlive extends the lock's TTL until stop is closed. A lost lock is
// logged; the holder's unit of work is no longer exclusive from then on.
func (l *Locker) keepAlive(lock *redislock.Lock, name string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
				l.log.Error().Err(err).Str("lock", name).Msg("refresh lock")
				return
			}
		}
	}
}
