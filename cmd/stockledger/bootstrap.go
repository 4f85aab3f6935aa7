package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	memstore "github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/lock/redislocker"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/ota"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

// app is everything a command needs, built from the configuration.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	engine *ledger.Engine
	ota    *ota.Assembler

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func bootstrap(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg: cfg,
		log: logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel}),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = ledger.NewEngine(store, cfg.LedgerPolicy(),
		ledger.WithLocker(locker),
		ledger.WithLogger(a.log.With().Str("component", "ledger").Logger()),
	)
	a.ota = ota.NewAssembler(a.engine, cfg.OTA())
	return a, nil
}

func (a *app) openStore(ctx context.Context) (ledger.Store, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case "memory":
		a.log.Warn().Msg("using in-memory store; data is lost on exit")
		return memstore.NewMemory(), nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, sc.DatabaseURL, postgres.PoolConfig{MaxConns: int32(sc.MaxConns)})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		s, err := postgres.New(ctx, pool)
		if err != nil {
			return nil, err
		}
		a.log.Info().Msg("postgres store opened")
		return s, nil
	default:
		if sc.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.log.Info().Str("path", sc.SQLitePath).Msg("sqlite store opened")
		return s, nil
	}
}

func (a *app) openLocker(ctx context.Context) (ledger.Locker, error) {
	lc := a.cfg.Lock
	if lc.Driver != "redis" {
		return ledger.NewKeyedMutex(lc.Wait), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", lc.RedisAddr, err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.log.Info().Str("addr", lc.RedisAddr).Msg("redis locker connected")
	return redislocker.New(rdb, redislocker.Config{Wait: lc.Wait, TTL: lc.TTL},
		a.log.With().Str("component", "redislocker").Logger()), nil
}
