package main

import (
	"context"
	"fmt"
	"io"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-txflow/v1/config"
	"github.com/mirkobrombin/go-txflow/v1/engine"
	"github.com/mirkobrombin/go-txflow/v1/lock"
	"github.com/mirkobrombin/go-txflow/v1/metrics"
	"github.com/mirkobrombin/go-txflow/v1/queue"
	"github.com/mirkobrombin/go-txflow/v1/resilience"
	"github.com/mirkobrombin/go-txflow/v1/store"
	"github.com/mirkobrombin/go-txflow/v1/syncbus"
	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// app holds the wired components and the resources to release on exit.
type app struct {
	locks    *lock.Coordinator
	store    store.Store
	service  *engine.Service
	redriver *engine.Redriver
	closers  []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// connections opens shared clients on first use.
type connections struct {
	cfg   config.Config
	app   *app
	redis *redis.Client
	nats  *nats.Conn
}

func (c *connections) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", c.cfg.RedisAddr, err)
	}
	c.redis = client
	c.app.closers = append(c.app.closers, client)
	return client, nil
}

func (c *connections) natsConn() (*nats.Conn, error) {
	if c.nats != nil {
		return c.nats, nil
	}
	conn, err := nats.Connect(c.cfg.NATSURL, nats.Name("txflow"))
	if err != nil {
		return nil, fmt.Errorf("nats %s: %w", c.cfg.NATSURL, err)
	}
	c.nats = conn
	c.app.closers = append(c.app.closers, closerFunc(func() error { conn.Close(); return nil }))
	return conn, nil
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, rec *metrics.Recorder, applier engine.Applier) (*app, error) {
	a := &app{}
	conns := &connections{cfg: cfg, app: a}

	backend, err := buildLock(ctx, cfg, conns, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.locks = lock.NewCoordinator(backend,
		lock.WithLogger(logger.Named("lock")),
		lock.WithDefaults(cfg.LockWait, cfg.LockLease))

	a.store, err = buildStore(ctx, cfg, conns, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	q, err := buildQueue(ctx, cfg, conns, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	eng := engine.New(a.locks, a.store, applier,
		engine.WithLogger(logger.Named("engine")),
		engine.WithRecorder(rec),
		engine.WithLockTimeouts(cfg.LockWait, cfg.LockLease),
		engine.WithLargeAmount(cfg.LargeAmount))
	policy := resilience.New(cfg.Resilience,
		resilience.WithQueue(q),
		resilience.WithRecorder(rec),
		resilience.WithLogger(logger.Named("resilience")))
	a.service = engine.NewService(eng, policy,
		engine.WithBatchConcurrency(cfg.BatchConcurrency),
		engine.WithServiceLogger(logger.Named("service")))
	a.redriver = engine.NewRedriver(a.service, a.store,
		engine.WithInterval(cfg.RedriveInterval),
		engine.WithMaxRetries(cfg.MaxRetries),
		engine.WithRedriverLogger(logger.Named("redriver")))
	return a, nil
}

func buildLock(ctx context.Context, cfg config.Config, conns *connections, logger *zap.Logger) (lock.Backend, error) {
	l := logger.Named("lock")
	switch cfg.LockBackend {
	case "redis":
		client, err := conns.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		bus, err := buildBus(ctx, cfg, conns)
		if err != nil {
			return nil, err
		}
		return lock.NewRedis(client, lock.WithBus(bus), lock.WithRedisLogger(l)), nil
	case "redsync":
		client, err := conns.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return lock.NewRedsync(l, client), nil
	}
	return lock.NewInMemory(l), nil
}

func buildBus(ctx context.Context, cfg config.Config, conns *connections) (syncbus.Bus, error) {
	switch cfg.BusBackend {
	case "redis":
		client, err := conns.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return syncbus.NewRedisBus(client), nil
	case "nats":
		conn, err := conns.natsConn()
		if err != nil {
			return nil, err
		}
		return syncbus.NewNATSBus(conn), nil
	}
	return syncbus.NewInMemoryBus(), nil
}

func buildStore(ctx context.Context, cfg config.Config, conns *connections, a *app) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreBackend {
	case "redis":
		client, cerr := conns.redisClient(ctx)
		if cerr != nil {
			return nil, cerr
		}
		st = store.NewRedis(client)
	case "postgres", "sqlite":
		dialector := sqlite.Open(cfg.SQLitePath)
		if cfg.StoreBackend == "postgres" {
			dialector = postgres.Open(cfg.PostgresDSN)
		}
		db, oerr := gorm.Open(dialector, &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if oerr != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.StoreBackend, oerr)
		}
		if sqlDB, derr := db.DB(); derr == nil {
			a.closers = append(a.closers, sqlDB)
		}
		st, err = store.NewGorm(db)
		if err != nil {
			return nil, err
		}
	default:
		st = store.NewInMemory()
	}
	if !cfg.StoreCache {
		return st, nil
	}
	cached, err := store.NewCached(st)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closerFunc(func() error { cached.Close(); return nil }))
	return cached, nil
}

func buildQueue(ctx context.Context, cfg config.Config, conns *connections, a *app) (queue.RetryQueue, error) {
	switch cfg.QueueBackend {
	case "redis":
		client, err := conns.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewRedis(client, queue.WithList(cfg.QueueTopic)), nil
	case "nats":
		conn, err := conns.natsConn()
		if err != nil {
			return nil, err
		}
		return queue.NewNATS(conn, queue.WithSubject(cfg.QueueTopic)), nil
	case "kafka":
		k, err := queue.NewKafkaFromBrokers(cfg.KafkaBrokers, nil, cfg.QueueTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka %v: %w", cfg.KafkaBrokers, err)
		}
		a.closers = append(a.closers, k)
		return k, nil
	}
	return queue.NewInMemory(), nil
}

// ledgerApplier stands in for the accounting system, which is deployed
// separately; it records the transfer in the log and returns.
func ledgerApplier(logger *zap.Logger) engine.Applier {
	return engine.ApplierFunc(func(ctx context.Context, tx txn.Transaction) error {
		logger.Debug("applying transaction",
			zap.String("transaction_id", tx.ID),
			zap.String("from", tx.AccountFrom),
			zap.String("to", tx.AccountTo),
			zap.String("amount", tx.Amount.String()),
			zap.String("currency", tx.Currency))
		return ctx.Err()
	})
}
