/**
 * @description
 * Wires the store, ledger, publisher, lock and reconciler from configuration.
 * Both binaries build their dependencies here so the HTTP trigger and the
 * cron trigger always share one Trigger setup.
 */
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostpanel/lifecycle-service/internal/app"
	"github.com/hostpanel/lifecycle-service/internal/config"
	"github.com/hostpanel/lifecycle-service/internal/ledger"
	"github.com/hostpanel/lifecycle-service/internal/lock"
	"github.com/hostpanel/lifecycle-service/internal/store"
	"github.com/hostpanel/lifecycle-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// Components holds everything a binary needs to serve reconciliation.
type Components struct {
	Repository store.Repository
	Ledger     *ledger.Service
	Reconciler *app.Reconciler
	Trigger    *app.Trigger

	closers []func()
}

// Close releases connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Build connects to the configured infrastructure. Outside development every
// configured dependency must be reachable.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	repository, err := c.openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Repository = repository

	publisher, err := c.openPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	locker, err := c.openLocker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	c.Ledger = ledger.NewService(repository, ledger.Options{
		AllowNegativeBalance: cfg.AllowNegativeBalance,
		MaxPostAttempts:      cfg.LedgerMaxPostAttempts,
		RetryBackoff:         cfg.LedgerRetryBackoff,
		Logger:               logger,
	})
	c.Reconciler = app.NewReconciler(repository, c.Ledger, publisher, app.Options{
		BackfillBatchSize:    cfg.BackfillBatchSize,
		BillingBatchSize:     cfg.BillingBatchSize,
		DeleteBatchSize:      cfg.DeleteBatchSize,
		MaxChargesPerServer:  cfg.MaxChargesPerServer,
		GracePeriod:          cfg.GracePeriod,
		ProvisioningExchange: cfg.ProvisioningExchange,
		EventsExchange:       cfg.EventsExchange,
		Logger:               logger,
	})
	c.Trigger = app.NewTrigger(c.Reconciler, locker, cfg.ReconcilePassTimeout, logger)

	ok = true
	return c, nil
}

func (c *Components) openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Repository, error) {
	if cfg.DatabaseURL == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("DATABASE_URL is required outside development")
		}
		logger.Warn("DATABASE_URL not set; using in-memory store (development only)")
		return store.NewMemoryRepository(), nil
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	c.closers = append(c.closers, pool.Close)
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}
	return store.NewPostgresRepository(pool), nil
}

func (c *Components) openPublisher(cfg *config.Config, logger *slog.Logger) (rabbitmq.Publisher, error) {
	if cfg.RabbitMQURL == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("RABBITMQ_URL is required outside development")
		}
		logger.Warn("RABBITMQ_URL not set; deletion commands and events will be dropped (development only)")
		return &rabbitmq.EventProducerFallback{Logger: logger}, nil
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		if cfg.IsDevelopment() {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
			return &rabbitmq.EventProducerFallback{Logger: logger}, nil
		}
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	c.closers = append(c.closers, producer.Close)
	logger.Info("rabbitmq producer connected")
	return producer, nil
}

func (c *Components) openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		logger.Info("REDIS_URL not set; single-flight guard is process-local")
		return lock.NewLocal(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	c.closers = append(c.closers, func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	locker, err := lock.NewRedis(client, cfg.LockKey, cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	logger.Info("redis reconciliation lock enabled", "key", cfg.LockKey, "ttl", cfg.LockTTL)
	return locker, nil
}
