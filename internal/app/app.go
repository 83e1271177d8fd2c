// Package app assembles the settler's components from config.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/escrow-settler/internal/config"
	"github.com/richardliu001/escrow-settler/internal/inventory"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/richardliu001/escrow-settler/internal/notify"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/richardliu001/escrow-settler/internal/service"
	"github.com/richardliu001/escrow-settler/internal/settlement"
	"github.com/richardliu001/escrow-settler/internal/sweep"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// App holds every long-lived client. Close releases them.
type App struct {
	Config  *config.Config
	Log     *zap.SugaredLogger
	DB      *gorm.DB
	Redis   *redis.Client
	Kafka   *kafka.Writer
	Repo    *repo.Repository
	Ledger  *service.LedgerService
	Sweeper *sweep.Sweeper
}

// New connects postgres and redis, migrates, and wires the sweep.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewLedgerService(repository, log)

	client := inventory.NewClient(inventory.ClientConfig{
		BaseURL:   cfg.Inventory.BaseURL,
		ContextID: cfg.Inventory.ContextID,
		APIKey:    cfg.Inventory.APIKey,
		RPS:       cfg.Inventory.RPS,
		Burst:     cfg.Inventory.Burst,
	}, &http.Client{Transport: inventoryTransport(cfg.Sweep.Concurrency)})
	verifier := inventory.NewVerifier(client, cfg.Inventory.Timeout)
	resolver := settlement.NewResolver(settlement.Policy{
		MaxAttempts:    cfg.Sweep.MaxAttempts,
		OperatorUserID: cfg.Sweep.OperatorUserID,
	})

	sw := sweep.New(repository, ledger, verifier, resolver,
		notify.NewOutboxNotifier(repository), repo.NewRedisLocker(rdb),
		sweep.Config{
			BatchLimit:  cfg.Sweep.BatchLimit,
			Concurrency: cfg.Sweep.Concurrency,
			LockTTL:     cfg.Sweep.LockTTL,
		}, log)

	return &App{
		Config: cfg, Log: log, DB: gdb, Redis: rdb, Kafka: kw,
		Repo: repository, Ledger: ledger, Sweeper: sw,
	}, nil
}

func inventoryTransport(conns int) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = conns
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// Close releases clients. Errors are logged.
func (a *App) Close() {
	if err := a.Kafka.Close(); err != nil {
		a.Log.Warnw("close kafka writer", "err", err)
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warnw("close redis", "err", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
