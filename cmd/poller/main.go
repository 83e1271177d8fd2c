package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/escrow-settler/internal/config"
	"github.com/richardliu001/escrow-settler/internal/logger"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const batchSize = 100

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer kw.Close()

	r := repo.NewRepository(gdb, nil, kw, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("outbox-poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("outbox-poller stopped")
			return
		case <-ticker.C:
			relay(ctx, r, log)
		}
	}
}

// relay publishes one batch. An event that fails to publish stays
// unprocessed and is retried on the next tick.
func relay(ctx context.Context, r *repo.Repository, log *zap.SugaredLogger) {
	events, err := r.PollOutbox(ctx, batchSize)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := r.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish id=%d: %v", evt.ID, err)
			continue
		}
		if err := r.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", evt.ID, err)
		} else {
			log.Debugf("event %d (%s) sent", evt.ID, evt.EventType)
		}
	}
}
