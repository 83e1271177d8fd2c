// Command reconcile runs a single reconciliation pass and exits, for use
// from an external scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/escrow-settler/internal/app"
	"github.com/richardliu001/escrow-settler/internal/config"
	"github.com/richardliu001/escrow-settler/internal/logger"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	rep, err := a.Sweeper.RunOnce(ctx)
	a.Close()
	code := 0
	switch {
	case err != nil:
		log.Errorf("sweep: %v", err)
		code = 1
	case rep.Errors > 0:
		code = 2
	}
	_ = log.Sync()
	os.Exit(code)
}
