package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/escrow-settler/internal/app"
	"github.com/richardliu001/escrow-settler/internal/config"
	"github.com/richardliu001/escrow-settler/internal/logger"
	"github.com/richardliu001/escrow-settler/internal/sweep"
	httptransport "github.com/richardliu001/escrow-settler/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres, redis, kafka, sweep
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	// 4. scheduler
	sched := sweep.NewScheduler(a.Sweeper, cfg.Sweep.Interval, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	// 5. admin api
	api := httptransport.NewAPI(a.Sweeper, a.Repo, a.Ledger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httptransport.NewRouter(api, cfg.RateLimit, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("escrow-settler listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
}
