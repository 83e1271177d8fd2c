package sweep

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) (Report, error)
}

// Scheduler triggers passes on a cron spec. A pass still running when the
// next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	spec   string
	log    *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler for spec, e.g. "@every 30m".
func NewScheduler(r Runner, spec string, log *zap.SugaredLogger) *Scheduler {
	cl := cronLogger{log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, runner: r, spec: spec, log: log}
}

// Start registers the job and starts ticking. Passes see a context derived
// from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.cron.Start()
	s.log.Infow("sweep scheduler started", "spec", s.spec)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunOnce(ctx); err != nil {
		s.log.Errorw("sweep failed", "err", err)
	}
}

// Stop cancels the running pass (in-flight transactions still finish) and
// waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.log.Info("sweep scheduler stopped")
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "err", err)...)
}
