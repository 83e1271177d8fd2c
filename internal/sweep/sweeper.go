// Package sweep runs reconciliation passes over due escrow transactions.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/richardliu001/escrow-settler/internal/inventory"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/richardliu001/escrow-settler/internal/notify"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/richardliu001/escrow-settler/internal/service"
	"github.com/richardliu001/escrow-settler/internal/settlement"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Verifier checks delivery of one asset.
type Verifier interface {
	Verify(ctx context.Context, steamID string, appID int, assetID string) inventory.Outcome
}

// Locker serializes work on one transaction across settler instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Config tunes one pass.
type Config struct {
	// BatchLimit is the page size of the due-transaction query; zero loads all at once.
	BatchLimit  int
	Concurrency int
	LockTTL     time.Duration
}

// Report summarizes one pass.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Selected  int           `json:"selected"`
	Released  int           `json:"released"`
	Refunded  int           `json:"refunded"`
	Retried   int           `json:"retried"`
	Escalated int           `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Deferred  int           `json:"deferred"`
	Errors    int           `json:"errors"`
}

func (r *Report) add(k settlement.Kind, err error) {
	if err != nil {
		r.Errors++
		return
	}
	switch k {
	case settlement.Release:
		r.Released++
	case settlement.Refund:
		r.Refunded++
	case settlement.RecordFailureAndRetry:
		r.Retried++
	case settlement.EscalateStuck:
		r.Escalated++
	default:
		r.Skipped++
	}
}

// Sweeper wires verifier, resolver, ledger and notifier together.
type Sweeper struct {
	repo     repo.RepositoryInterface
	ledger   *service.LedgerService
	verifier Verifier
	resolver *settlement.Resolver
	notifier notify.Notifier
	locker   Locker
	cfg      Config
	log      *zap.SugaredLogger
	nowFn    func() time.Time
}

// New returns a Sweeper. locker may be nil when a single instance runs.
func New(r repo.RepositoryInterface, ledger *service.LedgerService, v Verifier, res *settlement.Resolver,
	n notify.Notifier, locker Locker, cfg Config, log *zap.SugaredLogger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Sweeper{
		repo: r, ledger: ledger, verifier: v, resolver: res, notifier: n, locker: locker,
		cfg: cfg, log: log, nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one reconciliation pass over every due transaction,
// fetched in pages of BatchLimit. Each transaction is independent; its
// failure is logged and counted, never returned. Cancelling ctx stops new
// transactions from starting while in-flight ones run to completion.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: s.nowFn()}
	s.log.Infow("sweep started", "batch_limit", s.cfg.BatchLimit)

	var mu sync.Mutex
	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	var after uint64
	for page := 0; ; page++ {
		if page > 0 && ctx.Err() != nil {
			break
		}
		txs, err := s.repo.ListDueTransactions(ctx, rep.StartedAt, after, s.cfg.BatchLimit)
		if err != nil {
			if page > 0 && ctx.Err() != nil {
				break
			}
			_ = g.Wait()
			return rep, fmt.Errorf("list due transactions: %w", err)
		}
		rep.Selected += len(txs)
		for i := range txs {
			t := txs[i]
			g.Go(func() error {
				// Go may block for a free slot; shutdown can begin meanwhile
				if ctx.Err() != nil {
					mu.Lock()
					rep.Deferred++
					mu.Unlock()
					return nil
				}
				k, err := s.Process(work, &t)
				mu.Lock()
				rep.add(k, err)
				mu.Unlock()
				return nil
			})
		}
		if len(txs) == 0 || s.cfg.BatchLimit <= 0 || len(txs) < s.cfg.BatchLimit {
			break
		}
		after = txs[len(txs)-1].ID
	}
	_ = g.Wait()

	if rep.Deferred > 0 {
		s.log.Warnw("sweep interrupted", "deferred", rep.Deferred)
	}
	rep.Duration = time.Since(rep.StartedAt)
	s.log.Infow("sweep finished",
		"selected", rep.Selected, "released", rep.Released, "refunded", rep.Refunded,
		"retried", rep.Retried, "escalated", rep.Escalated, "skipped", rep.Skipped,
		"deferred", rep.Deferred, "errors", rep.Errors, "duration", rep.Duration)
	return rep, nil
}

// Process runs verify, resolve and commit for one transaction.
func (s *Sweeper) Process(ctx context.Context, t *model.Transaction) (kind settlement.Kind, err error) {
	defer func() {
		if p := recover(); p != nil {
			kind, err = settlement.Skip, fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			s.log.Errorw("settle transaction", "tx_id", t.ID, "err", err)
		}
	}()

	if s.locker != nil {
		key := fmt.Sprintf("escrow:lock:%d", t.ID)
		token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if errors.Is(err, repo.ErrLockHeld) {
			s.log.Infow("transaction locked elsewhere", "tx_id", t.ID)
			return settlement.Skip, nil
		}
		if err != nil {
			return settlement.Skip, err
		}
		defer func() {
			if err := s.locker.Release(ctx, key, token); err != nil {
				s.log.Warnw("release lock", "tx_id", t.ID, "err", err)
			}
		}()
	}

	// the row may have moved between selection and locking
	cur, err := s.repo.GetTransaction(ctx, t.ID)
	if err != nil {
		return settlement.Skip, fmt.Errorf("reload: %w", err)
	}
	if !cur.Due(s.nowFn()) {
		return settlement.Skip, nil
	}

	hist, err := s.history(ctx, cur.ID)
	if err != nil {
		return settlement.Skip, err
	}
	out := s.verifier.Verify(ctx, cur.Buyer.SteamID, cur.Offer.AppID, cur.Offer.AssetID)
	d := s.resolver.Resolve(cur, hist, out)
	s.log.Infow("resolved", "tx_id", cur.ID, "outcome", out.String(), "decision", d.Kind.String(),
		"attempts", hist.Attempts, "verify_err", out.Err)
	if d.Kind == settlement.Skip {
		return d.Kind, nil
	}

	balances, err := s.commit(ctx, cur, d)
	if errors.Is(err, ErrStale) {
		s.log.Infow("transaction changed concurrently, skipped", "tx_id", cur.ID)
		return settlement.Skip, nil
	}
	if err != nil {
		return settlement.Skip, err
	}

	for uid, bal := range balances {
		s.ledger.CacheBalance(ctx, uid, bal)
	}
	for _, n := range d.Notices {
		if err := s.notifier.Notify(ctx, n.UserID, n.Title, n.Message); err != nil {
			s.log.Warnw("notify", "tx_id", cur.ID, "user_id", n.UserID, "err", err)
		}
	}
	return d.Kind, nil
}

func (s *Sweeper) history(ctx context.Context, txID uint64) (settlement.History, error) {
	n, err := s.repo.CountErrorLogs(ctx, nil, txID)
	if err != nil {
		return settlement.History{}, fmt.Errorf("count attempts: %w", err)
	}
	esc, err := s.repo.HasEscrowLog(ctx, nil, txID, model.ActionError, model.DetailsMaxAttemptsReached)
	if err != nil {
		return settlement.History{}, fmt.Errorf("escalation lookup: %w", err)
	}
	return settlement.History{Attempts: n, Escalated: esc}, nil
}
