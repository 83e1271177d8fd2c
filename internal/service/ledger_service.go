package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means non-positive amount passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// LedgerService owns every wallet balance mutation. It knows nothing about
// escrow; callers supply the idempotency key that ties a mutation to its cause.
type LedgerService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, log: logger}
}

// Credit adds amt to the user's balance inside tx. Replaying the same key is
// a no-op that returns the balance recorded the first time.
func (s *LedgerService) Credit(ctx context.Context, tx *gorm.DB, userID uint64, amt decimal.Decimal, key string, txID uint64) (decimal.Decimal, error) {
	return s.apply(ctx, tx, userID, amt, key, txID, model.EntryCredit)
}

// Debit subtracts amt inside tx. Sufficient funds are assumed; the balance
// may go negative.
func (s *LedgerService) Debit(ctx context.Context, tx *gorm.DB, userID uint64, amt decimal.Decimal, key string, txID uint64) (decimal.Decimal, error) {
	return s.apply(ctx, tx, userID, amt, key, txID, model.EntryDebit)
}

func (s *LedgerService) apply(ctx context.Context, tx *gorm.DB, userID uint64, amt decimal.Decimal, key string, txID uint64, entryType string) (decimal.Decimal, error) {
	if amt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	existed, entry, err := s.repo.LedgerEntryExists(ctx, tx, userID, key, entryType)
	if err != nil {
		return decimal.Zero, err
	}
	if existed {
		s.log.Infow("ledger replay ignored", "user_id", userID, "key", key, "type", entryType)
		return entry.BalanceAfter, nil
	}

	u, err := s.repo.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load user %d: %w", userID, err)
	}
	newBal := u.WalletBalance.Add(amt)
	if entryType == model.EntryDebit {
		newBal = u.WalletBalance.Sub(amt)
	}
	if err := s.repo.UpdateUserBalance(ctx, tx, userID, newBal, u.Version); err != nil {
		return decimal.Zero, err
	}
	e := &model.LedgerEntry{
		UserID: userID, Type: entryType, Amount: amt,
		BalanceBefore: u.WalletBalance, BalanceAfter: newBal,
		TransactionID: &txID, IdempotencyKey: key,
	}
	if err := s.repo.CreateLedgerEntry(ctx, tx, e); err != nil {
		return decimal.Zero, err
	}
	return newBal, nil
}

// CacheBalance refreshes the cached balance once the writing transaction has
// committed. Cache failures only warn.
func (s *LedgerService) CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) {
	if err := s.repo.CacheBalance(ctx, userID, bal); err != nil {
		s.log.Warnw("cache balance", "user_id", userID, "err", err)
	}
}

// GetBalance returns current wallet balance.
func (s *LedgerService) GetBalance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	var u model.User
	if err := s.repo.DB(ctx).Where("id = ?", userID).First(&u).Error; err != nil {
		return decimal.Zero, err
	}
	s.CacheBalance(ctx, userID, u.WalletBalance)
	return u.WalletBalance, nil
}

// GetHistory fetches recent ledger entries.
func (s *LedgerService) GetHistory(ctx context.Context, userID uint64, limit int, since time.Time) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := s.repo.DB(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
