package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetUserForUpdate locks user row.
func (r *Repository) GetUserForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.User, error) {
	var u model.User
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserBalance with optimistic lock.
func (r *Repository) UpdateUserBalance(ctx context.Context, tx *gorm.DB, userID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"wallet_balance": newBalance,
			"version":        oldVersion + 1,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// SoftBanUser flags the account. An existing ban keeps its original timestamp.
func (r *Repository) SoftBanUser(ctx context.Context, tx *gorm.DB, userID uint64, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND is_soft_banned = ?", userID, false).
		Updates(map[string]interface{}{"is_soft_banned": true, "banned_at": at})
	return res.Error
}

// LedgerEntryExists checks duplicate by idem key.
func (r *Repository) LedgerEntryExists(ctx context.Context, tx *gorm.DB, userID uint64, idemKey, entryType string) (bool, *model.LedgerEntry, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var e model.LedgerEntry
	err := tx.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND type = ?", userID, idemKey, entryType).
		First(&e).Error
	if err == nil {
		return true, &e, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// CreateLedgerEntry inserts record.
func (r *Repository) CreateLedgerEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error {
	return tx.WithContext(ctx).Create(e).Error
}
