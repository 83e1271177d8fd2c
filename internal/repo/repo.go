package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrOptimisticLock is returned when a row changed since it was read.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
	// ErrLockHeld is returned when another worker owns the transaction lock.
	ErrLockHeld = errors.New("lock held by another worker")
)

// RepositoryInterface restricts Repo methods (unit tests can fake it).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	ListDueTransactions(ctx context.Context, now time.Time, afterID uint64, limit int) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, fields map[string]interface{}) error

	AppendEscrowLog(ctx context.Context, tx *gorm.DB, l *model.EscrowLog) error
	CountErrorLogs(ctx context.Context, tx *gorm.DB, txID uint64) (int, error)
	HasEscrowLog(ctx context.Context, tx *gorm.DB, txID uint64, action, details string) (bool, error)
	ListEscrowLogs(ctx context.Context, txID uint64) ([]model.EscrowLog, error)

	GetUserForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*model.User, error)
	UpdateUserBalance(ctx context.Context, tx *gorm.DB, userID uint64, newBalance decimal.Decimal, oldVersion uint64) error
	SoftBanUser(ctx context.Context, tx *gorm.DB, userID uint64, at time.Time) error
	LedgerEntryExists(ctx context.Context, tx *gorm.DB, userID uint64, idemKey, entryType string) (bool, *model.LedgerEntry, error)
	CreateLedgerEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil where caching or
// publishing is not needed.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// ListDueTransactions selects escrowed rows whose hold has elapsed and that
// carry neither guard flag, ordered by id and starting after afterID. Callers
// page with the last id returned until a short page comes back.
func (r *Repository) ListDueTransactions(ctx context.Context, now time.Time, afterID uint64, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	q := r.db.WithContext(ctx).
		Preload("Buyer").Preload("Offer").
		Where("status = ? AND escrow_released = ? AND refunded = ? AND escrow_until <= ? AND id > ?",
			model.StatusInEscrow, false, false, now, afterID).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&txs).Error
	return txs, err
}

// GetTransaction loads one transaction with its buyer and offer.
func (r *Repository) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Preload("Buyer").Preload("Offer").
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionForUpdate locks the transaction row.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction applies fields with optimistic lock and bumps the version.
func (r *Repository) UpdateTransaction(ctx context.Context, tx *gorm.DB, id, oldVersion uint64, fields map[string]interface{}) error {
	upd := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		upd[k] = v
	}
	upd["version"] = oldVersion + 1
	upd["updated_at"] = time.Now().UTC()
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(upd)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// AppendEscrowLog inserts an audit row.
func (r *Repository) AppendEscrowLog(ctx context.Context, tx *gorm.DB, l *model.EscrowLog) error {
	return tx.WithContext(ctx).Create(l).Error
}

// CountErrorLogs returns the attempt count of a transaction.
func (r *Repository) CountErrorLogs(ctx context.Context, tx *gorm.DB, txID uint64) (int, error) {
	if tx == nil {
		tx = r.db
	}
	var n int64
	err := tx.WithContext(ctx).Model(&model.EscrowLog{}).
		Where("transaction_id = ? AND action = ?", txID, model.ActionError).
		Count(&n).Error
	return int(n), err
}

// HasEscrowLog reports whether a row with the given action and details exists.
func (r *Repository) HasEscrowLog(ctx context.Context, tx *gorm.DB, txID uint64, action, details string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var n int64
	err := tx.WithContext(ctx).Model(&model.EscrowLog{}).
		Where("transaction_id = ? AND action = ? AND details = ?", txID, action, details).
		Count(&n).Error
	return n > 0, err
}

// ListEscrowLogs returns the audit trail oldest first.
func (r *Repository) ListEscrowLogs(ctx context.Context, txID uint64) ([]model.EscrowLog, error) {
	var logs []model.EscrowLog
	err := r.db.WithContext(ctx).Where("transaction_id = ?", txID).
		Order("created_at, id").Find(&logs).Error
	return logs, err
}
