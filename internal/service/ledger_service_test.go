package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/escrow-settler/internal/logger"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*LedgerService, redismock.ClientMock, context.Context) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))

	rdb, mock := redismock.NewClientMock()
	repository := repo.NewRepository(db, rdb, nil, logger.Nop())
	return NewLedgerService(repository, logger.Nop()), mock, context.Background()
}

func TestLedgerService_CreditDebit(t *testing.T) {
	svc, _, ctx := newTestService(t)
	db := svc.Repo().DB(ctx)
	require.NoError(t, db.Create(&model.User{ID: 1, WalletBalance: decimal.Zero}).Error)

	var bal decimal.Decimal
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		bal, err = svc.Credit(ctx, tx, 1, decimal.NewFromInt(50), "release:1", 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "50", bal.StringFixed(0))

	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		bal, err = svc.Debit(ctx, tx, 1, decimal.NewFromInt(80), "reverse:1", 1)
		return err
	})
	require.NoError(t, err)
	// no sufficiency check on debit
	assert.Equal(t, "-30", bal.StringFixed(0))
}

func TestLedgerService_ReplaySameKeyIsNoop(t *testing.T) {
	svc, _, ctx := newTestService(t)
	db := svc.Repo().DB(ctx)
	require.NoError(t, db.Create(&model.User{ID: 2, WalletBalance: decimal.NewFromInt(10)}).Error)

	for i := 0; i < 2; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			bal, err := svc.Credit(ctx, tx, 2, decimal.NewFromInt(5), "release:7", 7)
			if err == nil {
				assert.Equal(t, "15", bal.StringFixed(0))
			}
			return err
		})
		require.NoError(t, err)
	}

	var u model.User
	require.NoError(t, db.First(&u, 2).Error)
	assert.Equal(t, "15", u.WalletBalance.StringFixed(0))

	var n int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Where("user_id = ?", 2).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestLedgerService_RejectsNonPositive(t *testing.T) {
	svc, _, ctx := newTestService(t)
	db := svc.Repo().DB(ctx)
	_, err := svc.Credit(ctx, db, 1, decimal.Zero, "k", 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(ctx, db, 1, decimal.NewFromInt(-1), "k", 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedgerService_MissingUser(t *testing.T) {
	svc, _, ctx := newTestService(t)
	_, err := svc.Credit(ctx, svc.Repo().DB(ctx), 404, decimal.NewFromInt(1), "k", 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestLedgerService_GetBalanceFallsBackToDB(t *testing.T) {
	svc, mock, ctx := newTestService(t)
	require.NoError(t, svc.Repo().DB(ctx).Create(&model.User{ID: 3, WalletBalance: decimal.NewFromInt(42)}).Error)

	mock.ExpectGet("balance:3").RedisNil()
	mock.ExpectSet("balance:3", "42", 5*time.Minute).SetVal("OK")
	mock.ExpectGet("balance:3").SetVal("42")

	bal, err := svc.GetBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "42", bal.StringFixed(0))

	bal, err = svc.GetBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "42", bal.StringFixed(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_GetHistory(t *testing.T) {
	svc, _, ctx := newTestService(t)
	db := svc.Repo().DB(ctx)
	require.NoError(t, db.Create(&model.User{ID: 4}).Error)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Credit(ctx, tx, 4, decimal.NewFromInt(5), "a", 1); err != nil {
			return err
		}
		_, err := svc.Credit(ctx, tx, 4, decimal.NewFromInt(6), "b", 2)
		return err
	}))

	hist, err := svc.GetHistory(ctx, 4, 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[0].IdempotencyKey)
	assert.Equal(t, "11", hist[1].BalanceAfter.StringFixed(0))
}
