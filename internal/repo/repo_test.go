package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/escrow-settler/internal/logger"
	"github.com/richardliu001/escrow-settler/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))
	return NewRepository(db, nil, nil, logger.Nop()), db
}

func seedTx(t *testing.T, db *gorm.DB, tx model.Transaction) {
	t.Helper()
	require.NoError(t, db.Omit(clause.Associations).Create(&tx).Error)
}

func TestListDueTransactions_Eligibility(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-2 * time.Hour)

	require.NoError(t, db.Create(&model.User{ID: 1, SteamID: "7656"}).Error)
	require.NoError(t, db.Create(&model.Offer{ID: 1, SellerID: 2, AssetID: "111", AppID: 730, Price: decimal.NewFromInt(50)}).Error)

	base := model.Transaction{BuyerID: 1, SellerID: 2, OfferID: 1, Amount: decimal.NewFromInt(50), Status: model.StatusInEscrow, EscrowUntil: past}
	due := base
	due.ID = 1
	future := base
	future.ID = 2
	future.EscrowUntil = now.Add(2 * time.Hour)
	released := base
	released.ID = 3
	released.EscrowReleased = true
	refunded := base
	refunded.ID = 4
	refunded.Refunded = true
	terminal := base
	terminal.ID = 5
	terminal.Status = model.StatusReleased
	pending := base
	pending.ID = 6
	pending.Status = model.StatusPending
	for _, tx := range []model.Transaction{due, future, released, refunded, terminal, pending} {
		seedTx(t, db, tx)
	}

	txs, err := r.ListDueTransactions(ctx, now, 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(1), txs[0].ID)
	assert.Equal(t, "7656", txs[0].Buyer.SteamID)
	assert.Equal(t, "111", txs[0].Offer.AssetID)
}

func TestListDueTransactions_KeysetPages(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&model.User{ID: 1, SteamID: "7656"}).Error)
	require.NoError(t, db.Create(&model.Offer{ID: 1, SellerID: 2, AssetID: "111", AppID: 730, Price: decimal.NewFromInt(50)}).Error)
	// the newest hold is on the lowest id; paging must not depend on escrow_until
	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 24 * time.Hour} {
		seedTx(t, db, model.Transaction{
			ID: uint64(i + 1), BuyerID: 1, SellerID: 2, OfferID: 1, Amount: decimal.NewFromInt(50),
			Status: model.StatusInEscrow, EscrowUntil: now.Add(-age),
		})
	}

	var seen []uint64
	var after uint64
	for {
		page, err := r.ListDueTransactions(ctx, now, after, 2)
		require.NoError(t, err)
		for _, tx := range page {
			seen = append(seen, tx.ID)
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestUpdateTransaction_OptimisticLock(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	seedTx(t, db, model.Transaction{ID: 9, BuyerID: 1, SellerID: 2, OfferID: 1, Amount: decimal.NewFromInt(5), Status: model.StatusInEscrow, EscrowUntil: time.Now().UTC()})

	err := r.UpdateTransaction(ctx, db, 9, 0, map[string]interface{}{"status": model.StatusReleased, "escrow_released": true})
	require.NoError(t, err)

	// a second writer still holding version 0 must lose
	err = r.UpdateTransaction(ctx, db, 9, 0, map[string]interface{}{"status": model.StatusRefunded})
	assert.ErrorIs(t, err, ErrOptimisticLock)

	got, err := r.GetTransaction(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReleased, got.Status)
	assert.True(t, got.EscrowReleased)
	assert.Equal(t, uint64(1), got.Version)
}

func TestUpdateUserBalance_OptimisticLock(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&model.User{ID: 1, WalletBalance: decimal.NewFromInt(100)}).Error)

	u, err := r.GetUserForUpdate(ctx, db, 1)
	require.NoError(t, err)
	require.NoError(t, r.UpdateUserBalance(ctx, db, 1, u.WalletBalance.Add(decimal.NewFromInt(10)), u.Version))
	assert.ErrorIs(t, r.UpdateUserBalance(ctx, db, 1, u.WalletBalance.Add(decimal.NewFromInt(10)), u.Version), ErrOptimisticLock)

	var final model.User
	require.NoError(t, db.First(&final, 1).Error)
	assert.True(t, final.WalletBalance.Equal(decimal.NewFromInt(110)))
}

func TestSoftBanUser_KeepsFirstTimestamp(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&model.User{ID: 2}).Error)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.SoftBanUser(ctx, db, 2, first))
	require.NoError(t, r.SoftBanUser(ctx, db, 2, first.Add(48*time.Hour)))

	var u model.User
	require.NoError(t, db.First(&u, 2).Error)
	assert.True(t, u.IsSoftBanned)
	require.NotNil(t, u.BannedAt)
	assert.True(t, u.BannedAt.Equal(first))
}

func TestEscrowLogCounting(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	for _, l := range []model.EscrowLog{
		{TransactionID: 1, Action: model.ActionError, Details: "steam_timeout"},
		{TransactionID: 1, Action: model.ActionError, Details: model.DetailsMaxAttemptsReached},
		{TransactionID: 1, Action: model.ActionEscrowReleased, Details: "asset delivered"},
		{TransactionID: 2, Action: model.ActionError, Details: "steam_timeout"},
	} {
		l := l
		require.NoError(t, r.AppendEscrowLog(ctx, db, &l))
	}

	n, err := r.CountErrorLogs(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := r.HasEscrowLog(ctx, nil, 1, model.ActionError, model.DetailsMaxAttemptsReached)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasEscrowLog(ctx, nil, 2, model.ActionError, model.DetailsMaxAttemptsReached)
	require.NoError(t, err)
	assert.False(t, ok)

	logs, err := r.ListEscrowLogs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestLedgerEntryExists(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateLedgerEntry(ctx, db, &model.LedgerEntry{
		UserID: 2, Type: model.EntryCredit, Amount: decimal.NewFromInt(50),
		BalanceBefore: decimal.Zero, BalanceAfter: decimal.NewFromInt(50), IdempotencyKey: "release:1",
	}))

	ok, e, err := r.LedgerEntryExists(ctx, db, 2, "release:1", model.EntryCredit)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, e.BalanceAfter.Equal(decimal.NewFromInt(50)))

	ok, _, err = r.LedgerEntryExists(ctx, db, 2, "release:1", model.EntryDebit)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = r.LedgerEntryExists(ctx, db, 2, "", model.EntryCredit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutbox_PollAndMark(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{Aggregate: "Transaction", AggregateID: 1, EventType: model.EventEscrowReleased, Payload: `{}`}))
	require.NoError(t, r.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{Aggregate: "User", AggregateID: 2, EventType: model.EventNotification, Payload: `{}`}))

	evts, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))
	evts, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventNotification, evts[0].EventType)

	assert.Error(t, r.PublishEvent(ctx, evts[0]))
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	l := NewRedisLocker(rdb)
	l.tokenFn = func() string { return "tok" }
	ctx := context.Background()

	mock.ExpectSetNX("escrow:lock:7", "tok", time.Minute).SetVal(true)
	mock.ExpectSetNX("escrow:lock:7", "tok", time.Minute).SetVal(false)
	mock.ExpectEval(releaseScript, []string{"escrow:lock:7"}, "tok").SetVal(int64(1))

	token, err := l.Acquire(ctx, "escrow:lock:7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	_, err = l.Acquire(ctx, "escrow:lock:7", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l.Release(ctx, "escrow:lock:7", token))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(nil, rdb, nil, logger.Nop())
	ctx := context.Background()

	mock.ExpectSet("balance:3", "12.5", balanceTTL).SetVal("OK")
	mock.ExpectGet("balance:3").SetVal("12.5")

	require.NoError(t, r.CacheBalance(ctx, 3, decimal.RequireFromString("12.5")))
	bal, err := r.GetCachedBalance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "12.5", bal.String())
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = NewRepository(nil, nil, nil, logger.Nop()).GetCachedBalance(ctx, 3)
	assert.Error(t, err)
}
