package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EntryCredit = "CREDIT"
	EntryDebit  = "DEBIT"
)

type LedgerEntry struct {
	ID             uint64          `gorm:"primaryKey"`
	UserID         uint64          `gorm:"not null;uniqueIndex:idx_ledger_idem,priority:1"`
	Type           string          `gorm:"size:16;not null;uniqueIndex:idx_ledger_idem,priority:3"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceBefore  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	TransactionID  *uint64
	IdempotencyKey string    `gorm:"size:64;not null;uniqueIndex:idx_ledger_idem,priority:2"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }
