package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the escrow lifecycle state of a Transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInEscrow  Status = "IN_ESCROW"
	StatusReleased  Status = "RELEASED"
	StatusRefunded  Status = "REFUNDED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

// RefundReasonSteamCancel is recorded when the asset never reached the buyer.
const RefundReasonSteamCancel = "steam_cancel"

// Transaction is one escrowed purchase.
type Transaction struct {
	ID             uint64          `gorm:"primaryKey"`
	BuyerID        uint64          `gorm:"not null;index"`
	SellerID       uint64          `gorm:"not null;index"`
	OfferID        uint64          `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status         Status          `gorm:"size:16;not null;index:idx_tx_due,priority:1"`
	EscrowUntil    time.Time       `gorm:"not null;index:idx_tx_due,priority:2"`
	EscrowReleased bool            `gorm:"not null;default:false"`
	Refunded       bool            `gorm:"not null;default:false"`
	RefundReason   *string         `gorm:"size:32"`
	BannedSeller   bool            `gorm:"not null;default:false"`
	AttemptCount   int             `gorm:"not null;default:0"`
	Version        uint64          `gorm:"not null;default:0"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`

	Buyer  User  `gorm:"foreignKey:BuyerID"`
	Seller User  `gorm:"foreignKey:SellerID"`
	Offer  Offer `gorm:"foreignKey:OfferID"`
}

func (Transaction) TableName() string { return "escrow_transaction" }

// Due reports whether t is eligible for reconciliation at now.
func (t *Transaction) Due(now time.Time) bool {
	return t.Status == StatusInEscrow && !t.EscrowReleased && !t.Refunded && !t.EscrowUntil.After(now)
}
