package model

import "time"

const (
	ActionEscrowReleased = "escrow_released"
	ActionRefunded       = "refunded"
	ActionError          = "error"
)

// DetailsMaxAttemptsReached marks a transaction escalated for manual review.
const DetailsMaxAttemptsReached = "max_attempts_reached"

// EscrowLog is append-only. The number of error rows per transaction is its attempt count.
type EscrowLog struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID uint64    `gorm:"not null;index"`
	Action        string    `gorm:"size:32;not null"`
	Details       string    `gorm:"size:255"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (EscrowLog) TableName() string { return "escrow_log" }
