package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the ledger-relevant projection of a marketplace account.
type User struct {
	ID            uint64          `gorm:"primaryKey;column:id"`
	SteamID       string          `gorm:"size:32;not null"`
	WalletBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	IsSoftBanned  bool            `gorm:"not null;default:false"`
	BannedAt      *time.Time
	Version       uint64    `gorm:"not null;default:0"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "app_user" }
