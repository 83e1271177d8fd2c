package model

import "github.com/shopspring/decimal"

// Offer is read-only here. AssetID identifies the exact unit in the external inventory.
type Offer struct {
	ID       uint64          `gorm:"primaryKey"`
	SellerID uint64          `gorm:"not null"`
	AssetID  string          `gorm:"size:32;not null"`
	AppID    int             `gorm:"not null"`
	Name     string          `gorm:"size:255"`
	Price    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
}

func (Offer) TableName() string { return "offer" }
