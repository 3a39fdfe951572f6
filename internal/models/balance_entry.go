package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceEntry is one movement of a user's virtual balance. All movements
// happen inside the settlement transaction, so the entries sum to the
// difference between the current balance and the starting balance.
type BalanceEntry struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	UserID   uint64 `gorm:"not null;index"`
	MarketID uint64 `gorm:"not null;index"`
	// TradeID is 0 for the market maker's offsetting entry.
	TradeID uint64 `gorm:"not null;default:0"`

	Delta  decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Reason string          `gorm:"type:varchar(50);not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (BalanceEntry) TableName() string {
	return "balance_entries"
}
