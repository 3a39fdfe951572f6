package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpreadBid is an immutable competitive quote placed while a market is in
// CREATED. Rows are append-only; a bidder who wants a tighter spread places
// a new bid.
type SpreadBid struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID uint64 `gorm:"not null;index"`
	UserID   uint64 `gorm:"not null;index"`

	SpreadLow  decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	SpreadHigh decimal.Decimal `gorm:"type:numeric(20,10);not null"`

	BidTime time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (SpreadBid) TableName() string {
	return "spread_bids"
}

// SpreadWidth is high-low; the arbitration key, smaller is better.
func (b *SpreadBid) SpreadWidth() decimal.Decimal {
	return b.SpreadHigh.Sub(b.SpreadLow)
}
