package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Position string

const (
	PositionLong  Position = "LONG"
	PositionShort Position = "SHORT"
)

type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusReplaced  TradeStatus = "replaced"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusSettled   TradeStatus = "settled"
)

// Trade is a position taken against the market maker's final spread.
// At most one open row exists per (market, user); a new submission marks
// the prior one replaced.
type Trade struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID uint64 `gorm:"not null;index:idx_trades_market_user"`
	UserID   uint64 `gorm:"not null;index:idx_trades_market_user;index"`

	Position Position        `gorm:"type:varchar(10);not null"`
	Price    decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Quantity int64           `gorm:"not null"`

	Status TradeStatus `gorm:"type:varchar(20);not null;default:'open';index"`

	// Use explicit column name because default GORM naming turns "PnL" into "pn_l".
	PnL             *decimal.Decimal `gorm:"column:pnl;type:numeric(30,10)"`
	SettlementPrice *decimal.Decimal `gorm:"type:numeric(20,10)"`
	SettledAt       *time.Time       `gorm:"type:timestamptz"`
	CancelledAt     *time.Time       `gorm:"type:timestamptz"`

	TradeTime time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Trade) TableName() string {
	return "trades"
}
