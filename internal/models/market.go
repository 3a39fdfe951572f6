package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MarketStatus string

const (
	MarketStatusCreated MarketStatus = "CREATED"
	MarketStatusOpen    MarketStatus = "OPEN"
	MarketStatusClosed  MarketStatus = "CLOSED"
	MarketStatusSettled MarketStatus = "SETTLED"
)

// Market is a binary spread market. Status only ever moves forward:
// CREATED -> OPEN -> CLOSED -> SETTLED.
type Market struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	Premise string `gorm:"type:text;not null"`

	UnitPrice          decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	InitialSpreadWidth int             `gorm:"not null"`

	// Final spread is written exactly once, at activation.
	FinalSpreadLow  *decimal.Decimal `gorm:"type:numeric(20,10)"`
	FinalSpreadHigh *decimal.Decimal `gorm:"type:numeric(20,10)"`

	CreatedBy   uint64  `gorm:"not null;index"`
	MarketMaker *uint64 `gorm:"index"`

	Status MarketStatus `gorm:"type:varchar(20);not null;default:'CREATED';index"`

	BiddingOpenAt  time.Time `gorm:"type:timestamptz;not null"`
	BiddingCloseAt time.Time `gorm:"type:timestamptz;not null;index"`
	TradingOpenAt  time.Time `gorm:"type:timestamptz;not null"`
	TradingCloseAt time.Time `gorm:"type:timestamptz;not null;index"`

	// Outcome and settlement price are written exactly once, at settlement.
	Outcome         *bool
	SettlementPrice *decimal.Decimal `gorm:"type:numeric(20,10)"`

	DelayCount int `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Market) TableName() string {
	return "markets"
}

// SpreadWidth is high-low once the final spread is set, nil before activation.
func (m *Market) SpreadWidth() *decimal.Decimal {
	if m.FinalSpreadLow == nil || m.FinalSpreadHigh == nil {
		return nil
	}
	w := m.FinalSpreadHigh.Sub(*m.FinalSpreadLow)
	return &w
}
