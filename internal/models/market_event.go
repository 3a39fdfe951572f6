package models

import (
	"time"

	"gorm.io/datatypes"
)

// MarketEvent is the audit trail of lifecycle actions: activation, delay,
// close, settlement, manual admin interventions. Writes are best-effort and
// never gate the action itself.
type MarketEvent struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID uint64 `gorm:"not null;index"`

	Action string `gorm:"type:varchar(50);not null;index"`
	// Actor is nil for transitions applied by the clock rather than a user.
	Actor *uint64 `gorm:"index"`

	Details datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (MarketEvent) TableName() string {
	return "market_events"
}
