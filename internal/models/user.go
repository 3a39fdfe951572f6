package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a participant account. Balance is virtual currency and only moves
// at settlement time.
type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"type:varchar(100);not null;uniqueIndex"`
	Email        string `gorm:"type:varchar(255);not null"`
	PasswordHash string `gorm:"type:varchar(100);not null" json:"-"`

	IsAdmin    bool `gorm:"not null;default:false"`
	IsVerified bool `gorm:"not null;default:false;index"`

	Balance decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}
