package db

import (
	"spreadmarket/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.User{},
		&models.Market{},
		&models.SpreadBid{},
		&models.Trade{},
		&models.BalanceEntry{},
		&models.MarketEvent{},
	)
}
