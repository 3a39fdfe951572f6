package accounts

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"spreadmarket/internal/exchange"
	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// Ledger applies settlement deltas to user balances and keeps the
// balance_entries audit trail in the same transaction.
type Ledger struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func (l *Ledger) ApplyTx(ctx context.Context, tx *gorm.DB, userID uint64, delta decimal.Decimal, reason string, marketID, tradeID uint64) error {
	if userID == 0 || delta.IsZero() {
		return nil
	}
	if err := l.Repo.AdjustUserBalanceTx(ctx, tx, userID, delta); err != nil {
		return err
	}
	entry := &models.BalanceEntry{
		UserID:   userID,
		MarketID: marketID,
		TradeID:  tradeID,
		Delta:    delta,
		Reason:   reason,
	}
	if err := l.Repo.InsertBalanceEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	if l.Logger != nil {
		l.Logger.Debug("balance adjusted",
			zap.Uint64("user_id", userID),
			zap.Uint64("market_id", marketID),
			zap.String("delta", delta.String()),
			zap.String("reason", reason))
	}
	return nil
}

var _ exchange.BalanceLedger = (*Ledger)(nil)
