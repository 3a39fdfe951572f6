package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// priceTolerance is the slack allowed when matching a trade price against
// the quoted spread bound.
var priceTolerance = decimal.RequireFromString("0.01")

// TradeValidator takes and cancels positions against an OPEN market's final
// spread. It serializes through the lifecycle engine's per-market locks, so
// replacement can never leave two open trades for one (market, user).
type TradeValidator struct {
	Repo      repository.Repository
	Lifecycle *LifecycleEngine
	Directory RoleDirectory
	Clock     Clock
	Logger    *zap.Logger
}

func (v *TradeValidator) now() time.Time {
	if v != nil && v.Clock != nil {
		return v.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// ParsePosition normalizes a position string from the wire.
func ParsePosition(raw string) (models.Position, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(models.PositionLong):
		return models.PositionLong, nil
	case string(models.PositionShort):
		return models.PositionShort, nil
	default:
		return "", newError(KindValidation, CodeInvalidPosition, "position must be LONG or SHORT")
	}
}

// PlaceTrade validates and records a position. Rule order: trading window,
// participant roles, price against the quoted bound, quantity. An existing
// open trade for the same (market, user) is replaced, never stacked.
func (v *TradeValidator) PlaceTrade(ctx context.Context, marketID, userID uint64, position models.Position, price decimal.Decimal, quantity int64) (*models.Trade, error) {
	unlock := v.Lifecycle.lockMarket(marketID)
	defer unlock()

	m, err := v.Lifecycle.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := v.now()
	if m.Status != models.MarketStatusOpen {
		return nil, newError(KindTiming, CodeTradingWindowClosed, "market %d is not open for trading", marketID)
	}
	if now.Before(m.TradingOpenAt) || !now.Before(m.TradingCloseAt) {
		return nil, newError(KindTiming, CodeTradingWindowClosed, "trading window for market %d is not open", marketID)
	}

	role, err := v.lookupRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.MarketMaker != nil && *m.MarketMaker == userID {
		return nil, newError(KindRole, CodeRoleNotPermitted, "market makers cannot trade against their own spread")
	}
	if m.CreatedBy == userID {
		return nil, newError(KindRole, CodeRoleNotPermitted, "market creators cannot trade on their own markets")
	}
	if role.IsAdmin {
		return nil, newError(KindRole, CodeRoleNotPermitted, "administrators cannot trade")
	}
	if !role.IsVerified {
		return nil, newError(KindRole, CodeAccountNotVerified, "account must be verified before trading")
	}

	if position != models.PositionLong && position != models.PositionShort {
		return nil, newError(KindValidation, CodeInvalidPosition, "position must be LONG or SHORT")
	}
	if m.FinalSpreadLow == nil || m.FinalSpreadHigh == nil {
		return nil, newError(KindTiming, CodeTradingWindowClosed, "market %d has no final spread", marketID)
	}
	quoted := *m.FinalSpreadHigh
	if position == models.PositionShort {
		quoted = *m.FinalSpreadLow
	}
	if price.Sub(quoted).Abs().GreaterThan(priceTolerance) {
		return nil, newError(KindValidation, CodePriceMismatch,
			"%s trades execute at the quoted price %s", position, quoted)
	}
	if quantity < 1 {
		return nil, newError(KindValidation, CodeInvalidQuantity, "quantity must be at least 1")
	}

	trade := &models.Trade{
		MarketID:  marketID,
		UserID:    userID,
		Position:  position,
		Price:     price,
		Quantity:  quantity,
		Status:    models.TradeStatusOpen,
		TradeTime: now,
	}
	replaced := false
	err = v.Repo.InTx(ctx, func(tx *gorm.DB) error {
		prior, err := v.Repo.GetOpenTrade(ctx, marketID, userID)
		if err != nil {
			return err
		}
		if prior != nil {
			ok, err := v.Repo.MarkTradeReplacedTx(ctx, tx, prior.ID)
			if err != nil {
				return err
			}
			replaced = ok
		}
		return v.Repo.InsertTradeTx(ctx, tx, trade)
	})
	if err != nil {
		return nil, err
	}
	v.logInfo("trade placed",
		zap.Uint64("market_id", marketID),
		zap.Uint64("user_id", userID),
		zap.String("position", string(position)),
		zap.String("price", price.String()),
		zap.Int64("quantity", quantity),
		zap.Bool("replaced_prior", replaced))
	return trade, nil
}

// CancelTrade withdraws the caller's open trade while the market is still
// trading.
func (v *TradeValidator) CancelTrade(ctx context.Context, marketID, userID uint64) (*models.Trade, error) {
	unlock := v.Lifecycle.lockMarket(marketID)
	defer unlock()

	m, err := v.Lifecycle.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := v.now()
	if m.Status != models.MarketStatusOpen || now.Before(m.TradingOpenAt) || !now.Before(m.TradingCloseAt) {
		return nil, newError(KindTiming, CodeTradingWindowClosed, "market %d is not open for trading", marketID)
	}

	trade, err := v.Repo.GetOpenTrade(ctx, marketID, userID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, newError(KindNotFound, CodeNoOpenTrade, "no open trade on market %d", marketID)
	}
	ok, err := v.Repo.CancelOpenTrade(ctx, marketID, userID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(KindNotFound, CodeNoOpenTrade, "no open trade on market %d", marketID)
	}
	trade.Status = models.TradeStatusCancelled
	trade.CancelledAt = &now
	v.logInfo("trade cancelled",
		zap.Uint64("market_id", marketID),
		zap.Uint64("user_id", userID),
		zap.Uint64("trade_id", trade.ID))
	return trade, nil
}

func (v *TradeValidator) lookupRole(ctx context.Context, userID uint64) (Role, error) {
	if v.Directory == nil {
		return Role{}, newError(KindNotFound, CodeUserNotFound, "user %d not found", userID)
	}
	return v.Directory.Lookup(ctx, userID)
}

func (v *TradeValidator) logInfo(msg string, fields ...zap.Field) {
	if v == nil || v.Logger == nil {
		return
	}
	v.Logger.Info(msg, fields...)
}
