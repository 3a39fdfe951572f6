package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// BalanceLedger moves virtual currency. Settlement is the only caller; every
// movement happens inside the settlement transaction.
type BalanceLedger interface {
	ApplyTx(ctx context.Context, tx *gorm.DB, userID uint64, delta decimal.Decimal, reason string, marketID, tradeID uint64) error
}

// TradeSettlement is the per-trade outcome of a settlement.
type TradeSettlement struct {
	TradeID  uint64          `json:"trade_id"`
	UserID   uint64          `json:"user_id"`
	Position models.Position `json:"position"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	PnL      decimal.Decimal `json:"pnl"`
	Won      bool            `json:"won"`
}

// SettlementResult reports what a settlement did, or would do for previews.
// Replayed is true when the market was already settled with the same inputs
// and nothing moved.
type SettlementResult struct {
	Market          *models.Market    `json:"market"`
	Outcome         bool              `json:"outcome"`
	SettlementPrice decimal.Decimal   `json:"settlement_price"`
	Trades          []TradeSettlement `json:"trades"`
	MakerDelta      decimal.Decimal   `json:"maker_delta"`
	Replayed        bool              `json:"replayed"`
}

// SettlementEngine resolves CLOSED markets exactly once. All trade updates,
// balance movements and the market's own transition commit in one
// transaction, so a failure anywhere leaves nothing half-settled.
type SettlementEngine struct {
	Repo      repository.Repository
	Lifecycle *LifecycleEngine
	Ledger    BalanceLedger
	Clock     Clock
	Logger    *zap.Logger
}

func (s *SettlementEngine) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// tradePnL applies the settlement formula: LONG earns (S - entry) * quantity,
// SHORT the negation.
func tradePnL(position models.Position, entry, settlement decimal.Decimal, quantity int64) decimal.Decimal {
	diff := settlement.Sub(entry)
	if position == models.PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(quantity))
}

// settlementPrice resolves the reference price: the explicit admin price
// wins; otherwise the maker's high bound when the outcome favors LONG, the
// low bound when it favors SHORT.
func settlementPrice(m *models.Market, outcome bool, explicit *decimal.Decimal) (decimal.Decimal, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if m.FinalSpreadLow == nil || m.FinalSpreadHigh == nil {
		return decimal.Zero, fmt.Errorf("market %d reached settlement without a final spread", m.ID)
	}
	if outcome {
		return *m.FinalSpreadHigh, nil
	}
	return *m.FinalSpreadLow, nil
}

// Settle resolves the market. Re-invoking with the same outcome and price is
// a no-op that returns the stored results; any other re-invocation is
// rejected.
func (s *SettlementEngine) Settle(ctx context.Context, marketID uint64, outcome bool, explicit *decimal.Decimal, actorID uint64) (*SettlementResult, error) {
	unlock := s.Lifecycle.lockMarket(marketID)
	defer unlock()

	m, err := s.Lifecycle.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MarketStatusSettled {
		return s.replayLocked(ctx, m, outcome, explicit)
	}
	if m.Status != models.MarketStatusClosed {
		return nil, newError(KindConflict, CodeMarketNotClosed,
			"market %d must be CLOSED to settle, current status %s", marketID, m.Status)
	}

	price, err := settlementPrice(m, outcome, explicit)
	if err != nil {
		return nil, err
	}
	trades, err := s.Repo.ListOpenTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &SettlementResult{
		Outcome:         outcome,
		SettlementPrice: price,
		Trades:          make([]TradeSettlement, 0, len(trades)),
		MakerDelta:      decimal.Zero,
	}
	err = s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		total := decimal.Zero
		for _, t := range trades {
			pnl := tradePnL(t.Position, t.Price, price, t.Quantity)
			ok, err := s.Repo.SettleTradeTx(ctx, tx, t.ID, pnl, price, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("trade %d no longer open during settlement", t.ID)
			}
			if s.Ledger != nil {
				if err := s.Ledger.ApplyTx(ctx, tx, t.UserID, pnl, "trade_settlement", marketID, t.ID); err != nil {
					return err
				}
			}
			total = total.Add(pnl)
			result.Trades = append(result.Trades, TradeSettlement{
				TradeID:  t.ID,
				UserID:   t.UserID,
				Position: t.Position,
				Price:    t.Price,
				Quantity: t.Quantity,
				PnL:      pnl,
				Won:      (t.Position == models.PositionLong) == outcome,
			})
		}
		// The maker is the counterparty to every trade, so their balance
		// moves by the negated sum.
		result.MakerDelta = total.Neg()
		if s.Ledger != nil && m.MarketMaker != nil && !result.MakerDelta.IsZero() {
			if err := s.Ledger.ApplyTx(ctx, tx, *m.MarketMaker, result.MakerDelta, "maker_offset", marketID, 0); err != nil {
				return err
			}
		}
		ok, err := s.Repo.SettleMarketTx(ctx, tx, marketID, outcome, price)
		if err != nil {
			return err
		}
		if !ok {
			return newError(KindConflict, CodeAlreadySettled, "market %d was settled concurrently", marketID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, err = s.Lifecycle.getMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	result.Market = m
	s.Lifecycle.recordEvent(ctx, marketID, "settled", &actorID, map[string]any{
		"outcome":          outcome,
		"settlement_price": price,
		"trade_count":      len(result.Trades),
		"maker_delta":      result.MakerDelta,
	})
	s.logInfo("market settled",
		zap.Uint64("market_id", marketID),
		zap.Bool("outcome", outcome),
		zap.String("settlement_price", price.String()),
		zap.Int("trade_count", len(result.Trades)),
		zap.String("maker_delta", result.MakerDelta.String()))
	return result, nil
}

// replayLocked serves the idempotent path: same outcome, same or unspecified
// price, nothing moves and the stored results come back.
func (s *SettlementEngine) replayLocked(ctx context.Context, m *models.Market, outcome bool, explicit *decimal.Decimal) (*SettlementResult, error) {
	if m.Outcome == nil || *m.Outcome != outcome {
		return nil, newError(KindConflict, CodeAlreadySettled,
			"market %d is already settled with a different outcome", m.ID)
	}
	if explicit != nil && (m.SettlementPrice == nil || !explicit.Equal(*m.SettlementPrice)) {
		return nil, newError(KindConflict, CodeAlreadySettled,
			"market %d is already settled at price %s", m.ID, m.SettlementPrice)
	}
	trades, err := s.Repo.ListSettledTradesByMarket(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	price := decimal.Zero
	if m.SettlementPrice != nil {
		price = *m.SettlementPrice
	}
	result := &SettlementResult{
		Market:          m,
		Outcome:         outcome,
		SettlementPrice: price,
		Trades:          make([]TradeSettlement, 0, len(trades)),
		MakerDelta:      decimal.Zero,
		Replayed:        true,
	}
	total := decimal.Zero
	for _, t := range trades {
		pnl := decimal.Zero
		if t.PnL != nil {
			pnl = *t.PnL
		}
		total = total.Add(pnl)
		result.Trades = append(result.Trades, TradeSettlement{
			TradeID:  t.ID,
			UserID:   t.UserID,
			Position: t.Position,
			Price:    t.Price,
			Quantity: t.Quantity,
			PnL:      pnl,
			Won:      (t.Position == models.PositionLong) == outcome,
		})
	}
	result.MakerDelta = total.Neg()
	return result, nil
}

// Preview computes settlement results for a CLOSED market without writing
// anything, so an admin can inspect the damage before committing.
func (s *SettlementEngine) Preview(ctx context.Context, marketID uint64, outcome bool, explicit *decimal.Decimal) (*SettlementResult, error) {
	unlock := s.Lifecycle.lockMarket(marketID)
	defer unlock()

	m, err := s.Lifecycle.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == models.MarketStatusSettled {
		return s.replayLocked(ctx, m, outcome, explicit)
	}
	if m.Status != models.MarketStatusClosed {
		return nil, newError(KindConflict, CodeMarketNotClosed,
			"market %d must be CLOSED to preview settlement, current status %s", marketID, m.Status)
	}
	price, err := settlementPrice(m, outcome, explicit)
	if err != nil {
		return nil, err
	}
	trades, err := s.Repo.ListOpenTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	result := &SettlementResult{
		Market:          m,
		Outcome:         outcome,
		SettlementPrice: price,
		Trades:          make([]TradeSettlement, 0, len(trades)),
		MakerDelta:      decimal.Zero,
	}
	total := decimal.Zero
	for _, t := range trades {
		pnl := tradePnL(t.Position, t.Price, price, t.Quantity)
		total = total.Add(pnl)
		result.Trades = append(result.Trades, TradeSettlement{
			TradeID:  t.ID,
			UserID:   t.UserID,
			Position: t.Position,
			Price:    t.Price,
			Quantity: t.Quantity,
			PnL:      pnl,
			Won:      (t.Position == models.PositionLong) == outcome,
		})
	}
	result.MakerDelta = total.Neg()
	return result, nil
}

func (s *SettlementEngine) logInfo(msg string, fields ...zap.Field) {
	if s == nil || s.Logger == nil {
		return
	}
	s.Logger.Info(msg, fields...)
}
