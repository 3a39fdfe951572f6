package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// DelayStep is how far a bid-less market's windows move every time its
// bidding close passes with zero bids.
const DelayStep = 24 * time.Hour

// Role is what the engines need to know about a user before letting an
// operation through.
type Role struct {
	IsAdmin    bool
	IsVerified bool
}

// RoleDirectory answers role questions from the account store. Claims inside
// session tokens can go stale, so the engines always ask the directory.
type RoleDirectory interface {
	Lookup(ctx context.Context, userID uint64) (Role, error)
}

// LifecycleEngine owns the market state machine: bid intake, the lazy
// evaluation step every operation runs first, activation (automatic and
// manual), the no-bids delay rule and market administration.
//
// It also owns the per-market mutexes. The trade and settlement engines
// serialize through the same table, so one LifecycleEngine instance must be
// shared by all of them.
type LifecycleEngine struct {
	Repo      repository.Repository
	Directory RoleDirectory
	Clock     Clock
	Logger    *zap.Logger

	// SweepLimit caps how many due markets one SweepDue pass touches.
	SweepLimit int

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// lockMarket serializes every mutating operation on one market, across all
// engines sharing this instance.
func (e *LifecycleEngine) lockMarket(marketID uint64) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = map[uint64]*sync.Mutex{}
	}
	m := e.locks[marketID]
	if m == nil {
		m = &sync.Mutex{}
		e.locks[marketID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *LifecycleEngine) now() time.Time {
	if e != nil && e.Clock != nil {
		return e.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *LifecycleEngine) getMarket(ctx context.Context, marketID uint64) (*models.Market, error) {
	m, err := e.Repo.GetMarketByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, newError(KindNotFound, CodeMarketNotFound, "market %d not found", marketID)
	}
	return m, nil
}

func (e *LifecycleEngine) lookupRole(ctx context.Context, userID uint64) (Role, error) {
	if e.Directory == nil {
		return Role{}, newError(KindNotFound, CodeUserNotFound, "user %d not found", userID)
	}
	return e.Directory.Lookup(ctx, userID)
}

// CreateMarketParams carries everything an admin supplies when opening a new
// market for spread bidding.
type CreateMarketParams struct {
	Premise            string
	UnitPrice          decimal.Decimal
	InitialSpreadWidth int
	CreatedBy          uint64
	BiddingOpenAt      time.Time
	BiddingCloseAt     time.Time
	TradingOpenAt      time.Time
	TradingCloseAt     time.Time
}

// SpreadQuote is an explicit low/high pair, used when an admin activates a
// bid-less market by hand.
type SpreadQuote struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

func (q SpreadQuote) validate() error {
	if !q.Low.IsPositive() || !q.High.IsPositive() {
		return newError(KindValidation, CodeInvalidSpreadValue, "spread bounds must be strictly positive")
	}
	if !q.High.GreaterThan(q.Low) {
		return newError(KindValidation, CodeInvalidSpreadValue, "spread high %s must exceed low %s", q.High, q.Low)
	}
	return nil
}

// CreateMarket validates the timing invariant and writes the market in
// CREATED. The caller is responsible for admin gating.
func (e *LifecycleEngine) CreateMarket(ctx context.Context, params CreateMarketParams) (*models.Market, error) {
	params.Premise = strings.TrimSpace(params.Premise)
	if params.Premise == "" {
		return nil, newError(KindValidation, CodeInvalidPremise, "premise must not be empty")
	}
	if !params.UnitPrice.IsPositive() {
		return nil, newError(KindValidation, CodeInvalidUnitPrice, "unit price must be strictly positive")
	}
	if params.InitialSpreadWidth <= 0 {
		return nil, newError(KindValidation, CodeInvalidSpreadValue, "initial spread width must be positive")
	}
	if params.CreatedBy == 0 {
		return nil, newError(KindNotFound, CodeUserNotFound, "creator is required")
	}
	if params.BiddingOpenAt.IsZero() || params.BiddingCloseAt.IsZero() ||
		params.TradingOpenAt.IsZero() || params.TradingCloseAt.IsZero() {
		return nil, newError(KindValidation, CodeInvalidMarketTiming, "all four window timestamps are required")
	}
	if !params.BiddingOpenAt.Before(params.BiddingCloseAt) {
		return nil, newError(KindValidation, CodeInvalidMarketTiming, "bidding close must be after bidding open")
	}
	if params.TradingOpenAt.Before(params.BiddingCloseAt) {
		return nil, newError(KindValidation, CodeInvalidMarketTiming, "trading open must not precede bidding close")
	}
	if !params.TradingOpenAt.Before(params.TradingCloseAt) {
		return nil, newError(KindValidation, CodeInvalidMarketTiming, "trading close must be after trading open")
	}

	m := &models.Market{
		Premise:            params.Premise,
		UnitPrice:          params.UnitPrice,
		InitialSpreadWidth: params.InitialSpreadWidth,
		CreatedBy:          params.CreatedBy,
		Status:             models.MarketStatusCreated,
		BiddingOpenAt:      params.BiddingOpenAt.UTC(),
		BiddingCloseAt:     params.BiddingCloseAt.UTC(),
		TradingOpenAt:      params.TradingOpenAt.UTC(),
		TradingCloseAt:     params.TradingCloseAt.UTC(),
	}
	if err := e.Repo.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	e.recordEvent(ctx, m.ID, "created", &params.CreatedBy, map[string]any{
		"premise":              m.Premise,
		"initial_spread_width": m.InitialSpreadWidth,
		"bidding_close_at":     m.BiddingCloseAt,
		"trading_close_at":     m.TradingCloseAt,
	})
	e.logInfo("market created",
		zap.Uint64("market_id", m.ID),
		zap.Uint64("created_by", params.CreatedBy),
		zap.Time("bidding_close_at", m.BiddingCloseAt))
	return m, nil
}

// DeleteMarket removes a market that never activated, along with its bids
// and audit trail. Activated markets are immutable history and stay.
func (e *LifecycleEngine) DeleteMarket(ctx context.Context, marketID uint64) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.evaluateLocked(ctx, marketID)
	if err != nil {
		return err
	}
	if m.Status != models.MarketStatusCreated {
		return newError(KindConflict, CodeAlreadyActive, "market %d has already activated and cannot be deleted", marketID)
	}
	ok, err := e.Repo.DeleteCreatedMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindConflict, CodeAlreadyActive, "market %d has already activated and cannot be deleted", marketID)
	}
	e.logInfo("market deleted", zap.Uint64("market_id", marketID))
	return nil
}

// Evaluate applies every lifecycle transition the clock has made due and
// returns the market's current state. All other operations run this first,
// so state is always settled before their own rules apply.
func (e *LifecycleEngine) Evaluate(ctx context.Context, marketID uint64) (*models.Market, error) {
	unlock := e.lockMarket(marketID)
	defer unlock()
	return e.evaluateLocked(ctx, marketID)
}

func (e *LifecycleEngine) evaluateLocked(ctx context.Context, marketID uint64) (*models.Market, error) {
	m, err := e.getMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	// A market whose bidding close has passed either activates (bids exist)
	// or delays one step. Delays repeat until the close is in the future
	// again, one delay_count increment per missed step.
	for m.Status == models.MarketStatusCreated && !now.Before(m.BiddingCloseAt) {
		count, err := e.Repo.CountSpreadBidsByMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			m, err = e.activateFromBidsLocked(ctx, m, nil)
			if err != nil {
				return nil, err
			}
			continue
		}
		m, err = e.delayOnceLocked(ctx, m)
		if err != nil {
			return nil, err
		}
	}

	if m.Status == models.MarketStatusOpen && !now.Before(m.TradingCloseAt) {
		ok, err := e.Repo.CloseMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if ok {
			e.recordEvent(ctx, marketID, "closed", nil, map[string]any{
				"trading_close_at": m.TradingCloseAt,
			})
			e.logInfo("market closed", zap.Uint64("market_id", marketID))
		}
		m, err = e.getMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// activateFromBidsLocked runs winner selection and moves the market to OPEN.
// actor is nil for clock-driven activation.
func (e *LifecycleEngine) activateFromBidsLocked(ctx context.Context, m *models.Market, actor *uint64) (*models.Market, error) {
	bids, err := e.Repo.ListSpreadBidsByMarket(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	winner := SelectWinningBid(bids)
	if winner == nil {
		return nil, newError(KindValidation, CodeInitialBidRequired, "market %d has no bids to activate from", m.ID)
	}
	ok, err := e.Repo.ActivateMarket(ctx, m.ID, winner.SpreadLow, winner.SpreadHigh, winner.UserID)
	if err != nil {
		return nil, err
	}
	if ok {
		e.recordEvent(ctx, m.ID, "activated", actor, map[string]any{
			"winning_bid_id": winner.ID,
			"market_maker":   winner.UserID,
			"spread_low":     winner.SpreadLow,
			"spread_high":    winner.SpreadHigh,
			"spread_width":   winner.SpreadWidth(),
			"bid_count":      len(bids),
		})
		e.logInfo("market activated",
			zap.Uint64("market_id", m.ID),
			zap.Uint64("market_maker", winner.UserID),
			zap.String("spread_low", winner.SpreadLow.String()),
			zap.String("spread_high", winner.SpreadHigh.String()),
			zap.Int("bid_count", len(bids)))
	}
	return e.getMarket(ctx, m.ID)
}

// delayOnceLocked advances the windows by one step. Trading open is dragged
// along when the new bidding close would otherwise overtake it.
func (e *LifecycleEngine) delayOnceLocked(ctx context.Context, m *models.Market) (*models.Market, error) {
	biddingClose := m.BiddingCloseAt.Add(DelayStep)
	tradingClose := m.TradingCloseAt.Add(DelayStep)
	tradingOpen := m.TradingOpenAt
	if tradingOpen.Before(biddingClose) {
		tradingOpen = biddingClose
	}
	ok, err := e.Repo.DelayMarket(ctx, m.ID, m.BiddingCloseAt, biddingClose, tradingOpen, tradingClose)
	if err != nil {
		return nil, err
	}
	if ok {
		e.recordEvent(ctx, m.ID, "delayed", nil, map[string]any{
			"delay_count":      m.DelayCount + 1,
			"bidding_close_at": biddingClose,
			"trading_close_at": tradingClose,
		})
		e.logInfo("market delayed for lack of bids",
			zap.Uint64("market_id", m.ID),
			zap.Int("delay_count", m.DelayCount+1),
			zap.Time("bidding_close_at", biddingClose))
	}
	return e.getMarket(ctx, m.ID)
}

// PlaceBid records a competitive spread quote. Window first, then the quote
// itself, then the bidder's roles.
func (e *LifecycleEngine) PlaceBid(ctx context.Context, marketID, userID uint64, low, high decimal.Decimal) (*models.SpreadBid, error) {
	unlock := e.lockMarket(marketID)
	defer unlock()

	m, err := e.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if m.Status != models.MarketStatusCreated {
		return nil, newError(KindTiming, CodeBiddingWindowClosed, "market %d is no longer accepting spread bids", marketID)
	}
	if now.Before(m.BiddingOpenAt) || !now.Before(m.BiddingCloseAt) {
		return nil, newError(KindTiming, CodeBiddingWindowClosed, "bidding window for market %d is not open", marketID)
	}
	if err := (SpreadQuote{Low: low, High: high}).validate(); err != nil {
		return nil, err
	}
	role, err := e.lookupRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	if role.IsAdmin {
		return nil, newError(KindRole, CodeRoleNotPermitted, "administrators cannot bid on markets")
	}
	if m.CreatedBy == userID {
		return nil, newError(KindRole, CodeRoleNotPermitted, "market creators cannot bid on their own markets")
	}
	if !role.IsVerified {
		return nil, newError(KindRole, CodeAccountNotVerified, "account must be verified before bidding")
	}

	bid := &models.SpreadBid{
		MarketID:   marketID,
		UserID:     userID,
		SpreadLow:  low,
		SpreadHigh: high,
		BidTime:    now,
	}
	if err := e.Repo.InsertSpreadBid(ctx, bid); err != nil {
		return nil, err
	}
	e.logInfo("spread bid placed",
		zap.Uint64("market_id", marketID),
		zap.Uint64("user_id", userID),
		zap.String("spread_low", low.String()),
		zap.String("spread_high", high.String()),
		zap.String("spread_width", high.Sub(low).String()))
	return bid, nil
}

// ManualActivate is the admin override: activate now instead of waiting for
// the bidding close to pass. With bids the usual winner selection applies;
// without bids the admin must supply the spread, and the market's creator is
// recorded as maker.
func (e *LifecycleEngine) ManualActivate(ctx context.Context, marketID, actorID uint64, quote *SpreadQuote) (*models.Market, error) {
	unlock := e.lockMarket(marketID)
	defer unlock()

	role, err := e.lookupRole(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !role.IsAdmin {
		return nil, newError(KindRole, CodeRoleNotPermitted, "only administrators can activate markets manually")
	}

	m, err := e.evaluateLocked(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MarketStatusCreated {
		return nil, newError(KindConflict, CodeAlreadyActive, "market %d is already active", marketID)
	}

	count, err := e.Repo.CountSpreadBidsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return e.activateFromBidsLocked(ctx, m, &actorID)
	}
	if quote == nil {
		return nil, newError(KindValidation, CodeInitialBidRequired, "market %d has no bids; supply an initial spread to activate", marketID)
	}
	if err := quote.validate(); err != nil {
		return nil, err
	}
	ok, err := e.Repo.ActivateMarket(ctx, marketID, quote.Low, quote.High, m.CreatedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(KindConflict, CodeAlreadyActive, "market %d is already active", marketID)
	}
	e.recordEvent(ctx, marketID, "manual_activated", &actorID, map[string]any{
		"market_maker": m.CreatedBy,
		"spread_low":   quote.Low,
		"spread_high":  quote.High,
	})
	e.logInfo("market manually activated",
		zap.Uint64("market_id", marketID),
		zap.Uint64("actor_id", actorID),
		zap.String("spread_low", quote.Low.String()),
		zap.String("spread_high", quote.High.String()))
	return e.getMarket(ctx, marketID)
}

// SweepDue evaluates every market whose next transition is due. The sweep is
// an optimization that keeps delay counts and activations moving without
// traffic; lazy evaluation on access remains the correctness mechanism.
func (e *LifecycleEngine) SweepDue(ctx context.Context) error {
	if e == nil || e.Repo == nil {
		return nil
	}
	limit := e.SweepLimit
	if limit <= 0 {
		limit = 500
	}
	markets, err := e.Repo.ListMarketsDue(ctx, e.now(), limit)
	if err != nil {
		e.logWarn("lifecycle sweep list failed", err)
		return err
	}
	for _, m := range markets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.Evaluate(ctx, m.ID); err != nil {
			e.logWarn("lifecycle sweep evaluate failed", err, zap.Uint64("market_id", m.ID))
		}
	}
	if len(markets) > 0 {
		e.logInfo("lifecycle sweep complete", zap.Int("markets", len(markets)))
	}
	return nil
}

func (e *LifecycleEngine) recordEvent(ctx context.Context, marketID uint64, action string, actor *uint64, details map[string]any) {
	if e == nil || e.Repo == nil {
		return
	}
	payload := datatypes.JSON([]byte(`{}`))
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			payload = datatypes.JSON(raw)
		}
	}
	item := &models.MarketEvent{
		MarketID: marketID,
		Action:   action,
		Actor:    actor,
		Details:  payload,
	}
	if err := e.Repo.InsertMarketEvent(ctx, item); err != nil {
		e.logWarn("record market event failed", err, zap.Uint64("market_id", marketID), zap.String("action", action))
	}
}

func (e *LifecycleEngine) logInfo(msg string, fields ...zap.Field) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Info(msg, fields...)
}

func (e *LifecycleEngine) logWarn(msg string, err error, fields ...zap.Field) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
