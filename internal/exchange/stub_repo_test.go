package exchange

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// The conditional transitions honor the same status guards as the database
// store, so the engines see the same at-most-once semantics they would see
// against SQL.
type stubRepo struct {
	users   map[uint64]*models.User
	markets map[uint64]*models.Market
	bids    []models.SpreadBid
	trades  map[uint64]*models.Trade
	entries []models.BalanceEntry
	events  []models.MarketEvent

	nextID uint64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:   map[uint64]*models.User{},
		markets: map[uint64]*models.Market{},
		trades:  map[uint64]*models.Trade{},
	}
}

var _ repository.Repository = (*stubRepo)(nil)

func (s *stubRepo) id() uint64 {
	s.nextID++
	return s.nextID
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

// Users

func (s *stubRepo) CreateUser(ctx context.Context, item *models.User) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	cp := *item
	s.users[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetUserByID(ctx context.Context, id uint64) (*models.User, error) {
	u := s.users[id]
	if u == nil {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *stubRepo) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) ListUsers(ctx context.Context, params repository.ListUsersParams) ([]models.User, error) {
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) CountUsers(ctx context.Context, params repository.ListUsersParams) (int64, error) {
	return int64(len(s.users)), nil
}

func (s *stubRepo) SetUserVerified(ctx context.Context, id uint64, verified bool) error {
	if u := s.users[id]; u != nil {
		u.IsVerified = verified
	}
	return nil
}

func (s *stubRepo) PromoteUserAdmin(ctx context.Context, id uint64) error {
	if u := s.users[id]; u != nil {
		u.IsAdmin = true
		u.IsVerified = true
	}
	return nil
}

func (s *stubRepo) AdjustUserBalanceTx(ctx context.Context, tx *gorm.DB, id uint64, delta decimal.Decimal) error {
	if u := s.users[id]; u != nil {
		u.Balance = u.Balance.Add(delta)
	}
	return nil
}

// Markets

func (s *stubRepo) CreateMarket(ctx context.Context, item *models.Market) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	cp := *item
	s.markets[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetMarketByID(ctx context.Context, id uint64) (*models.Market, error) {
	m := s.markets[id]
	if m == nil {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *stubRepo) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	out := make([]models.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if params.Status != nil && m.Status != *params.Status {
			continue
		}
		if params.CreatedBy != nil && m.CreatedBy != *params.CreatedBy {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	items, _ := s.ListMarkets(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) ListMarketsDue(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	var out []models.Market
	for _, m := range s.markets {
		created := m.Status == models.MarketStatusCreated && !m.BiddingCloseAt.After(now)
		open := m.Status == models.MarketStatusOpen && !m.TradingCloseAt.After(now)
		if created || open {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BiddingCloseAt.Before(out[j].BiddingCloseAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) DeleteCreatedMarket(ctx context.Context, id uint64) (bool, error) {
	m := s.markets[id]
	if m == nil || m.Status != models.MarketStatusCreated {
		return false, nil
	}
	delete(s.markets, id)
	return true, nil
}

func (s *stubRepo) MarketStats(ctx context.Context) (repository.MarketStats, error) {
	stats := repository.MarketStats{ByStatus: map[models.MarketStatus]int64{}}
	for _, m := range s.markets {
		stats.TotalMarkets++
		stats.ByStatus[m.Status]++
		if m.DelayCount > 0 {
			stats.DelayedMarkets++
		}
	}
	stats.TotalBids = int64(len(s.bids))
	for _, t := range s.trades {
		stats.TotalTrades++
		if t.Status == models.TradeStatusOpen {
			stats.OpenTrades++
		}
	}
	return stats, nil
}

func (s *stubRepo) ActivateMarket(ctx context.Context, id uint64, low, high decimal.Decimal, maker uint64) (bool, error) {
	m := s.markets[id]
	if m == nil || m.Status != models.MarketStatusCreated {
		return false, nil
	}
	m.Status = models.MarketStatusOpen
	m.FinalSpreadLow = &low
	m.FinalSpreadHigh = &high
	m.MarketMaker = &maker
	return true, nil
}

func (s *stubRepo) DelayMarket(ctx context.Context, id uint64, prevBiddingClose time.Time, biddingClose, tradingOpen, tradingClose time.Time) (bool, error) {
	m := s.markets[id]
	if m == nil || m.Status != models.MarketStatusCreated || !m.BiddingCloseAt.Equal(prevBiddingClose) {
		return false, nil
	}
	m.BiddingCloseAt = biddingClose
	m.TradingOpenAt = tradingOpen
	m.TradingCloseAt = tradingClose
	m.DelayCount++
	return true, nil
}

func (s *stubRepo) CloseMarket(ctx context.Context, id uint64) (bool, error) {
	m := s.markets[id]
	if m == nil || m.Status != models.MarketStatusOpen {
		return false, nil
	}
	m.Status = models.MarketStatusClosed
	return true, nil
}

func (s *stubRepo) SettleMarketTx(ctx context.Context, tx *gorm.DB, id uint64, outcome bool, price decimal.Decimal) (bool, error) {
	m := s.markets[id]
	if m == nil || m.Status != models.MarketStatusClosed {
		return false, nil
	}
	m.Status = models.MarketStatusSettled
	m.Outcome = &outcome
	m.SettlementPrice = &price
	return true, nil
}

// Spread bids

func (s *stubRepo) InsertSpreadBid(ctx context.Context, item *models.SpreadBid) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	if item.BidTime.IsZero() {
		item.BidTime = time.Now().UTC()
	}
	s.bids = append(s.bids, *item)
	return nil
}

func (s *stubRepo) ListSpreadBidsByMarket(ctx context.Context, marketID uint64) ([]models.SpreadBid, error) {
	var out []models.SpreadBid
	for _, b := range s.bids {
		if b.MarketID == marketID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BidTime.Equal(out[j].BidTime) {
			return out[i].BidTime.Before(out[j].BidTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *stubRepo) CountSpreadBidsByMarket(ctx context.Context, marketID uint64) (int64, error) {
	var n int64
	for _, b := range s.bids {
		if b.MarketID == marketID {
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) DeleteSpreadBidsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	kept := s.bids[:0]
	for _, b := range s.bids {
		if b.MarketID != marketID {
			kept = append(kept, b)
		}
	}
	s.bids = kept
	return nil
}

// Trades

func (s *stubRepo) InsertTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	cp := *item
	s.trades[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetOpenTrade(ctx context.Context, marketID, userID uint64) (*models.Trade, error) {
	for _, t := range s.trades {
		if t.MarketID == marketID && t.UserID == userID && t.Status == models.TradeStatusOpen {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) ListOpenTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return s.listTradesByStatus(marketID, models.TradeStatusOpen), nil
}

func (s *stubRepo) ListSettledTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return s.listTradesByStatus(marketID, models.TradeStatusSettled), nil
}

func (s *stubRepo) listTradesByStatus(marketID uint64, status models.TradeStatus) []models.Trade {
	var out []models.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID && t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeTime.Equal(out[j].TradeTime) {
			return out[i].TradeTime.Before(out[j].TradeTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *stubRepo) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	var out []models.Trade
	for _, t := range s.trades {
		if params.MarketID != nil && t.MarketID != *params.MarketID {
			continue
		}
		if params.UserID != nil && t.UserID != *params.UserID {
			continue
		}
		if params.Status != nil && t.Status != *params.Status {
			continue
		}
		if params.Position != nil && t.Position != *params.Position {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) CountTrades(ctx context.Context, params repository.ListTradesParams) (int64, error) {
	items, _ := s.ListTrades(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) MarkTradeReplacedTx(ctx context.Context, tx *gorm.DB, id uint64) (bool, error) {
	t := s.trades[id]
	if t == nil || t.Status != models.TradeStatusOpen {
		return false, nil
	}
	t.Status = models.TradeStatusReplaced
	return true, nil
}

func (s *stubRepo) CancelOpenTrade(ctx context.Context, marketID, userID uint64, at time.Time) (bool, error) {
	for _, t := range s.trades {
		if t.MarketID == marketID && t.UserID == userID && t.Status == models.TradeStatusOpen {
			t.Status = models.TradeStatusCancelled
			cancelled := at
			t.CancelledAt = &cancelled
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) SettleTradeTx(ctx context.Context, tx *gorm.DB, id uint64, pnl, price decimal.Decimal, at time.Time) (bool, error) {
	t := s.trades[id]
	if t == nil || t.Status != models.TradeStatusOpen {
		return false, nil
	}
	t.Status = models.TradeStatusSettled
	t.PnL = &pnl
	t.SettlementPrice = &price
	settled := at
	t.SettledAt = &settled
	return true, nil
}

func (s *stubRepo) DeleteTradesByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	for id, t := range s.trades {
		if t.MarketID == marketID {
			delete(s.trades, id)
		}
	}
	return nil
}

// Balance ledger

func (s *stubRepo) InsertBalanceEntryTx(ctx context.Context, tx *gorm.DB, item *models.BalanceEntry) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, *item)
	return nil
}

func (s *stubRepo) ListBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) ([]models.BalanceEntry, error) {
	var out []models.BalanceEntry
	for _, e := range s.entries {
		if params.UserID != nil && e.UserID != *params.UserID {
			continue
		}
		if params.MarketID != nil && e.MarketID != *params.MarketID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *stubRepo) CountBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) (int64, error) {
	items, _ := s.ListBalanceEntries(ctx, params)
	return int64(len(items)), nil
}

// Audit events

func (s *stubRepo) InsertMarketEvent(ctx context.Context, item *models.MarketEvent) error {
	if item.ID == 0 {
		item.ID = s.id()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, *item)
	return nil
}

func (s *stubRepo) ListMarketEvents(ctx context.Context, marketID uint64, limit int) ([]models.MarketEvent, error) {
	var out []models.MarketEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].MarketID == marketID {
			out = append(out, s.events[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) DeleteMarketEventsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.MarketID != marketID {
			kept = append(kept, ev)
		}
	}
	s.events = kept
	return nil
}

// countEvents tallies audit rows for one market and action.
func (s *stubRepo) countEvents(marketID uint64, action string) int {
	n := 0
	for _, ev := range s.events {
		if ev.MarketID == marketID && ev.Action == action {
			n++
		}
	}
	return n
}

// stubDirectory answers role lookups straight from the stub repo's users.
type stubDirectory struct {
	repo *stubRepo
}

func (d stubDirectory) Lookup(ctx context.Context, userID uint64) (Role, error) {
	u := d.repo.users[userID]
	if u == nil {
		return Role{}, newError(KindNotFound, CodeUserNotFound, "user %d not found", userID)
	}
	return Role{IsAdmin: u.IsAdmin, IsVerified: u.IsVerified}, nil
}

// stubLedger stands in for the account ledger: balance plus one entry per
// non-zero movement, same skip rules.
type stubLedger struct {
	repo *stubRepo
}

func (l stubLedger) ApplyTx(ctx context.Context, tx *gorm.DB, userID uint64, delta decimal.Decimal, reason string, marketID, tradeID uint64) error {
	if userID == 0 || delta.IsZero() {
		return nil
	}
	if err := l.repo.AdjustUserBalanceTx(ctx, tx, userID, delta); err != nil {
		return err
	}
	return l.repo.InsertBalanceEntryTx(ctx, tx, &models.BalanceEntry{
		UserID:   userID,
		MarketID: marketID,
		TradeID:  tradeID,
		Delta:    delta,
		Reason:   reason,
	})
}
