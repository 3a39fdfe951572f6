package accounts

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// It implements the full interface but only the user and balance entry
// methods carry real behavior; the directory and ledger never call the rest.
type stubRepo struct {
	users   map[uint64]*models.User
	entries []models.BalanceEntry
	nextID  uint64
}

func newStubRepo() *stubRepo {
	return &stubRepo{users: map[uint64]*models.User{}}
}

var _ repository.Repository = (*stubRepo)(nil)

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubRepo) CreateUser(ctx context.Context, item *models.User) error {
	if item.ID == 0 {
		s.nextID++
		item.ID = s.nextID
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

func (s *stubRepo) CreateMarket(ctx context.Context, item *models.Market) error { return nil }
func (s *stubRepo) GetMarketByID(ctx context.Context, id uint64) (*models.Market, error) {
	return nil, nil
}
func (s *stubRepo) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	return nil, nil
}
func (s *stubRepo) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	return 0, nil
}
func (s *stubRepo) ListMarketsDue(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	return nil, nil
}
func (s *stubRepo) DeleteCreatedMarket(ctx context.Context, id uint64) (bool, error) {
	return false, nil
}
func (s *stubRepo) MarketStats(ctx context.Context) (repository.MarketStats, error) {
	return repository.MarketStats{}, nil
}
func (s *stubRepo) ActivateMarket(ctx context.Context, id uint64, low, high decimal.Decimal, maker uint64) (bool, error) {
	return false, nil
}
func (s *stubRepo) DelayMarket(ctx context.Context, id uint64, prevBiddingClose time.Time, biddingClose, tradingOpen, tradingClose time.Time) (bool, error) {
	return false, nil
}
func (s *stubRepo) CloseMarket(ctx context.Context, id uint64) (bool, error) { return false, nil }
func (s *stubRepo) SettleMarketTx(ctx context.Context, tx *gorm.DB, id uint64, outcome bool, price decimal.Decimal) (bool, error) {
	return false, nil
}

func (s *stubRepo) InsertSpreadBid(ctx context.Context, item *models.SpreadBid) error { return nil }
func (s *stubRepo) ListSpreadBidsByMarket(ctx context.Context, marketID uint64) ([]models.SpreadBid, error) {
	return nil, nil
}
func (s *stubRepo) CountSpreadBidsByMarket(ctx context.Context, marketID uint64) (int64, error) {
	return 0, nil
}
func (s *stubRepo) DeleteSpreadBidsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	return nil
}

func (s *stubRepo) InsertTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error {
	return nil
}
func (s *stubRepo) GetOpenTrade(ctx context.Context, marketID, userID uint64) (*models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) ListOpenTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) ListSettledTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) CountTrades(ctx context.Context, params repository.ListTradesParams) (int64, error) {
	return 0, nil
}
func (s *stubRepo) MarkTradeReplacedTx(ctx context.Context, tx *gorm.DB, id uint64) (bool, error) {
	return false, nil
}
func (s *stubRepo) CancelOpenTrade(ctx context.Context, marketID, userID uint64, at time.Time) (bool, error) {
	return false, nil
}
func (s *stubRepo) SettleTradeTx(ctx context.Context, tx *gorm.DB, id uint64, pnl, price decimal.Decimal, at time.Time) (bool, error) {
	return false, nil
}
func (s *stubRepo) DeleteTradesByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	return nil
}

func (s *stubRepo) InsertBalanceEntryTx(ctx context.Context, tx *gorm.DB, item *models.BalanceEntry) error {
	if item.ID == 0 {
		s.nextID++
		item.ID = s.nextID
	}
	s.entries = append(s.entries, *item)
	return nil
}

func (s *stubRepo) ListBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) ([]models.BalanceEntry, error) {
	return append([]models.BalanceEntry{}, s.entries...), nil
}

func (s *stubRepo) CountBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) (int64, error) {
	return int64(len(s.entries)), nil
}

func (s *stubRepo) InsertMarketEvent(ctx context.Context, item *models.MarketEvent) error { return nil }
func (s *stubRepo) ListMarketEvents(ctx context.Context, marketID uint64, limit int) ([]models.MarketEvent, error) {
	return nil, nil
}
func (s *stubRepo) DeleteMarketEventsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	return nil
}
