package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
)

// Repository is the persistence surface shared by the exchange engines, the
// account services and the HTTP handlers. Lifecycle transitions go through
// the conditional Tx methods so each transition applies at most once even
// when callers race.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Users
	CreateUser(ctx context.Context, item *models.User) error
	GetUserByID(ctx context.Context, id uint64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, params ListUsersParams) ([]models.User, error)
	CountUsers(ctx context.Context, params ListUsersParams) (int64, error)
	SetUserVerified(ctx context.Context, id uint64, verified bool) error
	PromoteUserAdmin(ctx context.Context, id uint64) error
	AdjustUserBalanceTx(ctx context.Context, tx *gorm.DB, id uint64, delta decimal.Decimal) error

	// Markets
	CreateMarket(ctx context.Context, item *models.Market) error
	GetMarketByID(ctx context.Context, id uint64) (*models.Market, error)
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]models.Market, error)
	CountMarkets(ctx context.Context, params ListMarketsParams) (int64, error)
	ListMarketsDue(ctx context.Context, now time.Time, limit int) ([]models.Market, error)
	DeleteCreatedMarket(ctx context.Context, id uint64) (bool, error)
	MarketStats(ctx context.Context) (MarketStats, error)

	// Markets: conditional lifecycle transitions. Each returns false when the
	// guard no longer holds (someone else moved the market first).
	ActivateMarket(ctx context.Context, id uint64, low, high decimal.Decimal, maker uint64) (bool, error)
	DelayMarket(ctx context.Context, id uint64, prevBiddingClose time.Time, biddingClose, tradingOpen, tradingClose time.Time) (bool, error)
	CloseMarket(ctx context.Context, id uint64) (bool, error)
	SettleMarketTx(ctx context.Context, tx *gorm.DB, id uint64, outcome bool, price decimal.Decimal) (bool, error)

	// Spread bids
	InsertSpreadBid(ctx context.Context, item *models.SpreadBid) error
	ListSpreadBidsByMarket(ctx context.Context, marketID uint64) ([]models.SpreadBid, error)
	CountSpreadBidsByMarket(ctx context.Context, marketID uint64) (int64, error)
	DeleteSpreadBidsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error

	// Trades
	InsertTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error
	GetOpenTrade(ctx context.Context, marketID, userID uint64) (*models.Trade, error)
	ListOpenTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error)
	ListSettledTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error)
	ListTrades(ctx context.Context, params ListTradesParams) ([]models.Trade, error)
	CountTrades(ctx context.Context, params ListTradesParams) (int64, error)
	MarkTradeReplacedTx(ctx context.Context, tx *gorm.DB, id uint64) (bool, error)
	CancelOpenTrade(ctx context.Context, marketID, userID uint64, at time.Time) (bool, error)
	SettleTradeTx(ctx context.Context, tx *gorm.DB, id uint64, pnl, price decimal.Decimal, at time.Time) (bool, error)
	DeleteTradesByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error

	// Balance ledger
	InsertBalanceEntryTx(ctx context.Context, tx *gorm.DB, item *models.BalanceEntry) error
	ListBalanceEntries(ctx context.Context, params ListBalanceEntriesParams) ([]models.BalanceEntry, error)
	CountBalanceEntries(ctx context.Context, params ListBalanceEntriesParams) (int64, error)

	// Audit events
	InsertMarketEvent(ctx context.Context, item *models.MarketEvent) error
	ListMarketEvents(ctx context.Context, marketID uint64, limit int) ([]models.MarketEvent, error)
	DeleteMarketEventsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error
}

type ListUsersParams struct {
	Limit    int
	Offset   int
	Username *string
	IsAdmin  *bool
	Verified *bool
	OrderBy  string
	Asc      *bool
}

type ListMarketsParams struct {
	Limit      int
	Offset     int
	Status     *models.MarketStatus
	CreatedBy  *uint64
	ActiveOnly bool
	Premise    *string
	OrderBy    string
	Asc        *bool
}

type ListTradesParams struct {
	Limit    int
	Offset   int
	MarketID *uint64
	UserID   *uint64
	Status   *models.TradeStatus
	Position *models.Position
	OrderBy  string
	Asc      *bool
}

type ListBalanceEntriesParams struct {
	Limit    int
	Offset   int
	UserID   *uint64
	MarketID *uint64
	Since    *time.Time
	OrderBy  string
	Asc      *bool
}

type MarketStats struct {
	TotalMarkets   int64
	ByStatus       map[models.MarketStatus]int64
	TotalBids      int64
	TotalTrades    int64
	OpenTrades     int64
	DelayedMarkets int64
}
