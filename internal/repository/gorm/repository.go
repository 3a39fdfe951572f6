package gormrepository

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- Users ------------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, item *models.User) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Username = strings.TrimSpace(item.Username)
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetUserByID(ctx context.Context, id uint64) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if id == 0 {
		return nil, nil
	}
	var item models.User
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil
	}
	var item models.User
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListUsers(ctx context.Context, params repository.ListUsersParams) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyUserFilters(s.db.WithContext(ctx).Model(&models.User{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.User
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountUsers(ctx context.Context, params repository.ListUsersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := applyUserFilters(s.db.WithContext(ctx).Model(&models.User{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyUserFilters(query *gorm.DB, params repository.ListUsersParams) *gorm.DB {
	if params.Username != nil && strings.TrimSpace(*params.Username) != "" {
		query = query.Where("username ILIKE ?", "%"+strings.TrimSpace(*params.Username)+"%")
	}
	if params.IsAdmin != nil {
		query = query.Where("is_admin = ?", *params.IsAdmin)
	}
	if params.Verified != nil {
		query = query.Where("is_verified = ?", *params.Verified)
	}
	return query
}

func (s *Store) SetUserVerified(ctx context.Context, id uint64, verified bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	if id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_verified": verified, "updated_at": time.Now().UTC()}).
		Error
}

func (s *Store) PromoteUserAdmin(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	if id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_admin": true, "is_verified": true, "updated_at": time.Now().UTC()}).
		Error
}

func (s *Store) AdjustUserBalanceTx(ctx context.Context, tx *gorm.DB, id uint64, delta decimal.Decimal) error {
	if id == 0 || delta.IsZero() {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		}).Error
}

// --- Markets ----------------------------------------------------------------

func (s *Store) CreateMarket(ctx context.Context, item *models.Market) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetMarketByID(ctx context.Context, id uint64) (*models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if id == 0 {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).Model(&models.Market{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyMarketFilters(s.db.WithContext(ctx).Model(&models.Market{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Market
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := applyMarketFilters(s.db.WithContext(ctx).Model(&models.Market{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyMarketFilters(query *gorm.DB, params repository.ListMarketsParams) *gorm.DB {
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	if params.CreatedBy != nil && *params.CreatedBy > 0 {
		query = query.Where("created_by = ?", *params.CreatedBy)
	}
	if params.ActiveOnly {
		query = query.Where("status IN ?", []models.MarketStatus{models.MarketStatusCreated, models.MarketStatusOpen})
	}
	if params.Premise != nil && strings.TrimSpace(*params.Premise) != "" {
		query = query.Where("premise ILIKE ?", "%"+strings.TrimSpace(*params.Premise)+"%")
	}
	return query
}

func (s *Store) ListMarketsDue(ctx context.Context, now time.Time, limit int) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit = normalizeLimit(limit, 200)
	var items []models.Market
	if err := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("(status = ? AND bidding_close_at <= ?) OR (status = ? AND trading_close_at <= ?)",
			models.MarketStatusCreated, now, models.MarketStatusOpen, now).
		Order("bidding_close_at asc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteCreatedMarket(ctx context.Context, id uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if id == 0 {
		return false, nil
	}
	deleted := false
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).
			Where("id = ?", id).
			Where("status = ?", models.MarketStatusCreated).
			Delete(&models.Market{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		if err := s.DeleteSpreadBidsByMarketTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.DeleteTradesByMarketTx(ctx, tx, id); err != nil {
			return err
		}
		return s.DeleteMarketEventsByMarketTx(ctx, tx, id)
	})
	return deleted, err
}

func (s *Store) MarketStats(ctx context.Context) (repository.MarketStats, error) {
	stats := repository.MarketStats{ByStatus: map[models.MarketStatus]int64{}}
	if s == nil || s.db == nil {
		return stats, nil
	}
	var rows []struct {
		Status models.MarketStatus
		Total  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Total
		stats.TotalMarkets += row.Total
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("delay_count > 0").
		Count(&stats.DelayedMarkets).Error; err != nil {
		return stats, err
	}
	if err := s.db.WithContext(ctx).Model(&models.SpreadBid{}).Count(&stats.TotalBids).Error; err != nil {
		return stats, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Trade{}).Count(&stats.TotalTrades).Error; err != nil {
		return stats, err
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("status = ?", models.TradeStatusOpen).
		Count(&stats.OpenTrades).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// ActivateMarket sets the final spread exactly once. The status guard makes
// racing activations a no-op for the loser.
func (s *Store) ActivateMarket(ctx context.Context, id uint64, low, high decimal.Decimal, maker uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("id = ?", id).
		Where("status = ?", models.MarketStatusCreated).
		Updates(map[string]any{
			"status":            models.MarketStatusOpen,
			"final_spread_low":  low,
			"final_spread_high": high,
			"market_maker":      maker,
			"updated_at":        time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// DelayMarket advances the windows of a bid-less market. The guard on the
// previous bidding close keeps concurrent evaluators from stacking the same
// 24h advance twice.
func (s *Store) DelayMarket(ctx context.Context, id uint64, prevBiddingClose time.Time, biddingClose, tradingOpen, tradingClose time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("id = ?", id).
		Where("status = ?", models.MarketStatusCreated).
		Where("bidding_close_at = ?", prevBiddingClose).
		Updates(map[string]any{
			"bidding_close_at": biddingClose,
			"trading_open_at":  tradingOpen,
			"trading_close_at": tradingClose,
			"delay_count":      gorm.Expr("delay_count + 1"),
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) CloseMarket(ctx context.Context, id uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Market{}).
		Where("id = ?", id).
		Where("status = ?", models.MarketStatusOpen).
		Updates(map[string]any{
			"status":     models.MarketStatusClosed,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) SettleMarketTx(ctx context.Context, tx *gorm.DB, id uint64, outcome bool, price decimal.Decimal) (bool, error) {
	if id == 0 {
		return false, nil
	}
	res := tx.WithContext(ctx).
		Model(&models.Market{}).
		Where("id = ?", id).
		Where("status = ?", models.MarketStatusClosed).
		Updates(map[string]any{
			"status":           models.MarketStatusSettled,
			"outcome":          outcome,
			"settlement_price": price,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// --- Spread bids ------------------------------------------------------------

func (s *Store) InsertSpreadBid(ctx context.Context, item *models.SpreadBid) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListSpreadBidsByMarket(ctx context.Context, marketID uint64) ([]models.SpreadBid, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if marketID == 0 {
		return nil, nil
	}
	var items []models.SpreadBid
	if err := s.db.WithContext(ctx).
		Model(&models.SpreadBid{}).
		Where("market_id = ?", marketID).
		Order("bid_time asc, id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSpreadBidsByMarket(ctx context.Context, marketID uint64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if marketID == 0 {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.SpreadBid{}).
		Where("market_id = ?", marketID).
		Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) DeleteSpreadBidsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	if marketID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Where("market_id = ?", marketID).Delete(&models.SpreadBid{}).Error
}

// --- Trades -----------------------------------------------------------------

func (s *Store) InsertTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error {
	if item == nil {
		return nil
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) GetOpenTrade(ctx context.Context, marketID, userID uint64) (*models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if marketID == 0 || userID == 0 {
		return nil, nil
	}
	var item models.Trade
	err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("market_id = ?", marketID).
		Where("user_id = ?", userID).
		Where("status = ?", models.TradeStatusOpen).
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOpenTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return s.listTradesByMarketStatus(ctx, marketID, models.TradeStatusOpen)
}

func (s *Store) ListSettledTradesByMarket(ctx context.Context, marketID uint64) ([]models.Trade, error) {
	return s.listTradesByMarketStatus(ctx, marketID, models.TradeStatusSettled)
}

func (s *Store) listTradesByMarketStatus(ctx context.Context, marketID uint64, status models.TradeStatus) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if marketID == 0 {
		return nil, nil
	}
	var items []models.Trade
	if err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("market_id = ?", marketID).
		Where("status = ?", status).
		Order("trade_time asc, id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyTradeFilters(s.db.WithContext(ctx).Model(&models.Trade{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "trade_time")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Trade
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountTrades(ctx context.Context, params repository.ListTradesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := applyTradeFilters(s.db.WithContext(ctx).Model(&models.Trade{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyTradeFilters(query *gorm.DB, params repository.ListTradesParams) *gorm.DB {
	if params.MarketID != nil && *params.MarketID > 0 {
		query = query.Where("market_id = ?", *params.MarketID)
	}
	if params.UserID != nil && *params.UserID > 0 {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Position != nil && *params.Position != "" {
		query = query.Where("position = ?", *params.Position)
	}
	return query
}

func (s *Store) MarkTradeReplacedTx(ctx context.Context, tx *gorm.DB, id uint64) (bool, error) {
	if id == 0 {
		return false, nil
	}
	res := tx.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ?", id).
		Where("status = ?", models.TradeStatusOpen).
		Updates(map[string]any{
			"status":     models.TradeStatusReplaced,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) CancelOpenTrade(ctx context.Context, marketID, userID uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if marketID == 0 || userID == 0 {
		return false, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("market_id = ?", marketID).
		Where("user_id = ?", userID).
		Where("status = ?", models.TradeStatusOpen).
		Updates(map[string]any{
			"status":       models.TradeStatusCancelled,
			"cancelled_at": &at,
			"updated_at":   time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) SettleTradeTx(ctx context.Context, tx *gorm.DB, id uint64, pnl, price decimal.Decimal, at time.Time) (bool, error) {
	if id == 0 {
		return false, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res := tx.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ?", id).
		Where("status = ?", models.TradeStatusOpen).
		Updates(map[string]any{
			"status":           models.TradeStatusSettled,
			"pnl":              pnl,
			"settlement_price": price,
			"settled_at":       &at,
			"updated_at":       time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) DeleteTradesByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	if marketID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Where("market_id = ?", marketID).Delete(&models.Trade{}).Error
}

// --- Balance ledger ---------------------------------------------------------

func (s *Store) InsertBalanceEntryTx(ctx context.Context, tx *gorm.DB, item *models.BalanceEntry) error {
	if item == nil {
		return nil
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) ListBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) ([]models.BalanceEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyBalanceEntryFilters(s.db.WithContext(ctx).Model(&models.BalanceEntry{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.BalanceEntry
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountBalanceEntries(ctx context.Context, params repository.ListBalanceEntriesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := applyBalanceEntryFilters(s.db.WithContext(ctx).Model(&models.BalanceEntry{}), params)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func applyBalanceEntryFilters(query *gorm.DB, params repository.ListBalanceEntriesParams) *gorm.DB {
	if params.UserID != nil && *params.UserID > 0 {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.MarketID != nil && *params.MarketID > 0 {
		query = query.Where("market_id = ?", *params.MarketID)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	return query
}

// --- Audit events -----------------------------------------------------------

func (s *Store) InsertMarketEvent(ctx context.Context, item *models.MarketEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListMarketEvents(ctx context.Context, marketID uint64, limit int) ([]models.MarketEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if marketID == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit, 100)
	var items []models.MarketEvent
	if err := s.db.WithContext(ctx).
		Model(&models.MarketEvent{}).
		Where("market_id = ?", marketID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) DeleteMarketEventsByMarketTx(ctx context.Context, tx *gorm.DB, marketID uint64) error {
	if marketID == 0 {
		return nil
	}
	return tx.WithContext(ctx).Where("market_id = ?", marketID).Delete(&models.MarketEvent{}).Error
}

// --- Helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	return query.Order(orderExpr(orderBy, asc, fallback))
}

func orderExpr(orderBy string, asc *bool, fallback string) string {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return column + " " + direction
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

var _ repository.Repository = (*Store)(nil)
