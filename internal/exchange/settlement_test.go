package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

// closedScenario builds a settled-ready market: final spread 50/60, one LONG
// at 60 for 3 units, one SHORT at 50 for 2 units, market past trading close.
func closedScenario(t *testing.T, x *testExchange) (marketID, adminID, makerID, buyerID, sellerID uint64) {
	t.Helper()
	admin := x.addUser(t, "admin", true, true)
	creator := x.addUser(t, "creator", false, true)
	maker := x.addUser(t, "maker", false, true)
	buyer := x.addUser(t, "buyer", false, true)
	seller := x.addUser(t, "seller", false, true)

	m := x.addMarket(t, creator)
	x.placeBid(t, m.ID, maker, "50", "60")
	x.clock.Advance(2 * time.Hour)
	if _, err := x.trading.PlaceTrade(context.Background(), m.ID, buyer,
		models.PositionLong, decimal.RequireFromString("60"), 3); err != nil {
		t.Fatalf("long trade: %v", err)
	}
	if _, err := x.trading.PlaceTrade(context.Background(), m.ID, seller,
		models.PositionShort, decimal.RequireFromString("50"), 2); err != nil {
		t.Fatalf("short trade: %v", err)
	}
	x.clock.Advance(6*time.Hour + time.Minute)
	return m.ID, admin, maker, buyer, seller
}

func (x *testExchange) balance(t *testing.T, userID uint64) decimal.Decimal {
	t.Helper()
	u, err := x.repo.GetUserByID(context.Background(), userID)
	if err != nil || u == nil {
		t.Fatalf("user %d: %v", userID, err)
	}
	return u.Balance
}

func wantDecimal(t *testing.T, got decimal.Decimal, want string, label string) {
	t.Helper()
	if got.Cmp(decimal.RequireFromString(want)) != 0 {
		t.Fatalf("%s=%s want=%s", label, got, want)
	}
}

func TestTradePnL(t *testing.T) {
	cases := []struct {
		position models.Position
		entry    string
		price    string
		quantity int64
		want     string
	}{
		{models.PositionLong, "60", "60", 3, "0"},
		{models.PositionLong, "60", "55", 3, "-15"},
		{models.PositionLong, "47", "53", 10, "60"},
		{models.PositionShort, "50", "55", 2, "-10"},
		{models.PositionShort, "50", "50", 2, "0"},
		{models.PositionShort, "47", "40", 4, "28"},
	}
	for _, tc := range cases {
		got := tradePnL(tc.position, decimal.RequireFromString(tc.entry),
			decimal.RequireFromString(tc.price), tc.quantity)
		if got.Cmp(decimal.RequireFromString(tc.want)) != 0 {
			t.Fatalf("%s entry=%s price=%s qty=%d: pnl=%s want=%s",
				tc.position, tc.entry, tc.price, tc.quantity, got, tc.want)
		}
	}
}

func TestSettle_DefaultPriceOutcomeTrue(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, maker, buyer, seller := closedScenario(t, x)

	res, err := x.settle.Settle(context.Background(), marketID, true, nil, admin)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Replayed {
		t.Fatalf("replayed=true on first settlement")
	}
	wantDecimal(t, res.SettlementPrice, "60", "settlement_price")
	wantDecimal(t, res.MakerDelta, "20", "maker_delta")
	if len(res.Trades) != 2 {
		t.Fatalf("trades=%d want=2", len(res.Trades))
	}
	if res.Trades[0].UserID != buyer || !res.Trades[0].Won {
		t.Fatalf("first trade=%+v want buyer won", res.Trades[0])
	}
	wantDecimal(t, res.Trades[0].PnL, "0", "long pnl")
	if res.Trades[1].UserID != seller || res.Trades[1].Won {
		t.Fatalf("second trade=%+v want seller lost", res.Trades[1])
	}
	wantDecimal(t, res.Trades[1].PnL, "-20", "short pnl")

	if res.Market.Status != models.MarketStatusSettled {
		t.Fatalf("status=%s want=SETTLED", res.Market.Status)
	}
	if res.Market.Outcome == nil || !*res.Market.Outcome {
		t.Fatalf("outcome=%v want=true", res.Market.Outcome)
	}

	wantDecimal(t, x.balance(t, maker), "10020", "maker balance")
	wantDecimal(t, x.balance(t, seller), "9980", "seller balance")
	wantDecimal(t, x.balance(t, buyer), "10000", "buyer balance")

	// Zero-pnl trades settle without a ledger entry, so two rows total: the
	// seller's loss and the maker's offset.
	entries, err := x.repo.ListBalanceEntries(context.Background(), repository.ListBalanceEntriesParams{})
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries=%d err=%v want=2", len(entries), err)
	}
	for _, e := range entries {
		if e.UserID == maker {
			if e.Reason != "maker_offset" || e.TradeID != 0 {
				t.Fatalf("maker entry=%+v want reason=maker_offset trade_id=0", e)
			}
		} else if e.Reason != "trade_settlement" || e.TradeID == 0 {
			t.Fatalf("trade entry=%+v want reason=trade_settlement with trade_id", e)
		}
	}

	settled, err := x.repo.ListSettledTradesByMarket(context.Background(), marketID)
	if err != nil || len(settled) != 2 {
		t.Fatalf("settled trades=%d err=%v want=2", len(settled), err)
	}
	for _, tr := range settled {
		if tr.PnL == nil || tr.SettlementPrice == nil || tr.SettledAt == nil {
			t.Fatalf("settled trade missing fields: %+v", tr)
		}
	}
	if x.repo.countEvents(marketID, "settled") != 1 {
		t.Fatalf("settled events=%d want=1", x.repo.countEvents(marketID, "settled"))
	}
}

func TestSettle_OutcomeFalseUsesLowBound(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, maker, buyer, seller := closedScenario(t, x)

	res, err := x.settle.Settle(context.Background(), marketID, false, nil, admin)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	wantDecimal(t, res.SettlementPrice, "50", "settlement_price")
	wantDecimal(t, res.Trades[0].PnL, "-30", "long pnl")
	wantDecimal(t, res.Trades[1].PnL, "0", "short pnl")
	wantDecimal(t, res.MakerDelta, "30", "maker_delta")
	if res.Trades[0].Won || !res.Trades[1].Won {
		t.Fatalf("won flags=%v/%v want false/true", res.Trades[0].Won, res.Trades[1].Won)
	}
	wantDecimal(t, x.balance(t, maker), "10030", "maker balance")
	wantDecimal(t, x.balance(t, buyer), "9970", "buyer balance")
	wantDecimal(t, x.balance(t, seller), "10000", "seller balance")
}

func TestSettle_ExplicitPrice(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, maker, buyer, seller := closedScenario(t, x)

	price := decimal.RequireFromString("55")
	res, err := x.settle.Settle(context.Background(), marketID, true, &price, admin)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	wantDecimal(t, res.SettlementPrice, "55", "settlement_price")
	wantDecimal(t, res.Trades[0].PnL, "-15", "long pnl")
	wantDecimal(t, res.Trades[1].PnL, "-10", "short pnl")
	wantDecimal(t, res.MakerDelta, "25", "maker_delta")
	wantDecimal(t, x.balance(t, maker), "10025", "maker balance")
	wantDecimal(t, x.balance(t, buyer), "9985", "buyer balance")
	wantDecimal(t, x.balance(t, seller), "9990", "seller balance")

	got, _ := x.repo.GetMarketByID(context.Background(), marketID)
	if got.SettlementPrice == nil || got.SettlementPrice.Cmp(price) != 0 {
		t.Fatalf("stored settlement_price=%v want=55", got.SettlementPrice)
	}
}

func TestSettle_ReplayIsIdempotent(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, maker, _, seller := closedScenario(t, x)

	if _, err := x.settle.Settle(context.Background(), marketID, true, nil, admin); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	makerBefore := x.balance(t, maker)
	sellerBefore := x.balance(t, seller)

	res, err := x.settle.Settle(context.Background(), marketID, true, nil, admin)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Replayed {
		t.Fatalf("replayed=false want=true")
	}
	wantDecimal(t, res.MakerDelta, "20", "replayed maker_delta")
	if len(res.Trades) != 2 {
		t.Fatalf("replayed trades=%d want=2", len(res.Trades))
	}

	// Same price spelled out is still the same settlement.
	same := decimal.RequireFromString("60")
	if _, err := x.settle.Settle(context.Background(), marketID, true, &same, admin); err != nil {
		t.Fatalf("replay with matching price: %v", err)
	}

	if !x.balance(t, maker).Equal(makerBefore) || !x.balance(t, seller).Equal(sellerBefore) {
		t.Fatalf("balances moved on replay")
	}
	entries, _ := x.repo.ListBalanceEntries(context.Background(), repository.ListBalanceEntriesParams{})
	if len(entries) != 2 {
		t.Fatalf("entries=%d want=2 after replay", len(entries))
	}
	if x.repo.countEvents(marketID, "settled") != 1 {
		t.Fatalf("settled events=%d want=1 after replay", x.repo.countEvents(marketID, "settled"))
	}
}

func TestSettle_ConflictingReplayRejected(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, _, _, _ := closedScenario(t, x)
	if _, err := x.settle.Settle(context.Background(), marketID, true, nil, admin); err != nil {
		t.Fatalf("settle: %v", err)
	}

	_, err := x.settle.Settle(context.Background(), marketID, false, nil, admin)
	wantCode(t, err, CodeAlreadySettled)

	other := decimal.RequireFromString("61")
	_, err = x.settle.Settle(context.Background(), marketID, true, &other, admin)
	wantCode(t, err, CodeAlreadySettled)
}

func TestSettle_RequiresClosed(t *testing.T) {
	x := newTestExchange(testStart)
	admin := x.addUser(t, "admin", true, true)
	creator := x.addUser(t, "creator", false, true)
	maker := x.addUser(t, "maker", false, true)

	created := x.addMarket(t, creator)
	_, err := x.settle.Settle(context.Background(), created.ID, true, nil, admin)
	wantCode(t, err, CodeMarketNotClosed)

	open := x.addMarket(t, creator)
	x.placeBid(t, open.ID, maker, "50", "60")
	x.clock.Advance(2 * time.Hour)
	_, err = x.settle.Settle(context.Background(), open.ID, true, nil, admin)
	wantCode(t, err, CodeMarketNotClosed)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	x := newTestExchange(testStart)
	marketID, admin, maker, buyer, seller := closedScenario(t, x)

	res, err := x.settle.Preview(context.Background(), marketID, false, nil)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	wantDecimal(t, res.SettlementPrice, "50", "preview price")
	wantDecimal(t, res.MakerDelta, "30", "preview maker_delta")
	if len(res.Trades) != 2 {
		t.Fatalf("preview trades=%d want=2", len(res.Trades))
	}

	got, _ := x.repo.GetMarketByID(context.Background(), marketID)
	if got.Status != models.MarketStatusClosed {
		t.Fatalf("status=%s want still CLOSED", got.Status)
	}
	openTrades, _ := x.repo.ListOpenTradesByMarket(context.Background(), marketID)
	if len(openTrades) != 2 {
		t.Fatalf("open trades=%d want=2 after preview", len(openTrades))
	}
	entries, _ := x.repo.ListBalanceEntries(context.Background(), repository.ListBalanceEntriesParams{})
	if len(entries) != 0 {
		t.Fatalf("entries=%d want=0 after preview", len(entries))
	}
	wantDecimal(t, x.balance(t, maker), "10000", "maker balance")
	wantDecimal(t, x.balance(t, buyer), "10000", "buyer balance")
	wantDecimal(t, x.balance(t, seller), "10000", "seller balance")

	// Committing afterwards works and may pick the other outcome.
	if _, err := x.settle.Settle(context.Background(), marketID, true, nil, admin); err != nil {
		t.Fatalf("settle after preview: %v", err)
	}

	// Preview on a settled market replays the stored results.
	replay, err := x.settle.Preview(context.Background(), marketID, true, nil)
	if err != nil {
		t.Fatalf("preview after settle: %v", err)
	}
	if !replay.Replayed {
		t.Fatalf("replayed=false want=true")
	}
	_, err = x.settle.Preview(context.Background(), marketID, false, nil)
	wantCode(t, err, CodeAlreadySettled)
}

func TestSettle_SkipsReplacedAndCancelled(t *testing.T) {
	x := newTestExchange(testStart)
	admin := x.addUser(t, "admin", true, true)
	creator := x.addUser(t, "creator", false, true)
	maker := x.addUser(t, "maker", false, true)
	buyer := x.addUser(t, "buyer", false, true)
	seller := x.addUser(t, "seller", false, true)

	m := x.addMarket(t, creator)
	x.placeBid(t, m.ID, maker, "50", "60")
	x.clock.Advance(2 * time.Hour)

	if _, err := x.trading.PlaceTrade(context.Background(), m.ID, buyer,
		models.PositionLong, decimal.RequireFromString("60"), 3); err != nil {
		t.Fatalf("first long: %v", err)
	}
	if _, err := x.trading.PlaceTrade(context.Background(), m.ID, buyer,
		models.PositionLong, decimal.RequireFromString("60"), 5); err != nil {
		t.Fatalf("replacement long: %v", err)
	}
	if _, err := x.trading.PlaceTrade(context.Background(), m.ID, seller,
		models.PositionShort, decimal.RequireFromString("50"), 2); err != nil {
		t.Fatalf("short: %v", err)
	}
	if _, err := x.trading.CancelTrade(context.Background(), m.ID, seller); err != nil {
		t.Fatalf("cancel short: %v", err)
	}

	x.clock.Advance(6*time.Hour + time.Minute)
	price := decimal.RequireFromString("55")
	res, err := x.settle.Settle(context.Background(), m.ID, true, &price, admin)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades=%d want=1", len(res.Trades))
	}
	wantDecimal(t, res.Trades[0].PnL, "-25", "replacement pnl")
	wantDecimal(t, res.MakerDelta, "25", "maker_delta")
	wantDecimal(t, x.balance(t, seller), "10000", "seller balance")
	wantDecimal(t, x.balance(t, buyer), "9975", "buyer balance")
	wantDecimal(t, x.balance(t, maker), "10025", "maker balance")
}
