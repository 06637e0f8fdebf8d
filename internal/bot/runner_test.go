package bot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/ids"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/store"
)

func btcFilters() *models.SymbolFilters {
	return &models.SymbolFilters{
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.00001"),
		MinQty:            decimal.RequireFromString("0.00001"),
		MinNotional:       decimal.RequireFromString("10"),
		PricePrecision:    2,
		QuantityPrecision: 5,
	}
}

func newTestBot() *models.Bot {
	now := time.Now()
	return &models.Bot{
		ID:     ids.NewBotID(),
		UserID: "u1",
		Symbol: "BTCUSDT",
		Status: models.StatusPaused,
		Config: models.GridConfig{
			LowerPrice:       decimal.NewFromInt(40000),
			UpperPrice:       decimal.NewFromInt(50000),
			GridLevels:       10,
			InvestmentAmount: decimal.NewFromInt(1000),
			ProfitPerGrid:    decimal.NewFromInt(1),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestRig(t *testing.T) (*Runner, *exchange.Sim, store.BotStore) {
	t.Helper()
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRunner(newTestBot(), sim, st, zap.NewNop().Sugar(), MinPollInterval)
	return r, sim, st
}

func stopRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx, false))
}

func openOrders(b models.Bot, side models.Side) []models.Order {
	var out []models.Order
	for _, o := range b.Orders {
		if o.Side == side && o.Status.Open() {
			out = append(out, o)
		}
	}
	return out
}

func TestStartPlacesBuyLadderBelowPrice(t *testing.T) {
	r, _, st := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))
	defer stopRunner(t, r)

	b := r.Bot()
	assert.Equal(t, models.StatusActive, b.Status)

	buys := openOrders(b, models.Buy)
	require.Len(t, buys, 5)
	wantPrices := []string{"40000", "41111.11", "42222.22", "43333.33", "44444.44"}
	for i, o := range buys {
		assert.True(t, o.Price.Equal(decimal.RequireFromString(wantPrices[i])),
			"level %d: got %s", i, o.Price)
		assert.True(t, o.Quantity.Equal(decimal.RequireFromString("0.0045")),
			"level %d qty: got %s", i, o.Quantity)
		assert.Equal(t, i, o.GridLevel)
	}
	assert.Empty(t, openOrders(b, models.Sell))

	// The aggregate reached the store.
	saved, err := st.LoadBot(b.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Len(t, saved.Orders, 5)
}

func TestStartFailsWhenPriceAboveGrid(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(52000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	r := NewRunner(newTestBot(), sim, st, zap.NewNop().Sugar(), MinPollInterval)
	err = r.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.PairPriceOutOfRange, errs.KindOf(err))

	b := r.Bot()
	assert.NotEqual(t, models.StatusActive, b.Status)
	assert.Empty(t, b.Orders, "no ladder orders may reach the ledger")

	open, err := sim.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open, "no orders may reach the exchange")
}

func TestStartFailsOnInsufficientBalance(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(500)) // half the investment

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	r := NewRunner(newTestBot(), sim, st, zap.NewNop().Sugar(), MinPollInterval)
	err = r.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.InsufficientBalance, errs.KindOf(err))
}

func TestBuyFillPlacesCounterSell(t *testing.T) {
	r, sim, _ := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))
	defer stopRunner(t, r)

	// Cross the highest buy level.
	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))

	require.Eventually(t, func() bool {
		return len(openOrders(r.Bot(), models.Sell)) == 1
	}, 3*time.Second, 20*time.Millisecond, "no counter sell placed")

	b := r.Bot()
	sell := openOrders(b, models.Sell)[0]
	assert.True(t, sell.Price.Equal(decimal.RequireFromString("44888.88")), "got %s", sell.Price)
	// 0.0045 bought minus the 0.1% base commission, floored to the lot step.
	assert.True(t, sell.Quantity.Equal(decimal.RequireFromString("0.00449")), "got %s", sell.Quantity)

	buy := b.FindOrder(sell.CounterOf)
	require.NotNil(t, buy)
	assert.Equal(t, models.OrderFilled, buy.Status)
	assert.True(t, buy.HasCounterpart)
	assert.Equal(t, int64(1), b.Stats.TotalTrades)
}

func TestSellFillRealizesProfitAndRebuys(t *testing.T) {
	r, sim, _ := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))
	defer stopRunner(t, r)

	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		return len(openOrders(r.Bot(), models.Sell)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Cross the counter sell at 44888.88.
	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44900"))

	require.Eventually(t, func() bool {
		return r.Bot().Stats.SuccessfulTrades == 1
	}, 3*time.Second, 20*time.Millisecond, "round trip not realized")

	b := r.Bot()
	assert.True(t, b.Stats.RealizedProfit.IsPositive(), "got %s", b.Stats.RealizedProfit)

	// The cycle continues with a re-buy one profit step below the sell fill.
	buys := openOrders(b, models.Buy)
	var rebuy *models.Order
	for i := range buys {
		if buys[i].CounterOf != "" {
			rebuy = &buys[i]
		}
	}
	require.NotNil(t, rebuy, "no re-buy placed after the sell fill")
	assert.True(t, rebuy.Price.Equal(decimal.RequireFromString("44439.99")), "got %s", rebuy.Price)
}

func TestStopCancelsAndLiquidates(t *testing.T) {
	r, sim, _ := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))

	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		return len(openOrders(r.Bot(), models.Sell)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx, true))

	b := r.Bot()
	assert.Equal(t, models.StatusStopped, b.Status)
	for _, o := range b.Orders {
		assert.True(t, o.Status.Terminal(), "order %s still %s", o.OrderID, o.Status)
	}

	var liq *models.Order
	for i := range b.Orders {
		if b.Orders[i].IsLiquidation {
			liq = &b.Orders[i]
		}
	}
	require.NotNil(t, liq, "no liquidation order recorded")
	assert.Equal(t, models.Sell, liq.Side)
	assert.True(t, liq.Quantity.Equal(decimal.RequireFromString("0.00449")), "got %s", liq.Quantity)

	// Only dust may remain on the base balance.
	base, err := sim.AssetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, base.Free.LessThan(decimal.RequireFromString("0.0001")), "got %s", base.Free)

	// Stopping again is a no-op.
	require.NoError(t, r.Stop(ctx, true))
}

func TestPauseLeavesOrdersResting(t *testing.T) {
	r, sim, _ := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, r.Pause(context.Background()))
	b := r.Bot()
	assert.Equal(t, models.StatusPaused, b.Status)
	assert.Len(t, openOrders(b, models.Buy), 5)

	open, err := sim.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 5)
}

func TestStopLossTriggersLiquidation(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	bot := newTestBot()
	bot.Config.StopLossPrice = decimal.NewFromInt(39000)
	r := NewRunner(bot, sim, st, zap.NewNop().Sugar(), MinPollInterval)
	require.NoError(t, r.Start(context.Background()))

	// Crash through every buy level and the stop loss.
	sim.SetPrice("BTCUSDT", decimal.NewFromInt(38500))

	require.Eventually(t, func() bool {
		b := r.Bot()
		return b.Status == models.StatusStopped && b.LastError != ""
	}, 5*time.Second, 20*time.Millisecond, "stop loss did not stop the bot")

	b := r.Bot()
	assert.Contains(t, b.LastError, "stop loss")
	var liquidated bool
	for _, o := range b.Orders {
		if o.IsLiquidation {
			liquidated = true
		}
	}
	assert.True(t, liquidated, "stop loss must liquidate the position")
}

// mutedStream 屏蔽推送流，成交只能靠轮询发现。
type mutedStream struct {
	*exchange.Sim
	statusCalls atomic.Int64
}

func (m *mutedStream) UserStream(ctx context.Context) (<-chan models.ExecutionReport, func(), error) {
	return make(chan models.ExecutionReport), func() {}, nil
}

func (m *mutedStream) OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	m.statusCalls.Add(1)
	return m.Sim.OrderStatus(ctx, symbol, orderID)
}

func TestPollerFindsFillMissedByStream(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))
	muted := &mutedStream{Sim: sim}

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	r := NewRunner(newTestBot(), muted, st, zap.NewNop().Sugar(), MinPollInterval)
	require.NoError(t, r.Start(context.Background()))
	defer stopRunner(t, r)

	// The fill happens on the exchange but never reaches the muted stream.
	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	assert.Empty(t, openOrders(r.Bot(), models.Sell))

	r.pollOnce()
	calls := muted.statusCalls.Load()

	b := r.Bot()
	require.Len(t, openOrders(b, models.Sell), 1, "poller must place the counter sell")
	assert.Equal(t, int64(1), b.Stats.TotalTrades)
	// One openOrders sweep; status queried only for the order that left the
	// book, not for the four buys still resting.
	assert.Equal(t, int64(1), calls)
}

func TestOccupiedCounterLevelTreatedAsPaired(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))
	sim.Deposit("BTC", decimal.RequireFromString("0.00449"))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	bot := newTestBot()
	bot.Status = models.StatusActive
	ctx := context.Background()

	buy, err := sim.PlaceLimit(ctx, "BTCUSDT", models.Buy,
		decimal.RequireFromString("0.0045"), decimal.RequireFromString("44444.44"),
		ids.ClientOrderID(bot.ID, 4))
	require.NoError(t, err)
	buy.GridLevel = 4
	bot.Orders = append(bot.Orders, *buy)
	buyID := buy.OrderID

	// A sell already rests at the level the counter would target.
	sell, err := sim.PlaceLimit(ctx, "BTCUSDT", models.Sell,
		decimal.RequireFromString("0.00449"), decimal.RequireFromString("44888.88"),
		ids.ClientOrderID(bot.ID, 4))
	require.NoError(t, err)
	sell.GridLevel = 4
	bot.Orders = append(bot.Orders, *sell)

	r := NewRunner(bot, sim, st, zap.NewNop().Sugar(), MinPollInterval)
	require.NoError(t, r.Start(ctx))
	defer stopRunner(t, r)

	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44000"))

	require.Eventually(t, func() bool {
		snap := r.Bot()
		o := snap.FindOrder(buyID)
		return o != nil && o.Status == models.OrderFilled && o.HasCounterpart
	}, 3*time.Second, 20*time.Millisecond, "occupied level must satisfy the counterpart")

	b := r.Bot()
	assert.Len(t, openOrders(b, models.Sell), 1, "no second sell may be placed")
	assert.Equal(t, int64(0), b.Stats.CounterSkips)
}

func TestTakeProfitIncludesUnrealizedPnL(t *testing.T) {
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	defer st.Close()

	bot := newTestBot()
	bot.Config.TakeProfitPct = decimal.NewFromInt(1) // 10 USDT on the 1000 investment
	r := NewRunner(bot, sim, st, zap.NewNop().Sugar(), MinPollInterval)
	require.NoError(t, r.Start(context.Background()))

	// The counter sell is rejected, leaving the filled buy unpaired.
	sim.FailNextPlace(errs.E(errs.InsufficientBalance, "sim", "balance not settled"))
	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		return r.Bot().Stats.TotalTrades == 1
	}, 3*time.Second, 20*time.Millisecond)

	// No realized profit exists; the unrealized gain alone crosses the
	// threshold: (47000 - 44444.44) * 0.0045 > 10.
	sim.SetPrice("BTCUSDT", decimal.NewFromInt(47000))

	require.Eventually(t, func() bool {
		b := r.Bot()
		return b.Status == models.StatusStopped && b.LastError != ""
	}, 5*time.Second, 20*time.Millisecond, "take profit did not stop the bot")
	assert.Contains(t, r.Bot().LastError, "take profit")
}

func TestDuplicateReportsAreIdempotent(t *testing.T) {
	r, sim, _ := newTestRig(t)
	require.NoError(t, r.Start(context.Background()))
	defer stopRunner(t, r)

	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		return len(openOrders(r.Bot(), models.Sell)) == 1
	}, 3*time.Second, 20*time.Millisecond)

	b := r.Bot()
	sell := openOrders(b, models.Sell)[0]
	buy := b.FindOrder(sell.CounterOf)
	require.NotNil(t, buy)

	// Replay the fill, as the poller would after the websocket already
	// delivered it.
	r.applyReport(models.ExecutionReport{
		Symbol:      "BTCUSDT",
		OrderID:     buy.OrderID,
		Side:        models.Buy,
		Status:      models.OrderFilled,
		ExecutedQty: buy.ExecutedQty,
		Time:        time.Now(),
	})

	b = r.Bot()
	assert.Len(t, openOrders(b, models.Sell), 1, "duplicate fill must not place a second counter")
	assert.Equal(t, int64(1), b.Stats.TotalTrades)
}
