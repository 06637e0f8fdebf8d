package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/oracle"
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

func gridConfig() models.GridConfig {
	return models.GridConfig{
		LowerPrice:       decimal.NewFromInt(40000),
		UpperPrice:       decimal.NewFromInt(50000),
		GridLevels:       10,
		InvestmentAmount: decimal.NewFromInt(1000),
		ProfitPerGrid:    decimal.NewFromInt(1),
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *exchange.Sim) {
	t.Helper()
	sim := exchange.NewSim()
	sim.AddSymbol(btcFilters(), decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	st, err := store.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	orc := oracle.Static{S: oracle.Suggestion{
		LowerPrice:    decimal.NewFromInt(41000),
		UpperPrice:    decimal.NewFromInt(49000),
		GridLevels:    8,
		ProfitPerGrid: decimal.RequireFromString("1.5"),
	}}

	factory := func(userID string) (exchange.Exchange, error) { return sim, nil }
	return NewWithFactory(config.Default(), st, orc, factory, zap.NewNop().Sugar()), sim
}

func TestCreateBotPersistsPaused(t *testing.T) {
	s, _ := newTestSupervisor(t)

	b, err := s.CreateBot(context.Background(), "u1", "BTCUSDT", gridConfig())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, b.Status)
	assert.NotEmpty(t, b.ID)

	got, err := s.GetBot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestCreateBotFillsParametersFromOracle(t *testing.T) {
	s, _ := newTestSupervisor(t)

	cfg := models.GridConfig{InvestmentAmount: decimal.NewFromInt(1000)}
	b, err := s.CreateBot(context.Background(), "u1", "BTCUSDT", cfg)
	require.NoError(t, err)

	assert.True(t, b.Config.LowerPrice.Equal(decimal.NewFromInt(41000)))
	assert.True(t, b.Config.UpperPrice.Equal(decimal.NewFromInt(49000)))
	assert.Equal(t, 8, b.Config.GridLevels)
	assert.True(t, b.Config.ProfitPerGrid.Equal(decimal.RequireFromString("1.5")))
}

func TestCreateBotRejectsInvalidConfig(t *testing.T) {
	s, _ := newTestSupervisor(t)

	cfg := gridConfig()
	cfg.GridLevels = 1
	_, err := s.CreateBot(context.Background(), "u1", "BTCUSDT", cfg)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidConfig, errs.KindOf(err))

	cfg = gridConfig()
	cfg.InvestmentAmount = decimal.Zero
	_, err = s.CreateBot(context.Background(), "u1", "BTCUSDT", cfg)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidConfig, errs.KindOf(err))
}

func TestLifecycleStartStopDelete(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "u1", "BTCUSDT", gridConfig())
	require.NoError(t, err)

	require.NoError(t, s.StartBot(ctx, b.ID))
	got, err := s.GetBot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)

	// Deleting a running bot is refused.
	err = s.DeleteBot(ctx, b.ID)
	require.Error(t, err)
	assert.Equal(t, errs.StateConflict, errs.KindOf(err))

	require.NoError(t, s.StopBot(ctx, b.ID, false))
	got, err = s.GetBot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)

	// A stopped bot cannot be restarted.
	err = s.StartBot(ctx, b.ID)
	require.Error(t, err)
	assert.Equal(t, errs.StateConflict, errs.KindOf(err))

	require.NoError(t, s.DeleteBot(ctx, b.ID))
	_, err = s.GetBot(b.ID)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestRecoverAllRestartsActiveBots(t *testing.T) {
	s, sim := newTestSupervisor(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "u1", "BTCUSDT", gridConfig())
	require.NoError(t, err)
	require.NoError(t, s.StartBot(ctx, b.ID))

	// Fill one level, then simulate a crash: runners vanish, the store and
	// the exchange keep their state.
	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		got, err := s.GetBot(b.ID)
		return err == nil && got.Stats.TotalTrades >= 1
	}, 3*time.Second, 20*time.Millisecond)

	s.mu.Lock()
	for id, r := range s.runners {
		r.Shutdown()
		delete(s.runners, id)
	}
	s.mu.Unlock()

	require.NoError(t, s.RecoverAll(ctx))

	got, err := s.GetBot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	require.Len(t, got.Recoveries, 1)

	require.NoError(t, s.StopBot(ctx, b.ID, false))
}

func TestAnalyzeReportsInventoryAndWinRate(t *testing.T) {
	s, sim := newTestSupervisor(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "u1", "BTCUSDT", gridConfig())
	require.NoError(t, err)
	require.NoError(t, s.StartBot(ctx, b.ID))
	defer s.StopBot(ctx, b.ID, false)

	sim.SetPrice("BTCUSDT", decimal.RequireFromString("44400"))
	require.Eventually(t, func() bool {
		got, err := s.GetBot(b.ID)
		return err == nil && got.Stats.TotalTrades >= 1
	}, 3*time.Second, 20*time.Millisecond)

	a, err := s.Analyze(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", a.Symbol)
	assert.Equal(t, int64(1), a.TotalTrades)
	assert.True(t, a.InventoryQty.IsPositive(), "got %s", a.InventoryQty)
	assert.True(t, a.InventoryValue.IsPositive())
	assert.Equal(t, 4, a.OpenBuyOrders)
	assert.Equal(t, 1, a.OpenSellOrders)
}
