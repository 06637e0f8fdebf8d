package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/models"
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

func btcConfig() models.GridConfig {
	return models.GridConfig{
		LowerPrice:       decimal.NewFromInt(40000),
		UpperPrice:       decimal.NewFromInt(50000),
		GridLevels:       10,
		InvestmentAmount: decimal.NewFromInt(1000),
		ProfitPerGrid:    decimal.NewFromInt(1),
	}
}

func TestLevelsLadder(t *testing.T) {
	levels := Levels(btcConfig(), btcFilters())
	require.Len(t, levels, 10)

	want := []string{
		"40000", "41111.11", "42222.22", "43333.33", "44444.44",
		"45555.55", "46666.66", "47777.77", "48888.88", "50000",
	}
	for i, w := range want {
		assert.True(t, levels[i].Equal(decimal.RequireFromString(w)),
			"level %d: got %s want %s", i, levels[i], w)
	}
}

func TestBuySlots(t *testing.T) {
	levels := Levels(btcConfig(), btcFilters())

	assert.Equal(t, 5, BuySlots(levels, decimal.NewFromInt(45000)))
	// A price sitting exactly on a level does not count that level.
	assert.Equal(t, 0, BuySlots(levels, decimal.NewFromInt(40000)))
	assert.Equal(t, 10, BuySlots(levels, decimal.NewFromInt(52000)))
}

func TestQuantityPerBuy(t *testing.T) {
	f := btcFilters()
	price := decimal.RequireFromString("44444.44")

	qty, err := QuantityPerBuy(decimal.NewFromInt(1000), 5, price, f)
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("0.0045")), "got %s", qty)

	// 1 USDT over 5 slots is far below min notional.
	_, err = QuantityPerBuy(decimal.NewFromInt(1), 5, price, f)
	require.Error(t, err)

	_, err = QuantityPerBuy(decimal.NewFromInt(1000), 0, price, f)
	require.Error(t, err)
}

func TestCounterPrice(t *testing.T) {
	f := btcFilters()
	one := decimal.NewFromInt(1)

	up := CounterPrice(decimal.RequireFromString("44444.44"), one, models.Buy, f)
	assert.True(t, up.Equal(decimal.RequireFromString("44888.88")), "got %s", up)

	down := CounterPrice(decimal.RequireFromString("44888.88"), one, models.Sell, f)
	assert.True(t, down.Equal(decimal.RequireFromString("44439.99")), "got %s", down)
}

func TestFeeAdjustedSellQty(t *testing.T) {
	// Commission known and paid in base asset: subtract it exactly.
	f := btcFilters()
	got := FeeAdjustedSellQty(
		decimal.RequireFromString("0.00500"),
		decimal.RequireFromString("0.00001"),
		"BTC", "BTC", f)
	assert.True(t, got.Equal(decimal.RequireFromString("0.00499")), "got %s", got)

	// Commission paid in BNB: fall back to the assumed 0.1%.
	got = FeeAdjustedSellQty(
		decimal.RequireFromString("0.00486"),
		decimal.RequireFromString("0.01"),
		"BNB", "BTC", f)
	assert.True(t, got.Equal(decimal.RequireFromString("0.00485")), "got %s", got)

	// Finer lot grid keeps more of the fee-adjusted quantity.
	fine := btcFilters()
	fine.StepSize = decimal.RequireFromString("0.00000001")
	fine.QuantityPrecision = 8
	got = FeeAdjustedSellQty(decimal.RequireFromString("0.0045"), decimal.Zero, "", "BTC", fine)
	assert.True(t, got.Equal(decimal.RequireFromString("0.0044955")), "got %s", got)
}

func TestRoundingIdempotent(t *testing.T) {
	f := btcFilters()
	prices := []string{"44888.8844", "40000.005", "0.013", "123456.789"}
	for _, s := range prices {
		p := decimal.RequireFromString(s)
		once := RoundPrice(p, f)
		assert.True(t, RoundPrice(once, f).Equal(once), "price %s", s)
	}
	qtys := []string{"0.0044955", "1.234567891", "0.00001"}
	for _, s := range qtys {
		q := decimal.RequireFromString(s)
		once := RoundQuantity(q, f)
		assert.True(t, RoundQuantity(once, f).Equal(once), "qty %s", s)
	}
}

func TestWithinTolerance(t *testing.T) {
	f := btcFilters()
	band := decimal.NewFromInt(2)

	// One lot step off in quantity, price inside ±2%.
	ok := WithinTolerance(
		decimal.RequireFromString("0.00485"), decimal.RequireFromString("0.00486"),
		decimal.RequireFromString("41522.22"), decimal.RequireFromString("41522.22"),
		band, f)
	assert.True(t, ok)

	// Quantity off by many steps.
	ok = WithinTolerance(
		decimal.RequireFromString("0.005"), decimal.RequireFromString("0.00486"),
		decimal.RequireFromString("41522.22"), decimal.RequireFromString("41522.22"),
		band, f)
	assert.False(t, ok)

	// Price outside the band.
	ok = WithinTolerance(
		decimal.RequireFromString("0.00486"), decimal.RequireFromString("0.00486"),
		decimal.RequireFromString("45000"), decimal.RequireFromString("41522.22"),
		band, f)
	assert.False(t, ok)
}
