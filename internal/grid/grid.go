// Package grid holds the pure ladder arithmetic. No I/O, no state: every
// function is deterministic in its arguments so the engine and the recovery
// service compute identical prices and quantities from the same ledger.
package grid

import (
	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/models"
)

// assumedFeeRate is subtracted from a buy's executed quantity when the
// commission is unknown or was paid in a non-base asset (BNB, quote).
var assumedFeeRate = decimal.RequireFromString("0.001")

var hundred = decimal.NewFromInt(100)

// RoundPrice snaps a price to the symbol's tick size (round to nearest), then
// truncates to the price precision.
func RoundPrice(p decimal.Decimal, f *models.SymbolFilters) decimal.Decimal {
	if f.TickSize.IsPositive() {
		p = p.Div(f.TickSize).Round(0).Mul(f.TickSize)
	}
	return p.Truncate(f.PricePrecision)
}

// RoundQuantity snaps a quantity DOWN to the symbol's step size, then
// truncates to the quantity precision. Selling never rounds up.
func RoundQuantity(q decimal.Decimal, f *models.SymbolFilters) decimal.Decimal {
	if f.StepSize.IsPositive() {
		q = q.Div(f.StepSize).Floor().Mul(f.StepSize)
	}
	return q.Truncate(f.QuantityPrecision)
}

// Levels returns the ladder: GridLevels prices evenly spaced over
// [LowerPrice, UpperPrice], both bounds included, each snapped to tick size.
// Index 0 is the lowest level.
func Levels(cfg models.GridConfig, f *models.SymbolFilters) []decimal.Decimal {
	n := cfg.GridLevels
	levels := make([]decimal.Decimal, n)
	span := cfg.UpperPrice.Sub(cfg.LowerPrice)
	step := span.Div(decimal.NewFromInt(int64(n - 1)))
	for i := 0; i < n; i++ {
		raw := cfg.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i))))
		levels[i] = RoundPrice(raw, f)
	}
	return levels
}

// BuySlots counts ladder levels strictly below the current price.
func BuySlots(levels []decimal.Decimal, current decimal.Decimal) int {
	n := 0
	for _, lv := range levels {
		if lv.LessThan(current) {
			n++
		}
	}
	return n
}

// LevelIndex returns the index of the ladder level nearest to the price, or
// -1 for an empty ladder.
func LevelIndex(levels []decimal.Decimal, price decimal.Decimal) int {
	best := -1
	var bestDist decimal.Decimal
	for i, lv := range levels {
		d := lv.Sub(price).Abs()
		if best == -1 || d.LessThan(bestDist) {
			best, bestDist = i, d
		}
	}
	return best
}

// QuantityPerBuy splits the investment evenly over the buy slots at the given
// level price and rounds down to the lot filter. It fails when the resulting
// order would violate the min-quantity or min-notional filter.
func QuantityPerBuy(investment decimal.Decimal, buySlots int, price decimal.Decimal, f *models.SymbolFilters) (decimal.Decimal, error) {
	const op = "grid.quantityPerBuy"
	if buySlots <= 0 {
		return decimal.Zero, errs.E(errs.InvalidConfig, op, "no buy slots below current price")
	}
	qty := RoundQuantity(investment.Div(decimal.NewFromInt(int64(buySlots))).Div(price), f)
	if qty.LessThan(f.MinQty) {
		return decimal.Zero, errs.Ef(errs.InvalidConfig, op, "quantity %s below min qty %s", qty, f.MinQty)
	}
	if qty.Mul(price).LessThan(f.MinNotional) {
		return decimal.Zero, errs.Ef(errs.InvalidConfig, op, "notional %s below min notional %s", qty.Mul(price), f.MinNotional)
	}
	return qty, nil
}

// CounterPrice computes the pair price one profit step away from a fill:
// above it for a filled buy, below it for a filled sell.
func CounterPrice(fillPrice, profitPct decimal.Decimal, filled models.Side, f *models.SymbolFilters) decimal.Decimal {
	step := profitPct.Div(hundred)
	if filled == models.Buy {
		return RoundPrice(fillPrice.Mul(decimal.NewFromInt(1).Add(step)), f)
	}
	return RoundPrice(fillPrice.Mul(decimal.NewFromInt(1).Sub(step)), f)
}

// ClampToRange bounds a price into [lower, upper], snapped to the tick grid.
func ClampToRange(p, lower, upper decimal.Decimal, f *models.SymbolFilters) decimal.Decimal {
	if p.LessThan(lower) {
		p = lower
	}
	if p.GreaterThan(upper) {
		p = upper
	}
	return RoundPrice(p, f)
}

// FeeAdjustedSellQty shrinks a filled buy's executed quantity by the
// commission before the counter-sell, so the sell never exceeds the inventory
// the fill actually credited. If the commission is known and was paid in the
// base asset it is subtracted exactly; otherwise an assumed 0.1% is used.
func FeeAdjustedSellQty(executedQty, commission decimal.Decimal, commissionAsset, baseAsset string, f *models.SymbolFilters) decimal.Decimal {
	if commission.IsPositive() && commissionAsset == baseAsset {
		return RoundQuantity(executedQty.Sub(commission), f)
	}
	return RoundQuantity(executedQty.Mul(decimal.NewFromInt(1).Sub(assumedFeeRate)), f)
}

// WithinTolerance reports whether a candidate counterpart matches the
// expected quantity within one lot step and the expected price within the
// given percentage band. Recovery uses this to re-derive pairings from
// evidence rather than trusting persisted flags.
func WithinTolerance(gotQty, wantQty, gotPrice, wantPrice, pricePctBand decimal.Decimal, f *models.SymbolFilters) bool {
	qtyTol := f.StepSize
	if !qtyTol.IsPositive() {
		qtyTol = wantQty.Mul(assumedFeeRate)
	}
	if gotQty.Sub(wantQty).Abs().GreaterThan(qtyTol) {
		return false
	}
	band := wantPrice.Mul(pricePctBand).Div(hundred)
	return gotPrice.Sub(wantPrice).Abs().LessThanOrEqual(band)
}
