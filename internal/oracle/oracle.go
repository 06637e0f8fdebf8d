// Package oracle 根据近期行情为未显式给出的网格参数推荐默认值。
package oracle

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/errs"
)

// Suggestion 推荐的网格参数。
type Suggestion struct {
	LowerPrice    decimal.Decimal
	UpperPrice    decimal.Decimal
	GridLevels    int
	ProfitPerGrid decimal.Decimal // percent
}

// ParameterOracle fills in grid parameters the caller omitted.
type ParameterOracle interface {
	Suggest(ctx context.Context, symbol string) (Suggestion, error)
}

const (
	klineInterval = "1h"
	klineLimit    = 168 // one week of hourly candles
	minLevels     = 6
	maxLevels     = 50
)

var (
	hundred          = decimal.NewFromInt(100)
	minProfitPerGrid = decimal.RequireFromString("0.5")
	maxProfitPerGrid = decimal.NewFromInt(3)
	// 每格利润目标定为平均小时波幅的一半，让价格在格距内正常往返。
	profitFraction = decimal.RequireFromString("0.5")
)

// VolatilityOracle derives grid bounds from the past week's trading range and
// the per-grid profit from the average hourly swing.
type VolatilityOracle struct {
	client *binance.Client
}

// NewVolatilityOracle 创建推荐器。K线是公共接口，不需要API Key。
func NewVolatilityOracle() *VolatilityOracle {
	return &VolatilityOracle{client: binance.NewClient("", "")}
}

// NewVolatilityOracleWithURL points the oracle at a non-default REST base,
// used against the testnet and in tests.
func NewVolatilityOracleWithURL(baseURL string) *VolatilityOracle {
	c := binance.NewClient("", "")
	c.BaseURL = baseURL
	return &VolatilityOracle{client: c}
}

func (o *VolatilityOracle) Suggest(ctx context.Context, symbol string) (Suggestion, error) {
	const op = "oracle.suggest"

	klines, err := o.client.NewKlinesService().
		Symbol(symbol).
		Interval(klineInterval).
		Limit(klineLimit).
		Do(ctx)
	if err != nil {
		return Suggestion{}, errs.Wrap(errs.ExchangeTransient, op, err)
	}
	if len(klines) < 2 {
		return Suggestion{}, errs.Ef(errs.InvalidConfig, op, "not enough kline history for %s", symbol)
	}

	var low, high decimal.Decimal
	rangeSum := decimal.Zero
	for i, k := range klines {
		h, err := decimal.NewFromString(k.High)
		if err != nil {
			return Suggestion{}, errs.Wrap(errs.ExchangeTransient, op, err)
		}
		l, err := decimal.NewFromString(k.Low)
		if err != nil {
			return Suggestion{}, errs.Wrap(errs.ExchangeTransient, op, err)
		}
		if i == 0 || l.LessThan(low) {
			low = l
		}
		if i == 0 || h.GreaterThan(high) {
			high = h
		}
		if l.IsPositive() {
			rangeSum = rangeSum.Add(h.Sub(l).Div(l).Mul(hundred))
		}
	}
	if !low.IsPositive() || !high.GreaterThan(low) {
		return Suggestion{}, errs.Ef(errs.InvalidConfig, op, "degenerate price range for %s", symbol)
	}

	avgRangePct := rangeSum.Div(decimal.NewFromInt(int64(len(klines))))
	profit := avgRangePct.Mul(profitFraction)
	if profit.LessThan(minProfitPerGrid) {
		profit = minProfitPerGrid
	}
	if profit.GreaterThan(maxProfitPerGrid) {
		profit = maxProfitPerGrid
	}

	// Level count so that the grid spacing roughly matches the profit step.
	spanPct := high.Sub(low).Div(low).Mul(hundred)
	levels := int(spanPct.Div(profit).IntPart()) + 1
	if levels < minLevels {
		levels = minLevels
	}
	if levels > maxLevels {
		levels = maxLevels
	}

	return Suggestion{
		LowerPrice:    low,
		UpperPrice:    high,
		GridLevels:    levels,
		ProfitPerGrid: profit.Round(2),
	}, nil
}

// Static is a fixed-answer oracle for tests.
type Static struct {
	S   Suggestion
	Err error
}

func (s Static) Suggest(ctx context.Context, symbol string) (Suggestion, error) {
	if s.Err != nil {
		return Suggestion{}, s.Err
	}
	return s.S, nil
}
