package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/models"
)

// Analysis 汇总单个机器人的绩效指标。
type Analysis struct {
	BotID  string
	Symbol string
	Status models.BotStatus

	RunningTime time.Duration

	TotalTrades      int64
	SuccessfulTrades int64
	WinRate          decimal.Decimal // percent of trades that closed a round trip
	CounterSkips     int64

	RealizedProfit decimal.Decimal
	ReturnPct      decimal.Decimal // realized profit over investment amount

	OpenBuyOrders  int
	OpenSellOrders int

	InventoryQty    decimal.Decimal // base inventory the ledger accounts for
	InventoryValue  decimal.Decimal // at the current price
	UnrealizedPnL   decimal.Decimal
	CurrentPrice    decimal.Decimal
	RecoveriesCount int
}

// Analyze computes the performance report for one bot from its ledger and the
// current market price.
func (s *Supervisor) Analyze(ctx context.Context, id string) (*Analysis, error) {
	b, err := s.GetBot(id)
	if err != nil {
		return nil, err
	}
	ex, err := s.clientFor(b.UserID)
	if err != nil {
		return nil, err
	}
	filters, err := ex.SymbolInfo(ctx, b.Symbol)
	if err != nil {
		return nil, err
	}
	price, err := ex.LastPrice(ctx, b.Symbol)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		BotID:            b.ID,
		Symbol:           b.Symbol,
		Status:           b.Status,
		RunningTime:      b.Stats.RunningTime(time.Now()),
		TotalTrades:      b.Stats.TotalTrades,
		SuccessfulTrades: b.Stats.SuccessfulTrades,
		CounterSkips:     b.Stats.CounterSkips,
		RealizedProfit:   b.Stats.RealizedProfit,
		CurrentPrice:     price,
		RecoveriesCount:  len(b.Recoveries),
	}
	if b.Stats.TotalTrades > 0 {
		a.WinRate = decimal.NewFromInt(b.Stats.SuccessfulTrades).
			Div(decimal.NewFromInt(b.Stats.TotalTrades)).
			Mul(decimal.NewFromInt(100)).Round(2)
	}
	if b.Config.InvestmentAmount.IsPositive() {
		a.ReturnPct = b.Stats.RealizedProfit.
			Div(b.Config.InvestmentAmount).
			Mul(decimal.NewFromInt(100)).Round(4)
	}

	// Ledger inventory: what the bot's buys credited minus what its sells
	// shipped, with unrealized P&L against the average cost.
	bought := decimal.Zero
	cost := decimal.Zero
	sold := decimal.Zero
	for _, o := range b.Orders {
		if o.Status.Open() {
			if o.Side == models.Buy {
				a.OpenBuyOrders++
			} else {
				a.OpenSellOrders++
			}
			continue
		}
		if o.Status != models.OrderFilled {
			continue
		}
		if o.Side == models.Buy {
			qty := grid.FeeAdjustedSellQty(o.ExecutedQty, o.Commission, o.CommissionAsset, filters.BaseAsset, filters)
			bought = bought.Add(qty)
			cost = cost.Add(o.FillPrice().Mul(qty))
		} else {
			sold = sold.Add(o.ExecutedQty)
		}
	}
	a.InventoryQty = bought.Sub(sold)
	if a.InventoryQty.IsPositive() {
		a.InventoryValue = a.InventoryQty.Mul(price)
		if bought.IsPositive() {
			avgCost := cost.Div(bought)
			a.UnrealizedPnL = price.Sub(avgCost).Mul(a.InventoryQty)
		}
	}
	return a, nil
}
