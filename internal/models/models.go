package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/errs"
)

// Side 交易方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// BotStatus is the lifecycle state of a bot aggregate.
type BotStatus string

const (
	StatusPaused     BotStatus = "PAUSED"
	StatusActive     BotStatus = "ACTIVE"
	StatusRecovering BotStatus = "RECOVERING"
	StatusStopped    BotStatus = "STOPPED"
	StatusError      BotStatus = "ERROR"
)

// OrderStatus mirrors the exchange's order states.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Open reports whether the order still rests on the book.
func (s OrderStatus) Open() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// Terminal reports whether no further executions can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// GridConfig 网格配置，创建后不可变。
type GridConfig struct {
	LowerPrice       decimal.Decimal `json:"lower_price"`
	UpperPrice       decimal.Decimal `json:"upper_price"`
	GridLevels       int             `json:"grid_levels"`
	InvestmentAmount decimal.Decimal `json:"investment_amount"` // quote asset
	ProfitPerGrid    decimal.Decimal `json:"profit_per_grid"`   // percent, (0, 50]

	// Optional risk stops. Zero values disable the corresponding check.
	StopLossPrice  decimal.Decimal `json:"stop_loss_price,omitempty"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct,omitempty"`
	TakeProfitPct  decimal.Decimal `json:"take_profit_pct,omitempty"`
}

// Validate checks the configuration bounds against the symbol filters.
func (c GridConfig) Validate(f *SymbolFilters) error {
	const op = "config.validate"
	if !c.LowerPrice.IsPositive() {
		return errs.E(errs.InvalidConfig, op, "lower price must be positive")
	}
	if c.UpperPrice.LessThanOrEqual(c.LowerPrice) {
		return errs.Ef(errs.InvalidConfig, op, "upper price %s must exceed lower price %s", c.UpperPrice, c.LowerPrice)
	}
	if c.GridLevels < 2 || c.GridLevels > 100 {
		return errs.Ef(errs.InvalidConfig, op, "grid levels %d outside [2,100]", c.GridLevels)
	}
	if !c.InvestmentAmount.IsPositive() {
		return errs.E(errs.InvalidConfig, op, "investment amount must be positive")
	}
	if !c.ProfitPerGrid.IsPositive() || c.ProfitPerGrid.GreaterThan(decimal.NewFromInt(50)) {
		return errs.Ef(errs.InvalidConfig, op, "profit per grid %s%% outside (0,50]", c.ProfitPerGrid)
	}
	if f != nil && f.TickSize.IsPositive() {
		spacing := c.UpperPrice.Sub(c.LowerPrice).Div(decimal.NewFromInt(int64(c.GridLevels - 1)))
		if spacing.LessThan(f.TickSize) {
			return errs.Ef(errs.InvalidConfig, op, "grid spacing %s below tick size %s", spacing, f.TickSize)
		}
	}
	return nil
}

// SymbolFilters 交易规则（tick/step/minNotional 等），从交易所读取并缓存。
type SymbolFilters struct {
	Symbol            string          `json:"symbol"`
	BaseAsset         string          `json:"base_asset"`
	QuoteAsset        string          `json:"quote_asset"`
	TickSize          decimal.Decimal `json:"tick_size"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinQty            decimal.Decimal `json:"min_qty"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
}

// Order is one ledger entry of a bot aggregate.
type Order struct {
	OrderID       string          `json:"order_id"` // exchange-assigned, unique per symbol
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	GridLevel     int             `json:"grid_level"`
	Status        OrderStatus     `json:"status"`

	ExecutedQty     decimal.Decimal `json:"executed_qty"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"` // volume-weighted
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`

	HasCounterpart  bool   `json:"has_counterpart"`
	CounterOf       string `json:"counter_of,omitempty"` // order id this order is the counterpart of
	IsLiquidation   bool   `json:"is_liquidation,omitempty"`
	IsRecoveryOrder bool   `json:"is_recovery_order,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FillPrice is the price fills actually happened at, falling back to the
// requested price when the exchange reported no usable executed price.
func (o *Order) FillPrice() decimal.Decimal {
	if o.ExecutedPrice.IsPositive() {
		return o.ExecutedPrice
	}
	return o.Price
}

// Statistics 机器人累计统计。计数器只增不减。
type Statistics struct {
	TotalTrades      int64           `json:"total_trades"`
	SuccessfulTrades int64           `json:"successful_trades"`
	RealizedProfit   decimal.Decimal `json:"realized_profit"` // quote asset, net of known quote commissions
	TotalInvested    decimal.Decimal `json:"total_invested"`
	CounterSkips     int64           `json:"counter_skips"` // counter-orders not placed (out of range, min qty, ...)
	StartTime        time.Time       `json:"start_time,omitempty"`
	LastTradeTime    time.Time       `json:"last_trade_time,omitempty"`
}

// RunningTime reports how long the bot has been live since StartTime.
func (s Statistics) RunningTime(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// RecoveryEvent records one reconciliation pass over a bot.
type RecoveryEvent struct {
	Time            time.Time `json:"time"`
	OrdersRefreshed int       `json:"orders_refreshed"`
	FillsDetected   int       `json:"fills_detected"`
	CountersPlaced  int       `json:"counters_placed"`
	PlacedOrderIDs  []string  `json:"placed_order_ids,omitempty"`
	Note            string    `json:"note,omitempty"`
}

// Bot is the aggregate root. It is mutated only by the bot engine or the
// recovery service while holding the bot's lock; the store persists it as a
// single atomic unit.
type Bot struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Symbol string    `json:"symbol"`
	Status BotStatus `json:"status"`

	Config GridConfig `json:"config"`
	Stats  Statistics `json:"stats"`
	Orders []Order    `json:"orders"`

	LastError  string          `json:"last_error,omitempty"`
	Recoveries []RecoveryEvent `json:"recoveries,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindOrder returns the ledger order with the given exchange id, or nil.
func (b *Bot) FindOrder(orderID string) *Order {
	for i := range b.Orders {
		if b.Orders[i].OrderID == orderID {
			return &b.Orders[i]
		}
	}
	return nil
}

// FindByClientID returns the ledger order with the given client id, or nil.
func (b *Bot) FindByClientID(clientID string) *Order {
	if clientID == "" {
		return nil
	}
	for i := range b.Orders {
		if b.Orders[i].ClientOrderID == clientID {
			return &b.Orders[i]
		}
	}
	return nil
}

// OpenLedgerOrders returns pointers to all orders still resting on the book.
func (b *Bot) OpenLedgerOrders() []*Order {
	var open []*Order
	for i := range b.Orders {
		if b.Orders[i].Status.Open() {
			open = append(open, &b.Orders[i])
		}
	}
	return open
}

// LevelOccupied reports whether an active (NEW or PARTIALLY_FILLED) order of
// the given side already sits at the grid level. Invariant: at most one.
func (b *Bot) LevelOccupied(side Side, level int) bool {
	for i := range b.Orders {
		o := &b.Orders[i]
		if o.Side == side && o.GridLevel == level && o.Status.Open() {
			return true
		}
	}
	return false
}

// ActiveBuyNotional sums price*remaining quantity over open buy orders. Used
// for the best-effort investment ceiling at placement time.
func (b *Bot) ActiveBuyNotional() decimal.Decimal {
	total := decimal.Zero
	for i := range b.Orders {
		o := &b.Orders[i]
		if o.Side == Buy && o.Status.Open() {
			remaining := o.Quantity.Sub(o.ExecutedQty)
			total = total.Add(o.Price.Mul(remaining))
		}
	}
	return total
}

// RemoveOrder drops a ledger entry by exchange id. Used only by recovery when
// rolling back a placement the exchange subsequently rejected.
func (b *Bot) RemoveOrder(orderID string) {
	kept := b.Orders[:0]
	for _, o := range b.Orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	b.Orders = kept
}

// Balance 账户中某一资产的余额。
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// APIError 币安API返回的错误信息结构。
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
