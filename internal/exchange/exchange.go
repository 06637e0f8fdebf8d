package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 每个实例绑定一个用户的API凭证；行情流在进程内共享。
// This allows the engine to run against the live exchange or the
// in-process simulator interchangeably.
type Exchange interface {
	// SymbolInfo returns the trading rules for a symbol, served from a TTL
	// cache. Fails with a NotFound error for unknown symbols.
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolFilters, error)

	// LastPrice prefers the shared market stream's cached tick (age <= 10s)
	// and falls back to a REST read.
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// AccountBalances returns all non-zero balances keyed by asset.
	AccountBalances(ctx context.Context) (map[string]models.Balance, error)

	// AssetBalance returns the free/locked balance of a single asset. A
	// missing asset yields a zero balance, not an error.
	AssetBalance(ctx context.Context, asset string) (models.Balance, error)

	// PlaceLimit places a good-till-canceled limit order. The client order
	// id, when supplied, makes the call idempotent on the exchange side.
	PlaceLimit(ctx context.Context, symbol string, side models.Side, qty, price decimal.Decimal, clientID string) (*models.Order, error)

	// PlaceMarket places a market order and reports its fills.
	PlaceMarket(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, clientID string) (*models.Order, error)

	// Cancel cancels an open order. Canceling an order that is already in a
	// terminal state is treated as success.
	Cancel(ctx context.Context, symbol, orderID string) error

	// OrderStatus fetches an order with its fills; the executed price is
	// volume-weighted across fills.
	OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error)

	// OpenOrders lists the orders currently resting on the book.
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)

	// SubscribePrice delivers ticks for the symbol from the shared market
	// stream. The returned cancel releases the subscription.
	SubscribePrice(symbol string) (<-chan models.Tick, func(), error)

	// UserStream delivers this user's execution reports. All bots of one
	// user share a single underlying connection; the returned cancel
	// detaches this subscriber only.
	UserStream(ctx context.Context) (<-chan models.ExecutionReport, func(), error)
}
