package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observation from the shared market-data stream.
type Tick struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	High24h        decimal.Decimal `json:"high_24h"`
	Low24h         decimal.Decimal `json:"low_24h"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	PriceChangePct decimal.Decimal `json:"price_change_pct"`
	Time           time.Time       `json:"time"`
}

// ExecutionReport is a normalized order update from the user data stream or
// from a REST order-status read. For FILLED reports the adapter guarantees
// ExecutedQty > 0 and a positive ExecutedPrice.
type ExecutionReport struct {
	Symbol          string
	OrderID         string
	ClientOrderID   string
	Side            Side
	Status          OrderStatus
	Price           decimal.Decimal // requested price
	ExecutedQty     decimal.Decimal // cumulative
	ExecutedPrice   decimal.Decimal // volume-weighted
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
}

// BalanceUpdate is an account-position snapshot entry from the user stream.
type BalanceUpdate struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Time   time.Time
}

// --- Binance wire structs (user data stream) ---

// WSExecutionReport 用户数据流里的 executionReport 事件。
type WSExecutionReport struct {
	EventType       string `json:"e"` // "executionReport"
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrigQty         string `json:"q"`
	Price           string `json:"p"`
	ExecType        string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastExecQty     string `json:"l"`
	CumQty          string `json:"z"`
	LastExecPrice   string `json:"L"`
	CommissionAmt   string `json:"n"`
	CommissionAsset string `json:"N"`
	CumQuoteQty     string `json:"Z"`
	TradeTime       int64  `json:"T"`
}

// WSAccountPosition 用户数据流里的 outboundAccountPosition 事件。
type WSAccountPosition struct {
	EventType string `json:"e"` // "outboundAccountPosition"
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// WSTicker 行情流里的 24hrTicker 事件。
type WSTicker struct {
	EventType      string `json:"e"` // "24hrTicker"
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	LastPrice      string `json:"c"`
	PriceChangePct string `json:"P"`
	High           string `json:"h"`
	Low            string `json:"l"`
	Volume         string `json:"v"`
}

// WSKline 行情流里的 kline 事件，只消费收盘价。
type WSKline struct {
	EventType string `json:"e"` // "kline"
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Interval string `json:"i"`
		Close    string `json:"c"`
		IsFinal  bool   `json:"x"`
	} `json:"k"`
}
