package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/models"
)

// simFeeRate 模拟盘手续费率 0.1%，从收到的资产中扣除。
var simFeeRate = decimal.RequireFromString("0.001")

// Sim is an in-process exchange used by paper trading and by tests. It keeps
// balances and an order book in memory; SetPrice advances the market and
// fills any limit orders the new price crosses.
type Sim struct {
	mu sync.Mutex

	filters  map[string]*models.SymbolFilters
	balances map[string]*models.Balance
	prices   map[string]decimal.Decimal
	orders   map[string]*models.Order // by order id
	symbols  map[string]string        // order id -> symbol
	nextID   int64

	tickSubs   map[int64]simTickSub
	reportSubs map[int64]chan models.ExecutionReport
	nextSub    int64

	// failure injection
	placeErr  error
	cancelErr error
}

type simTickSub struct {
	symbol string
	ch     chan models.Tick
}

// NewSim 创建一个空的模拟交易所。
func NewSim() *Sim {
	return &Sim{
		filters:    make(map[string]*models.SymbolFilters),
		balances:   make(map[string]*models.Balance),
		prices:     make(map[string]decimal.Decimal),
		orders:     make(map[string]*models.Order),
		symbols:    make(map[string]string),
		tickSubs:   make(map[int64]simTickSub),
		reportSubs: make(map[int64]chan models.ExecutionReport),
	}
}

// AddSymbol registers trading rules and an initial price for a symbol.
func (s *Sim) AddSymbol(f *models.SymbolFilters, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[f.Symbol] = f
	s.prices[f.Symbol] = price
}

// EnsureSymbol registers generic trading rules for a symbol that is not
// already known. Paper trading uses it to accept arbitrary symbols.
func (s *Sim) EnsureSymbol(symbol, baseAsset, quoteAsset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[symbol]; ok {
		return
	}
	s.filters[symbol] = &models.SymbolFilters{
		Symbol:            symbol,
		BaseAsset:         baseAsset,
		QuoteAsset:        quoteAsset,
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.00001"),
		MinQty:            decimal.RequireFromString("0.00001"),
		MinNotional:       decimal.NewFromInt(10),
		PricePrecision:    2,
		QuantityPrecision: 5,
	}
	s.prices[symbol] = price
}

// Deposit 充值，测试里用来初始化余额。
func (s *Sim) Deposit(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance(asset).Free = s.balance(asset).Free.Add(amount)
}

// FailNextPlace makes the next order placement return the given error.
func (s *Sim) FailNextPlace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErr = err
}

// FailNextCancel makes the next cancel return the given error.
func (s *Sim) FailNextCancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErr = err
}

// balance 返回资产余额条目，不存在则创建。调用方需持有锁。
func (s *Sim) balance(asset string) *models.Balance {
	b, ok := s.balances[asset]
	if !ok {
		b = &models.Balance{Asset: asset}
		s.balances[asset] = b
	}
	return b
}

// SetPrice moves the market and fills every resting limit order the move
// crosses. Fills are published as execution reports after the lock is
// released.
func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price

	var filled []*models.Order
	for id, o := range s.orders {
		if s.symbols[id] != symbol || !o.Status.Open() {
			continue
		}
		crossed := (o.Side == models.Buy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == models.Sell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			s.fill(o, o.Price)
			filled = append(filled, o)
		}
	}

	reports := make([]models.ExecutionReport, 0, len(filled))
	for _, o := range filled {
		reports = append(reports, s.reportFor(o))
	}
	tick := models.Tick{Symbol: symbol, Price: price, Time: time.Now()}
	tickChans := make([]chan models.Tick, 0, len(s.tickSubs))
	for _, sub := range s.tickSubs {
		if sub.symbol == symbol {
			tickChans = append(tickChans, sub.ch)
		}
	}
	reportChans := make([]chan models.ExecutionReport, 0, len(s.reportSubs))
	for _, ch := range s.reportSubs {
		reportChans = append(reportChans, ch)
	}
	s.mu.Unlock()

	for _, ch := range tickChans {
		select {
		case ch <- tick:
		default:
		}
	}
	for _, r := range reports {
		for _, ch := range reportChans {
			select {
			case ch <- r:
			default:
			}
		}
	}
}

// fill 以给定价格全额成交订单并结算余额。调用方需持有锁。
func (s *Sim) fill(o *models.Order, price decimal.Decimal) {
	symbol := s.symbols[o.OrderID]
	f := s.filters[symbol]

	o.Status = models.OrderFilled
	o.ExecutedQty = o.Quantity
	o.ExecutedPrice = price
	o.UpdatedAt = time.Now()

	quote := price.Mul(o.Quantity)
	if o.Side == models.Buy {
		fee := o.Quantity.Mul(simFeeRate)
		o.Commission = fee
		o.CommissionAsset = f.BaseAsset
		s.balance(f.QuoteAsset).Locked = s.balance(f.QuoteAsset).Locked.Sub(quote)
		s.balance(f.BaseAsset).Free = s.balance(f.BaseAsset).Free.Add(o.Quantity.Sub(fee))
	} else {
		fee := quote.Mul(simFeeRate)
		o.Commission = fee
		o.CommissionAsset = f.QuoteAsset
		s.balance(f.BaseAsset).Locked = s.balance(f.BaseAsset).Locked.Sub(o.Quantity)
		s.balance(f.QuoteAsset).Free = s.balance(f.QuoteAsset).Free.Add(quote.Sub(fee))
	}
}

func (s *Sim) reportFor(o *models.Order) models.ExecutionReport {
	return models.ExecutionReport{
		Symbol:          s.symbols[o.OrderID],
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Side:            o.Side,
		Status:          o.Status,
		Price:           o.Price,
		ExecutedQty:     o.ExecutedQty,
		ExecutedPrice:   o.ExecutedPrice,
		Commission:      o.Commission,
		CommissionAsset: o.CommissionAsset,
		Time:            o.UpdatedAt,
	}
}

// --- Exchange 接口实现 ---

func (s *Sim) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[symbol]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "sim.symbolInfo", "symbol %s unknown", symbol)
	}
	return f, nil
}

func (s *Sim) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, errs.Ef(errs.NotFound, "sim.lastPrice", "symbol %s unknown", symbol)
	}
	return p, nil
}

func (s *Sim) AccountBalances(ctx context.Context) (map[string]models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Balance, len(s.balances))
	for asset, b := range s.balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		out[asset] = *b
	}
	return out, nil
}

func (s *Sim) AssetBalance(ctx context.Context, asset string) (models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[asset]; ok {
		return *b, nil
	}
	return models.Balance{Asset: asset}, nil
}

func (s *Sim) PlaceLimit(ctx context.Context, symbol string, side models.Side, qty, price decimal.Decimal, clientID string) (*models.Order, error) {
	s.mu.Lock()
	if err := s.placeErr; err != nil {
		s.placeErr = nil
		s.mu.Unlock()
		return nil, err
	}
	f, ok := s.filters[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, errs.Ef(errs.NotFound, "sim.placeLimit", "symbol %s unknown", symbol)
	}

	// Lock the funds the order needs.
	if side == models.Buy {
		quote := price.Mul(qty)
		b := s.balance(f.QuoteAsset)
		if b.Free.LessThan(quote) {
			s.mu.Unlock()
			return nil, errs.Ef(errs.InsufficientBalance, "sim.placeLimit",
				"need %s %s, have %s", quote, f.QuoteAsset, b.Free)
		}
		b.Free = b.Free.Sub(quote)
		b.Locked = b.Locked.Add(quote)
	} else {
		b := s.balance(f.BaseAsset)
		if b.Free.LessThan(qty) {
			s.mu.Unlock()
			return nil, errs.Ef(errs.InsufficientBalance, "sim.placeLimit",
				"need %s %s, have %s", qty, f.BaseAsset, b.Free)
		}
		b.Free = b.Free.Sub(qty)
		b.Locked = b.Locked.Add(qty)
	}

	s.nextID++
	now := time.Now()
	o := &models.Order{
		OrderID:       strconv.FormatInt(s.nextID, 10),
		ClientOrderID: clientID,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		Status:        models.OrderNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[o.OrderID] = o
	s.symbols[o.OrderID] = symbol

	// Marketable limit orders fill immediately at the limit price.
	var report *models.ExecutionReport
	market := s.prices[symbol]
	if (side == models.Buy && market.LessThanOrEqual(price)) ||
		(side == models.Sell && market.GreaterThanOrEqual(price)) {
		s.fill(o, price)
		r := s.reportFor(o)
		report = &r
	}
	result := *o
	reportChans := make([]chan models.ExecutionReport, 0, len(s.reportSubs))
	for _, ch := range s.reportSubs {
		reportChans = append(reportChans, ch)
	}
	s.mu.Unlock()

	if report != nil {
		for _, ch := range reportChans {
			select {
			case ch <- *report:
			default:
			}
		}
	}
	return &result, nil
}

func (s *Sim) PlaceMarket(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, clientID string) (*models.Order, error) {
	s.mu.Lock()
	if err := s.placeErr; err != nil {
		s.placeErr = nil
		s.mu.Unlock()
		return nil, err
	}
	f, ok := s.filters[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, errs.Ef(errs.NotFound, "sim.placeMarket", "symbol %s unknown", symbol)
	}
	price := s.prices[symbol]

	if side == models.Buy {
		quote := price.Mul(qty)
		b := s.balance(f.QuoteAsset)
		if b.Free.LessThan(quote) {
			s.mu.Unlock()
			return nil, errs.Ef(errs.InsufficientBalance, "sim.placeMarket",
				"need %s %s, have %s", quote, f.QuoteAsset, b.Free)
		}
		b.Free = b.Free.Sub(quote)
		b.Locked = b.Locked.Add(quote)
	} else {
		b := s.balance(f.BaseAsset)
		if b.Free.LessThan(qty) {
			s.mu.Unlock()
			return nil, errs.Ef(errs.InsufficientBalance, "sim.placeMarket",
				"need %s %s, have %s", qty, f.BaseAsset, b.Free)
		}
		b.Free = b.Free.Sub(qty)
		b.Locked = b.Locked.Add(qty)
	}

	s.nextID++
	now := time.Now()
	o := &models.Order{
		OrderID:       strconv.FormatInt(s.nextID, 10),
		ClientOrderID: clientID,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		Status:        models.OrderNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[o.OrderID] = o
	s.symbols[o.OrderID] = symbol
	s.fill(o, price)
	report := s.reportFor(o)
	result := *o
	reportChans := make([]chan models.ExecutionReport, 0, len(s.reportSubs))
	for _, ch := range s.reportSubs {
		reportChans = append(reportChans, ch)
	}
	s.mu.Unlock()

	for _, ch := range reportChans {
		select {
		case ch <- report:
		default:
		}
	}
	return &result, nil
}

func (s *Sim) Cancel(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cancelErr; err != nil {
		s.cancelErr = nil
		return err
	}
	o, ok := s.orders[orderID]
	if !ok {
		// Idempotent: unknown or already purged orders cancel cleanly.
		return nil
	}
	if o.Status.Terminal() {
		return nil
	}

	f := s.filters[symbol]
	if o.Side == models.Buy {
		quote := o.Price.Mul(o.Quantity)
		b := s.balance(f.QuoteAsset)
		b.Locked = b.Locked.Sub(quote)
		b.Free = b.Free.Add(quote)
	} else {
		b := s.balance(f.BaseAsset)
		b.Locked = b.Locked.Sub(o.Quantity)
		b.Free = b.Free.Add(o.Quantity)
	}
	o.Status = models.OrderCanceled
	o.UpdatedAt = time.Now()
	return nil
}

func (s *Sim) OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errs.Ef(errs.NotFound, "sim.orderStatus", "order %s unknown", orderID)
	}
	result := *o
	return &result, nil
}

func (s *Sim) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.Order
	for id, o := range s.orders {
		if s.symbols[id] == symbol && o.Status.Open() {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (s *Sim) SubscribePrice(symbol string) (<-chan models.Tick, func(), error) {
	ch := make(chan models.Tick, subChanBuffer)
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.tickSubs[id] = simTickSub{symbol: symbol, ch: ch}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.tickSubs, id)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *Sim) UserStream(ctx context.Context) (<-chan models.ExecutionReport, func(), error) {
	ch := make(chan models.ExecutionReport, subChanBuffer)
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.reportSubs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.reportSubs, id)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}
