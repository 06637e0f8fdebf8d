// Package bot 实现单个网格机器人的运行时：初始挂单、成交对冲、
// 兜底轮询、风控止损和清算。
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/ids"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/store"
)

const (
	// MinPollInterval 兜底轮询的最小间隔。
	MinPollInterval = 10 * time.Second
	// liquidationSettleWait 清算前等待撤单资金解锁的时间。
	liquidationSettleWait = 3 * time.Second
)

// Runner drives one bot aggregate. All mutation happens under the runner's
// lock; every mutation is followed by an atomic save of the whole aggregate.
type Runner struct {
	ex    exchange.Exchange
	store store.BotStore
	log   *zap.SugaredLogger

	pollInterval time.Duration

	mu       sync.Mutex
	bot      *models.Bot
	filters  *models.SymbolFilters
	levels   []decimal.Decimal
	running  bool
	stopping bool

	stopChannel chan struct{}
	cancelSubs  []func()
	wg          sync.WaitGroup
}

// NewRunner 创建机器人运行时实例。
func NewRunner(bot *models.Bot, ex exchange.Exchange, st store.BotStore, log *zap.SugaredLogger, pollInterval time.Duration) *Runner {
	if pollInterval < MinPollInterval {
		pollInterval = MinPollInterval
	}
	return &Runner{
		ex:           ex,
		store:        st,
		log:          log.With("bot_id", bot.ID, "symbol", bot.Symbol),
		pollInterval: pollInterval,
		bot:          bot,
	}
}

// Bot returns a snapshot copy of the aggregate.
func (r *Runner) Bot() models.Bot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.bot
}

// Start validates the configuration, lays the initial buy ladder and launches
// the event, poll and risk loops. A bot resuming with open orders in its
// ledger skips the initial placement; reconciliation is the recovery
// service's job and must run before Start.
func (r *Runner) Start(ctx context.Context) error {
	const op = "bot.start"

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	bot := r.bot
	r.mu.Unlock()

	filters, err := r.ex.SymbolInfo(ctx, bot.Symbol)
	if err != nil {
		return err
	}
	if err := bot.Config.Validate(filters); err != nil {
		return err
	}
	levels := grid.Levels(bot.Config, filters)

	r.mu.Lock()
	r.filters = filters
	r.levels = levels
	resume := len(bot.OpenLedgerOrders()) > 0
	r.mu.Unlock()

	if !resume {
		if err := r.placeInitialLadder(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.bot.Status = models.StatusActive
	if r.bot.Stats.StartTime.IsZero() {
		r.bot.Stats.StartTime = time.Now()
	}
	r.bot.LastError = ""
	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%s: persist: %w", op, err)
	}
	r.stopChannel = make(chan struct{})
	r.running = true
	r.stopping = false
	r.mu.Unlock()

	if err := r.startLoops(ctx); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}
	r.log.Infow("bot started", "resume", resume)
	return nil
}

// placeInitialLadder 在当前价下方的每个网格层挂限价买单。
// 单层失败只记录，不中断其余层；全部失败才算启动失败。
func (r *Runner) placeInitialLadder(ctx context.Context) error {
	const op = "bot.placeInitialLadder"

	price, err := r.ex.LastPrice(ctx, r.bot.Symbol)
	if err != nil {
		return err
	}

	r.mu.Lock()
	bot := r.bot
	filters := r.filters
	levels := r.levels
	r.mu.Unlock()

	if price.GreaterThan(bot.Config.UpperPrice) {
		return errs.Ef(errs.PairPriceOutOfRange, op,
			"current price %s above the grid's upper bound %s", price, bot.Config.UpperPrice)
	}
	buySlots := grid.BuySlots(levels, price)
	if buySlots == 0 {
		return errs.Ef(errs.PairPriceOutOfRange, op,
			"current price %s at or below the lowest grid level", price)
	}

	// The whole investment must be available before the first order goes out.
	quote, err := r.ex.AssetBalance(ctx, filters.QuoteAsset)
	if err != nil {
		return err
	}
	if quote.Free.LessThan(bot.Config.InvestmentAmount) {
		return errs.Ef(errs.InsufficientBalance, op,
			"free %s %s below investment amount %s", filters.QuoteAsset, quote.Free, bot.Config.InvestmentAmount)
	}

	var placed int
	var failures []string
	for i := 0; i < buySlots; i++ {
		levelPrice := levels[i]
		if !levelPrice.LessThan(price) {
			continue
		}
		qty, err := grid.QuantityPerBuy(bot.Config.InvestmentAmount, buySlots, levelPrice, filters)
		if err != nil {
			failures = append(failures, fmt.Sprintf("level %d: %v", i, err))
			continue
		}

		clientID := ids.ClientOrderID(bot.ID, i)
		order, err := r.ex.PlaceLimit(ctx, bot.Symbol, models.Buy, qty, levelPrice, clientID)
		if err != nil {
			r.log.Warnw("ladder placement failed", "level", i, "price", levelPrice, "err", err)
			failures = append(failures, fmt.Sprintf("level %d: %v", i, err))
			continue
		}
		order.GridLevel = i

		r.mu.Lock()
		r.bot.Orders = append(r.bot.Orders, *order)
		r.bot.UpdatedAt = time.Now()
		saveErr := r.store.SaveBot(r.bot)
		r.mu.Unlock()
		if saveErr != nil {
			return fmt.Errorf("%s: persist after level %d: %w", op, i, saveErr)
		}
		placed++
	}

	if placed == 0 {
		summary := strings.Join(failures, "; ")
		r.mu.Lock()
		r.bot.Status = models.StatusPaused
		r.bot.LastError = summary
		r.bot.UpdatedAt = time.Now()
		if err := r.store.SaveBot(r.bot); err != nil {
			r.log.Errorw("persist of paused state failed", "err", err)
		}
		r.mu.Unlock()
		return errs.Ef(errs.Unrecoverable, op, "no ladder orders placed: %s", summary)
	}
	if len(failures) > 0 {
		r.log.Warnw("ladder partially placed", "placed", placed, "failed", len(failures))
	}
	r.log.Infow("ladder placed", "orders", placed, "buy_slots", buySlots)
	return nil
}

func (r *Runner) startLoops(ctx context.Context) error {
	reports, cancelReports, err := r.ex.UserStream(ctx)
	if err != nil {
		return err
	}
	ticks, cancelTicks, err := r.ex.SubscribePrice(r.bot.Symbol)
	if err != nil {
		cancelReports()
		return err
	}

	r.mu.Lock()
	r.cancelSubs = []func(){cancelReports, cancelTicks}
	stop := r.stopChannel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.eventLoop(stop, reports, ticks)
	go r.pollLoop(stop)
	return nil
}

// eventLoop 消费订单推送和行情，推送驱动对冲，行情驱动风控。
func (r *Runner) eventLoop(stop <-chan struct{}, reports <-chan models.ExecutionReport, ticks <-chan models.Tick) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		case report, ok := <-reports:
			if !ok {
				r.log.Warnw("user stream closed, poller remains the safety net")
				reports = nil
				continue
			}
			r.applyReport(report)
		case tick, ok := <-ticks:
			if !ok {
				r.log.Warnw("price stream closed")
				ticks = nil
				continue
			}
			r.checkRiskStops(tick.Price)
		}
	}
}

// pollLoop 定期用REST核对账本里的挂单，作为推送丢失时的兜底。
func (r *Runner) pollLoop(stop <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

func (r *Runner) pollOnce() {
	r.mu.Lock()
	symbol := r.bot.Symbol
	var openIDs []string
	for _, o := range r.bot.OpenLedgerOrders() {
		openIDs = append(openIDs, o.OrderID)
	}
	r.mu.Unlock()
	if len(openIDs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.pollInterval)
	defer cancel()

	// 一次 openOrders 就能确认还挂着的单；只对不在其中的单查询状态，
	// 避免每轮对每个挂单各发一次签名请求。
	open, err := r.ex.OpenOrders(ctx, symbol)
	if err != nil {
		r.log.Warnw("open orders poll failed", "err", err)
		return
	}
	onBook := make(map[string]bool, len(open))
	for _, o := range open {
		onBook[o.OrderID] = true
	}

	for _, id := range openIDs {
		if onBook[id] {
			continue
		}
		fresh, err := r.ex.OrderStatus(ctx, symbol, id)
		if err != nil {
			if errs.KindOf(err) == errs.NotFound {
				r.log.Warnw("ledger order unknown to exchange", "order_id", id)
			}
			continue
		}
		if fresh.Status.Open() {
			continue
		}
		r.applyReport(models.ExecutionReport{
			Symbol:          symbol,
			OrderID:         fresh.OrderID,
			ClientOrderID:   fresh.ClientOrderID,
			Side:            fresh.Side,
			Status:          fresh.Status,
			Price:           fresh.Price,
			ExecutedQty:     fresh.ExecutedQty,
			ExecutedPrice:   fresh.ExecutedPrice,
			Commission:      fresh.Commission,
			CommissionAsset: fresh.CommissionAsset,
			Time:            fresh.UpdatedAt,
		})
	}
}

// applyReport folds one execution report into the ledger. Reports arrive from
// both the websocket and the poller, so a terminal order is applied exactly
// once regardless of how often it is reported.
func (r *Runner) applyReport(report models.ExecutionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.bot.FindOrder(report.OrderID)
	if o == nil {
		o = r.bot.FindByClientID(report.ClientOrderID)
	}
	if o == nil {
		return
	}
	if o.Status.Terminal() {
		return
	}

	o.Status = report.Status
	if report.ExecutedQty.IsPositive() {
		o.ExecutedQty = report.ExecutedQty
	}
	if report.ExecutedPrice.IsPositive() {
		o.ExecutedPrice = report.ExecutedPrice
	}
	if report.Commission.IsPositive() {
		o.Commission = report.Commission
		o.CommissionAsset = report.CommissionAsset
	}
	o.UpdatedAt = report.Time
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}

	if report.Status == models.OrderFilled {
		r.processFill(o)
	}

	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		r.log.Errorw("persist after execution report failed", "order_id", report.OrderID, "err", err)
	}
}

// processFill 执行成交对冲协议。调用方需持有锁。
func (r *Runner) processFill(o *models.Order) {
	r.bot.Stats.TotalTrades++
	r.bot.Stats.LastTradeTime = o.UpdatedAt

	if o.Side == models.Buy {
		r.bot.Stats.TotalInvested = r.bot.Stats.TotalInvested.Add(o.FillPrice().Mul(o.ExecutedQty))
		r.placeCounterSell(o)
		return
	}

	// A filled sell that closes a buy realizes the round trip's profit.
	if o.CounterOf != "" {
		if buy := r.bot.FindOrder(o.CounterOf); buy != nil {
			profit := o.FillPrice().Sub(buy.FillPrice()).Mul(o.ExecutedQty)
			profit = profit.Sub(quoteCommission(o, r.filters)).Sub(quoteCommission(buy, r.filters))
			r.bot.Stats.RealizedProfit = r.bot.Stats.RealizedProfit.Add(profit)
			r.bot.Stats.SuccessfulTrades++
		}
	}
	if !o.IsLiquidation {
		r.placeCounterBuy(o)
	}
}

// quoteCommission returns the order's commission when it was paid in the
// quote asset; commissions in other assets do not reduce quote-side profit.
func quoteCommission(o *models.Order, f *models.SymbolFilters) decimal.Decimal {
	if f != nil && o.CommissionAsset == f.QuoteAsset {
		return o.Commission
	}
	return decimal.Zero
}

// placeCounterSell 为成交的买单挂对冲卖单。调用方需持有锁。
func (r *Runner) placeCounterSell(buy *models.Order) {
	pair := grid.CounterPrice(buy.FillPrice(), r.bot.Config.ProfitPerGrid, models.Buy, r.filters)
	clamped := grid.ClampToRange(pair, r.bot.Config.LowerPrice, r.bot.Config.UpperPrice, r.filters)
	if !clamped.Equal(pair) {
		if clamped.LessThanOrEqual(buy.FillPrice()) {
			r.skipCounter(buy, "pair price %s outside grid and clamping would forfeit profit", pair)
			return
		}
		r.log.Warnw("pair price clamped to grid bound", "raw", pair, "clamped", clamped)
		pair = clamped
	}

	qty := grid.FeeAdjustedSellQty(buy.ExecutedQty, buy.Commission, buy.CommissionAsset, r.filters.BaseAsset, r.filters)
	if qty.LessThan(r.filters.MinQty) || qty.Mul(pair).LessThan(r.filters.MinNotional) {
		r.skipCounter(buy, "fee-adjusted quantity %s below exchange minimums", qty)
		return
	}

	level := grid.LevelIndex(r.levels, pair)
	if r.bot.LevelOccupied(models.Sell, level) {
		// An active sell already sits at the counter level; the fill is
		// considered paired.
		buy.HasCounterpart = true
		r.log.Infow("counter sell level already occupied, fill treated as paired",
			"buy_order", buy.OrderID, "level", level)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restOpTimeout)
	defer cancel()
	clientID := ids.ClientOrderID(r.bot.ID, level)
	order, err := r.ex.PlaceLimit(ctx, r.bot.Symbol, models.Sell, qty, pair, clientID)
	if err != nil {
		r.bot.Stats.CounterSkips++
		if errs.KindOf(err) == errs.InsufficientBalance {
			// Left unpaired on purpose: recovery retries it once funds settle.
			r.log.Warnw("counter sell rejected for insufficient balance", "buy_order", buy.OrderID)
			return
		}
		r.log.Errorw("counter sell placement failed", "buy_order", buy.OrderID, "err", err)
		return
	}
	order.GridLevel = level
	order.CounterOf = buy.OrderID
	// Flag before the append: appending may reallocate the ledger slice and
	// orphan the pointer.
	buy.HasCounterpart = true
	r.bot.Orders = append(r.bot.Orders, *order)
	r.log.Infow("counter sell placed", "buy_order", buy.OrderID, "price", pair, "qty", qty)
}

// placeCounterBuy 卖单成交后在下方一格重新挂买单，延续循环。调用方需持有锁。
func (r *Runner) placeCounterBuy(sell *models.Order) {
	pair := grid.CounterPrice(sell.FillPrice(), r.bot.Config.ProfitPerGrid, models.Sell, r.filters)
	clamped := grid.ClampToRange(pair, r.bot.Config.LowerPrice, r.bot.Config.UpperPrice, r.filters)
	if !clamped.Equal(pair) {
		if clamped.GreaterThanOrEqual(sell.FillPrice()) {
			r.skipCounter(sell, "pair price %s outside grid and clamping would forfeit profit", pair)
			return
		}
		pair = clamped
	}

	qty := grid.RoundQuantity(sell.ExecutedQty, r.filters)
	if qty.LessThan(r.filters.MinQty) || qty.Mul(pair).LessThan(r.filters.MinNotional) {
		r.skipCounter(sell, "quantity %s below exchange minimums", qty)
		return
	}

	level := grid.LevelIndex(r.levels, pair)
	if r.bot.LevelOccupied(models.Buy, level) {
		sell.HasCounterpart = true
		r.log.Infow("counter buy level already occupied, fill treated as paired",
			"sell_order", sell.OrderID, "level", level)
		return
	}

	// Best-effort investment ceiling over the resting buy side.
	if r.bot.ActiveBuyNotional().Add(pair.Mul(qty)).GreaterThan(r.bot.Config.InvestmentAmount) {
		r.skipCounter(sell, "re-buy at %s would exceed the investment amount", pair)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restOpTimeout)
	defer cancel()
	clientID := ids.ClientOrderID(r.bot.ID, level)
	order, err := r.ex.PlaceLimit(ctx, r.bot.Symbol, models.Buy, qty, pair, clientID)
	if err != nil {
		r.bot.Stats.CounterSkips++
		r.log.Errorw("counter buy placement failed", "sell_order", sell.OrderID, "err", err)
		return
	}
	order.GridLevel = level
	order.CounterOf = sell.OrderID
	sell.HasCounterpart = true
	r.bot.Orders = append(r.bot.Orders, *order)
	r.log.Infow("counter buy placed", "sell_order", sell.OrderID, "price", pair, "qty", qty)
}

func (r *Runner) skipCounter(o *models.Order, format string, args ...interface{}) {
	r.bot.Stats.CounterSkips++
	r.log.Warnw("counter order skipped",
		"order_id", o.OrderID, "reason", fmt.Sprintf(format, args...))
}

const restOpTimeout = 15 * time.Second
