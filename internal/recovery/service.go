// Package recovery 负责机器人重启时的状态对账：刷新账本订单、
// 从证据重建买卖配对、补挂离线期间缺失的对冲单。
package recovery

import (
	"context"
	"fmt"
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

// pairPriceBand 配对识别允许的价格偏差（±2%）。
var pairPriceBand = decimal.NewFromInt(2)

// Service reconciles a bot's persisted ledger against the exchange. Every
// step is idempotent: running a reconciliation twice leaves the second pass
// with nothing to do.
type Service struct {
	ex    exchange.Exchange
	store store.BotStore
	log   *zap.SugaredLogger
}

func NewService(ex exchange.Exchange, st store.BotStore, log *zap.SugaredLogger) *Service {
	return &Service{ex: ex, store: st, log: log}
}

// Reconcile refreshes the ledger, re-derives buy/sell pairings from price and
// quantity evidence rather than persisted flags, and places the counter-orders
// that are missing. The bot is left in PAUSED state ready to be started;
// unrecoverable failures leave it in ERROR.
func (s *Service) Reconcile(ctx context.Context, bot *models.Bot) error {
	const op = "recovery.reconcile"
	log := s.log.With("bot_id", bot.ID, "symbol", bot.Symbol)

	bot.Status = models.StatusRecovering
	bot.UpdatedAt = time.Now()
	if err := s.store.SaveBot(bot); err != nil {
		return fmt.Errorf("%s: persist: %w", op, err)
	}

	filters, err := s.ex.SymbolInfo(ctx, bot.Symbol)
	if err != nil {
		return s.bail(bot, fmt.Errorf("%s: symbol info: %w", op, err))
	}
	levels := grid.Levels(bot.Config, filters)

	event := models.RecoveryEvent{Time: time.Now()}

	// Phase 1: refresh every non-terminal ledger order.
	newlyFilled, err := s.refreshOrders(ctx, bot, &event)
	if err != nil {
		return s.bail(bot, err)
	}

	// Phase 2: rebuild pairings from evidence.
	s.rebuildPairings(bot, filters)

	// Phase 3: fold newly detected fills into the statistics.
	s.recordFills(bot, filters, newlyFilled)

	// Phase 4: place the missing counter-orders, buys before sells so quote
	// funds are committed before base inventory.
	if err := s.placeMissingCounterBuys(ctx, bot, filters, levels, &event); err != nil {
		return s.bail(bot, err)
	}
	if err := s.placeMissingCounterSells(ctx, bot, filters, levels, &event); err != nil {
		return s.bail(bot, err)
	}

	bot.Recoveries = append(bot.Recoveries, event)
	bot.Status = models.StatusPaused
	bot.LastError = ""
	bot.UpdatedAt = time.Now()
	if err := s.store.SaveBot(bot); err != nil {
		return fmt.Errorf("%s: persist: %w", op, err)
	}
	log.Infow("reconciliation complete",
		"refreshed", event.OrdersRefreshed,
		"fills_detected", event.FillsDetected,
		"counters_placed", event.CountersPlaced)
	return nil
}

// bail 处理中断对账的错误：瞬时故障让机器人保持活跃等待下一轮，
// 其余错误转入 ERROR 状态等待人工介入。
func (s *Service) bail(bot *models.Bot, err error) error {
	if errs.Retryable(err) {
		bot.Status = models.StatusActive
		bot.UpdatedAt = time.Now()
		if saveErr := s.store.SaveBot(bot); saveErr != nil {
			s.log.Errorw("persist after deferred reconciliation failed", "bot_id", bot.ID, "err", saveErr)
		}
		s.log.Warnw("reconciliation deferred on transient exchange error", "bot_id", bot.ID, "err", err)
		return err
	}
	return s.fail(bot, err)
}

func (s *Service) fail(bot *models.Bot, err error) error {
	bot.Status = models.StatusError
	bot.LastError = err.Error()
	bot.UpdatedAt = time.Now()
	if saveErr := s.store.SaveBot(bot); saveErr != nil {
		s.log.Errorw("persist of error state failed", "bot_id", bot.ID, "err", saveErr)
	}
	return err
}

// refreshOrders 用交易所的最终状态覆盖账本里的非终态订单。
func (s *Service) refreshOrders(ctx context.Context, bot *models.Bot, event *models.RecoveryEvent) ([]*models.Order, error) {
	var newlyFilled []*models.Order
	for i := range bot.Orders {
		o := &bot.Orders[i]
		if o.Status.Terminal() {
			continue
		}
		fresh, err := s.ex.OrderStatus(ctx, bot.Symbol, o.OrderID)
		if err != nil {
			if errs.KindOf(err) == errs.NotFound {
				// The exchange no longer knows the order; it can never fill.
				o.Status = models.OrderCanceled
				o.UpdatedAt = time.Now()
				event.OrdersRefreshed++
				continue
			}
			return nil, err
		}
		event.OrdersRefreshed++
		if fresh.Status == o.Status {
			continue
		}
		o.Status = fresh.Status
		if fresh.ExecutedQty.IsPositive() {
			o.ExecutedQty = fresh.ExecutedQty
		}
		if fresh.ExecutedPrice.IsPositive() {
			o.ExecutedPrice = fresh.ExecutedPrice
		}
		if fresh.Commission.IsPositive() {
			o.Commission = fresh.Commission
			o.CommissionAsset = fresh.CommissionAsset
		}
		o.UpdatedAt = time.Now()
		if o.Status == models.OrderFilled {
			newlyFilled = append(newlyFilled, o)
			event.FillsDetected++
		}
	}
	if err := s.store.SaveBot(bot); err != nil {
		return nil, err
	}
	return newlyFilled, nil
}

// rebuildPairings 无视持久化的配对标志，按价格和数量证据重建配对关系。
func (s *Service) rebuildPairings(bot *models.Bot, filters *models.SymbolFilters) {
	// Clear everything first so stale flags from a crash cannot survive.
	for i := range bot.Orders {
		o := &bot.Orders[i]
		if !o.IsLiquidation {
			o.HasCounterpart = false
		}
	}

	claimed := make(map[string]bool) // counterpart order ids already matched

	for i := range bot.Orders {
		buy := &bot.Orders[i]
		if buy.Side != models.Buy || buy.Status != models.OrderFilled || buy.IsLiquidation {
			continue
		}
		wantPrice := grid.CounterPrice(buy.FillPrice(), bot.Config.ProfitPerGrid, models.Buy, filters)
		wantQty := grid.FeeAdjustedSellQty(buy.ExecutedQty, buy.Commission, buy.CommissionAsset, filters.BaseAsset, filters)

		for j := range bot.Orders {
			sell := &bot.Orders[j]
			if sell.Side != models.Sell || sell.IsLiquidation || claimed[sell.OrderID] {
				continue
			}
			if sell.Status != models.OrderFilled && !sell.Status.Open() {
				continue
			}
			if grid.WithinTolerance(sell.Quantity, wantQty, sell.Price, wantPrice, pairPriceBand, filters) {
				buy.HasCounterpart = true
				sell.CounterOf = buy.OrderID
				claimed[sell.OrderID] = true
				break
			}
		}
	}

	// A filled sell is itself covered once a buy rests one step below it.
	for i := range bot.Orders {
		sell := &bot.Orders[i]
		if sell.Side != models.Sell || sell.Status != models.OrderFilled || sell.IsLiquidation {
			continue
		}
		wantPrice := grid.CounterPrice(sell.FillPrice(), bot.Config.ProfitPerGrid, models.Sell, filters)
		wantQty := grid.RoundQuantity(sell.ExecutedQty, filters)
		for j := range bot.Orders {
			buy := &bot.Orders[j]
			if buy.Side != models.Buy || !buy.Status.Open() || claimed[buy.OrderID] {
				continue
			}
			if grid.WithinTolerance(buy.Quantity, wantQty, buy.Price, wantPrice, pairPriceBand, filters) {
				sell.HasCounterpart = true
				buy.CounterOf = sell.OrderID
				claimed[buy.OrderID] = true
				break
			}
		}
	}
}

// recordFills 把离线期间检测到的成交计入统计。
func (s *Service) recordFills(bot *models.Bot, filters *models.SymbolFilters, fills []*models.Order) {
	for _, o := range fills {
		bot.Stats.TotalTrades++
		if o.UpdatedAt.After(bot.Stats.LastTradeTime) {
			bot.Stats.LastTradeTime = o.UpdatedAt
		}
		if o.Side == models.Buy {
			bot.Stats.TotalInvested = bot.Stats.TotalInvested.Add(o.FillPrice().Mul(o.ExecutedQty))
			continue
		}
		if o.CounterOf == "" {
			continue
		}
		buy := bot.FindOrder(o.CounterOf)
		if buy == nil || buy.Status != models.OrderFilled {
			continue
		}
		profit := o.FillPrice().Sub(buy.FillPrice()).Mul(o.ExecutedQty)
		if o.CommissionAsset == filters.QuoteAsset {
			profit = profit.Sub(o.Commission)
		}
		if buy.CommissionAsset == filters.QuoteAsset {
			profit = profit.Sub(buy.Commission)
		}
		bot.Stats.RealizedProfit = bot.Stats.RealizedProfit.Add(profit)
		bot.Stats.SuccessfulTrades++
	}
}

// placeMissingCounterSells 为没有对冲卖单的已成交买单补挂卖单。
func (s *Service) placeMissingCounterSells(ctx context.Context, bot *models.Bot, filters *models.SymbolFilters, levels []decimal.Decimal, event *models.RecoveryEvent) error {
	for i := range bot.Orders {
		buy := &bot.Orders[i]
		if buy.Side != models.Buy || buy.Status != models.OrderFilled || buy.IsLiquidation || buy.HasCounterpart {
			continue
		}

		pair := grid.CounterPrice(buy.FillPrice(), bot.Config.ProfitPerGrid, models.Buy, filters)
		clamped := grid.ClampToRange(pair, bot.Config.LowerPrice, bot.Config.UpperPrice, filters)
		if !clamped.Equal(pair) {
			if clamped.LessThanOrEqual(buy.FillPrice()) {
				bot.Stats.CounterSkips++
				s.log.Warnw("recovery skipped counter sell, pair price outside grid",
					"bot_id", bot.ID, "buy_order", buy.OrderID, "pair", pair)
				continue
			}
			pair = clamped
		}

		qty := grid.FeeAdjustedSellQty(buy.ExecutedQty, buy.Commission, buy.CommissionAsset, filters.BaseAsset, filters)
		if qty.LessThan(filters.MinQty) || qty.Mul(pair).LessThan(filters.MinNotional) {
			bot.Stats.CounterSkips++
			continue
		}
		level := grid.LevelIndex(levels, pair)
		if bot.LevelOccupied(models.Sell, level) {
			// An active sell already covers the counter level.
			buy.HasCounterpart = true
			continue
		}

		placed, err := s.placeVerified(ctx, bot, models.Sell, qty, pair, level, buy.OrderID)
		if err != nil {
			if errs.Retryable(err) || errs.KindOf(err) == errs.InsufficientBalance {
				// Left for the next reconciliation attempt.
				s.log.Warnw("recovery counter sell not placed", "bot_id", bot.ID, "err", err)
				continue
			}
			return err
		}
		if placed != nil {
			// Indexed access: placeVerified appended to the ledger, which may
			// have reallocated the slice under the loop's pointer.
			bot.Orders[i].HasCounterpart = true
			event.CountersPlaced++
			event.PlacedOrderIDs = append(event.PlacedOrderIDs, placed.OrderID)
		}
	}
	return nil
}

// placeMissingCounterBuys 为孤立的已成交卖单补挂回购买单，受剩余投资额约束。
func (s *Service) placeMissingCounterBuys(ctx context.Context, bot *models.Bot, filters *models.SymbolFilters, levels []decimal.Decimal, event *models.RecoveryEvent) error {
	for i := range bot.Orders {
		sell := &bot.Orders[i]
		if sell.Side != models.Sell || sell.Status != models.OrderFilled || sell.IsLiquidation || sell.HasCounterpart {
			continue
		}

		pair := grid.CounterPrice(sell.FillPrice(), bot.Config.ProfitPerGrid, models.Sell, filters)
		clamped := grid.ClampToRange(pair, bot.Config.LowerPrice, bot.Config.UpperPrice, filters)
		if !clamped.Equal(pair) {
			if clamped.GreaterThanOrEqual(sell.FillPrice()) {
				bot.Stats.CounterSkips++
				continue
			}
			pair = clamped
		}

		qty := grid.RoundQuantity(sell.ExecutedQty, filters)
		if qty.LessThan(filters.MinQty) || qty.Mul(pair).LessThan(filters.MinNotional) {
			bot.Stats.CounterSkips++
			continue
		}
		level := grid.LevelIndex(levels, pair)
		if bot.LevelOccupied(models.Buy, level) {
			sell.HasCounterpart = true
			continue
		}
		if bot.ActiveBuyNotional().Add(pair.Mul(qty)).GreaterThan(bot.Config.InvestmentAmount) {
			bot.Stats.CounterSkips++
			s.log.Warnw("recovery skipped re-buy, investment ceiling reached",
				"bot_id", bot.ID, "sell_order", sell.OrderID)
			continue
		}

		placed, err := s.placeVerified(ctx, bot, models.Buy, qty, pair, level, sell.OrderID)
		if err != nil {
			if errs.Retryable(err) || errs.KindOf(err) == errs.InsufficientBalance {
				s.log.Warnw("recovery re-buy not placed", "bot_id", bot.ID, "err", err)
				continue
			}
			return err
		}
		if placed != nil {
			bot.Orders[i].HasCounterpart = true
			event.CountersPlaced++
			event.PlacedOrderIDs = append(event.PlacedOrderIDs, placed.OrderID)
		}
	}
	return nil
}

// placeVerified places one recovery order, commits it to the ledger, then
// reads its status back. A placement the exchange immediately rejected or
// expired is rolled back so a phantom order cannot haunt later pairings.
func (s *Service) placeVerified(ctx context.Context, bot *models.Bot, side models.Side, qty, price decimal.Decimal, level int, counterOf string) (*models.Order, error) {
	clientID := ids.ClientOrderID(bot.ID, level)
	order, err := s.ex.PlaceLimit(ctx, bot.Symbol, side, qty, price, clientID)
	if err != nil {
		return nil, err
	}
	order.GridLevel = level
	order.CounterOf = counterOf
	order.IsRecoveryOrder = true

	bot.Orders = append(bot.Orders, *order)
	bot.UpdatedAt = time.Now()
	if err := s.store.SaveBot(bot); err != nil {
		return nil, err
	}

	fresh, err := s.ex.OrderStatus(ctx, bot.Symbol, order.OrderID)
	if err != nil {
		// Verification is best effort; the poller re-checks once running.
		s.log.Warnw("post-placement verification failed", "order_id", order.OrderID, "err", err)
		return order, nil
	}
	if fresh.Status == models.OrderRejected || fresh.Status == models.OrderExpired {
		bot.RemoveOrder(order.OrderID)
		bot.UpdatedAt = time.Now()
		if err := s.store.SaveBot(bot); err != nil {
			return nil, err
		}
		s.log.Warnw("recovery placement rejected by exchange, rolled back", "order_id", order.OrderID)
		return nil, nil
	}
	if o := bot.FindOrder(order.OrderID); o != nil && fresh.Status != o.Status {
		o.Status = fresh.Status
		if fresh.ExecutedQty.IsPositive() {
			o.ExecutedQty = fresh.ExecutedQty
			o.ExecutedPrice = fresh.ExecutedPrice
		}
	}
	return order, nil
}
