package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/ids"
	"binance-grid-engine-go/internal/models"
)

// checkRiskStops 在每个行情tick上评估风控条件，命中即触发清算停机。
func (r *Runner) checkRiskStops(price decimal.Decimal) {
	r.mu.Lock()
	if !r.running || r.stopping || r.bot.Status != models.StatusActive {
		r.mu.Unlock()
		return
	}
	cfg := r.bot.Config

	// 风控统一按已实现加未实现的总盈亏评估。
	pnl := r.bot.Stats.RealizedProfit.Add(r.unrealizedAt(price))

	var reason string
	switch {
	case cfg.StopLossPrice.IsPositive() && price.LessThanOrEqual(cfg.StopLossPrice):
		reason = fmt.Sprintf("stop loss: price %s at or below %s", price, cfg.StopLossPrice)
	case cfg.TakeProfitPct.IsPositive() &&
		pnl.GreaterThanOrEqual(cfg.InvestmentAmount.Mul(cfg.TakeProfitPct).Div(hundred)):
		reason = fmt.Sprintf("take profit: P&L %s reached %s%% of investment", pnl, cfg.TakeProfitPct)
	case cfg.MaxDrawdownPct.IsPositive():
		loss := pnl.Neg()
		if loss.GreaterThanOrEqual(cfg.InvestmentAmount.Mul(cfg.MaxDrawdownPct).Div(hundred)) {
			reason = fmt.Sprintf("max drawdown: loss %s reached %s%% of investment", loss, cfg.MaxDrawdownPct)
		}
	}
	if reason == "" {
		r.mu.Unlock()
		return
	}

	r.stopping = true
	r.mu.Unlock()

	r.log.Warnw("risk stop triggered", "reason", reason)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Stop(ctx, true); err != nil {
			r.log.Errorw("risk stop shutdown failed", "err", err)
		}
		r.mu.Lock()
		r.bot.LastError = reason
		if err := r.store.SaveBot(r.bot); err != nil {
			r.log.Errorw("persist of stop reason failed", "err", err)
		}
		r.mu.Unlock()
	}()
}

var hundred = decimal.NewFromInt(100)

// unrealizedAt 以给定价格对未对冲的买入持仓估值。调用方需持有锁。
func (r *Runner) unrealizedAt(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i := range r.bot.Orders {
		o := &r.bot.Orders[i]
		if o.Side == models.Buy && o.Status == models.OrderFilled && !o.HasCounterpart {
			total = total.Add(price.Sub(o.FillPrice()).Mul(o.ExecutedQty))
		}
	}
	return total
}

// Pause halts the loops but leaves all resting orders on the book. Fills that
// happen while paused are reconciled by the recovery service on restart.
func (r *Runner) Pause(ctx context.Context) error {
	r.teardownLoops()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot.Status = models.StatusPaused
	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		return err
	}
	r.log.Infow("bot paused")
	return nil
}

// Stop shuts the bot down: loops are torn down, every resting ledger order is
// canceled, and with liquidate the remaining base inventory is sold at market
// after the canceled funds settle. Stopping an already stopped bot is a no-op.
func (r *Runner) Stop(ctx context.Context, liquidate bool) error {
	r.mu.Lock()
	if r.bot.Status == models.StatusStopped {
		r.mu.Unlock()
		return nil
	}
	needFilters := r.filters == nil
	symbol := r.bot.Symbol
	r.mu.Unlock()

	// A bot being stopped without ever starting in this process still needs
	// the trading rules for the liquidation arithmetic.
	if needFilters {
		filters, err := r.ex.SymbolInfo(ctx, symbol)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.filters = filters
		r.mu.Unlock()
	}

	r.teardownLoops()
	r.cancelLedgerOrders(ctx)

	if liquidate {
		if err := r.liquidate(ctx); err != nil {
			r.log.Errorw("liquidation failed, inventory left on the account", "err", err)
			r.mu.Lock()
			r.bot.LastError = fmt.Sprintf("liquidation failed: %v", err)
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot.Status = models.StatusStopped
	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		return err
	}
	r.log.Infow("bot stopped", "liquidated", liquidate)
	return nil
}

// Shutdown 进程退出时的优雅停机：只停循环，挂单全部留在交易所，
// 重启后由恢复服务接管。
func (r *Runner) Shutdown() {
	r.teardownLoops()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		r.log.Errorw("persist on shutdown failed", "err", err)
	}
}

func (r *Runner) teardownLoops() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stopChannel
	subs := r.cancelSubs
	r.cancelSubs = nil
	r.mu.Unlock()

	close(stop)
	for _, cancel := range subs {
		cancel()
	}
	r.wg.Wait()
}

// cancelLedgerOrders cancels every open ledger order, then refreshes each one
// so fills that raced the cancel are still recorded. No counter-orders are
// placed for fills seen during shutdown.
func (r *Runner) cancelLedgerOrders(ctx context.Context) {
	r.mu.Lock()
	symbol := r.bot.Symbol
	var openIDs []string
	for _, o := range r.bot.OpenLedgerOrders() {
		openIDs = append(openIDs, o.OrderID)
	}
	r.mu.Unlock()

	for _, id := range openIDs {
		if err := r.ex.Cancel(ctx, symbol, id); err != nil {
			r.log.Warnw("cancel failed during stop", "order_id", id, "err", err)
		}
		fresh, err := r.ex.OrderStatus(ctx, symbol, id)
		if err != nil {
			continue
		}
		r.mu.Lock()
		if o := r.bot.FindOrder(id); o != nil && !o.Status.Terminal() {
			o.Status = fresh.Status
			if fresh.ExecutedQty.IsPositive() {
				o.ExecutedQty = fresh.ExecutedQty
				o.ExecutedPrice = fresh.ExecutedPrice
			}
			o.UpdatedAt = time.Now()
			if o.Status == models.OrderFilled {
				r.bot.Stats.TotalTrades++
				if o.Side == models.Buy {
					r.bot.Stats.TotalInvested = r.bot.Stats.TotalInvested.Add(o.FillPrice().Mul(o.ExecutedQty))
				}
			}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.bot.UpdatedAt = time.Now()
	if err := r.store.SaveBot(r.bot); err != nil {
		r.log.Errorw("persist after cancels failed", "err", err)
	}
	r.mu.Unlock()
}

// liquidate 市价卖出账本已知的未对冲底仓。卖出数量以实际可用余额为上限，
// 绝不卖出超过本机器人买入的部分。
func (r *Runner) liquidate(ctx context.Context) error {
	const op = "bot.liquidate"

	r.mu.Lock()
	filters := r.filters
	symbol := r.bot.Symbol
	botID := r.bot.ID

	// Net ledger inventory: everything the bot's buys credited minus
	// everything its sells already shipped out.
	bought := decimal.Zero
	cost := decimal.Zero
	sold := decimal.Zero
	for i := range r.bot.Orders {
		o := &r.bot.Orders[i]
		if o.Status != models.OrderFilled {
			continue
		}
		if o.Side == models.Buy {
			qty := grid.FeeAdjustedSellQty(o.ExecutedQty, o.Commission, o.CommissionAsset, filters.BaseAsset, filters)
			bought = bought.Add(qty)
			cost = cost.Add(o.FillPrice().Mul(qty))
		} else if !o.IsLiquidation {
			sold = sold.Add(o.ExecutedQty)
		}
	}
	r.mu.Unlock()

	inventory := bought.Sub(sold)
	if !inventory.IsPositive() {
		return nil
	}

	// Wait for the canceled orders' funds to unlock.
	free := decimal.Zero
	deadline := time.Now().Add(liquidationSettleWait)
	for {
		bal, err := r.ex.AssetBalance(ctx, filters.BaseAsset)
		if err == nil {
			free = bal.Free
			if free.GreaterThanOrEqual(inventory) {
				break
			}
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	qty := inventory
	if free.LessThan(qty) {
		r.log.Warnw("free balance below ledger inventory, selling what is free",
			"free", free, "inventory", inventory)
		qty = free
	}
	qty = grid.RoundQuantity(qty, filters)
	if qty.LessThan(filters.MinQty) {
		return errs.Ef(errs.Unrecoverable, op, "inventory %s below min quantity", qty)
	}

	order, err := r.ex.PlaceMarket(ctx, symbol, models.Sell, qty, ids.ClientOrderID(botID, -1))
	if err != nil {
		return err
	}
	order.IsLiquidation = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot.Orders = append(r.bot.Orders, *order)
	r.bot.Stats.TotalTrades++
	if bought.IsPositive() {
		avgCost := cost.Div(bought)
		r.bot.Stats.RealizedProfit = r.bot.Stats.RealizedProfit.Add(
			order.FillPrice().Sub(avgCost).Mul(qty))
	}
	r.bot.Stats.LastTradeTime = time.Now()
	r.log.Infow("inventory liquidated", "qty", qty, "price", order.FillPrice())
	return nil
}
