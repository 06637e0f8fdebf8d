// Package engine 是引擎的根部件：管理每个用户的交易所客户端、
// 机器人运行时的生命周期，以及进程启动时的批量恢复。
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/bot"
	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/ids"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/oracle"
	"binance-grid-engine-go/internal/recovery"
	"binance-grid-engine-go/internal/store"
	"binance-grid-engine-go/internal/vault"
)

// ClientFactory 按用户创建交易所客户端。同一用户的机器人共享一个客户端
// （也就共享一条用户数据流连接）。
type ClientFactory func(userID string) (exchange.Exchange, error)

// Supervisor owns the process-wide state: the client pool, the runner pool
// and the shared market stream. All admin verbs go through it.
type Supervisor struct {
	cfg     *config.Config
	store   store.BotStore
	oracle  oracle.ParameterOracle
	log     *zap.SugaredLogger
	factory ClientFactory
	market  *exchange.MarketStream

	mu      sync.Mutex
	clients map[string]exchange.Exchange
	runners map[string]*bot.Runner
}

// New 创建实盘 Supervisor：凭证来自凭证库，行情流进程内共享。
func New(cfg *config.Config, st store.BotStore, v vault.Vault, orc oracle.ParameterOracle, log *zap.SugaredLogger) *Supervisor {
	market := exchange.NewMarketStream(cfg.MarketStreamURL(), log)
	s := &Supervisor{
		cfg:     cfg,
		store:   st,
		oracle:  orc,
		log:     log,
		market:  market,
		clients: make(map[string]exchange.Exchange),
		runners: make(map[string]*bot.Runner),
	}
	s.factory = func(userID string) (exchange.Exchange, error) {
		creds, err := v.Credentials(userID)
		if err != nil {
			return nil, err
		}
		return exchange.NewClient(creds.APIKey, creds.SecretKey,
			cfg.RESTEndpoints, cfg.WSBaseURL, market, log)
	}
	return s
}

// NewWithFactory 用外部提供的客户端工厂创建 Supervisor，
// 纸面交易和测试走这里。
func NewWithFactory(cfg *config.Config, st store.BotStore, orc oracle.ParameterOracle, factory ClientFactory, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   st,
		oracle:  orc,
		log:     log,
		factory: factory,
		clients: make(map[string]exchange.Exchange),
		runners: make(map[string]*bot.Runner),
	}
}

func (s *Supervisor) clientFor(userID string) (exchange.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[userID]; ok {
		return c, nil
	}
	c, err := s.factory(userID)
	if err != nil {
		return nil, err
	}
	s.clients[userID] = c
	return c, nil
}

// CreateBot validates the configuration against the live trading rules and
// persists a new bot in PAUSED state. Parameters the caller left at zero are
// filled in from the parameter oracle.
func (s *Supervisor) CreateBot(ctx context.Context, userID, symbol string, cfg models.GridConfig) (*models.Bot, error) {
	const op = "engine.createBot"

	ex, err := s.clientFor(userID)
	if err != nil {
		return nil, err
	}
	filters, err := ex.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if cfg.LowerPrice.IsZero() || cfg.UpperPrice.IsZero() || cfg.GridLevels == 0 || cfg.ProfitPerGrid.IsZero() {
		sug, err := s.oracle.Suggest(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("%s: oracle: %w", op, err)
		}
		if cfg.LowerPrice.IsZero() {
			cfg.LowerPrice = sug.LowerPrice
		}
		if cfg.UpperPrice.IsZero() {
			cfg.UpperPrice = sug.UpperPrice
		}
		if cfg.GridLevels == 0 {
			cfg.GridLevels = sug.GridLevels
		}
		if cfg.ProfitPerGrid.IsZero() {
			cfg.ProfitPerGrid = sug.ProfitPerGrid
		}
		s.log.Infow("oracle filled missing grid parameters",
			"symbol", symbol, "lower", cfg.LowerPrice, "upper", cfg.UpperPrice,
			"levels", cfg.GridLevels, "profit_pct", cfg.ProfitPerGrid)
	}

	if cfg.InvestmentAmount.IsZero() {
		return nil, errs.E(errs.InvalidConfig, op, "investment amount is required")
	}
	if err := cfg.Validate(filters); err != nil {
		return nil, err
	}

	now := time.Now()
	b := &models.Bot{
		ID:        ids.NewBotID(),
		UserID:    userID,
		Symbol:    symbol,
		Status:    models.StatusPaused,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveBot(b); err != nil {
		return nil, err
	}
	s.log.Infow("bot created", "bot_id", b.ID, "user_id", userID, "symbol", symbol)
	return b, nil
}

// runnerFor 获取或创建机器人的运行时。调用方不持有s.mu。
func (s *Supervisor) runnerFor(b *models.Bot) (*bot.Runner, error) {
	s.mu.Lock()
	if r, ok := s.runners[b.ID]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	ex, err := s.clientFor(b.UserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[b.ID]; ok {
		return r, nil
	}
	r := bot.NewRunner(b, ex, s.store, s.log, s.cfg.PollInterval())
	s.runners[b.ID] = r
	return r, nil
}

func (s *Supervisor) loadBot(id string) (*models.Bot, error) {
	b, err := s.store.LoadBot(id)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Deleted {
		return nil, errs.Ef(errs.NotFound, "engine.loadBot", "bot %s not found", id)
	}
	return b, nil
}

// StartBot reconciles the bot against the exchange and starts its runner. A
// stopped bot cannot be restarted.
func (s *Supervisor) StartBot(ctx context.Context, id string) error {
	const op = "engine.startBot"

	s.mu.Lock()
	r, exists := s.runners[id]
	s.mu.Unlock()

	var b *models.Bot
	if exists {
		snapshot := r.Bot()
		b = &snapshot
	} else {
		loaded, err := s.loadBot(id)
		if err != nil {
			return err
		}
		b = loaded
	}
	if b.Status == models.StatusStopped {
		return errs.Ef(errs.StateConflict, op, "bot %s is stopped; create a new bot instead", id)
	}
	if b.Status == models.StatusActive && exists {
		return nil
	}

	ex, err := s.clientFor(b.UserID)
	if err != nil {
		return err
	}

	// Reconcile first so the runner starts from a ledger that matches the
	// exchange.
	if len(b.Orders) > 0 {
		svc := recovery.NewService(ex, s.store, s.log)
		if err := svc.Reconcile(ctx, b); err != nil {
			return err
		}
	}

	// The runner is rebuilt from the reconciled aggregate; a stale paused
	// runner must not resurrect its pre-reconciliation ledger.
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
	r, err = s.runnerFor(b)
	if err != nil {
		return err
	}
	return r.Start(ctx)
}

// PauseBot 暂停机器人，挂单留在交易所。
func (s *Supervisor) PauseBot(ctx context.Context, id string) error {
	b, err := s.loadBot(id)
	if err != nil {
		return err
	}
	if b.Status != models.StatusActive {
		return errs.Ef(errs.StateConflict, "engine.pauseBot", "bot %s is %s, not active", id, b.Status)
	}
	r, err := s.runnerFor(b)
	if err != nil {
		return err
	}
	return r.Pause(ctx)
}

// StopBot 停止机器人：撤掉挂单，可选清算底仓。
func (s *Supervisor) StopBot(ctx context.Context, id string, liquidate bool) error {
	b, err := s.loadBot(id)
	if err != nil {
		return err
	}
	r, err := s.runnerFor(b)
	if err != nil {
		return err
	}
	if err := r.Stop(ctx, liquidate); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
	return nil
}

// DeleteBot soft-deletes a stopped bot. Running bots must be stopped first.
func (s *Supervisor) DeleteBot(ctx context.Context, id string) error {
	b, err := s.loadBot(id)
	if err != nil {
		return err
	}
	if b.Status != models.StatusStopped && b.Status != models.StatusError {
		return errs.Ef(errs.StateConflict, "engine.deleteBot",
			"bot %s is %s; stop it before deleting", id, b.Status)
	}
	if err := s.store.DeleteBot(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
	s.log.Infow("bot deleted", "bot_id", id)
	return nil
}

// GetBot 返回机器人快照，运行中的机器人取运行时里的最新状态。
func (s *Supervisor) GetBot(id string) (*models.Bot, error) {
	s.mu.Lock()
	r, ok := s.runners[id]
	s.mu.Unlock()
	if ok {
		b := r.Bot()
		return &b, nil
	}
	return s.loadBot(id)
}

// ListBots 列出全部未删除的机器人。
func (s *Supervisor) ListBots() ([]*models.Bot, error) {
	bots, err := s.store.LoadAll()
	if err != nil {
		return nil, err
	}
	// Prefer live runner state over what was last persisted.
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range bots {
		if r, ok := s.runners[b.ID]; ok {
			live := r.Bot()
			bots[i] = &live
		}
	}
	return bots, nil
}

// RecoverAll reconciles and restarts every bot the store reports as ACTIVE or
// RECOVERING. One bot's failure does not stop the others; failed bots are
// left in ERROR state for the operator.
func (s *Supervisor) RecoverAll(ctx context.Context) error {
	bots, err := s.store.LoadActive()
	if err != nil {
		return err
	}
	var failed int
	for _, b := range bots {
		if err := s.StartBot(ctx, b.ID); err != nil {
			failed++
			s.log.Errorw("startup recovery failed", "bot_id", b.ID, "err", err)
		}
	}
	s.log.Infow("startup recovery finished", "bots", len(bots), "failed", failed)
	if failed == len(bots) && failed > 0 {
		return errs.Ef(errs.Unrecoverable, "engine.recoverAll", "all %d bots failed to recover", failed)
	}
	return nil
}

// Shutdown 优雅停机：停掉所有运行时循环但不动交易所上的挂单，
// 下次启动由恢复流程接管。
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	runners := make([]*bot.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.Shutdown()
	}
	if s.market != nil {
		s.market.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Errorw("store close failed", "err", err)
	}
	s.log.Infow("engine shut down")
}
