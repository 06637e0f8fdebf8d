package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/engine"
	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/oracle"
	"binance-grid-engine-go/internal/store"
	"binance-grid-engine-go/internal/vault"
)

// 退出码约定：
//	0 成功
//	1 其他错误
//	2 配置或参数无效
//	3 余额不足
//	4 交易所通信失败
//	5 持久化或不可恢复的故障
const (
	exitOK                  = 0
	exitError               = 1
	exitInvalidConfig       = 2
	exitInsufficientBalance = 3
	exitExchange            = 4
	exitPersistence         = 5
)

const usage = `usage: engine <command> [flags]

commands:
  run       start the engine daemon and recover all active bots
  create    create a new bot (paused)
  start     reconcile and start a bot
  pause     pause a bot, leaving its orders resting
  stop      stop a bot, canceling orders (-liquidate sells the inventory)
  delete    delete a stopped bot
  get       show one bot and its ledger
  list      list all bots
  analyze   performance report for one bot
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitInvalidConfig
	}
	command, args := args[0], args[1:]

	logger.InitLogger(config.LogConfig{Level: "info", Output: "console"})
	if err := godotenv.Load(); err == nil {
		logger.S().Info("loaded environment from .env")
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to the config file")

	var err error
	switch command {
	case "run":
		err = withEngine(fs, configPath, args, cmdRun)
	case "create":
		err = cmdCreate(fs, configPath, args)
	case "start":
		err = withBotID(fs, configPath, args, func(ctx context.Context, s *engine.Supervisor, id string) error {
			return s.StartBot(ctx, id)
		})
	case "pause":
		err = withBotID(fs, configPath, args, func(ctx context.Context, s *engine.Supervisor, id string) error {
			return s.PauseBot(ctx, id)
		})
	case "stop":
		err = cmdStop(fs, configPath, args)
	case "delete":
		err = withBotID(fs, configPath, args, func(ctx context.Context, s *engine.Supervisor, id string) error {
			return s.DeleteBot(ctx, id)
		})
	case "get":
		err = withBotID(fs, configPath, args, cmdGet)
	case "list":
		err = withEngine(fs, configPath, args, cmdList)
	case "analyze":
		err = withBotID(fs, configPath, args, cmdAnalyze)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitInvalidConfig
	}

	if err != nil {
		logger.S().Errorf("%s failed: %v", command, err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidConfig:
		return exitInvalidConfig
	case errs.InsufficientBalance:
		return exitInsufficientBalance
	case errs.RateLimited, errs.ExchangeTransient, errs.ExchangeTerminal,
		errs.TimestampDrift:
		return exitExchange
	case errs.Unrecoverable:
		return exitPersistence
	default:
		return exitError
	}
}

// buildSupervisor 装配引擎：badger 存储、凭证库、参数推荐器和交易所客户端。
func buildSupervisor(cfg *config.Config) (*engine.Supervisor, error) {
	logger.InitLogger(cfg.Log)

	st, err := store.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}

	var orc oracle.ParameterOracle
	if cfg.Testnet {
		orc = oracle.NewVolatilityOracleWithURL(cfg.RESTEndpoints[0])
	} else {
		orc = oracle.NewVolatilityOracle()
	}

	if cfg.Paper {
		sim := newPaperSim()
		factory := func(userID string) (exchange.Exchange, error) { return sim, nil }
		logger.S().Warn("paper trading mode: orders never reach the exchange")
		return engine.NewWithFactory(cfg, st, orc, factory, logger.S()), nil
	}

	return engine.New(cfg, st, vault.NewEnvVault(), orc, logger.S()), nil
}

// paperSim 纸面交易用的进程内模拟盘：预置一笔USDT，
// 未知交易对按需注册，初始价取 GRID_PAPER_PRICE_<SYMBOL>，默认 50000。
type paperSim struct {
	*exchange.Sim
}

func newPaperSim() *paperSim {
	sim := exchange.NewSim()
	sim.Deposit("USDT", decimal.NewFromInt(100000))
	return &paperSim{Sim: sim}
}

func (p *paperSim) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	if f, err := p.Sim.SymbolInfo(ctx, symbol); err == nil {
		return f, nil
	}
	price := decimal.NewFromInt(50000)
	if env := os.Getenv("GRID_PAPER_PRICE_" + symbol); env != "" {
		if d, err := decimal.NewFromString(env); err == nil && d.IsPositive() {
			price = d
		}
	}
	base, quote := splitSymbol(symbol)
	p.Sim.EnsureSymbol(symbol, base, quote, price)
	return p.Sim.SymbolInfo(ctx, symbol)
}

func splitSymbol(symbol string) (string, string) {
	for _, quote := range []string{"USDT", "FDUSD", "USDC", "TUSD", "BUSD", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote), quote
		}
	}
	return symbol, "USDT"
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.S().Infof("config %s not found, using defaults", path)
			return config.Default(), nil
		}
		return nil, errs.Wrap(errs.InvalidConfig, "config.load", err)
	}
	return cfg, nil
}

func withEngine(fs *flag.FlagSet, configPath *string, args []string, fn func(context.Context, *engine.Supervisor) error) error {
	fs.Parse(args)
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	s, err := buildSupervisor(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return fn(ctx, s)
}

func withBotID(fs *flag.FlagSet, configPath *string, args []string, fn func(context.Context, *engine.Supervisor, string) error) error {
	id := fs.String("id", "", "bot id")
	fs.Parse(args)
	if *id == "" {
		return errs.E(errs.InvalidConfig, "cli", "-id is required")
	}
	return withEngine(fs, configPath, nil, func(ctx context.Context, s *engine.Supervisor) error {
		return fn(ctx, s, *id)
	})
}

// cmdRun 守护进程模式：恢复所有活动机器人并等待退出信号。
func cmdRun(ctx context.Context, s *engine.Supervisor) error {
	defer s.Shutdown()

	recoverCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err := s.RecoverAll(recoverCtx)
	cancel()
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.S().Infof("received %s, shutting down", sig)
	return nil
}

func cmdCreate(fs *flag.FlagSet, configPath *string, args []string) error {
	user := fs.String("user", "default", "user the bot trades for")
	symbol := fs.String("symbol", "", "trading pair, e.g. BTCUSDT")
	invest := fs.String("invest", "", "investment amount in the quote asset")
	lower := fs.String("lower", "0", "lower grid bound (0 = ask the oracle)")
	upper := fs.String("upper", "0", "upper grid bound (0 = ask the oracle)")
	levels := fs.Int("levels", 0, "grid levels (0 = ask the oracle)")
	profit := fs.String("profit", "0", "profit per grid in percent (0 = ask the oracle)")
	stopLoss := fs.String("stop-loss", "0", "stop loss price (0 = disabled)")
	maxDrawdown := fs.String("max-drawdown", "0", "max drawdown percent (0 = disabled)")
	takeProfit := fs.String("take-profit", "0", "take profit percent of investment (0 = disabled)")
	fs.Parse(args)

	if *symbol == "" || *invest == "" {
		return errs.E(errs.InvalidConfig, "cli", "-symbol and -invest are required")
	}
	gridCfg := models.GridConfig{
		LowerPrice:       mustDecimal(*lower),
		UpperPrice:       mustDecimal(*upper),
		GridLevels:       *levels,
		InvestmentAmount: mustDecimal(*invest),
		ProfitPerGrid:    mustDecimal(*profit),
		StopLossPrice:    mustDecimal(*stopLoss),
		MaxDrawdownPct:   mustDecimal(*maxDrawdown),
		TakeProfitPct:    mustDecimal(*takeProfit),
	}

	return withEngine(fs, configPath, nil, func(ctx context.Context, s *engine.Supervisor) error {
		b, err := s.CreateBot(ctx, *user, strings.ToUpper(*symbol), gridCfg)
		if err != nil {
			return err
		}
		fmt.Printf("created bot %s (%s %s, paused)\n", b.ID, b.UserID, b.Symbol)
		printBotTable([]*models.Bot{b})
		return nil
	})
}

func cmdStop(fs *flag.FlagSet, configPath *string, args []string) error {
	id := fs.String("id", "", "bot id")
	liquidate := fs.Bool("liquidate", false, "sell the remaining inventory at market")
	fs.Parse(args)
	if *id == "" {
		return errs.E(errs.InvalidConfig, "cli", "-id is required")
	}
	return withEngine(fs, configPath, nil, func(ctx context.Context, s *engine.Supervisor) error {
		return s.StopBot(ctx, *id, *liquidate)
	})
}

func cmdList(ctx context.Context, s *engine.Supervisor) error {
	bots, err := s.ListBots()
	if err != nil {
		return err
	}
	printBotTable(bots)
	return nil
}

func cmdGet(ctx context.Context, s *engine.Supervisor, id string) error {
	b, err := s.GetBot(id)
	if err != nil {
		return err
	}
	printBotTable([]*models.Bot{b})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Order", "Side", "Price", "Qty", "Status", "Level", "Counter Of", "Flags"})
	for _, o := range b.Orders {
		var flags []string
		if o.HasCounterpart {
			flags = append(flags, "paired")
		}
		if o.IsRecoveryOrder {
			flags = append(flags, "recovery")
		}
		if o.IsLiquidation {
			flags = append(flags, "liquidation")
		}
		t.AppendRow(table.Row{
			o.OrderID, o.Side, o.Price, o.Quantity, o.Status, o.GridLevel,
			o.CounterOf, strings.Join(flags, ","),
		})
	}
	t.Render()
	return nil
}

func cmdAnalyze(ctx context.Context, s *engine.Supervisor, id string) error {
	a, err := s.Analyze(ctx, id)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Bot", a.BotID},
		{"Symbol", a.Symbol},
		{"Status", a.Status},
		{"Running time", a.RunningTime.Round(time.Second)},
		{"Total trades", a.TotalTrades},
		{"Round trips", a.SuccessfulTrades},
		{"Win rate", a.WinRate.String() + "%"},
		{"Counter skips", a.CounterSkips},
		{"Realized profit", a.RealizedProfit},
		{"Return", a.ReturnPct.String() + "%"},
		{"Open buys", a.OpenBuyOrders},
		{"Open sells", a.OpenSellOrders},
		{"Inventory", a.InventoryQty},
		{"Inventory value", a.InventoryValue},
		{"Unrealized P&L", a.UnrealizedPnL},
		{"Current price", a.CurrentPrice},
		{"Recoveries", a.RecoveriesCount},
	})
	t.Render()
	return nil
}

func printBotTable(bots []*models.Bot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "User", "Symbol", "Status", "Range", "Levels", "Invest", "Trades", "Profit", "Last Error"})
	for _, b := range bots {
		t.AppendRow(table.Row{
			b.ID, b.UserID, b.Symbol, b.Status,
			fmt.Sprintf("%s-%s", b.Config.LowerPrice, b.Config.UpperPrice),
			b.Config.GridLevels, b.Config.InvestmentAmount,
			b.Stats.TotalTrades, b.Stats.RealizedProfit, b.LastError,
		})
	}
	t.Render()
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logger.S().Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}
