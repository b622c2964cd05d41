package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/store"
	"grid-trader-go/inventory"
	"grid-trader-go/order"
	"grid-trader-go/posttrade"
	"grid-trader-go/risk"
	"grid-trader-go/strategy"
)

// ErrTickSkipped 上一轮尚未结束，本轮被跳过。
var ErrTickSkipped = errors.New("tick skipped: previous tick still running")

// ErrUnknownSymbol 交易对未配置。
var ErrUnknownSymbol = errors.New("unknown symbol")

// Config 引擎配置
type Config struct {
	TickInterval  time.Duration // 控制循环间隔
	OrderMaxAge   time.Duration // OPEN 订单最长存活时间
	QuoteCurrency string        // 计价货币，如 NOK
	Grid          strategy.Config
	Symbols       []SymbolConfig
}

// SymbolConfig 单个交易对的网格规模
type SymbolConfig struct {
	Symbol      string
	Enabled     bool
	Levels      int
	OrderValue  float64 // 每档下单金额（计价货币）
	Constraints order.SymbolConstraints
}

// BalanceSource 账户余额来源
type BalanceSource interface {
	ListBalances(ctx context.Context) (map[string]float64, error)
}

// Store 快照持久化
type Store interface {
	Save(snap store.Snapshot) error
	Load() (store.Snapshot, error)
}

// Components 引擎依赖组件
type Components struct {
	Market     gateway.MarketData
	Balances   BalanceSource
	Submitter  *gateway.Submitter
	Orders     *order.Manager
	Reconciler *order.Reconciler
	Risk       *risk.Manager
	Positions  *inventory.Book
	Trades     *posttrade.Analyzer // 可为 nil，此时内部创建
	Store      Store
	Monitor    *monitor.Monitor
	Alerts     *alert.Manager // 可为 nil
	Logger     *logger.Logger
}

// Engine 网格交易引擎：周期性对账、刷新行情与组合、按网格下单。
// tickMu 是注册表与风控状态变更的唯一互斥边界，运维操作同样持有该锁。
type Engine struct {
	config Config

	market     gateway.MarketData
	balances   BalanceSource
	submitter  *gateway.Submitter
	orders     *order.Manager
	reconciler *order.Reconciler
	risk       *risk.Manager
	positions  *inventory.Book
	trades     *posttrade.Analyzer
	store      Store
	monitor    *monitor.Monitor
	alerts     *alert.Manager
	logger     *logger.Logger

	symbols  []string
	grids    map[string]*strategy.Grid
	settings map[string]*SymbolConfig

	tickMu   sync.Mutex
	inFlight atomic.Bool

	// 撤单失败的订单，下一轮继续撤
	pendingCancels map[string]string

	mu         sync.RWMutex
	running    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	lastErrors map[string]string
	portfolio  inventory.Portfolio

	stats Statistics
	now   func() time.Time
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime        time.Time     `json:"startTime"`
	TotalTicks       int64         `json:"totalTicks"`
	SkippedTicks     int64         `json:"skippedTicks"`
	OrdersPlaced     int64         `json:"ordersPlaced"`
	OrdersCancelled  int64         `json:"ordersCancelled"`
	Fills            int64         `json:"fills"`
	RoundTrips       int64         `json:"roundTrips"`
	Errors           int64         `json:"errors"`
	LastTickTime     time.Time     `json:"lastTickTime"`
	LastTickDuration time.Duration `json:"lastTickDuration"`
}

// New 创建交易引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.OrderMaxAge <= 0 {
		cfg.OrderMaxAge = 24 * time.Hour
	}
	if c.Trades == nil {
		c.Trades = posttrade.NewAnalyzer()
	}

	e := &Engine{
		config:         cfg,
		market:         c.Market,
		balances:       c.Balances,
		submitter:      c.Submitter,
		orders:         c.Orders,
		reconciler:     c.Reconciler,
		risk:           c.Risk,
		positions:      c.Positions,
		trades:         c.Trades,
		store:          c.Store,
		monitor:        c.Monitor,
		alerts:         c.Alerts,
		logger:         c.Logger,
		grids:          make(map[string]*strategy.Grid, len(cfg.Symbols)),
		settings:       make(map[string]*SymbolConfig, len(cfg.Symbols)),
		pendingCancels: make(map[string]string),
		lastErrors:     make(map[string]string),
		now:            time.Now,
	}
	for i := range cfg.Symbols {
		sc := cfg.Symbols[i]
		gridCfg := cfg.Grid
		if sc.Levels > 0 {
			gridCfg.Levels = sc.Levels
		}
		gridCfg.TickSize = sc.Constraints.TickSize
		e.symbols = append(e.symbols, sc.Symbol)
		e.grids[sc.Symbol] = strategy.NewGrid(sc.Symbol, gridCfg)
		e.settings[sc.Symbol] = &sc
	}
	sort.Strings(e.symbols)
	return e, nil
}

// Start 启动控制循环；首轮立即执行。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})
	e.stats.StartTime = e.now()
	e.mu.Unlock()

	e.logger.Info("Grid engine starting",
		zap.Strings("symbols", e.symbols),
		zap.Duration("tick_interval", e.config.TickInterval),
		zap.Duration("order_max_age", e.config.OrderMaxAge),
		zap.String("submit_mode", string(e.submitter.Mode())),
		zap.Bool("dry_run", e.risk.Config().DryRun))

	go e.run(ctx)
	return nil
}

// Stop 停止循环，等待进行中的一轮结束，然后保存最终快照。
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopChan, doneChan := e.stopChan, e.doneChan
	e.mu.Unlock()

	e.logger.Info("Grid engine stopping...")
	close(stopChan)
	<-doneChan

	e.tickMu.Lock()
	err := e.persist()
	e.tickMu.Unlock()
	if err != nil {
		e.logger.Error("Failed to persist final snapshot", zap.Error(err))
		return err
	}
	e.logger.Info("Grid engine stopped")
	return nil
}

// Running 循环是否在运行。
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)

	// 进行中的一轮不随 Stop 或 ctx 取消而中断，避免下单结果不明
	tickCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.onTick(tickCtx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping engine loop")
			return
		case <-e.stopChan:
			e.logger.Info("Stop signal received")
			return
		case <-ticker.C:
			e.onTick(tickCtx)
		}
	}
}

func (e *Engine) onTick(ctx context.Context) {
	if err := e.RunOnce(ctx); err != nil && !errors.Is(err, ErrTickSkipped) {
		e.logger.Error("Tick failed", zap.Error(err))
	}
}

// RunOnce 执行一轮完整流程；已有一轮在执行时立即返回 ErrTickSkipped。
func (e *Engine) RunOnce(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.monitor.RecordTickSkipped()
		e.mu.Lock()
		e.stats.SkippedTicks++
		e.mu.Unlock()
		return ErrTickSkipped
	}
	defer e.inFlight.Store(false)

	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := e.now()
	e.tick(ctx)
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	e.stats.TotalTicks++
	e.stats.LastTickTime = start
	e.stats.LastTickDuration = elapsed
	e.mu.Unlock()
	e.monitor.RecordTick(elapsed)

	if err := e.persist(); err != nil {
		e.recordError("store", err)
		return fmt.Errorf("persist snapshot: %w", err)
	}
	e.clearError("store")
	return nil
}

// tick 调用方持有 tickMu。
// 顺序：过期撤单 → 行情 → 组合估值 → 对账 → 各交易对独立处理 → 指标。
func (e *Engine) tick(ctx context.Context) {
	e.expireStale()
	e.retryPendingCancels(ctx)

	tickers := e.fetchTickers(ctx)
	portfolioOK := e.refreshPortfolio(ctx, tickers)
	reconcileOK := e.reconcile(ctx)
	// 组合或对账失败时只做维护，不新增订单
	canPlace := portfolioOK && reconcileOK

	for _, sym := range e.symbols {
		t, ok := tickers[sym]
		if !ok {
			continue
		}
		if err := e.processSymbolSafe(ctx, sym, t, canPlace); err != nil {
			e.recordError(sym, err)
			e.monitor.RecordSymbolError(sym)
			e.logger.LogError(err, map[string]interface{}{"symbol": sym})
			_ = e.alerts.SymbolFailed(sym, err)
			continue
		}
		e.clearError(sym)
	}
	e.updateMetrics()
}

// processSymbolSafe 隔离单个交易对的错误与 panic。
func (e *Engine) processSymbolSafe(ctx context.Context, sym string, t gateway.Ticker, canPlace bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", sym, r)
			e.logger.Error("Recovered from panic", zap.String("symbol", sym), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return e.processSymbol(ctx, sym, t, canPlace)
}

func (e *Engine) expireStale() {
	ids := e.orders.ExpireStale(e.config.OrderMaxAge)
	for _, id := range ids {
		o, _ := e.orders.Get(id)
		e.logger.LogOrder(logger.EventOrderCancelled, id, map[string]interface{}{
			"symbol": o.Symbol,
			"side":   o.Side,
			"price":  o.Price,
			"level":  o.GridLevel,
			"reason": order.ReasonExpired,
		})
		e.monitor.RecordOrderCancelled(o.Symbol, order.ReasonExpired)
		e.countCancel()
		e.pendingCancels[id] = o.Symbol
	}
}

// retryPendingCancels 将本地已撤销的订单同步撤到交易所。
func (e *Engine) retryPendingCancels(ctx context.Context) {
	ids := make([]string, 0, len(e.pendingCancels))
	for id := range e.pendingCancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sym := e.pendingCancels[id]
		if _, err := e.submitter.Cancel(ctx, sym, id); err != nil {
			if gateway.IsTransient(err) || errors.Is(err, gateway.ErrRetriesExhausted) {
				e.logger.Warn("Venue cancel failed, will retry next tick",
					zap.String("order_id", id), zap.String("symbol", sym), zap.Error(err))
				continue
			}
			e.logger.LogError(fmt.Errorf("venue cancel: %w", err), map[string]interface{}{"order_id": id, "symbol": sym})
		}
		delete(e.pendingCancels, id)
	}
}

func (e *Engine) fetchTickers(ctx context.Context) map[string]gateway.Ticker {
	out := make(map[string]gateway.Ticker, len(e.symbols))
	for _, sym := range e.symbols {
		if sc, ok := e.symbolSettings(sym); !ok || !sc.Enabled {
			continue
		}
		t, err := e.market.FetchTicker(ctx, sym)
		if err != nil {
			err = fmt.Errorf("fetch ticker: %w", err)
			e.recordError(sym, err)
			e.monitor.RecordSymbolError(sym)
			e.monitor.RecordVenueError("fetch_ticker")
			e.logger.LogError(err, map[string]interface{}{"symbol": sym})
			continue
		}
		out[sym] = t
	}
	return out
}

// refreshPortfolio 以本轮行情全量重算组合估值。
// 每个非计价货币持仓都必须有价格：未启用或未配置交易对的持仓单独取行情；
// 任一持仓无法估值时返回 false，本轮不新增订单。
func (e *Engine) refreshPortfolio(ctx context.Context, tickers map[string]gateway.Ticker) bool {
	balances, err := e.balances.ListBalances(ctx)
	if err != nil {
		e.recordError("portfolio", err)
		e.monitor.RecordVenueError("list_balances")
		e.logger.LogError(fmt.Errorf("list balances: %w", err), nil)
		return false
	}

	quote := e.config.QuoteCurrency
	prices := make(map[string]float64, len(tickers))
	for sym, t := range tickers {
		if t.Last > 0 {
			prices[sym] = t.Last
		}
	}
	holdings := make([]inventory.Holding, 0, len(balances))
	var unpriced []string
	for asset, qty := range balances {
		if asset == quote {
			holdings = append(holdings, inventory.Holding{Asset: asset, Quantity: qty, Quote: true})
			continue
		}
		sym := asset + quote
		holdings = append(holdings, inventory.Holding{Asset: asset, Symbol: sym, Quantity: qty})
		if qty <= 0 {
			continue
		}
		if _, ok := prices[sym]; ok {
			continue
		}
		if sc, ok := e.symbolSettings(sym); ok && sc.Enabled {
			// 本轮行情已失败
			unpriced = append(unpriced, sym)
			continue
		}
		t, err := e.market.FetchTicker(ctx, sym)
		if err != nil || t.Last <= 0 {
			e.monitor.RecordVenueError("fetch_ticker")
			e.logger.Warn("Cannot price holding",
				zap.String("asset", asset), zap.String("symbol", sym), zap.Float64("quantity", qty), zap.Error(err))
			unpriced = append(unpriced, sym)
			continue
		}
		prices[sym] = t.Last
	}
	if len(unpriced) > 0 {
		sort.Strings(unpriced)
		err := fmt.Errorf("cannot price holdings: %v", unpriced)
		e.recordError("portfolio", err)
		e.logger.LogError(err, map[string]interface{}{"symbols": unpriced})
		return false
	}
	e.clearError("portfolio")

	p := e.risk.RefreshPortfolio(holdings, func(symbol string) (float64, bool) {
		price, ok := prices[symbol]
		return price, ok
	})
	e.mu.Lock()
	e.portfolio = p
	e.mu.Unlock()
	return true
}

// reconcile 同步交易所订单状态，成交计入仓位。
func (e *Engine) reconcile(ctx context.Context) bool {
	res, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		e.recordError("reconcile", err)
		e.monitor.RecordVenueError("list_orders")
		e.logger.LogError(fmt.Errorf("reconcile: %w", err), nil)
		return false
	}
	e.clearError("reconcile")

	for _, o := range res.Adopted {
		e.adoptPending(o)
	}
	for _, tr := range res.Transitions {
		o, _ := e.orders.Get(tr.OrderID)
		if tr.FilledDelta > 0 {
			e.positions.ApplyFill(tr.Symbol, tr.Side, tr.FilledDelta, o.Price)
		}
		switch tr.To {
		case order.StatusFilled:
			e.logger.LogOrder(logger.EventOrderFilled, tr.OrderID, map[string]interface{}{
				"symbol":   tr.Symbol,
				"side":     tr.Side,
				"level":    tr.Level,
				"price":    o.Price,
				"quantity": o.FilledQty,
			})
			e.monitor.RecordOrderFilled(tr.Symbol, tr.Side)
			e.mu.Lock()
			e.stats.Fills++
			e.mu.Unlock()
			if tr.Side == order.SideSell {
				e.recordRoundTrip(o)
			}
		case order.StatusCancelled, order.StatusExpired:
			if tr.From != tr.To {
				e.logger.LogOrder(logger.EventOrderCancelled, tr.OrderID, map[string]interface{}{
					"symbol": tr.Symbol,
					"side":   tr.Side,
					"level":  tr.Level,
					"reason": "venue_" + string(tr.To),
				})
				e.monitor.RecordOrderCancelled(tr.Symbol, "venue")
				e.countCancel()
			}
		}
	}
	if len(res.Orphans) > 0 {
		e.logger.Warn("Venue has orders unknown to the registry", zap.Strings("order_ids", res.Orphans))
	}
	if len(res.Missing) > 0 {
		e.logger.Warn("Registry orders missing from venue, keeping local state", zap.Strings("order_ids", res.Missing))
	}
	for _, o := range res.AbandonedPending {
		e.logger.Warn("Pending submission never appeared on venue, releasing level",
			zap.String("client_id", o.ClientID),
			zap.String("symbol", o.Symbol),
			zap.String("side", o.Side),
			zap.Int("level", o.GridLevel),
			zap.Int("reconciliations", order.PendingMaxMisses))
	}
	return true
}

// adoptPending 对账认领了结果不明的提交：与正常下单一样记日志与计数，止盈卖单回链买单。
func (e *Engine) adoptPending(o order.Order) {
	if o.Side == order.SideSell && o.ParentOrderID != "" {
		if err := e.orders.LinkTakeProfit(o.ParentOrderID, o.ID); err != nil {
			e.logger.Warn("Failed to link adopted take-profit order",
				zap.String("buy_order_id", o.ParentOrderID), zap.String("sell_order_id", o.ID), zap.Error(err))
		}
	}
	e.logger.LogOrder(logger.EventOrderPlaced, o.ID, map[string]interface{}{
		"client_id": o.ClientID,
		"symbol":    o.Symbol,
		"side":      o.Side,
		"price":     o.Price,
		"quantity":  o.Quantity,
		"level":     o.GridLevel,
		"adopted":   true,
	})
	e.monitor.RecordOrderPlaced(o.Symbol, o.Side)
	e.mu.Lock()
	e.stats.OrdersPlaced++
	e.mu.Unlock()
}

// recordRoundTrip 止盈卖单成交时登记对应买单的往返收益
func (e *Engine) recordRoundTrip(sell order.Order) {
	for _, buy := range e.orders.Orders() {
		if buy.TakeProfitOrderID != sell.ID {
			continue
		}
		rt, ok := e.trades.Record(buy, sell)
		if !ok {
			return
		}
		e.logger.LogOrder(logger.EventRoundTrip, sell.ID, map[string]interface{}{
			"symbol":       rt.Symbol,
			"level":        rt.Level,
			"buy_order_id": rt.BuyOrderID,
			"buy_price":    rt.BuyPrice,
			"sell_price":   rt.SellPrice,
			"quantity":     rt.Quantity,
			"pnl":          rt.PnL,
			"hold_time":    rt.HoldTime.String(),
		})
		e.monitor.RecordRoundTrip(rt.Symbol, rt.PnL)
		e.mu.Lock()
		e.stats.RoundTrips++
		e.mu.Unlock()
		return
	}
}

func (e *Engine) updateMetrics() {
	st := e.risk.Status()
	e.monitor.UpdateRiskState(st.TradingEnabled, botStateCode(st.BotState))
	e.monitor.UpdatePortfolio(st.PortfolioValue, st.TotalExposure, st.SymbolExposure)
	for _, sym := range e.symbols {
		e.monitor.UpdateOrderBook(sym, len(e.orders.OpenOrdersBySymbol(sym)), len(e.orders.FilledLevels(sym)))
		g := e.grids[sym]
		cond := g.Conditions()
		e.monitor.UpdateGrid(sym, cond.Active, cond.ATR, g.BasePrice())
	}
}

func botStateCode(s risk.BotState) int {
	switch s {
	case risk.StateRunning:
		return 0
	case risk.StatePaused:
		return 1
	case risk.StateStopped:
		return 2
	default:
		return 3
	}
}

func (e *Engine) recordError(key string, err error) {
	e.mu.Lock()
	e.lastErrors[key] = err.Error()
	e.stats.Errors++
	e.mu.Unlock()
}

func (e *Engine) clearError(key string) {
	e.mu.Lock()
	delete(e.lastErrors, key)
	e.mu.Unlock()
}

func (e *Engine) countCancel() {
	e.mu.Lock()
	e.stats.OrdersCancelled++
	e.mu.Unlock()
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

func validateConfig(cfg Config) error {
	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if cfg.QuoteCurrency == "" {
		return errors.New("quote currency is required")
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		if sc.Symbol == "" {
			return errors.New("symbol name is required")
		}
		if seen[sc.Symbol] {
			return fmt.Errorf("duplicate symbol %s", sc.Symbol)
		}
		seen[sc.Symbol] = true
		if sc.OrderValue <= 0 {
			return fmt.Errorf("symbol %s order value must be > 0", sc.Symbol)
		}
	}
	return nil
}

func validateComponents(c Components) error {
	switch {
	case c.Market == nil:
		return errors.New("market data is required")
	case c.Balances == nil:
		return errors.New("balance source is required")
	case c.Submitter == nil:
		return errors.New("submitter is required")
	case c.Orders == nil:
		return errors.New("order manager is required")
	case c.Reconciler == nil:
		return errors.New("reconciler is required")
	case c.Risk == nil:
		return errors.New("risk manager is required")
	case c.Positions == nil:
		return errors.New("position book is required")
	case c.Store == nil:
		return errors.New("store is required")
	case c.Monitor == nil:
		return errors.New("monitor is required")
	case c.Logger == nil:
		return errors.New("logger is required")
	}
	return nil
}
