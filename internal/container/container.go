package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/infrastructure/monitor"
	"grid-trader-go/internal/api"
	"grid-trader-go/internal/engine"
	"grid-trader-go/internal/store"
	"grid-trader-go/inventory"
	"grid-trader-go/order"
	"grid-trader-go/risk"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	configPath string

	cfgMu sync.RWMutex
	cfg   config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   *store.FileStore

	// 交易所网关
	retrier   *gateway.Retrier
	market    gateway.MarketData
	venue     gateway.Venue
	stream    *gateway.TickerStream
	paper     *gateway.PaperVenue
	resilient *gateway.Resilient

	// 核心服务
	engine  *engine.Engine
	api     *api.Server
	watcher *config.Watcher
	http    *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container；敏感字段可由环境变量覆盖
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		configPath: configPath,
		cfg:        cfg,
		lifecycle:  NewLifecycleManager(),
	}
}

// ForceDryRun 命令行强制 dry-run，需在 Build 之前调用
func (c *Container) ForceDryRun() {
	c.cfgMu.Lock()
	c.cfg.Risk.DryRun = true
	c.cfgMu.Unlock()
}

// Build 构建所有组件并从快照恢复状态；任何一步失败都应终止进程
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildEngine(); err != nil {
		return fmt.Errorf("build engine failed: %w", err)
	}
	if err := c.buildWatcher(); err != nil {
		return fmt.Errorf("build config watcher failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("Container built",
		zap.String("env", c.cfg.Env),
		zap.Bool("dry_run", c.cfg.Risk.DryRun),
		zap.Strings("symbols", c.engine.Symbols()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(c.cfg.Metrics)

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Named("alert").Logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL, nil))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle)

	storeLog := c.logger.Named("store")
	c.store, err = store.Open(c.cfg.Store.Dir, func(event string, fields map[string]interface{}) {
		storeLog.WithFields(fields).Debug(event)
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	return nil
}

func (c *Container) buildGateway() error {
	gwLog := c.logger.Named("gateway").Logger
	c.retrier = gateway.NewRetrier(c.cfg.Retry, gwLog)
	c.retrier.SetObserver(func(op string, _ int, _ error) {
		c.monitor.RecordVenueRetry(op)
	})

	gw := c.cfg.Gateway
	rest := gateway.NewRESTClient(gw.BaseURL, gw.APIKey, gw.APISecret, gw.ClientID,
		gateway.NewTokenBucketLimiter(gw.RateLimit, gw.RateBurst))
	c.market = rest
	c.venue = rest

	if gw.WSURL != "" {
		c.stream = gateway.NewTickerStream(gw.WSURL, c.symbols(), rest, gwLog.Named("ws"))
		c.stream.OnReconnect = c.monitor.RecordWSReconnect
		c.market = c.stream
	}

	// dry-run：行情仍来自交易所，订单只在内存中撮合
	if c.cfg.Risk.DryRun {
		c.paper = gateway.NewPaperVenue(c.market, c.cfg.Engine.QuoteCurrency, c.cfg.Engine.PaperBalances)
		c.market = c.paper
		c.venue = c.paper
	}
	c.resilient = gateway.NewResilient(c.market, c.venue, c.retrier)
	return nil
}

func (c *Container) buildEngine() error {
	mode, err := gateway.ParseSubmitMode(c.cfg.Engine.SubmitMode)
	if err != nil {
		return err
	}

	orders := order.NewManager()
	riskMgr := risk.NewManager(c.cfg.Risk)
	riskMgr.SetTradingEnabled(c.cfg.Engine.TradingEnabled)

	symbols := make([]engine.SymbolConfig, 0, len(c.cfg.Symbols))
	for _, sym := range c.symbols() {
		sc := c.cfg.Symbols[sym]
		symbols = append(symbols, engine.SymbolConfig{
			Symbol:      sym,
			Enabled:     sc.Enabled,
			Levels:      c.cfg.LevelsFor(sym),
			OrderValue:  sc.OrderValue,
			Constraints: sc.Constraints,
		})
	}

	c.engine, err = engine.New(engine.Config{
		TickInterval:  c.cfg.Engine.TickInterval,
		OrderMaxAge:   c.cfg.Engine.OrderMaxAge,
		QuoteCurrency: c.cfg.Engine.QuoteCurrency,
		Grid:          c.cfg.Grid,
		Symbols:       symbols,
	}, engine.Components{
		Market:     c.resilient,
		Balances:   c.resilient,
		Submitter:  gateway.NewSubmitter(c.venue, c.retrier, mode, c.logger.Named("submitter").Logger),
		Orders:     orders,
		Reconciler: order.NewReconciler(c.resilient, orders),
		Risk:       riskMgr,
		Positions:  inventory.NewBook(),
		Store:      c.store,
		Monitor:    c.monitor,
		Alerts:     c.alerts,
		Logger:     c.logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	if err := c.engine.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	c.api = api.NewServer(c.engine, c.monitor.Handler(), c.HealthCheck, c.logger.Named("api"))
	return nil
}

func (c *Container) buildWatcher() error {
	if !c.cfg.HotReload.Enabled || c.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(c.configPath, c.cfg.HotReload.Debounce, c.logger.Named("config").Logger, c.applyConfig)
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// applyConfig 热更新：风控参数与交易开关立即生效，其余字段需要重启
func (c *Container) applyConfig(next config.AppConfig) {
	c.cfgMu.Lock()
	prev := c.cfg
	c.cfg.Risk = next.Risk
	c.cfg.Risk.DryRun = prev.Risk.DryRun
	c.cfg.Engine.TradingEnabled = next.Engine.TradingEnabled
	applied := c.cfg
	c.cfgMu.Unlock()

	c.engine.ApplyRiskConfig(applied.Risk)
	if next.Engine.TradingEnabled != prev.Engine.TradingEnabled {
		if err := c.engine.SetTradingEnabled(next.Engine.TradingEnabled, "config"); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "apply_trading_enabled"})
		}
	}
	if next.Risk.DryRun != prev.Risk.DryRun {
		c.logger.Warn("dryRun changed in config, restart required to take effect")
	}
	if len(next.Symbols) != len(prev.Symbols) || next.Grid != prev.Grid {
		c.logger.Warn("Symbol or grid settings changed in config, restart required to take effect")
	}
}

func (c *Container) registerLifecycleComponents() {
	if c.stream != nil {
		c.lifecycle.Register(&streamComponent{stream: c.stream})
	}
	c.lifecycle.Register(&engineComponent{engine: c.engine})
	if c.watcher != nil {
		c.lifecycle.Register(&watcherComponent{watcher: c.watcher})
	}
	if c.cfg.API.Addr != "" {
		c.http = &httpServerComponent{
			name:    "api_server",
			handler: c.api.Handler(),
			addr:    c.cfg.API.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.http)
	}
	// 最后注册：所有组件就绪后才通知 READY，停止时最先通知 STOPPING
	c.lifecycle.Register(&systemdComponent{health: c.HealthCheck, logger: c.logger})
}

// Start 启动所有组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("Starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("Container started")
	return nil
}

// Stop 逆序停止：先停 HTTP 与热更新，再等控制循环本轮结束并落盘，最后断开行情流。
// 挂单保留在交易所，重启后从快照恢复。
func (c *Container) Stop() error {
	c.logger.Info("Stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("Container stopped")
	_ = c.logger.Close()
	return err
}

// HealthCheck 汇总组件健康状态
func (c *Container) HealthCheck() error {
	if c.engine == nil {
		return errors.New("container not built")
	}
	return c.lifecycle.CheckHealth()
}

// Engine 控制循环
func (c *Container) Engine() *engine.Engine { return c.engine }

// APIHandler 运维接口路由
func (c *Container) APIHandler() http.Handler { return c.api.Handler() }

// APIAddr 运维接口实际监听地址；未启动时为空
func (c *Container) APIAddr() string {
	if c.http == nil {
		return ""
	}
	return c.http.Addr()
}

// Config 当前生效的配置
func (c *Container) Config() config.AppConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Container) symbols() []string {
	out := make([]string, 0, len(c.cfg.Symbols))
	for sym := range c.cfg.Symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
