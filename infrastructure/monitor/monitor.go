package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器，每个实例持有独立 registry
type Monitor struct {
	registry *prometheus.Registry

	// 循环指标
	ticksTotal   prometheus.Counter
	ticksSkipped prometheus.Counter
	tickDuration prometheus.Histogram
	symbolErrors *prometheus.CounterVec

	// 订单指标
	ordersPlaced    *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	ordersFilled    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	openOrders      *prometheus.GaugeVec
	filledLevels    *prometheus.GaugeVec
	roundTrips      *prometheus.CounterVec
	realizedPnL     *prometheus.GaugeVec

	// 网格指标
	gridActive *prometheus.GaugeVec
	gridATR    *prometheus.GaugeVec
	gridBase   *prometheus.GaugeVec

	// 风控指标
	riskDenials    *prometheus.CounterVec
	tradingEnabled prometheus.Gauge
	botState       prometheus.Gauge
	portfolioValue prometheus.Gauge
	totalExposure  prometheus.Gauge
	symbolExposure *prometheus.GaugeVec

	// 系统指标
	venueRetries *prometheus.CounterVec
	venueErrors  *prometheus.CounterVec
	wsReconnects prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "grid",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}

	return &Monitor{
		registry: reg,

		ticksTotal:   counter("ticks_total", "控制循环执行次数"),
		ticksSkipped: counter("ticks_skipped_total", "因上一轮未结束而跳过的次数"),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_duration_seconds",
			Help:      "单轮控制循环耗时（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		symbolErrors: counterVec("symbol_errors_total", "交易对处理失败次数", "symbol"),

		ordersPlaced:    counterVec("orders_placed_total", "下单总数", "symbol", "side"),
		ordersCancelled: counterVec("orders_cancelled_total", "撤单总数", "symbol", "reason"),
		ordersFilled:    counterVec("orders_filled_total", "完全成交订单数", "symbol", "side"),
		ordersRejected:  counterVec("orders_rejected_total", "交易所拒单数", "symbol"),
		openOrders:      gaugeVec("open_orders", "活跃订单数", "symbol"),
		filledLevels:    gaugeVec("filled_levels", "已成交网格档位数", "symbol"),
		roundTrips:      counterVec("round_trips_total", "完成的买入-止盈往返次数", "symbol"),
		realizedPnL:     gaugeVec("realized_pnl", "进程启动以来的已实现收益（计价货币）", "symbol"),

		gridActive: gaugeVec("grid_active", "网格是否启用（1/0）", "symbol"),
		gridATR:    gaugeVec("grid_atr", "最近一次 ATR", "symbol"),
		gridBase:   gaugeVec("grid_base_price", "网格基准价", "symbol"),

		riskDenials:    counterVec("risk_denials_total", "风控拒绝次数", "kind"),
		tradingEnabled: gauge("trading_enabled", "交易开关（1/0）"),
		botState:       gauge("bot_state", "运行状态：0=RUNNING 1=PAUSED 2=STOPPED 3=ERROR"),
		portfolioValue: gauge("portfolio_value", "组合总价值（计价货币）"),
		totalExposure:  gauge("total_exposure_pct", "总敞口百分比"),
		symbolExposure: gaugeVec("symbol_exposure_pct", "单交易对敞口百分比", "symbol"),

		venueRetries: counterVec("venue_retries_total", "交易所调用重试次数", "op"),
		venueErrors:  counterVec("venue_errors_total", "交易所调用最终失败次数", "op"),
		wsReconnects: counter("ws_reconnects_total", "行情 WebSocket 重连次数"),
	}
}

// 循环相关方法
func (m *Monitor) RecordTick(d time.Duration) {
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Monitor) RecordTickSkipped() {
	m.ticksSkipped.Inc()
}

func (m *Monitor) RecordSymbolError(symbol string) {
	m.symbolErrors.WithLabelValues(symbol).Inc()
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(symbol, side string) {
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderCancelled(symbol, reason string) {
	m.ordersCancelled.WithLabelValues(symbol, reason).Inc()
}

func (m *Monitor) RecordOrderFilled(symbol, side string) {
	m.ordersFilled.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderRejected(symbol string) {
	m.ordersRejected.WithLabelValues(symbol).Inc()
}

func (m *Monitor) UpdateOrderBook(symbol string, open, filledLevels int) {
	m.openOrders.WithLabelValues(symbol).Set(float64(open))
	m.filledLevels.WithLabelValues(symbol).Set(float64(filledLevels))
}

func (m *Monitor) RecordRoundTrip(symbol string, pnl float64) {
	m.roundTrips.WithLabelValues(symbol).Inc()
	m.realizedPnL.WithLabelValues(symbol).Add(pnl)
}

// 网格相关方法
func (m *Monitor) UpdateGrid(symbol string, active bool, atr, base float64) {
	m.gridActive.WithLabelValues(symbol).Set(boolValue(active))
	m.gridATR.WithLabelValues(symbol).Set(atr)
	m.gridBase.WithLabelValues(symbol).Set(base)
}

// 风控相关方法
func (m *Monitor) RecordRiskDenial(kind string) {
	m.riskDenials.WithLabelValues(kind).Inc()
}

func (m *Monitor) UpdateRiskState(tradingEnabled bool, state int) {
	m.tradingEnabled.Set(boolValue(tradingEnabled))
	m.botState.Set(float64(state))
}

func (m *Monitor) UpdatePortfolio(value, totalExposure float64, perSymbol map[string]float64) {
	m.portfolioValue.Set(value)
	m.totalExposure.Set(totalExposure)
	m.symbolExposure.Reset()
	for sym, pct := range perSymbol {
		m.symbolExposure.WithLabelValues(sym).Set(pct)
	}
}

// 系统相关方法
func (m *Monitor) RecordVenueRetry(op string) {
	m.venueRetries.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordVenueError(op string) {
	m.venueErrors.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordWSReconnect() {
	m.wsReconnects.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
