package risk

import (
	"math"
	"strings"
	"sync"
	"time"

	"grid-trader-go/inventory"
)

// BotState 机器人运行状态。
type BotState string

const (
	StateRunning BotState = "RUNNING"
	StatePaused  BotState = "PAUSED"
	StateStopped BotState = "STOPPED"
	StateError   BotState = "ERROR"
)

// ParseBotState 解析状态名（大小写不敏感）。
func ParseBotState(s string) (BotState, bool) {
	switch st := BotState(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateRunning, StatePaused, StateStopped, StateError:
		return st, true
	default:
		return "", false
	}
}

// Config 风控参数。百分比字段除 MaxSpreadPct 外均为比例（0.2 = 20%）。
type Config struct {
	MaxCapitalPerSymbol float64 `yaml:"maxCapitalPerSymbol"`
	MaxTotalExposure    float64 `yaml:"maxTotalExposure"`
	MaxSpreadPct        float64 `yaml:"maxSpreadPct"` // 百分数，0.05 = 0.05%
	ATRSpikeThreshold   float64 `yaml:"atrSpikeThreshold"`
	MaxSlippagePct      float64 `yaml:"maxSlippagePct"`
	MinOrderValue       float64 `yaml:"minOrderValue"`
	DryRun              bool    `yaml:"dryRun"`
}

// DefaultConfig 默认风控参数。
func DefaultConfig() Config {
	return Config{
		MaxCapitalPerSymbol: 0.20,
		MaxTotalExposure:    0.80,
		MaxSpreadPct:        0.05,
		ATRSpikeThreshold:   0.30,
		MaxSlippagePct:      0.02,
		MinOrderValue:       100,
	}
}

// Status 风控状态快照。
type Status struct {
	TradingEnabled  bool               `json:"tradingEnabled"`
	BotState        BotState           `json:"botState"`
	PortfolioValue  float64            `json:"portfolioValue"`
	TotalExposure   float64            `json:"totalExposure"`
	SymbolExposure  map[string]float64 `json:"perSymbolExposure"`
	DryRun          bool               `json:"dryRun"`
	LastRefreshedAt time.Time          `json:"lastRefreshedAt"`
}

// Manager 唯一的风控状态持有者：开关、运行状态、组合敞口与下单前检查。
type Manager struct {
	mu             sync.RWMutex
	cfg            Config
	tradingEnabled bool
	state          BotState
	portfolioValue float64
	symbolExposure map[string]float64
	totalExposure  float64
	refreshedAt    time.Time

	tradeGuard  MultiGuard
	reduceGuard MultiGuard
}

// NewManager 创建风控管理器，初始为允许交易且 RUNNING。
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:            cfg,
		tradingEnabled: true,
		state:          StateRunning,
		symbolExposure: make(map[string]float64),
	}
	m.tradeGuard = MultiGuard{Guards: []Guard{
		GuardFunc(m.checkKillSwitch),
		GuardFunc(m.checkState),
		GuardFunc(m.checkSymbolCapital),
		GuardFunc(m.checkTotalExposure),
	}}
	m.reduceGuard = MultiGuard{Guards: []Guard{
		GuardFunc(m.checkKillSwitch),
		GuardFunc(m.checkState),
	}}
	return m
}

// ApplyConfig 热更新风控参数，不影响开关与状态。
func (m *Manager) ApplyConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config 当前参数。
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetTradingEnabled 全局开关；关闭后所有交易检查立即失败。
func (m *Manager) SetTradingEnabled(enabled bool) {
	m.mu.Lock()
	m.tradingEnabled = enabled
	m.mu.Unlock()
}

// TradingEnabled 开关状态。
func (m *Manager) TradingEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tradingEnabled
}

// SetState 设置运行状态。
func (m *Manager) SetState(s BotState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State 当前运行状态。
func (m *Manager) State() BotState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RefreshPortfolio 全量重算组合市值与敞口，不做增量修补。
// 敞口 = 交易对市值 / 组合总值 × 100；总敞口为各交易对之和。计价货币不计入敞口。
func (m *Manager) RefreshPortfolio(holdings []inventory.Holding, prices inventory.PriceLookup) inventory.Portfolio {
	p := inventory.Valuate(holdings, prices)
	exposure := make(map[string]float64, len(p.Values))
	total := 0.0
	if p.TotalValue > 0 {
		for sym, v := range p.Values {
			pct := v / p.TotalValue * 100
			exposure[sym] = pct
			total += pct
		}
	}

	m.mu.Lock()
	m.portfolioValue = p.TotalValue
	m.symbolExposure = exposure
	m.totalExposure = total
	m.refreshedAt = time.Now()
	m.mu.Unlock()
	return p
}

// CheckTradeSymbol 依次检查开关、运行状态、单交易对资金占比、总敞口，返回第一个失败项。
func (m *Manager) CheckTradeSymbol(symbol string, proposedPositionValue float64) error {
	return m.tradeGuard.PreOrder(symbol, proposedPositionValue)
}

// CheckReduce 减仓（止盈卖出）前的检查：只受开关与运行状态约束，不受敞口上限约束。
func (m *Manager) CheckReduce(symbol string) error {
	return m.reduceGuard.PreOrder(symbol, 0)
}

// CanTradeSymbol 同 CheckTradeSymbol，返回 (是否允许, 原因)。
func (m *Manager) CanTradeSymbol(symbol string, proposedPositionValue float64) (bool, string) {
	err := m.CheckTradeSymbol(symbol, proposedPositionValue)
	return err == nil, Reason(err)
}

func (m *Manager) checkKillSwitch(string, float64) error {
	if !m.TradingEnabled() {
		return deny(ErrKillSwitch, "Trading disabled (kill-switch active)")
	}
	return nil
}

func (m *Manager) checkState(string, float64) error {
	if st := m.State(); st != StateRunning {
		return deny(ErrBotNotRunning, "Bot not running (state: %s)", st)
	}
	return nil
}

func (m *Manager) checkSymbolCapital(_ string, proposed float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.portfolioValue <= 0 {
		return nil
	}
	pct := proposed / m.portfolioValue * 100
	limit := m.cfg.MaxCapitalPerSymbol * 100
	if pct > limit {
		return deny(ErrSymbolCapital, "Exceeds max capital/symbol (%.1f%% > %.1f%%)", pct, limit)
	}
	return nil
}

func (m *Manager) checkTotalExposure(string, float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.totalExposure >= m.cfg.MaxTotalExposure*100 {
		return deny(ErrTotalExposure, "Max portfolio exposure reached (%.1f%%)", m.totalExposure)
	}
	return nil
}

// CheckOrder 下单前基本校验：数量、价格为正，名义金额不低于最小值。
func (m *Manager) CheckOrder(symbol string, qty, price float64, side string) error {
	if qty <= 0 {
		return deny(ErrInvalidQuantity, "Quantity must be positive")
	}
	if price <= 0 {
		return deny(ErrInvalidPrice, "Price must be positive")
	}
	floor := m.Config().MinOrderValue
	if v := qty * price; v < floor {
		return deny(ErrBelowMinOrderValue, "Order value (%.2f) below minimum (%.2f)", v, floor)
	}
	return nil
}

// ValidateOrder 同 CheckOrder，返回 (是否有效, 原因)。
func (m *Manager) ValidateOrder(symbol string, qty, price float64, side string) (bool, string) {
	err := m.CheckOrder(symbol, qty, price, side)
	return err == nil, Reason(err)
}

// CheckATR 比较最近两次 ATR 的相对变化；没有有效的前值时直接通过。
func (m *Manager) CheckATR(currentATR, previousATR float64) error {
	if previousATR <= 0 || math.IsNaN(previousATR) {
		return nil
	}
	change := math.Abs(currentATR-previousATR) / previousATR
	threshold := m.Config().ATRSpikeThreshold
	if change > threshold {
		return deny(ErrATRSpike, "ATR spike detected (%.1f%% > %.1f%%)", change*100, threshold*100)
	}
	return nil
}

// CheckCircuitBreaker 同 CheckATR，返回 (是否通过, 原因)。
func (m *Manager) CheckCircuitBreaker(currentATR, previousATR float64) (bool, string) {
	if previousATR <= 0 {
		return true, "No previous ATR"
	}
	err := m.CheckATR(currentATR, previousATR)
	return err == nil, Reason(err)
}

// CheckBidAsk 买卖价差检查，价差以买价百分比计。
func (m *Manager) CheckBidAsk(bid, ask float64) error {
	if bid <= 0 || ask <= 0 {
		return deny(ErrInvalidQuote, "Invalid bid/ask")
	}
	spread := (ask - bid) / bid * 100
	limit := m.Config().MaxSpreadPct
	if spread > limit {
		return deny(ErrSpreadTooWide, "Spread too wide (%.4f%% > %.4f%%)", spread, limit)
	}
	return nil
}

// CheckSpread 同 CheckBidAsk，返回 (是否可接受, 原因)。
func (m *Manager) CheckSpread(bid, ask float64) (bool, string) {
	err := m.CheckBidAsk(bid, ask)
	return err == nil, Reason(err)
}

// CheckSlippage 限价穿过最新成交价的幅度不超过 MaxSlippagePct（比例）。
// 买单高于 last、卖单低于 last 时会立即成交，超出幅度说明网格价格已过时。
// 不穿价的挂单、last 无效或参数为 0 时直接通过。
func (m *Manager) CheckSlippage(side string, price, last float64) error {
	limit := m.Config().MaxSlippagePct
	if limit <= 0 || last <= 0 || price <= 0 {
		return nil
	}
	var through float64
	switch side {
	case "BUY":
		through = (price - last) / last
	case "SELL":
		through = (last - price) / last
	}
	if through > limit {
		return deny(ErrSlippage, "%s limit %.2f crosses last %.2f by %.2f%% (> %.2f%%)",
			side, price, last, through*100, limit*100)
	}
	return nil
}

// Status 返回风控状态拷贝。
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp := make(map[string]float64, len(m.symbolExposure))
	for k, v := range m.symbolExposure {
		exp[k] = v
	}
	return Status{
		TradingEnabled:  m.tradingEnabled,
		BotState:        m.state,
		PortfolioValue:  m.portfolioValue,
		TotalExposure:   m.totalExposure,
		SymbolExposure:  exp,
		DryRun:          m.cfg.DryRun,
		LastRefreshedAt: m.refreshedAt,
	}
}
