package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/market"
)

// ErrInvalidBasePrice 基准价非正时无法生成网格。
var ErrInvalidBasePrice = errors.New("invalid base price")

// CandleSource 提供 K 线数据；gateway 的行情客户端实现此接口。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// Config 网格参数，默认值见 DefaultConfig。
type Config struct {
	Levels               int     `yaml:"levels"`
	SpacingATRMultiplier float64 `yaml:"spacingAtrMultiplier"`
	FallbackSpacingPct   float64 `yaml:"fallbackSpacingPct"`
	TakeProfitMultiplier float64 `yaml:"takeProfitMultiplier"`
	ATRPeriod            int     `yaml:"atrPeriod"`
	FastInterval         string  `yaml:"fastInterval"`
	SlowInterval         string  `yaml:"slowInterval"`
	CandleLimit          int     `yaml:"candleLimit"`
	SpikeMultiplier      float64 `yaml:"spikeMultiplier"`
	SpikeWindow          int     `yaml:"spikeWindow"`
	TrendFastPeriod      int     `yaml:"trendFastPeriod"`
	TrendSlowPeriod      int     `yaml:"trendSlowPeriod"`
	TrendDeadband        float64 `yaml:"trendDeadband"`
	UptrendKeepLevels    int     `yaml:"uptrendKeepLevels"`
	PriceDecimals        int     `yaml:"priceDecimals"`
	// TickSize 交易对价格步长；大于 0 时价格取整到步长的整数倍，优先于 PriceDecimals
	TickSize float64 `yaml:"-"`
}

// DefaultConfig 返回默认网格参数。
func DefaultConfig() Config {
	return Config{
		Levels:               5,
		SpacingATRMultiplier: 0.5,
		FallbackSpacingPct:   0.02,
		TakeProfitMultiplier: 1.5,
		ATRPeriod:            14,
		FastInterval:         "1h",
		SlowInterval:         "4h",
		CandleLimit:          100,
		SpikeMultiplier:      2.0,
		SpikeWindow:          market.DefaultSpikeWindow,
		TrendFastPeriod:      20,
		TrendSlowPeriod:      50,
		TrendDeadband:        0.01,
		UptrendKeepLevels:    2,
		PriceDecimals:        2,
	}
}

// WithDefaults 用默认值填充未设置的字段。
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Levels <= 0 {
		c.Levels = d.Levels
	}
	if c.SpacingATRMultiplier <= 0 {
		c.SpacingATRMultiplier = d.SpacingATRMultiplier
	}
	if c.FallbackSpacingPct <= 0 {
		c.FallbackSpacingPct = d.FallbackSpacingPct
	}
	if c.TakeProfitMultiplier <= 0 {
		c.TakeProfitMultiplier = d.TakeProfitMultiplier
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = d.ATRPeriod
	}
	if c.FastInterval == "" {
		c.FastInterval = d.FastInterval
	}
	if c.SlowInterval == "" {
		c.SlowInterval = d.SlowInterval
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = d.CandleLimit
	}
	if c.SpikeMultiplier <= 0 {
		c.SpikeMultiplier = d.SpikeMultiplier
	}
	if c.SpikeWindow <= 0 {
		c.SpikeWindow = d.SpikeWindow
	}
	if c.TrendFastPeriod <= 0 {
		c.TrendFastPeriod = d.TrendFastPeriod
	}
	if c.TrendSlowPeriod <= 0 {
		c.TrendSlowPeriod = d.TrendSlowPeriod
	}
	if c.TrendDeadband < 0 {
		c.TrendDeadband = d.TrendDeadband
	}
	if c.UptrendKeepLevels < 0 {
		c.UptrendKeepLevels = d.UptrendKeepLevels
	}
	if c.PriceDecimals <= 0 {
		c.PriceDecimals = d.PriceDecimals
	}
	return c
}

// Ladder 单个交易对的网格：买入价随档位递减，卖出价 = 买入价 + 止盈偏移。
type Ladder struct {
	Symbol           string          `json:"symbol"`
	BasePrice        float64         `json:"basePrice"`
	Spacing          float64         `json:"spacing"`
	TakeProfitOffset float64         `json:"takeProfitOffset"`
	Buy              map[int]float64 `json:"buy"`
	Sell             map[int]float64 `json:"sell"`
	Active           bool            `json:"active"`
	Trend            market.Trend    `json:"trend"`
	ATR              float64         `json:"atr"`
	GeneratedAt      time.Time       `json:"generatedAt"`
}

// Levels 返回升序档位。
func (l Ladder) Levels() []int {
	out := make([]int, 0, len(l.Buy))
	for lvl := range l.Buy {
		out = append(out, lvl)
	}
	sort.Ints(out)
	return out
}

func (l Ladder) clone() Ladder {
	out := l
	out.Buy = make(map[int]float64, len(l.Buy))
	out.Sell = make(map[int]float64, len(l.Sell))
	for k, v := range l.Buy {
		out.Buy[k] = v
	}
	for k, v := range l.Sell {
		out.Sell[k] = v
	}
	return out
}

// Conditions 最近一次刷新得到的市场状态。
type Conditions struct {
	Trend                market.Trend
	Spike                bool
	ATR                  float64
	ATRAvailable         bool
	PreviousATR          float64
	PreviousATRAvailable bool
	Active               bool
	RefreshedAt          time.Time
}

// Proposal 网格给出的挂单建议。
type Proposal struct {
	Symbol     string
	Side       string // BUY/SELL
	Level      int
	Price      float64
	TakeProfit float64 // 仅买单：配对卖出价
}

// Grid 维护单个交易对的网格状态，并发安全。
type Grid struct {
	symbol string

	mu        sync.RWMutex
	cfg       Config
	basePrice float64
	ladder    *Ladder
	cond      Conditions
}

// NewGrid 创建网格；初始状态为 active、neutral。
func NewGrid(symbol string, cfg Config) *Grid {
	return &Grid{
		symbol: symbol,
		cfg:    cfg.WithDefaults(),
		cond:   Conditions{Trend: market.TrendNeutral, Active: true},
	}
}

// Symbol 返回交易对。
func (g *Grid) Symbol() string { return g.symbol }

// Config 返回当前参数。
func (g *Grid) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// SetLevels 调整档位数，下次生成时生效。
func (g *Grid) SetLevels(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.cfg.Levels = n
	g.mu.Unlock()
}

// SetBasePrice 设置基准价。
func (g *Grid) SetBasePrice(p float64) {
	g.mu.Lock()
	g.basePrice = p
	g.mu.Unlock()
}

// BasePrice 返回基准价。
func (g *Grid) BasePrice() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.basePrice
}

// Conditions 返回最近一次的市场状态。
func (g *Grid) Conditions() Conditions {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cond
}

// RefreshConditions 拉取快/慢周期 K 线，更新 ATR、波动尖峰与趋势。
// 趋势明确且出现尖峰时网格进入 inactive。拉取失败直接返回错误，状态不变。
func (g *Grid) RefreshConditions(ctx context.Context, src CandleSource) error {
	cfg := g.Config()
	fast, err := src.FetchCandles(ctx, g.symbol, cfg.FastInterval, cfg.CandleLimit)
	if err != nil {
		return fmt.Errorf("fetch %s candles for %s: %w", cfg.FastInterval, g.symbol, err)
	}
	slow, err := src.FetchCandles(ctx, g.symbol, cfg.SlowInterval, cfg.CandleLimit)
	if err != nil {
		return fmt.Errorf("fetch %s candles for %s: %w", cfg.SlowInterval, g.symbol, err)
	}

	atr, trs, atrErr := market.AverageTrueRange(fast, cfg.ATRPeriod)
	if atrErr != nil {
		trs = market.TrueRanges(fast)
	}
	spike := market.VolatilitySpikeWindow(trs, cfg.SpikeMultiplier, cfg.SpikeWindow)
	trend := market.DetectTrend(slow, market.TrendConfig{
		FastPeriod: cfg.TrendFastPeriod,
		SlowPeriod: cfg.TrendSlowPeriod,
		Deadband:   cfg.TrendDeadband,
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.cond
	g.cond = Conditions{
		Trend:                trend,
		Spike:                spike,
		ATR:                  atr,
		ATRAvailable:         atrErr == nil,
		PreviousATR:          prev.ATR,
		PreviousATRAvailable: prev.ATRAvailable,
		Active:               !((trend == market.TrendUp || trend == market.TrendDown) && spike),
		RefreshedAt:          time.Now(),
	}
	if len(fast) > 0 && g.basePrice <= 0 {
		g.basePrice = fast[len(fast)-1].Close
	}
	return nil
}

// GenerateLadder 以基准价生成网格：间距 = ATR×倍数，ATR 不可用时用基准价×百分比。
// inactive 时：上升趋势仅保留前几档，下降趋势清空。
func (g *Grid) GenerateLadder() (Ladder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.basePrice <= 0 {
		return Ladder{}, fmt.Errorf("%w: %s base price %.8f", ErrInvalidBasePrice, g.symbol, g.basePrice)
	}
	cfg := g.cfg
	unit := priceUnit(cfg)
	base := decimal.NewFromFloat(g.basePrice)
	step := base.Mul(decimal.NewFromFloat(cfg.FallbackSpacingPct))
	if g.cond.ATRAvailable && g.cond.ATR > 0 {
		step = decimal.NewFromFloat(g.cond.ATR).Mul(decimal.NewFromFloat(cfg.SpacingATRMultiplier))
	}
	// 间距与止盈偏移至少一个价格单位，否则取整后相邻档位会重合
	if step.LessThan(unit) {
		step = unit
	}
	off := step.Mul(decimal.NewFromFloat(cfg.TakeProfitMultiplier))
	if off.LessThan(unit) {
		off = unit
	}

	l := Ladder{
		Symbol:           g.symbol,
		BasePrice:        g.basePrice,
		Spacing:          step.InexactFloat64(),
		TakeProfitOffset: off.InexactFloat64(),
		Buy:              make(map[int]float64, cfg.Levels),
		Sell:             make(map[int]float64, cfg.Levels),
		Active:           g.cond.Active,
		Trend:            g.cond.Trend,
		ATR:              g.cond.ATR,
		GeneratedAt:      time.Now(),
	}
	prev := base
	for lvl := 1; lvl <= cfg.Levels; lvl++ {
		buy := roundPrice(base.Sub(step.Mul(decimal.NewFromInt(int64(lvl)))), cfg)
		// 买价必须为正且严格低于上一档（第 1 档低于基准价），档位保持连续
		if !buy.IsPositive() || !buy.LessThan(prev) {
			break
		}
		sell := roundPrice(buy.Add(off), cfg)
		if !sell.GreaterThan(buy) {
			break
		}
		l.Buy[lvl] = buy.InexactFloat64()
		l.Sell[lvl] = sell.InexactFloat64()
		prev = buy
	}

	if !l.Active {
		keep := 0
		if l.Trend == market.TrendUp {
			keep = cfg.UptrendKeepLevels
		}
		for lvl := range l.Buy {
			if lvl > keep {
				delete(l.Buy, lvl)
				delete(l.Sell, lvl)
			}
		}
	}

	g.ladder = &l
	return l.clone(), nil
}

// priceUnit 最小价格单位：TickSize，未设置时为 10^-PriceDecimals。
func priceUnit(cfg Config) decimal.Decimal {
	if cfg.TickSize > 0 {
		return decimal.NewFromFloat(cfg.TickSize)
	}
	return decimal.New(1, -int32(cfg.PriceDecimals))
}

// roundPrice 四舍五入（远离零）到最小价格单位。
func roundPrice(p decimal.Decimal, cfg Config) decimal.Decimal {
	if cfg.TickSize > 0 {
		tick := decimal.NewFromFloat(cfg.TickSize)
		return p.Div(tick).Round(0).Mul(tick)
	}
	return p.Round(int32(cfg.PriceDecimals))
}

// Ladder 返回最近一次生成的网格。
func (g *Grid) Ladder() (Ladder, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.ladder == nil {
		return Ladder{}, false
	}
	return g.ladder.clone(), true
}

// Restore 从持久化快照恢复网格。
func (g *Grid) Restore(l Ladder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := l.clone()
	g.ladder = &c
	if l.BasePrice > 0 {
		g.basePrice = l.BasePrice
	}
	if l.Trend != "" {
		g.cond.Trend = l.Trend
	}
	g.cond.Active = l.Active
	if l.ATR > 0 {
		g.cond.ATR = l.ATR
		g.cond.ATRAvailable = true
	}
}

// BuyOrders 返回网格买单建议（按档位升序）。
func (g *Grid) BuyOrders() []Proposal {
	return g.proposals("BUY")
}

// SellOrders 返回网格卖单建议（按档位升序）。
func (g *Grid) SellOrders() []Proposal {
	return g.proposals("SELL")
}

func (g *Grid) proposals(side string) []Proposal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.ladder == nil {
		return nil
	}
	levels := g.ladder.Levels()
	out := make([]Proposal, 0, len(levels))
	for _, lvl := range levels {
		p := Proposal{Symbol: g.symbol, Side: side, Level: lvl}
		if side == "BUY" {
			p.Price = g.ladder.Buy[lvl]
			p.TakeProfit = g.ladder.Sell[lvl]
		} else {
			p.Price = g.ladder.Sell[lvl]
		}
		out = append(out, p)
	}
	return out
}
