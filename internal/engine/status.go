package engine

import (
	"time"

	"grid-trader-go/order"
	"grid-trader-go/posttrade"
	"grid-trader-go/risk"
)

// GridStatus 单个交易对的网格视图。
type GridStatus struct {
	Symbol       string          `json:"symbol"`
	Enabled      bool            `json:"enabled"`
	Levels       int             `json:"levels"`
	OrderValue   float64         `json:"orderValue"`
	BasePrice    float64         `json:"basePrice"`
	Active       bool            `json:"active"`
	Trend        string          `json:"trend"`
	ATR          float64         `json:"atr"`
	Spacing      float64         `json:"spacing"`
	BuyPrices    map[int]float64 `json:"buyPrices,omitempty"`
	SellPrices   map[int]float64 `json:"sellPrices,omitempty"`
	FilledLevels []int           `json:"filledLevels"`
	OpenOrders   int             `json:"openOrders"`
}

// Status 运维状态查询结果。
type Status struct {
	TradingEnabled        bool                       `json:"tradingEnabled"`
	BotState              risk.BotState              `json:"botState"`
	DryRun                bool                       `json:"dryRun"`
	Running               bool                       `json:"running"`
	PortfolioValue        float64                    `json:"portfolioValue"`
	TotalExposure         float64                    `json:"totalExposure"`
	PerSymbolExposure     map[string]float64         `json:"perSymbolExposure"`
	OpenOrders            []order.Order              `json:"openOrders"`
	PendingSubmissions    []order.Order              `json:"pendingSubmissions,omitempty"`
	Orders                order.Summary              `json:"orders"`
	FilledLevelsPerSymbol map[string][]int           `json:"filledLevelsPerSymbol"`
	Grids                 []GridStatus               `json:"grids"`
	LastErrors            map[string]string          `json:"lastErrors"`
	Statistics            Statistics                 `json:"statistics"`
	Reconciler            order.ReconcilerStats      `json:"reconciler"`
	RoundTrips            map[string]posttrade.Stats `json:"roundTrips"`
	GeneratedAt           time.Time                  `json:"generatedAt"`
}

// Status 汇总当前状态；不等待进行中的一轮。
func (e *Engine) Status() Status {
	rs := e.risk.Status()
	st := Status{
		TradingEnabled:        rs.TradingEnabled,
		BotState:              rs.BotState,
		DryRun:                rs.DryRun,
		Running:               e.Running(),
		PortfolioValue:        rs.PortfolioValue,
		TotalExposure:         rs.TotalExposure,
		PerSymbolExposure:     rs.SymbolExposure,
		OpenOrders:            e.orders.OpenOrders(),
		PendingSubmissions:    e.orders.PendingOrders(),
		Orders:                e.orders.StatusSummary(),
		FilledLevelsPerSymbol: e.orders.AllFilledLevels(),
		Statistics:            e.GetStatistics(),
		Reconciler:            e.reconciler.GetStatistics(),
		RoundTrips:            e.trades.Stats(),
		GeneratedAt:           e.now(),
	}

	e.mu.RLock()
	st.LastErrors = make(map[string]string, len(e.lastErrors))
	for k, v := range e.lastErrors {
		st.LastErrors[k] = v
	}
	e.mu.RUnlock()

	for _, sym := range e.symbols {
		sc, _ := e.symbolSettings(sym)
		grid := e.grids[sym]
		cond := grid.Conditions()
		gs := GridStatus{
			Symbol:       sym,
			Enabled:      sc.Enabled,
			Levels:       grid.Config().Levels,
			OrderValue:   sc.OrderValue,
			BasePrice:    grid.BasePrice(),
			Active:       cond.Active,
			Trend:        string(cond.Trend),
			ATR:          cond.ATR,
			FilledLevels: e.orders.FilledLevels(sym),
			OpenOrders:   len(e.orders.OpenOrdersBySymbol(sym)),
		}
		if l, ok := grid.Ladder(); ok {
			gs.Spacing = l.Spacing
			gs.BuyPrices = l.Buy
			gs.SellPrices = l.Sell
		}
		st.Grids = append(st.Grids, gs)
	}
	return st
}

// Symbols 已配置的交易对（升序）。
func (e *Engine) Symbols() []string {
	out := make([]string, len(e.symbols))
	copy(out, e.symbols)
	return out
}
