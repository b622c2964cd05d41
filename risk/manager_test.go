package risk

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/inventory"
)

func lookup(prices map[string]float64) inventory.PriceLookup {
	return func(s string) (float64, bool) {
		p, ok := prices[s]
		return p, ok
	}
}

func cashOnly(m *Manager, nok float64) {
	m.RefreshPortfolio([]inventory.Holding{{Asset: "NOK", Quantity: nok, Quote: true}}, nil)
}

func TestCanTradeSymbolCapitalAllocation(t *testing.T) {
	m := NewManager(DefaultConfig())
	cashOnly(m, 10000)

	ok, reason := m.CanTradeSymbol("BTCNOK", 2500)
	assert.False(t, ok)
	assert.Contains(t, reason, "Exceeds max capital/symbol")
	assert.Equal(t, "symbol_capital_exceeded", Kind(m.CheckTradeSymbol("BTCNOK", 2500)))

	ok, reason = m.CanTradeSymbol("BTCNOK", 2000)
	assert.True(t, ok)
	assert.Equal(t, "OK", reason)
}

func TestCanTradeSymbolShortCircuitOrder(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(m *Manager)
		wantErr error
	}{
		{"开关关闭优先于一切", func(m *Manager) {
			m.SetTradingEnabled(false)
			m.SetState(StatePaused)
		}, ErrKillSwitch},
		{"非运行状态", func(m *Manager) { m.SetState(StatePaused) }, ErrBotNotRunning},
		{"资金占比先于总敞口", func(m *Manager) {
			m.RefreshPortfolio([]inventory.Holding{
				{Asset: "NOK", Quantity: 100, Quote: true},
				{Asset: "BTC", Symbol: "BTCNOK", Quantity: 1},
			}, lookup(map[string]float64{"BTCNOK": 900}))
		}, ErrSymbolCapital},
		{"总敞口已满", func(m *Manager) {
			m.RefreshPortfolio([]inventory.Holding{
				{Asset: "NOK", Quantity: 100, Quote: true},
				{Asset: "BTC", Symbol: "BTCNOK", Quantity: 1},
			}, lookup(map[string]float64{"BTCNOK": 900}))
		}, nil},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(DefaultConfig())
			tc.setup(m)
			proposed := 5000.0
			if i == len(cases)-1 {
				proposed = 10
			}
			err := m.CheckTradeSymbol("BTCNOK", proposed)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.ErrorIs(t, err, ErrTotalExposure)
			}
		})
	}
}

func TestKillSwitchFailsClosed(t *testing.T) {
	m := NewManager(DefaultConfig())
	cashOnly(m, 1_000_000)
	for _, st := range []BotState{StateRunning, StatePaused, StateStopped, StateError} {
		m.SetState(st)
		m.SetTradingEnabled(false)
		ok, reason := m.CanTradeSymbol("BTCNOK", 1)
		assert.False(t, ok)
		assert.Equal(t, "Trading disabled (kill-switch active)", reason)
	}
	m.SetState(StateRunning)
	m.SetTradingEnabled(true)
	ok, _ := m.CanTradeSymbol("BTCNOK", 1)
	assert.True(t, ok)
}

func TestCheckReduceIgnoresExposure(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RefreshPortfolio([]inventory.Holding{
		{Asset: "NOK", Quantity: 1000, Quote: true},
		{Asset: "BTC", Symbol: "BTCNOK", Quantity: 1, Quote: false},
	}, lookup(map[string]float64{"BTCNOK": 9000}))

	assert.ErrorIs(t, m.CheckTradeSymbol("BTCNOK", 0), ErrTotalExposure)
	assert.NoError(t, m.CheckReduce("BTCNOK"))

	m.SetState(StatePaused)
	assert.ErrorIs(t, m.CheckReduce("BTCNOK"), ErrBotNotRunning)
	m.SetState(StateRunning)
	m.SetTradingEnabled(false)
	assert.ErrorIs(t, m.CheckReduce("BTCNOK"), ErrKillSwitch)
}

func TestRefreshPortfolioIsFullRecompute(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RefreshPortfolio([]inventory.Holding{
		{Asset: "NOK", Quantity: 6000, Quote: true},
		{Asset: "BTC", Symbol: "BTCNOK", Quantity: 0.02},
		{Asset: "ETH", Symbol: "ETHNOK", Quantity: 1},
	}, lookup(map[string]float64{"BTCNOK": 100000, "ETHNOK": 2000}))

	st := m.Status()
	assert.InDelta(t, 10000, st.PortfolioValue, 1e-6)
	assert.InDelta(t, 20, st.SymbolExposure["BTCNOK"], 1e-9)
	assert.InDelta(t, 20, st.SymbolExposure["ETHNOK"], 1e-9)
	assert.InDelta(t, 40, st.TotalExposure, 1e-9)

	m.RefreshPortfolio([]inventory.Holding{
		{Asset: "NOK", Quantity: 8000, Quote: true},
		{Asset: "BTC", Symbol: "BTCNOK", Quantity: 0.02},
	}, lookup(map[string]float64{"BTCNOK": 100000}))
	st = m.Status()
	_, stale := st.SymbolExposure["ETHNOK"]
	assert.False(t, stale, "sold holdings do not linger")
	assert.InDelta(t, 20, st.TotalExposure, 1e-9)
}

func TestValidateOrder(t *testing.T) {
	m := NewManager(DefaultConfig())
	cases := []struct {
		qty, price float64
		want       error
	}{
		{0, 100, ErrInvalidQuantity},
		{-1, 100, ErrInvalidQuantity},
		{1, 0, ErrInvalidPrice},
		{0.5, 150, ErrBelowMinOrderValue},
		{1, 100, nil},
	}
	for _, tc := range cases {
		err := m.CheckOrder("BTCNOK", tc.qty, tc.price, "BUY")
		if tc.want == nil {
			assert.NoError(t, err)
			continue
		}
		assert.ErrorIs(t, err, tc.want)
	}
	ok, reason := m.ValidateOrder("BTCNOK", 0.5, 150, "BUY")
	assert.False(t, ok)
	assert.Equal(t, "Order value (75.00) below minimum (100.00)", reason)
}

func TestCheckCircuitBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	ok, reason := m.CheckCircuitBreaker(150, 100)
	assert.False(t, ok)
	assert.Equal(t, "ATR spike detected (50.0% > 30.0%)", reason)

	ok, _ = m.CheckCircuitBreaker(120, 100)
	assert.True(t, ok)

	ok, _ = m.CheckCircuitBreaker(60, 100)
	assert.False(t, ok, "drops count as spikes too")

	ok, reason = m.CheckCircuitBreaker(500, 0)
	assert.True(t, ok)
	assert.Equal(t, "No previous ATR", reason)
}

func TestCheckSpread(t *testing.T) {
	m := NewManager(DefaultConfig())

	ok, reason := m.CheckSpread(0, 100)
	assert.False(t, ok)
	assert.Equal(t, "Invalid bid/ask", reason)

	ok, _ = m.CheckSpread(10000, 10004)
	assert.True(t, ok)

	err := m.CheckBidAsk(10000, 10010)
	assert.ErrorIs(t, err, ErrSpreadTooWide)
	assert.Equal(t, "spread_too_wide", Kind(err))
}

func TestCheckSlippage(t *testing.T) {
	m := NewManager(DefaultConfig())

	cases := []struct {
		name  string
		side  string
		price float64
		last  float64
		want  error
	}{
		{name: "买单低于最新价", side: "BUY", price: 98000, last: 100000},
		{name: "买单穿价在范围内", side: "BUY", price: 101500, last: 100000},
		{name: "买单穿价过多", side: "BUY", price: 103000, last: 100000, want: ErrSlippage},
		{name: "卖单高于最新价", side: "SELL", price: 101000, last: 100000},
		{name: "卖单穿价在范围内", side: "SELL", price: 98500, last: 100000},
		{name: "卖单穿价过多", side: "SELL", price: 97000, last: 100000, want: ErrSlippage},
		{name: "最新价无效", side: "SELL", price: 97000, last: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.CheckSlippage(tc.side, tc.price, tc.last)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, "slippage_exceeded", Kind(err))
		})
	}

	cfg := DefaultConfig()
	cfg.MaxSlippagePct = 0
	m.ApplyConfig(cfg)
	assert.NoError(t, m.CheckSlippage("SELL", 50000, 100000))
}

func TestApplyConfigKeepsSwitchAndState(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.SetTradingEnabled(false)
	m.SetState(StatePaused)

	cfg := DefaultConfig()
	cfg.MaxSpreadPct = 1
	cfg.DryRun = true
	m.ApplyConfig(cfg)

	st := m.Status()
	assert.False(t, st.TradingEnabled)
	assert.Equal(t, StatePaused, st.BotState)
	assert.True(t, st.DryRun)
	ok, _ := m.CheckSpread(10000, 10010)
	assert.True(t, ok)
}

func TestKindAndReasonForPlainErrors(t *testing.T) {
	assert.Equal(t, "", Kind(errors.New("x")))
	assert.Equal(t, "x", Reason(errors.New("x")))
	assert.Equal(t, "OK", Reason(nil))
}

func TestParseBotState(t *testing.T) {
	st, ok := ParseBotState(" paused ")
	assert.True(t, ok)
	assert.Equal(t, StatePaused, st)
	_, ok = ParseBotState("sleeping")
	assert.False(t, ok)
}

func TestMultiGuard(t *testing.T) {
	calls := 0
	pass := GuardFunc(func(string, float64) error { calls++; return nil })
	fail := GuardFunc(func(string, float64) error { calls++; return ErrSpreadTooWide })
	g := MultiGuard{Guards: []Guard{pass, nil, fail, pass}}
	assert.ErrorIs(t, g.PreOrder("BTCNOK", 1), ErrSpreadTooWide)
	assert.Equal(t, 2, calls)
}
