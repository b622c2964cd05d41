package inventory

import (
	"sort"
	"sync"
)

// Tracker 维护单个交易对的净仓位与加权平均成本。
type Tracker struct {
	mu   sync.RWMutex
	net  float64
	cost float64
}

// Update 根据成交数量调整仓位（买正卖负）。
func (t *Tracker) Update(deltaQty float64, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deltaQty < 0 {
		// 卖出不改变剩余仓位的成本
		t.net += deltaQty
		if t.net <= 0 {
			t.net, t.cost = 0, 0
		}
		return
	}
	totalValue := t.cost*t.net + price*deltaQty
	t.net += deltaQty
	if t.net != 0 {
		t.cost = totalValue / t.net
	} else {
		t.cost = 0
	}
}

func (t *Tracker) NetExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

func (t *Tracker) AvgCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cost
}

// Valuation 基于当前价格计算未实现盈亏。
func (t *Tracker) Valuation(mark float64) (net float64, pnl float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.net
	pnl = (mark - t.cost) * t.net
	return
}

// Position 仓位快照
type Position struct {
	Symbol  string  `json:"symbol"`
	Net     float64 `json:"net"`
	AvgCost float64 `json:"avgCost"`
}

// Book 按交易对管理 Tracker，由成交驱动。
type Book struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

func NewBook() *Book {
	return &Book{trackers: make(map[string]*Tracker)}
}

// ApplyFill 记录一笔成交；side 为 BUY/SELL。
func (b *Book) ApplyFill(symbol, side string, qty, price float64) {
	if qty <= 0 {
		return
	}
	if side == "SELL" {
		qty = -qty
	}
	b.tracker(symbol).Update(qty, price)
}

// Restore 用持久化的仓位覆盖当前内容。
func (b *Book) Restore(positions []Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackers = make(map[string]*Tracker, len(positions))
	for _, p := range positions {
		b.trackers[p.Symbol] = &Tracker{net: p.Net, cost: p.AvgCost}
	}
}

// Positions 返回全部仓位（按交易对排序）。
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.trackers))
	for sym, t := range b.trackers {
		out = append(out, Position{Symbol: sym, Net: t.NetExposure(), AvgCost: t.AvgCost()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Book) tracker(symbol string) *Tracker {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[symbol]
	if !ok {
		t = &Tracker{}
		b.trackers[symbol] = t
	}
	return t
}
