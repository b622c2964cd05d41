package posttrade

import (
	"sort"
	"sync"
	"time"

	"grid-trader-go/order"
)

// RoundTrip 一次完整的网格往返：买入档位成交后，对应的止盈卖单也成交
type RoundTrip struct {
	Symbol      string        `json:"symbol"`
	Level       int           `json:"level"`
	BuyOrderID  string        `json:"buyOrderId"`
	SellOrderID string        `json:"sellOrderId"`
	Quantity    float64       `json:"quantity"`
	BuyPrice    float64       `json:"buyPrice"`
	SellPrice   float64       `json:"sellPrice"`
	PnL         float64       `json:"pnl"`
	Return      float64       `json:"return"`
	HoldTime    time.Duration `json:"holdTime"`
	ClosedAt    time.Time     `json:"closedAt"`
}

// Stats 单个交易对的已实现收益统计
type Stats struct {
	RoundTrips  int           `json:"roundTrips"`
	RealizedPnL float64       `json:"realizedPnl"`
	AvgReturn   float64       `json:"avgReturn"`
	AvgHoldTime time.Duration `json:"avgHoldTime"`
	BestPnL     float64       `json:"bestPnl"`
	WorstPnL    float64       `json:"worstPnl"`
}

// Analyzer 记录已完成的网格往返并汇总已实现收益。
// 只依赖订单注册表中的数据，重启后可由 Rebuild 重新计算。
type Analyzer struct {
	mu    sync.RWMutex
	trips map[string]RoundTrip // key: 卖单 ID
}

// NewAnalyzer creates a new post-trade analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{trips: make(map[string]RoundTrip)}
}

// Record 登记一次往返。两单都必须已完全成交且卖单是买单登记的止盈单；
// 同一卖单重复登记时返回已有记录与 false。
func (a *Analyzer) Record(buy, sell order.Order) (RoundTrip, bool) {
	if buy.Side != order.SideBuy || sell.Side != order.SideSell {
		return RoundTrip{}, false
	}
	if buy.Status != order.StatusFilled || sell.Status != order.StatusFilled {
		return RoundTrip{}, false
	}
	if buy.TakeProfitOrderID != sell.ID || buy.Price <= 0 {
		return RoundTrip{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.trips[sell.ID]; ok {
		return rt, false
	}
	qty := sell.FilledQty
	rt := RoundTrip{
		Symbol:      buy.Symbol,
		Level:       buy.GridLevel,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Quantity:    qty,
		BuyPrice:    buy.Price,
		SellPrice:   sell.Price,
		PnL:         (sell.Price - buy.Price) * qty,
		Return:      (sell.Price - buy.Price) / buy.Price,
		ClosedAt:    sell.UpdatedAt,
	}
	if hold := sell.UpdatedAt.Sub(buy.UpdatedAt); hold > 0 {
		rt.HoldTime = hold
	}
	a.trips[sell.ID] = rt
	return rt, true
}

// Rebuild 从订单注册表全量重算，返回登记的往返数
func (a *Analyzer) Rebuild(orders []order.Order) int {
	byID := make(map[string]order.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	a.mu.Lock()
	a.trips = make(map[string]RoundTrip)
	a.mu.Unlock()

	n := 0
	for _, buy := range orders {
		if buy.TakeProfitOrderID == "" {
			continue
		}
		sell, ok := byID[buy.TakeProfitOrderID]
		if !ok {
			continue
		}
		if _, added := a.Record(buy, sell); added {
			n++
		}
	}
	return n
}

// Trips 返回交易对的往返记录（按平仓时间升序）；symbol 为空时返回全部
func (a *Analyzer) Trips(symbol string) []RoundTrip {
	a.mu.RLock()
	out := make([]RoundTrip, 0, len(a.trips))
	for _, rt := range a.trips {
		if symbol == "" || rt.Symbol == symbol {
			out = append(out, rt)
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClosedAt.Equal(out[j].ClosedAt) {
			return out[i].SellOrderID < out[j].SellOrderID
		}
		return out[i].ClosedAt.Before(out[j].ClosedAt)
	})
	return out
}

// Stats 按交易对汇总
func (a *Analyzer) Stats() map[string]Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Stats)
	returns := make(map[string]float64)
	holds := make(map[string]time.Duration)
	for _, rt := range a.trips {
		s := out[rt.Symbol]
		if s.RoundTrips == 0 || rt.PnL > s.BestPnL {
			s.BestPnL = rt.PnL
		}
		if s.RoundTrips == 0 || rt.PnL < s.WorstPnL {
			s.WorstPnL = rt.PnL
		}
		s.RoundTrips++
		s.RealizedPnL += rt.PnL
		returns[rt.Symbol] += rt.Return
		holds[rt.Symbol] += rt.HoldTime
		out[rt.Symbol] = s
	}
	for sym, s := range out {
		s.AvgReturn = returns[sym] / float64(s.RoundTrips)
		s.AvgHoldTime = holds[sym] / time.Duration(s.RoundTrips)
		out[sym] = s
	}
	return out
}

// CleanOldRecords 删除平仓时间早于 maxAge 的记录
func (a *Analyzer) CleanOldRecords(maxAge time.Duration, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, rt := range a.trips {
		if now.Sub(rt.ClosedAt) > maxAge {
			delete(a.trips, id)
			n++
		}
	}
	return n
}
