package gateway

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trader-go/market"
	"grid-trader-go/order"
)

// PaperVenue 内存模拟撮合：行情来自真实 MarketData，订单从不触达交易所。
// 每次 FetchTicker 以最新价撮合：买单在 last <= 限价时成交，卖单在 last >= 限价时成交。
type PaperVenue struct {
	md    MarketData
	quote string

	mu       sync.Mutex
	seq      int64
	balances map[string]float64
	orders   map[string]*paperOrder
	now      func() time.Time
}

type paperOrder struct {
	snap     order.Snapshot
	reserved float64
}

// NewPaperVenue 创建模拟交易所；quote 为计价货币（如 NOK）。
func NewPaperVenue(md MarketData, quote string, balances map[string]float64) *PaperVenue {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[strings.ToUpper(k)] = v
	}
	return &PaperVenue{
		md:       md,
		quote:    strings.ToUpper(quote),
		balances: b,
		orders:   make(map[string]*paperOrder),
		now:      time.Now,
	}
}

// BaseAsset 从交易对中去掉计价货币后缀。
func BaseAsset(symbol, quote string) string {
	s := strings.ToUpper(symbol)
	q := strings.ToUpper(quote)
	s = strings.TrimSuffix(s, q)
	return strings.TrimRight(s, "-_/")
}

func (p *PaperVenue) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	if p.md == nil {
		return nil, fmt.Errorf("%w: paper venue has no market data", ErrPermanent)
	}
	return p.md.FetchCandles(ctx, symbol, interval, limit)
}

// FetchTicker 透传行情并以最新价撮合挂单。
func (p *PaperVenue) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if p.md == nil {
		return Ticker{}, fmt.Errorf("%w: paper venue has no market data", ErrPermanent)
	}
	t, err := p.md.FetchTicker(ctx, symbol)
	if err != nil {
		return Ticker{}, err
	}
	p.Match(symbol, t.Last)
	return t, nil
}

// Match 以给定价格撮合交易对的全部挂单。
func (p *PaperVenue) Match(symbol string, last float64) {
	if last <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, po := range p.orders {
		s := &po.snap
		if s.Symbol != symbol || !order.IsActiveState(s.Status) {
			continue
		}
		if (s.Side == order.SideBuy && last <= s.Price) || (s.Side == order.SideSell && last >= s.Price) {
			p.fillLocked(po, s.Quantity-s.FilledQty)
		}
	}
}

// Fill 手动成交指定数量，测试与回放使用。
func (p *PaperVenue) Fill(orderID string, qty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !order.IsActiveState(po.snap.Status) {
		return fmt.Errorf("%w: order %s is %s", ErrPermanent, orderID, po.snap.Status)
	}
	p.fillLocked(po, qty)
	return nil
}

func (p *PaperVenue) fillLocked(po *paperOrder, qty float64) {
	s := &po.snap
	remaining := s.Quantity - s.FilledQty
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return
	}
	base := BaseAsset(s.Symbol, p.quote)
	notional := qty * s.Price
	if s.Side == order.SideBuy {
		po.reserved -= notional
		p.balances[base] += qty
	} else {
		po.reserved -= qty
		p.balances[p.quote] += notional
	}
	s.FilledQty += qty
	s.Status = order.StatusPartiallyFilled
	if s.FilledQty >= s.Quantity-1e-12 {
		s.FilledQty = s.Quantity
		s.Status = order.StatusFilled
	}
	s.UpdatedAt = p.now()
}

// ListBalances 返回总余额，包含挂单冻结部分，与交易所 balance 字段一致。
func (p *PaperVenue) ListBalances(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	for _, po := range p.orders {
		if po.reserved <= 0 {
			continue
		}
		if po.snap.Side == order.SideBuy {
			out[p.quote] += po.reserved
		} else {
			out[BaseAsset(po.snap.Symbol, p.quote)] += po.reserved
		}
	}
	return out, nil
}

// Available 可用余额（不含冻结）。
func (p *PaperVenue) Available(asset string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(asset)]
}

// ListOrders 活跃订单或已结束订单。
func (p *PaperVenue) ListOrders(_ context.Context, status string) ([]order.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]order.Snapshot, 0, len(p.orders))
	for _, po := range p.orders {
		active := order.IsActiveState(po.snap.Status)
		if (status == order.VenueStatusOpen) == active {
			out = append(out, po.snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SubmitOrder 冻结资金后挂单；余额不足返回不可重试错误。
func (p *PaperVenue) SubmitOrder(_ context.Context, req SubmitRequest) (string, error) {
	if req.Quantity <= 0 || req.Price <= 0 {
		return "", fmt.Errorf("%w: invalid quantity or price", ErrPermanent)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.ClientID != "" {
		for _, po := range p.orders {
			if po.snap.ClientID == req.ClientID {
				return "", &HTTPStatusError{Method: "POST", Path: "/paper/orders", StatusCode: 409, Body: "duplicate client order id"}
			}
		}
	}
	base := BaseAsset(req.Symbol, p.quote)
	po := &paperOrder{}
	switch req.Side {
	case order.SideBuy:
		need := req.Quantity * req.Price
		if p.balances[p.quote] < need {
			return "", fmt.Errorf("%w: insufficient %s balance %.2f < %.2f", ErrPermanent, p.quote, p.balances[p.quote], need)
		}
		p.balances[p.quote] -= need
		po.reserved = need
	case order.SideSell:
		if p.balances[base] < req.Quantity {
			return "", fmt.Errorf("%w: insufficient %s balance %.8f < %.8f", ErrPermanent, base, p.balances[base], req.Quantity)
		}
		p.balances[base] -= req.Quantity
		po.reserved = req.Quantity
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrPermanent, req.Side)
	}
	p.seq++
	id := "paper-" + strconv.FormatInt(p.seq, 10)
	po.snap = order.Snapshot{
		ID:        id,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    order.StatusOpen,
		UpdatedAt: p.now(),
	}
	p.orders[id] = po
	return id, nil
}

// CancelOrder 撤单并释放冻结资金。
func (p *PaperVenue) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok || !order.IsActiveState(po.snap.Status) {
		return &HTTPStatusError{Method: "DELETE", Path: "/paper/orders/" + orderID, StatusCode: 404, Body: "order not found"}
	}
	if po.snap.Side == order.SideBuy {
		p.balances[p.quote] += po.reserved
	} else {
		p.balances[BaseAsset(po.snap.Symbol, p.quote)] += po.reserved
	}
	po.reserved = 0
	po.snap.Status = order.StatusCancelled
	po.snap.UpdatedAt = p.now()
	return nil
}
