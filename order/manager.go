package order

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ReasonExpired 超时撤单原因。
const ReasonExpired = "expired"

const qtyEpsilon = 1e-12

// Manager 本地订单注册表：状态机、各交易对已成交档位集合、过期处理。
// 订单只能通过 Remove 由运维显式删除。
type Manager struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	filledLevels map[string]map[int]struct{}
	// pending 提交结果不明的订单意图，按客户端 ID 索引，等待对账时认领
	pending map[string]*pendingSubmit
	now     func() time.Time
}

type pendingSubmit struct {
	order  Order
	misses int
}

// NewManager 创建空注册表。
func NewManager() *Manager {
	return &Manager{
		orders:       make(map[string]*Order),
		filledLevels: make(map[string]map[int]struct{}),
		pending:      make(map[string]*pendingSubmit),
		now:          time.Now,
	}
}

// SetClock 替换时间源，测试使用。
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// Register 登记新提交的订单，默认状态 OPEN。
func (m *Manager) Register(o Order) error {
	if o.ID == "" || o.Symbol == "" {
		return fmt.Errorf("%w: missing id or symbol", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: %s quantity %.8f", ErrInvalidOrder, o.ID, o.Quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if o.Status == "" {
		o.Status = StatusOpen
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = &o
	if o.Status == StatusFilled {
		m.addFilledLevel(o.Symbol, o.GridLevel)
	}
	return nil
}

// Reconcile 以交易所快照更新本地订单。成交量只增不减且不超过下单量；
// 终态订单忽略快照；进入 FILLED 时登记网格档位。
func (m *Manager) Reconcile(s Snapshot) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[s.ID]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownOrder, s.ID)
	}
	tr := Transition{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Level:   o.GridLevel,
		From:    o.Status,
		To:      o.Status,
	}
	if IsFinalState(o.Status) {
		if o.Status == StatusCancelled && o.Reason == ReasonExpired {
			m.applyLateFill(o, s, &tr)
		}
		return tr, nil
	}

	filled := s.FilledQty
	if s.Status == StatusFilled {
		filled = o.Quantity
	}
	if filled < o.FilledQty {
		filled = o.FilledQty
	}
	if filled > o.Quantity {
		filled = o.Quantity
	}

	target := o.Status
	switch {
	case filled >= o.Quantity-qtyEpsilon:
		target = StatusFilled
		filled = o.Quantity
	case s.Status == StatusCancelled || s.Status == StatusExpired:
		target = s.Status
		if ValidateTransition(o.Status, target) != nil {
			target = StatusCancelled
		}
	case filled > 0:
		target = StatusPartiallyFilled
	}
	if err := ValidateTransition(o.Status, target); err != nil {
		return tr, fmt.Errorf("order %s: %w", o.ID, err)
	}

	tr.FilledDelta = filled - o.FilledQty
	tr.To = target
	if !tr.Changed() {
		return tr, nil
	}
	o.FilledQty = filled
	o.Status = target
	o.UpdatedAt = m.now()
	if target == StatusCancelled || target == StatusExpired {
		o.Reason = "closed by venue"
	}
	if target == StatusFilled {
		m.addFilledLevel(o.Symbol, o.GridLevel)
	}
	return tr, nil
}

// applyLateFill 本地因超时已撤销、但交易所撤单前已成交的订单：以交易所成交为准。
// 全部成交时转为 FILLED 并登记档位；部分成交则保持 CANCELLED，只补记成交量。
func (m *Manager) applyLateFill(o *Order, s Snapshot, tr *Transition) {
	filled := s.FilledQty
	if s.Status == StatusFilled {
		filled = o.Quantity
	}
	if filled > o.Quantity {
		filled = o.Quantity
	}
	if filled <= o.FilledQty+qtyEpsilon {
		return
	}
	tr.FilledDelta = filled - o.FilledQty
	o.FilledQty = filled
	o.UpdatedAt = m.now()
	if filled >= o.Quantity-qtyEpsilon {
		o.FilledQty = o.Quantity
		o.Status = StatusFilled
		o.Reason = ""
		tr.To = StatusFilled
		m.addFilledLevel(o.Symbol, o.GridLevel)
	}
}

// MarkCancelled 将活跃订单标记为 CANCELLED；终态订单为无操作，返回 false。
func (m *Manager) MarkCancelled(id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if IsFinalState(o.Status) {
		return false, nil
	}
	o.Status = StatusCancelled
	o.Reason = reason
	o.UpdatedAt = m.now()
	return true, nil
}

// ExpireStale 将存活超过 maxAge 的 OPEN 订单标记为 CANCELLED（原因 expired），
// 返回受影响的订单 ID（升序）。部分成交订单不受影响。
func (m *Manager) ExpireStale(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ids []string
	for id, o := range m.orders {
		if o.Status != StatusOpen || now.Sub(o.CreatedAt) <= maxAge {
			continue
		}
		o.Status = StatusCancelled
		o.Reason = ReasonExpired
		o.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LinkTakeProfit 记录买单成交后挂出的止盈卖单。
func (m *Manager) LinkTakeProfit(buyID, sellID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[buyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, buyID)
	}
	o.TakeProfitOrderID = sellID
	o.UpdatedAt = m.now()
	return nil
}

// Remove 运维显式删除订单记录。
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	delete(m.orders, id)
	return nil
}

// ResetSymbol 清空交易对的已成交档位集合，返回清除的档位数。
func (m *Manager) ResetSymbol(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.filledLevels[symbol])
	delete(m.filledLevels, symbol)
	return n
}

// Restore 从持久化快照重建注册表，覆盖现有内容。
// levels 为 nil 时从 FILLED 订单推导档位；否则以 levels 为准，保证 ResetSymbol 在重启后仍然有效。
func (m *Manager) Restore(orders []Order, levels map[string][]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*Order, len(orders))
	m.filledLevels = make(map[string]map[int]struct{}, len(levels))
	for i := range orders {
		o := orders[i]
		m.orders[o.ID] = &o
		if levels == nil && o.Status == StatusFilled {
			m.addFilledLevel(o.Symbol, o.GridLevel)
		}
	}
	for sym, lvls := range levels {
		for _, l := range lvls {
			m.addFilledLevel(sym, l)
		}
	}
}

// AddPending 记录一笔结果不明的提交（交易所可能已接受）。对账时按客户端 ID 认领。
func (m *Manager) AddPending(o Order) error {
	if o.ClientID == "" || o.Symbol == "" {
		return fmt.Errorf("%w: pending submission needs client id and symbol", ErrInvalidOrder)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.ID = ""
	o.Status = ""
	m.pending[o.ClientID] = &pendingSubmit{order: o}
	return nil
}

// AdoptPending 交易所订单的客户端 ID 与待认领意图匹配时，按意图登记为 OPEN 订单并返回。
// 调用方随后以同一快照 Reconcile 以同步成交状态。
func (m *Manager) AdoptPending(s Snapshot) (Order, bool, error) {
	if s.ClientID == "" || s.ID == "" {
		return Order{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[s.ClientID]
	if !ok {
		return Order{}, false, nil
	}
	if _, exists := m.orders[s.ID]; exists {
		delete(m.pending, s.ClientID)
		return Order{}, false, fmt.Errorf("%w: %s", ErrDuplicateOrder, s.ID)
	}
	o := p.order
	o.ID = s.ID
	o.Status = StatusOpen
	if s.Quantity > 0 {
		o.Quantity = s.Quantity
	}
	if s.Price > 0 {
		o.Price = s.Price
	}
	o.UpdatedAt = m.now()
	m.orders[o.ID] = &o
	delete(m.pending, s.ClientID)
	return o, true, nil
}

// MissPending 本次对账未出现的意图累计一次未命中，达到 maxMisses 时放弃并返回。
func (m *Manager) MissPending(seen map[string]struct{}, maxMisses int) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []Order
	for cid, p := range m.pending {
		if _, ok := seen[cid]; ok {
			continue
		}
		p.misses++
		if p.misses >= maxMisses {
			dropped = append(dropped, p.order)
			delete(m.pending, cid)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].ClientID < dropped[j].ClientID })
	return dropped
}

// PendingOrders 返回待认领的提交意图（按客户端 ID 排序）。
func (m *Manager) PendingOrders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// RestorePending 从快照恢复待认领意图，覆盖现有内容。
func (m *Manager) RestorePending(orders []Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]*pendingSubmit, len(orders))
	for _, o := range orders {
		if o.ClientID == "" {
			continue
		}
		m.pending[o.ClientID] = &pendingSubmit{order: o}
	}
}

// Get 返回订单拷贝。
func (m *Manager) Get(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// FindByClientID 按客户端 ID 查找订单。
func (m *Manager) FindByClientID(clientID string) (Order, bool) {
	if clientID == "" {
		return Order{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.ClientID == clientID {
			return *o, true
		}
	}
	return Order{}, false
}

// Orders 返回全部订单（按创建时间排序的拷贝）。
func (m *Manager) Orders() []Order {
	return m.collect(func(*Order) bool { return true })
}

// OpenOrders 返回 OPEN 与 PARTIALLY_FILLED 订单。
func (m *Manager) OpenOrders() []Order {
	return m.collect(func(o *Order) bool { return IsActiveState(o.Status) })
}

// OpenOrdersBySymbol 返回指定交易对的活跃订单。
func (m *Manager) OpenOrdersBySymbol(symbol string) []Order {
	return m.collect(func(o *Order) bool { return o.Symbol == symbol && IsActiveState(o.Status) })
}

func (m *Manager) collect(keep func(*Order) bool) []Order {
	m.mu.RLock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FilledLevels 返回交易对已成交档位（升序）。
func (m *Manager) FilledLevels(symbol string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedLevels(m.filledLevels[symbol])
}

// HasFilledLevel 档位是否已成交。
func (m *Manager) HasFilledLevel(symbol string, level int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.filledLevels[symbol][level]
	return ok
}

// AllFilledLevels 返回所有交易对的已成交档位。
func (m *Manager) AllFilledLevels() map[string][]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]int, len(m.filledLevels))
	for sym, set := range m.filledLevels {
		out[sym] = sortedLevels(set)
	}
	return out
}

// StatusSummary 统计各状态订单数。
func (m *Manager) StatusSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Summary{Total: len(m.orders)}
	for _, o := range m.orders {
		switch o.Status {
		case StatusOpen:
			s.Open++
		case StatusPartiallyFilled:
			s.PartiallyFilled++
		case StatusFilled:
			s.Filled++
		case StatusCancelled:
			s.Cancelled++
		case StatusExpired:
			s.Expired++
		}
	}
	return s
}

func (m *Manager) addFilledLevel(symbol string, level int) {
	if level <= 0 {
		return
	}
	set, ok := m.filledLevels[symbol]
	if !ok {
		set = make(map[int]struct{})
		m.filledLevels[symbol] = set
	}
	set[level] = struct{}{}
}

func sortedLevels(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
