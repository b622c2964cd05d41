package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Venue 状态查询
const (
	VenueStatusOpen   = "open"
	VenueStatusFilled = "filled"
)

// PendingMaxMisses 待认领意图连续多少次对账未在交易所出现后放弃。
const PendingMaxMisses = 3

// VenueReader 交易所订单查询接口（用于对账）
type VenueReader interface {
	ListOrders(ctx context.Context, status string) ([]Snapshot, error)
}

// Reconciler 订单对账器：拉取交易所活跃与历史订单，驱动 Manager 状态机。
type Reconciler struct {
	venue   VenueReader
	manager *Manager

	mu sync.RWMutex
	// 统计信息
	totalReconciliations int64
	transitions          int64
	orphans              int64
	lastReconcileTime    time.Time
	lastErr              error
}

// ReconcileResult 单次对账结果
type ReconcileResult struct {
	Transitions []Transition
	// Orphans 交易所存在但本地未登记的订单 ID
	Orphans []string
	// Missing 本地活跃但交易所两侧均未返回的订单 ID，状态保持不变
	Missing []string
	// Adopted 按客户端 ID 认领的结果不明提交，已登记到注册表
	Adopted []Order
	// AbandonedPending 多次对账仍未出现、已放弃的提交意图
	AbandonedPending []Order
}

// NewReconciler 创建订单对账器
func NewReconciler(venue VenueReader, manager *Manager) *Reconciler {
	return &Reconciler{venue: venue, manager: manager}
}

// Reconcile 执行一次完整对账。拉取失败时本地状态不变。
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	open, err := r.venue.ListOrders(ctx, VenueStatusOpen)
	if err != nil {
		r.record(res, fmt.Errorf("list open orders: %w", err))
		return res, fmt.Errorf("list open orders: %w", err)
	}
	history, err := r.venue.ListOrders(ctx, VenueStatusFilled)
	if err != nil {
		r.record(res, fmt.Errorf("list order history: %w", err))
		return res, fmt.Errorf("list order history: %w", err)
	}

	seen := make(map[string]struct{}, len(open)+len(history))
	seenClients := make(map[string]struct{})
	apply := func(snaps []Snapshot) {
		for _, s := range snaps {
			if s.ID == "" {
				continue
			}
			seen[s.ID] = struct{}{}
			if s.ClientID != "" {
				seenClients[s.ClientID] = struct{}{}
			}
			tr, err := r.manager.Reconcile(s)
			if errors.Is(err, ErrUnknownOrder) {
				if adopted, ok, adoptErr := r.manager.AdoptPending(s); adoptErr == nil && ok {
					res.Adopted = append(res.Adopted, adopted)
					tr, err = r.manager.Reconcile(s)
				}
			}
			switch {
			case errors.Is(err, ErrUnknownOrder):
				if s.Status == "" || IsActiveState(s.Status) {
					res.Orphans = append(res.Orphans, s.ID)
				}
			case err != nil:
				// 非法转换：保留本地状态
			case tr.Changed():
				res.Transitions = append(res.Transitions, tr)
			}
		}
	}
	apply(open)
	apply(history)

	for _, o := range r.manager.OpenOrders() {
		if _, ok := seen[o.ID]; !ok {
			res.Missing = append(res.Missing, o.ID)
		}
	}
	res.AbandonedPending = r.manager.MissPending(seenClients, PendingMaxMisses)
	r.record(res, nil)
	return res, nil
}

func (r *Reconciler) record(res ReconcileResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.transitions += int64(len(res.Transitions))
	r.orphans += int64(len(res.Orphans))
	r.lastErr = err
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		Transitions:          r.transitions,
		Orphans:              r.orphans,
		LastReconcileTime:    r.lastReconcileTime,
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64     `json:"totalReconciliations"`
	Transitions          int64     `json:"transitions"`
	Orphans              int64     `json:"orphans"`
	LastReconcileTime    time.Time `json:"lastReconcileTime"`
	LastError            string    `json:"lastError,omitempty"`
}
