package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"grid-trader-go/internal/store"
	"grid-trader-go/risk"
)

// snapshot 调用方持有 tickMu。
func (e *Engine) snapshot() store.Snapshot {
	grids := make(map[string]store.GridState, len(e.symbols))
	for _, sym := range e.symbols {
		sc, _ := e.symbolSettings(sym)
		gs := store.GridState{
			Symbol:     sym,
			Enabled:    sc.Enabled,
			Levels:     e.grids[sym].Config().Levels,
			OrderValue: sc.OrderValue,
		}
		if l, ok := e.grids[sym].Ladder(); ok {
			gs.Ladder = &l
		}
		grids[sym] = gs
	}
	return store.Snapshot{
		BotState:       string(e.risk.State()),
		TradingEnabled: e.risk.TradingEnabled(),
		Grids:          grids,
		FilledLevels:   e.orders.AllFilledLevels(),
		Orders:         e.orders.Orders(),
		Positions:      e.positions.Positions(),

		PendingSubmissions: e.orders.PendingOrders(),
	}
}

func (e *Engine) persist() error {
	return e.store.Save(e.snapshot())
}

// Restore 从快照恢复注册表、已成交档位、仓位与网格，不重新提交任何订单。
// 没有快照时按全新启动处理。交易开关取 配置值 与 快照值 的与，只会更保守。
func (e *Engine) Restore() error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	snap, err := e.store.Load()
	if errors.Is(err, store.ErrNoSnapshot) {
		e.logger.Info("No saved state, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if st, ok := risk.ParseBotState(snap.BotState); ok {
		e.risk.SetState(st)
	} else if snap.BotState != "" {
		e.logger.Warn("Ignoring unknown saved bot state", zap.String("state", snap.BotState))
	}
	e.risk.SetTradingEnabled(e.risk.TradingEnabled() && snap.TradingEnabled)

	// 未配置的交易对也保留其订单与档位，等待运维处理
	e.orders.Restore(snap.Orders, snap.FilledLevels)
	e.orders.RestorePending(snap.PendingSubmissions)
	e.positions.Restore(snap.Positions)
	trips := e.trades.Rebuild(snap.Orders)

	restoredGrids := 0
	for sym, gs := range snap.Grids {
		grid, ok := e.grids[sym]
		if !ok {
			e.logger.Warn("Saved grid for unconfigured symbol ignored", zap.String("symbol", sym))
			continue
		}
		if gs.Levels > 0 {
			grid.SetLevels(gs.Levels)
		}
		if gs.Ladder != nil {
			grid.Restore(*gs.Ladder)
		}
		e.mu.Lock()
		sc := e.settings[sym]
		sc.Enabled = gs.Enabled
		if gs.Levels > 0 {
			sc.Levels = gs.Levels
		}
		if gs.OrderValue > 0 {
			sc.OrderValue = gs.OrderValue
		}
		e.mu.Unlock()
		restoredGrids++
	}

	summary := e.orders.StatusSummary()
	e.logger.Info("State restored",
		zap.Int("version", snap.Version),
		zap.Time("saved_at", snap.SavedAt),
		zap.String("bot_state", string(e.risk.State())),
		zap.Bool("trading_enabled", e.risk.TradingEnabled()),
		zap.Int("orders", summary.Total),
		zap.Int("open_orders", summary.Open+summary.PartiallyFilled),
		zap.Int("pending_submissions", len(snap.PendingSubmissions)),
		zap.Int("grids", restoredGrids),
		zap.Int("round_trips", trips),
		zap.Int("positions", len(snap.Positions)))
	return nil
}
