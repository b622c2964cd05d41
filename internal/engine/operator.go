package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/order"
	"grid-trader-go/risk"
)

// ErrInvalidState 不可识别的运行状态。
var ErrInvalidState = errors.New("invalid bot state")

// SetTradingEnabled 切换交易开关。开关立即生效（进行中的一轮随即失败关闭），
// 随后等本轮结束再落盘。
func (e *Engine) SetTradingEnabled(enabled bool, source string) error {
	prev := e.risk.TradingEnabled()
	e.risk.SetTradingEnabled(enabled)
	if prev != enabled {
		e.logger.Warn("Kill switch changed",
			zap.Bool("trading_enabled", enabled), zap.String("source", source))
		_ = e.alerts.KillSwitchChanged(enabled, source)
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.updateMetrics()
	return e.persist()
}

// SetBotState 设置运行状态。
func (e *Engine) SetBotState(state string, source string) error {
	st, ok := risk.ParseBotState(state)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	prev := e.risk.State()
	e.risk.SetState(st)
	if prev != st {
		e.logger.Info("Bot state changed",
			zap.String("from", string(prev)), zap.String("to", string(st)), zap.String("source", source))
		_ = e.alerts.BotStateChanged(string(prev), string(st), source)
	}
	e.updateMetrics()
	return e.persist()
}

// ResetSymbol 清空交易对的已成交档位与基准价，下一轮按最新行情重建网格。
// 返回清除的档位数。
func (e *Engine) ResetSymbol(symbol string) (int, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	grid, ok := e.grids[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	n := e.orders.ResetSymbol(symbol)
	grid.SetBasePrice(0)
	e.clearError(symbol)
	e.logger.Info("Symbol reset", zap.String("symbol", symbol), zap.Int("cleared_levels", n))
	return n, e.persist()
}

// SetSymbolEnabled 开启或暂停单个交易对。暂停不撤已有挂单。
func (e *Engine) SetSymbolEnabled(symbol string, enabled bool) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.mu.Lock()
	sc, ok := e.settings[symbol]
	if ok {
		sc.Enabled = enabled
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	e.logger.Info("Symbol toggled", zap.String("symbol", symbol), zap.Bool("enabled", enabled))
	return e.persist()
}

// RemoveOrder 运维删除订单记录；仍活跃的订单先在交易所撤单。
func (e *Engine) RemoveOrder(ctx context.Context, id string) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	o, ok := e.orders.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownOrder, id)
	}
	if order.IsActiveState(o.Status) {
		if _, err := e.submitter.Cancel(ctx, o.Symbol, id); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	changed, err := e.orders.MarkCancelled(id, "operator")
	if err != nil {
		return err
	}
	if changed {
		e.logger.LogOrder(logger.EventOrderCancelled, id, map[string]interface{}{
			"symbol": o.Symbol,
			"side":   o.Side,
			"level":  o.GridLevel,
			"reason": "operator",
		})
		e.monitor.RecordOrderCancelled(o.Symbol, "operator")
		e.countCancel()
	} else {
		e.logger.Info("Order already terminal, cancel skipped",
			zap.String("order_id", id), zap.String("symbol", o.Symbol), zap.String("status", string(o.Status)))
	}
	if err := e.orders.Remove(id); err != nil {
		return err
	}
	delete(e.pendingCancels, id)
	e.logger.LogOrder("order_removed", id, map[string]interface{}{
		"symbol": o.Symbol,
		"side":   o.Side,
		"status": o.Status,
	})
	return e.persist()
}

// ApplyRiskConfig 热更新风控参数。
func (e *Engine) ApplyRiskConfig(cfg risk.Config) {
	e.risk.ApplyConfig(cfg)
	e.logger.Info("Risk config applied",
		zap.Float64("max_capital_per_symbol", cfg.MaxCapitalPerSymbol),
		zap.Float64("max_total_exposure", cfg.MaxTotalExposure),
		zap.Float64("atr_spike_threshold", cfg.ATRSpikeThreshold),
		zap.Float64("min_order_value", cfg.MinOrderValue))
}
