package risk

import (
	"errors"
	"fmt"
)

// 拒绝类别；Denial 包装其中之一并附带可读原因。
var (
	ErrKillSwitch         = errors.New("kill_switch")
	ErrBotNotRunning      = errors.New("bot_not_running")
	ErrSymbolCapital      = errors.New("symbol_capital_exceeded")
	ErrTotalExposure      = errors.New("total_exposure_exceeded")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrInvalidPrice       = errors.New("invalid_price")
	ErrBelowMinOrderValue = errors.New("below_min_order_value")
	ErrATRSpike           = errors.New("atr_spike")
	ErrInvalidQuote       = errors.New("invalid_quote")
	ErrSpreadTooWide      = errors.New("spread_too_wide")
	ErrSlippage           = errors.New("slippage_exceeded")
)

// Denial 风控拒绝：Kind 为机器可读类别，Reason 为面向运维的说明。
type Denial struct {
	Kind   error
	Reason string
}

func (d *Denial) Error() string { return d.Reason }

func (d *Denial) Unwrap() error { return d.Kind }

func deny(kind error, format string, args ...any) error {
	return &Denial{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Kind 返回拒绝类别名；非风控错误返回空串。
func Kind(err error) string {
	var d *Denial
	if errors.As(err, &d) && d.Kind != nil {
		return d.Kind.Error()
	}
	return ""
}

// Reason 返回可读原因；nil 视为 OK。
func Reason(err error) string {
	if err == nil {
		return "OK"
	}
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return err.Error()
}
