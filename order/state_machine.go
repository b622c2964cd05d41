package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// legalTransitions 所有合法转换；FILLED/CANCELLED/EXPIRED 为终态。
var legalTransitions = map[StateTransition]bool{
	{StatusOpen, StatusPartiallyFilled}: true,
	{StatusOpen, StatusFilled}:          true,
	{StatusOpen, StatusCancelled}:       true,
	{StatusOpen, StatusExpired}:         true,

	{StatusPartiallyFilled, StatusFilled}:    true,
	{StatusPartiallyFilled, StatusCancelled}: true,
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等。
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !legalTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsFinalState 判断是否是终态
func IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否仍挂在交易所（可能产生成交）
func IsActiveState(status Status) bool {
	return status == StatusOpen || status == StatusPartiallyFilled
}
