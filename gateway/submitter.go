package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-trader-go/order"
)

// SubmitMode 下单重试语义。
type SubmitMode string

const (
	// SubmitIdempotent 每笔订单携带客户端 ID，重试前先按 ID 查询交易所，存在则直接采用。
	SubmitIdempotent SubmitMode = "idempotent"
	// SubmitAtMostOnce 下单不重试；结果不明时视为失败，交由运维处理。
	SubmitAtMostOnce SubmitMode = "at_most_once"
	// SubmitAtLeastOnce 直接重试，可能产生重复订单。
	SubmitAtLeastOnce SubmitMode = "at_least_once"
)

// ParseSubmitMode 解析配置值，空串为 idempotent。
func ParseSubmitMode(s string) (SubmitMode, error) {
	switch m := SubmitMode(s); m {
	case "":
		return SubmitIdempotent, nil
	case SubmitIdempotent, SubmitAtMostOnce, SubmitAtLeastOnce:
		return m, nil
	default:
		return "", fmt.Errorf("unknown submit mode %q", s)
	}
}

// SubmitResult 下单结果。Adopted 表示订单是在重试前从交易所查到的已有订单。
type SubmitResult struct {
	OrderID  string
	ClientID string
	Adopted  bool
}

// Submitter 通过 Retrier 下单/撤单，按 SubmitMode 控制重复提交风险。
type Submitter struct {
	venue   Venue
	retrier *Retrier
	mode    SubmitMode
	logger  *zap.Logger
	newID   func() string
}

// NewSubmitter 创建 Submitter。
func NewSubmitter(venue Venue, retrier *Retrier, mode SubmitMode, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = SubmitIdempotent
	}
	return &Submitter{
		venue:   venue,
		retrier: retrier,
		mode:    mode,
		logger:  logger,
		newID:   func() string { return uuid.NewString() },
	}
}

// Mode 当前模式。
func (s *Submitter) Mode() SubmitMode { return s.mode }

// Submit 提交限价单。
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.ClientID == "" {
		req.ClientID = s.newID()
	}
	res := SubmitResult{ClientID: req.ClientID}

	switch s.mode {
	case SubmitAtMostOnce:
		err := s.retrier.Once(ctx, func(ctx context.Context) error {
			id, err := s.venue.SubmitOrder(ctx, req)
			res.OrderID = id
			return err
		})
		if err != nil {
			return SubmitResult{ClientID: req.ClientID}, err
		}
	case SubmitAtLeastOnce:
		id, err := Call(ctx, s.retrier, "submit_order", func(ctx context.Context) (string, error) {
			return s.venue.SubmitOrder(ctx, req)
		})
		if err != nil {
			return res, err
		}
		res.OrderID = id
	default:
		attempt := 0
		err := s.retrier.Do(ctx, "submit_order", func(ctx context.Context) error {
			attempt++
			if attempt > 1 {
				existing, found, err := s.findByClientID(ctx, req.ClientID)
				if err != nil {
					return err
				}
				if found {
					res.OrderID, res.Adopted = existing.ID, true
					return nil
				}
			}
			id, err := s.venue.SubmitOrder(ctx, req)
			if errors.Is(err, ErrDuplicateClientID) {
				existing, found, lookupErr := s.findByClientID(ctx, req.ClientID)
				if lookupErr == nil && found {
					res.OrderID, res.Adopted = existing.ID, true
					return nil
				}
			}
			if err != nil {
				return err
			}
			res.OrderID = id
			return nil
		})
		if err != nil {
			return SubmitResult{ClientID: req.ClientID}, err
		}
		if res.Adopted {
			s.logger.Info("Adopted existing order instead of resubmitting",
				zap.String("client_id", req.ClientID),
				zap.String("order_id", res.OrderID),
				zap.String("symbol", req.Symbol))
		}
	}
	if res.OrderID == "" {
		return SubmitResult{ClientID: req.ClientID}, fmt.Errorf("%w: empty order id for %s", ErrPermanent, req.ClientID)
	}
	return res, nil
}

func (s *Submitter) findByClientID(ctx context.Context, clientID string) (order.Snapshot, bool, error) {
	for _, status := range []string{order.VenueStatusOpen, order.VenueStatusFilled} {
		snaps, err := s.venue.ListOrders(ctx, status)
		if err != nil {
			return order.Snapshot{}, false, err
		}
		for _, snap := range snaps {
			if snap.ClientID == clientID {
				return snap, true, nil
			}
		}
	}
	return order.Snapshot{}, false, nil
}

// Cancel 撤单并重试；交易所已无此订单时视为成功，返回 false。
func (s *Submitter) Cancel(ctx context.Context, symbol, orderID string) (bool, error) {
	err := s.retrier.Do(ctx, "cancel_order", func(ctx context.Context) error {
		return s.venue.CancelOrder(ctx, symbol, orderID)
	})
	if errors.Is(err, ErrOrderNotFound) {
		return false, nil
	}
	return err == nil, err
}
