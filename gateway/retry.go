package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig 重试参数。
type RetryConfig struct {
	MaxRetries    int           `yaml:"maxRetries"`
	BaseDelay     time.Duration `yaml:"baseDelay"`
	MaxDelay      time.Duration `yaml:"maxDelay"`
	BackoffFactor float64       `yaml:"backoffFactor"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultRetryConfig 3 次重试，1s 起步，翻倍，最长 30s，单次 10s 超时。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Timeout:       10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// RetryObserver 每次重试前回调，用于指标。
type RetryObserver func(op string, attempt int, err error)

// Retrier 对交易所调用做有界指数退避重试，每次尝试有独立超时。
type Retrier struct {
	cfg      RetryConfig
	logger   *zap.Logger
	observer RetryObserver
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier 创建 Retrier；logger 为 nil 时不输出日志。
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg.withDefaults(), logger: logger, sleep: sleepContext}
}

// SetObserver 设置重试回调。
func (r *Retrier) SetObserver(fn RetryObserver) { r.observer = fn }

// Config 生效的参数。
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Do 执行 fn；可重试错误按 base·factorⁿ（不超过 MaxDelay）等待后重试，最多 MaxRetries 次。
// 不可重试错误立即返回；用尽后返回包装了最后一次错误的 ErrRetriesExhausted。
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := r.cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.observer != nil {
				r.observer(op, attempt, lastErr)
			}
			r.logger.Warn("Venue call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.cfg.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
			delay = time.Duration(float64(delay) * r.cfg.BackoffFactor)
			if delay > r.cfg.MaxDelay {
				delay = r.cfg.MaxDelay
			}
		}
		err := r.Once(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return err
		}
	}
	r.logger.Error("Venue call retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", r.cfg.MaxRetries+1),
		zap.Error(lastErr))
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, r.cfg.MaxRetries+1, lastErr)
}

// Once 在单次超时内执行 fn，不重试。超时被归类为可重试错误。
func (r *Retrier) Once(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && ctx.Err() == nil && actx.Err() != nil {
		return fmt.Errorf("%w: attempt timed out after %s: %w", ErrTransient, r.cfg.Timeout, err)
	}
	return err
}

// Call 是 Do 的泛型版本。
func Call[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
