package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogChannel 通过 zap 输出告警
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger, name: name}
}

// Send 按级别写日志
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+2)
	fields = append(fields, zap.String("alert_level", string(alert.Level)), zap.Time("alert_ts", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelInfo:
		c.logger.Info(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Error(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// WebhookChannel 以 JSON POST 推送告警
type WebhookChannel struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhookChannel 创建 webhook 通道
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookChannel{name: name, url: url, client: client, timeout: 5 * time.Second}
}

// Send 推送告警；非 2xx 视为失败
func (c *WebhookChannel) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return c.name
}

// MockChannel 记录告警（用于测试）
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
