package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Config 告警配置
type Config struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Throttle   time.Duration `yaml:"throttle"`
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 按 key 限流，同一告警在 interval 内只发送一次
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	lastTime, exists := t.lastSent[key]
	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 发送到所有通道；全部失败时返回最后一个错误，被限流时静默忽略
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s:%s", alert.Level, alert.Message)
	if !m.throttle.Allow(key) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) send(level Level, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: level, Message: message, Fields: fields})
}

// KillSwitchChanged 交易开关被切换
func (m *Manager) KillSwitchChanged(enabled bool, source string) error {
	if enabled {
		return m.send(LevelWarning, "trading enabled", map[string]interface{}{"source": source})
	}
	return m.send(LevelCritical, "kill switch engaged", map[string]interface{}{"source": source})
}

// BotStateChanged 运行状态变化
func (m *Manager) BotStateChanged(from, to, source string) error {
	level := LevelInfo
	if to == "ERROR" || to == "STOPPED" {
		level = LevelError
	}
	return m.send(level, "bot state changed to "+to, map[string]interface{}{"from": from, "to": to, "source": source})
}

// CircuitBreakerTripped ATR 突变导致交易对暂停下单
func (m *Manager) CircuitBreakerTripped(symbol, reason string) error {
	return m.send(LevelWarning, "circuit breaker tripped for "+symbol, map[string]interface{}{"symbol": symbol, "reason": reason})
}

// SymbolFailed 交易对本轮处理失败
func (m *Manager) SymbolFailed(symbol string, err error) error {
	return m.send(LevelError, "symbol processing failed for "+symbol, map[string]interface{}{"symbol": symbol, "error": err.Error()})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名称
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
