package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/gateway"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/internal/engine"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 按注册顺序启动、逆序停止
type LifecycleManager struct {
	components []Lifecycle
	started    int
	mu         sync.Mutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动；任一失败时回滚已启动的组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	components := m.snapshot()
	for i, component := range components {
		if err := component.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = components[j].Stop()
			}
			m.setStarted(0)
			return fmt.Errorf("start %s: %w", component.Name(), err)
		}
		m.setStarted(i + 1)
	}
	return nil
}

// StopAll 逆序停止已启动的组件，返回合并后的错误。
// 组件的 Stop 不在锁内调用，停止过程中的健康检查不会阻塞。
func (m *LifecycleManager) StopAll() error {
	m.mu.Lock()
	n := m.started
	m.started = 0
	components := append([]Lifecycle(nil), m.components[:n]...)
	m.mu.Unlock()

	var errs []error
	for i := n - 1; i >= 0; i-- {
		if err := components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	for _, component := range m.snapshot() {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

func (m *LifecycleManager) snapshot() []Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Lifecycle(nil), m.components...)
}

func (m *LifecycleManager) setStarted(n int) {
	m.mu.Lock()
	m.started = n
	m.mu.Unlock()
}

// httpServerComponent 运维 HTTP 服务（状态、开关、/metrics）
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger

	mu     sync.Mutex
	server *http.Server
	bound  string
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.server = srv
	h.bound = ln.Addr().String()

	go func() {
		h.logger.Info("HTTP server listening", zap.String("component", h.name), zap.String("addr", h.bound))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.server.Shutdown(ctx)
	h.server = nil
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.logger.Info("HTTP server stopped", zap.String("component", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return errors.New("not started")
	}
	return nil
}

// Addr 实际监听地址（addr 端口为 0 时由系统分配）
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound
}

// engineComponent 控制循环
type engineComponent struct {
	engine *engine.Engine
}

func (e *engineComponent) Name() string { return "engine" }

func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }

func (e *engineComponent) Stop() error { return e.engine.Stop() }

func (e *engineComponent) Health() error {
	if !e.engine.Running() {
		return errors.New("control loop not running")
	}
	return nil
}

// streamComponent 行情 WebSocket，断线自动重连
type streamComponent struct {
	stream *gateway.TickerStream

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *streamComponent) Name() string { return "ticker_stream" }

func (s *streamComponent) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.stream.Run(ctx)
	}()
	return nil
}

func (s *streamComponent) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}

// Health 行情流断开时 FetchTicker 回退到 REST，不视为不健康
func (s *streamComponent) Health() error { return nil }

// watcherComponent 配置热更新
type watcherComponent struct {
	watcher *config.Watcher
}

func (w *watcherComponent) Name() string { return "config_watcher" }

func (w *watcherComponent) Start(ctx context.Context) error { return w.watcher.Start(ctx) }

func (w *watcherComponent) Stop() error { return w.watcher.Stop() }

func (w *watcherComponent) Health() error { return nil }

// systemdComponent 向 systemd 报告 READY/STOPPING，并在启用 watchdog 时定期心跳。
// 不在 systemd 下运行时所有通知都是空操作。
type systemdComponent struct {
	health func() error
	logger *logger.Logger

	stop chan struct{}
	done chan struct{}
}

func (s *systemdComponent) Name() string { return "systemd" }

func (s *systemdComponent) Start(context.Context) error {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.logger.Warn("sd_notify READY failed", zap.Error(err))
	} else if sent {
		s.logger.Info("Notified systemd: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watchdog(interval / 2)
	s.logger.Info("systemd watchdog enabled", zap.Duration("interval", interval))
	return nil
}

// watchdog 只在健康时心跳，不健康时由 systemd 超时重启
func (s *systemdComponent) watchdog(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.health(); err != nil {
				s.logger.Warn("Skipping watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func (s *systemdComponent) Stop() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	return nil
}

func (s *systemdComponent) Health() error { return nil }
