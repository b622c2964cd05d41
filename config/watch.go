package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，去抖后重新加载并回调。
// 监听的是所在目录：编辑器常以 rename 方式替换文件，直接监听文件会丢失后续事件。
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	onUpdate func(AppConfig)
	load     func(string) (AppConfig, error)

	watcher    *fsnotify.Watcher
	mu         sync.RWMutex
	lastReload time.Time
	lastErr    error
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewWatcher 创建配置监听器；onUpdate 只在配置校验通过后调用。
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger, onUpdate func(AppConfig)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		onUpdate: onUpdate,
		load:     LoadWithEnvOverrides,
		watcher:  fw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 开始监听，直到 ctx 取消或 Stop。
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go w.watch(ctx)
	return nil
}

// Stop 停止监听并释放 fsnotify 资源。
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
		// watch 未启动
	}
	return w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("Config reload rejected, keeping previous config", zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Reload 立即加载配置；无效配置不会传给回调。
func (w *Watcher) Reload() error {
	cfg, err := w.load(w.path)
	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.lastReload = time.Now()
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	if w.onUpdate != nil {
		w.onUpdate(cfg)
	}
	return nil
}

// LastReload 最近一次成功加载的时间与最近一次加载错误。
func (w *Watcher) LastReload() (time.Time, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReload, w.lastErr
}
