package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"grid-trader-go/inventory"
	"grid-trader-go/order"
	"grid-trader-go/strategy"
)

// SnapshotVersion 快照格式版本，格式不兼容时递增。
const SnapshotVersion = 1

const (
	stateFile  = "bot_state.json"
	gridsFile  = "grid_config.json"
	ordersFile = "open_orders.json"
)

// ErrNoSnapshot 目录中尚无快照。
var ErrNoSnapshot = errors.New("no snapshot")

// EventSink 接收存储事件（保存、加载、清理）。
type EventSink func(string, map[string]interface{})

// GridState 单个交易对的网格配置与最近一次网格。
type GridState struct {
	Symbol     string           `json:"symbol"`
	Enabled    bool             `json:"enabled"`
	Levels     int              `json:"levels"`
	OrderValue float64          `json:"orderValue"`
	Ladder     *strategy.Ladder `json:"ladder,omitempty"`
}

// Snapshot 引擎重启所需的全部状态。
type Snapshot struct {
	Version        int                  `json:"version"`
	SavedAt        time.Time            `json:"savedAt"`
	BotState       string               `json:"botState"`
	TradingEnabled bool                 `json:"tradingEnabled"`
	Grids          map[string]GridState `json:"grids"`
	FilledLevels   map[string][]int     `json:"filledLevels"`
	Orders         []order.Order        `json:"orders"`
	Positions      []inventory.Position `json:"positions"`
	// PendingSubmissions 结果不明、等待对账认领的提交（只有客户端 ID，无交易所 ID）
	PendingSubmissions []order.Order `json:"pendingSubmissions,omitempty"`
}

type botStateFile struct {
	Version            int                  `json:"version"`
	SavedAt            time.Time            `json:"savedAt"`
	BotState           string               `json:"botState"`
	TradingEnabled     bool                 `json:"tradingEnabled"`
	FilledLevels       map[string][]int     `json:"filledLevels"`
	Positions          []inventory.Position `json:"positions"`
	PendingSubmissions []order.Order        `json:"pendingSubmissions,omitempty"`
}

// FileStore 以 JSON 文件持久化快照；每个文件先写临时文件再 rename，保证不会读到半截内容。
type FileStore struct {
	dir  string
	mu   sync.Mutex
	sink EventSink
	now  func() time.Time
}

// Open 创建存储目录并确认可写；失败时调用方应终止启动。
func Open(dir string, sink EventSink) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("store dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return &FileStore{dir: dir, sink: sink, now: time.Now}, nil
}

// Dir 返回存储目录。
func (s *FileStore) Dir() string { return s.dir }

// Save 写入完整快照。
func (s *FileStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = SnapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now()
	}
	grids := make([]GridState, 0, len(snap.Grids))
	for sym, g := range snap.Grids {
		if g.Symbol == "" {
			g.Symbol = sym
		}
		grids = append(grids, g)
	}
	sort.Slice(grids, func(i, j int) bool { return grids[i].Symbol < grids[j].Symbol })

	state := botStateFile{
		Version:        snap.Version,
		SavedAt:        snap.SavedAt,
		BotState:       snap.BotState,
		TradingEnabled: snap.TradingEnabled,
		FilledLevels:   snap.FilledLevels,
		Positions:      snap.Positions,

		PendingSubmissions: snap.PendingSubmissions,
	}
	if err := s.writeJSON(gridsFile, grids); err != nil {
		return err
	}
	if err := s.writeJSON(ordersFile, snap.Orders); err != nil {
		return err
	}
	// bot_state 最后写入，作为快照完整的标志
	if err := s.writeJSON(stateFile, state); err != nil {
		return err
	}
	s.logEvent("state_saved", map[string]interface{}{
		"orders": len(snap.Orders),
		"grids":  len(grids),
		"state":  snap.BotState,
	})
	return nil
}

// Load 读取快照；目录中没有快照时返回 ErrNoSnapshot。
func (s *FileStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state botStateFile
	if err := s.readJSON(stateFile, &state); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, err
	}
	if state.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", state.Version, SnapshotVersion)
	}
	var grids []GridState
	if err := s.readJSON(gridsFile, &grids); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, err
	}
	var orders []order.Order
	if err := s.readJSON(ordersFile, &orders); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Version:        state.Version,
		SavedAt:        state.SavedAt,
		BotState:       state.BotState,
		TradingEnabled: state.TradingEnabled,
		Grids:          make(map[string]GridState, len(grids)),
		FilledLevels:   state.FilledLevels,
		Orders:         orders,
		Positions:      state.Positions,

		PendingSubmissions: state.PendingSubmissions,
	}
	if snap.FilledLevels == nil {
		snap.FilledLevels = make(map[string][]int)
	}
	for _, g := range grids {
		snap.Grids[g.Symbol] = g
	}
	s.logEvent("state_loaded", map[string]interface{}{
		"orders":   len(orders),
		"grids":    len(grids),
		"saved_at": snap.SavedAt,
	})
	return snap, nil
}

// Clear 删除全部快照文件。
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{stateFile, gridsFile, ordersFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	s.logEvent("state_cleared", map[string]interface{}{"dir": s.dir})
	return nil
}

func (s *FileStore) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
