package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/inventory"
	"grid-trader-go/market"
	"grid-trader-go/order"
	"grid-trader-go/strategy"
)

func sampleSnapshot() Snapshot {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Snapshot{
		SavedAt:        ts,
		BotState:       "PAUSED",
		TradingEnabled: true,
		Grids: map[string]GridState{
			"BTCNOK": {
				Enabled:    true,
				Levels:     5,
				OrderValue: 500,
				Ladder: &strategy.Ladder{
					Symbol:           "BTCNOK",
					BasePrice:        100000,
					Spacing:          500,
					TakeProfitOffset: 750,
					Buy:              map[int]float64{1: 99500, 2: 99000},
					Sell:             map[int]float64{1: 100250, 2: 99750},
					Active:           true,
					Trend:            market.TrendNeutral,
					ATR:              1000,
					GeneratedAt:      ts,
				},
			},
			"ETHNOK": {Symbol: "ETHNOK", Levels: 3, OrderValue: 200},
		},
		FilledLevels: map[string][]int{"BTCNOK": {1}},
		Orders: []order.Order{
			{ID: "1", ClientID: "c1", Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 0.005, FilledQty: 0.005,
				Price: 99500, Status: order.StatusFilled, CreatedAt: ts, UpdatedAt: ts, GridLevel: 1,
				TakeProfitPrice: 100250, TakeProfitOrderID: "2"},
			{ID: "2", Symbol: "BTCNOK", Side: order.SideSell, Quantity: 0.005, Price: 100250,
				Status: order.StatusOpen, CreatedAt: ts, UpdatedAt: ts, GridLevel: 1},
		},
		Positions: []inventory.Position{{Symbol: "BTCNOK", Net: 0.005, AvgCost: 99500}},
		PendingSubmissions: []order.Order{
			{ClientID: "c3", Symbol: "BTCNOK", Side: order.SideBuy, Quantity: 0.005, Price: 99000,
				CreatedAt: ts, GridLevel: 2, TakeProfitPrice: 99750},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	var events []string
	st, err := Open(t.TempDir(), func(event string, _ map[string]interface{}) {
		events = append(events, event)
	})
	require.NoError(t, err)

	want := sampleSnapshot()
	require.NoError(t, st.Save(want))

	for _, name := range []string{stateFile, gridsFile, ordersFile} {
		assert.FileExists(t, filepath.Join(st.Dir(), name))
	}

	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, got.Version)
	assert.Equal(t, want.BotState, got.BotState)
	assert.True(t, got.TradingEnabled)
	assert.Equal(t, want.Orders, got.Orders)
	assert.Equal(t, want.FilledLevels, got.FilledLevels)
	assert.Equal(t, want.Positions, got.Positions)
	assert.Equal(t, want.PendingSubmissions, got.PendingSubmissions)
	require.Contains(t, got.Grids, "BTCNOK")
	assert.Equal(t, "BTCNOK", got.Grids["BTCNOK"].Symbol)
	assert.Equal(t, *want.Grids["BTCNOK"].Ladder, *got.Grids["BTCNOK"].Ladder)
	assert.Nil(t, got.Grids["ETHNOK"].Ladder)
	assert.Equal(t, []string{"state_saved", "state_loaded"}, events)
}

func TestFileStoreLoadEmpty(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = st.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestFileStoreClear(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, st.Save(sampleSnapshot()))
	require.NoError(t, st.Clear())
	_, err = st.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
	// 重复清理不报错
	assert.NoError(t, st.Clear())
}

func TestFileStoreSaveOverwritesAtomically(t *testing.T) {
	st, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	snap := sampleSnapshot()
	require.NoError(t, st.Save(snap))

	snap.BotState = "RUNNING"
	snap.Orders = snap.Orders[:1]
	require.NoError(t, st.Save(snap))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", got.BotState)
	assert.Len(t, got.Orders, 1)

	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files left behind")
}

func TestFileStoreRejectsCorruptState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o644))
	st, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = st.Load()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
}

func TestOpenFailsOnUnusableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err := Open(filepath.Join(file, "sub"), nil)
	assert.Error(t, err)

	_, err = Open("", nil)
	assert.Error(t, err)
}
