package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/internal/engine"
	"grid-trader-go/order"
)

type fakeAPI struct {
	mu       sync.Mutex
	enabled  bool
	removed  []string
	failID   string
	requests []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *client) {
	t.Helper()
	f := &fakeAPI{enabled: true}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		st := engine.Status{
			TradingEnabled: f.enabled,
			BotState:       "RUNNING",
			OpenOrders: []order.Order{
				{ID: "o1", Symbol: "BTCNOK", Side: order.SideBuy, GridLevel: 1, Price: 98000},
				{ID: "o2", Symbol: "BTCNOK", Side: order.SideBuy, GridLevel: 2, Price: 96000},
			},
			Grids: []engine.GridStatus{{Symbol: "BTCNOK", Enabled: true, Active: true, OpenOrders: 2}},
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("POST /kill-switch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.enabled = req.Enabled
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /symbols/{symbol}/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("symbol") != "BTCNOK" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"unknown symbol"}`)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()
	})
	mux.HandleFunc("DELETE /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if id == f.failID {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"venue unavailable"}`)
			return
		}
		f.removed = append(f.removed, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, &client{base: srv.URL, http: srv.Client()}
}

func TestRunCommands(t *testing.T) {
	f, c := newFakeAPI(t)
	var out bytes.Buffer

	require.NoError(t, run(c, []string{"kill", "on"}, &out))
	assert.False(t, f.enabled)
	require.NoError(t, run(c, []string{"kill", "off"}, &out))
	assert.True(t, f.enabled)

	require.NoError(t, run(c, []string{"reset", "BTCNOK"}, &out))
	err := run(c, []string{"reset", "DOGENOK"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown symbol")

	out.Reset()
	require.NoError(t, run(c, []string{"status"}, &out))
	assert.Contains(t, out.String(), "BTCNOK")

	tests := []struct {
		name string
		args []string
	}{
		{"未知命令", []string{"launch"}},
		{"缺少参数", []string{"remove"}},
		{"非法开关值", []string{"kill", "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, run(c, tt.args, io.Discard))
		})
	}
}

func TestPanicStop(t *testing.T) {
	f, c := newFakeAPI(t)
	var out bytes.Buffer

	require.NoError(t, run(c, []string{"panic"}, &out))
	assert.False(t, f.enabled)
	assert.Equal(t, []string{"o1", "o2"}, f.removed)

	// 单个订单失败时继续处理其余订单
	f2, c2 := newFakeAPI(t)
	f2.failID = "o1"
	err := run(c2, []string{"panic"}, io.Discard)
	require.Error(t, err)
	assert.Equal(t, []string{"o2"}, f2.removed)
	assert.False(t, f2.enabled)
}
