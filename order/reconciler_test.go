package order

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVenue 模拟交易所订单查询
type mockVenue struct {
	open    []Snapshot
	history []Snapshot
	err     error
}

func (v *mockVenue) ListOrders(_ context.Context, status string) ([]Snapshot, error) {
	if v.err != nil {
		return nil, v.err
	}
	if status == VenueStatusOpen {
		return v.open, nil
	}
	return v.history, nil
}

func TestReconcilerAppliesSnapshots(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Register(buyOrder("1", 2, 1)))
	require.NoError(t, m.Register(buyOrder("2", 1, 2)))
	require.NoError(t, m.Register(buyOrder("3", 1, 3)))

	venue := &mockVenue{
		open:    []Snapshot{{ID: "1", FilledQty: 0.5}, {ID: "99", Status: StatusOpen}},
		history: []Snapshot{{ID: "2", Status: StatusFilled}},
	}
	r := NewReconciler(venue, m)
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Transitions, 2)
	assert.Equal(t, StatusPartiallyFilled, res.Transitions[0].To)
	assert.Equal(t, StatusFilled, res.Transitions[1].To)
	assert.Equal(t, []string{"99"}, res.Orphans)
	assert.Equal(t, []string{"3"}, res.Missing)
	assert.Equal(t, []int{2}, m.FilledLevels("BTCNOK"))

	o, _ := m.Get("3")
	assert.Equal(t, StatusOpen, o.Status, "missing orders keep their local state")

	stats := r.GetStatistics()
	assert.EqualValues(t, 1, stats.TotalReconciliations)
	assert.EqualValues(t, 2, stats.Transitions)
	assert.EqualValues(t, 1, stats.Orphans)
}

func TestReconcilerAdoptsPendingSubmission(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.AddPending(Order{ClientID: "cid-1", Symbol: "BTCNOK", Side: SideBuy, Quantity: 2, Price: 100, GridLevel: 1}))
	require.NoError(t, m.AddPending(Order{ClientID: "cid-2", Symbol: "BTCNOK", Side: SideBuy, Quantity: 1, Price: 90, GridLevel: 2}))

	venue := &mockVenue{
		history: []Snapshot{{ID: "v-1", ClientID: "cid-1", Symbol: "BTCNOK", Side: SideBuy, Quantity: 2, Price: 100, Status: StatusFilled}},
	}
	r := NewReconciler(venue, m)
	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Adopted, 1)
	assert.Equal(t, "v-1", res.Adopted[0].ID)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, StatusFilled, res.Transitions[0].To)
	assert.InDelta(t, 2, res.Transitions[0].FilledDelta, 1e-12)
	assert.Empty(t, res.Orphans)
	assert.Equal(t, []int{1}, m.FilledLevels("BTCNOK"))

	// cid-2 从未到达交易所，连续未出现后放弃
	for i := 2; i < PendingMaxMisses; i++ {
		res, err = r.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.AbandonedPending)
	}
	res, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, res.AbandonedPending, 1)
	assert.Equal(t, "cid-2", res.AbandonedPending[0].ClientID)
	assert.Empty(t, m.PendingOrders())
}

func TestReconcilerFetchError(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Register(buyOrder("1", 2, 1)))
	boom := errors.New("timeout")
	r := NewReconciler(&mockVenue{err: boom}, m)

	_, err := r.Reconcile(context.Background())
	assert.ErrorIs(t, err, boom)
	o, _ := m.Get("1")
	assert.Equal(t, StatusOpen, o.Status)
	assert.Contains(t, r.GetStatistics().LastError, "timeout")
}
