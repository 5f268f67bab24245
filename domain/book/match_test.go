package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSweepsLevelsBestFirst(t *testing.T) {
	b := NewOrderBook("ETH-USD")

	require.NoError(t, b.Insert(newOrder(1, "a", Ask, 102, 5)))
	require.NoError(t, b.Insert(newOrder(2, "b", Ask, 101, 5)))
	require.NoError(t, b.Insert(newOrder(3, "c", Ask, 103, 5)))

	agg := newOrder(4, "d", Bid, 102, 12)
	out := b.Match(agg, SelfTradeAllow)

	// 101 fills before 102; 103 is beyond the limit and untouched.
	require.Len(t, out.Trades, 2)
	assert.Equal(t, int64(101), out.Trades[0].Price)
	assert.Equal(t, int64(102), out.Trades[1].Price)
	assert.Equal(t, int64(2), agg.Remaining())

	price, _, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(103), price)
}

func TestMatchStopsAtLimit(t *testing.T) {
	b := NewOrderBook("ETH-USD")
	require.NoError(t, b.Insert(newOrder(1, "a", Bid, 100, 5)))

	// Sell limited above the best bid does not trade.
	agg := newOrder(2, "b", Ask, 101, 5)
	out := b.Match(agg, SelfTradeAllow)
	assert.Empty(t, out.Trades)
	assert.Equal(t, int64(5), agg.Remaining())
}

func TestTradeIDsMonotonic(t *testing.T) {
	b := NewOrderBook("ETH-USD")
	require.NoError(t, b.Insert(newOrder(1, "a", Ask, 100, 1)))
	require.NoError(t, b.Insert(newOrder(2, "b", Ask, 100, 1)))
	require.NoError(t, b.Insert(newOrder(3, "c", Ask, 100, 1)))

	out := b.Match(newOrder(4, "d", Bid, 100, 3), SelfTradeAllow)
	require.Len(t, out.Trades, 3)
	for i, tr := range out.Trades {
		assert.Equal(t, uint64(i+1), tr.ID)
	}
	assert.Equal(t, uint64(4), b.TradeSeq())
}

func TestSelfTradeAllow(t *testing.T) {
	b := NewOrderBook("ETH-USD")
	require.NoError(t, b.Insert(newOrder(1, "alice", Ask, 100, 5)))

	out := b.Match(newOrder(2, "alice", Bid, 100, 5), SelfTradeAllow)
	require.Len(t, out.Trades, 1)
	assert.False(t, out.SelfTradeStop)
}

func TestSelfTradeRejectAggressor(t *testing.T) {
	b := NewOrderBook("ETH-USD")
	require.NoError(t, b.Insert(newOrder(1, "bob", Ask, 100, 5)))
	require.NoError(t, b.Insert(newOrder(2, "alice", Ask, 101, 5)))

	agg := newOrder(3, "alice", Bid, 101, 10)
	out := b.Match(agg, SelfTradeRejectAggressor)

	// Fills the stranger at 100, stops dead on its own order at 101.
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(1), out.Trades[0].RestingID)
	assert.True(t, out.SelfTradeStop)
	assert.Equal(t, int64(5), agg.Remaining())

	// alice's resting ask is untouched.
	o, ok := b.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, int64(5), o.Remaining())
}

func TestSelfTradeCancelResting(t *testing.T) {
	b := NewOrderBook("ETH-USD")
	require.NoError(t, b.Insert(newOrder(1, "alice", Ask, 100, 5)))
	require.NoError(t, b.Insert(newOrder(2, "bob", Ask, 100, 5)))

	agg := newOrder(3, "alice", Bid, 100, 5)
	out := b.Match(agg, SelfTradeCancelResting)

	// Own order cancelled, matching continues into bob's.
	require.Len(t, out.CancelledResting, 1)
	assert.Equal(t, uint64(1), out.CancelledResting[0].ID)
	assert.Equal(t, Cancelled, out.CancelledResting[0].Status)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(2), out.Trades[0].RestingID)
	assert.Equal(t, int64(0), agg.Remaining())
	require.NoError(t, b.CheckInvariants())
}

func TestParseSelfTradePolicy(t *testing.T) {
	for s, want := range map[string]SelfTradePolicy{
		"allow":            SelfTradeAllow,
		"reject-aggressor": SelfTradeRejectAggressor,
		"cancel-resting":   SelfTradeCancelResting,
	} {
		got, err := ParseSelfTradePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSelfTradePolicy("bogus")
	assert.Error(t, err)
}
