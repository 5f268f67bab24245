package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/book"
	"vela/infra/wal"
)

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Instrument == "" {
		cfg.Instrument = "BTC-USD"
	}
	e := New(cfg, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e
}

func submit(t *testing.T, e *Engine, owner string, side book.Side, price, qty int64) Result {
	t.Helper()
	res, err := e.SubmitOrder(context.Background(), SubmitRequest{
		Owner: owner, Side: side, Price: price, Qty: qty,
	})
	require.NoError(t, err)
	return res
}

func TestSubmitAcceptedAndRests(t *testing.T) {
	e := startEngine(t, Config{})

	res := submit(t, e, "alice", book.Bid, 100, 10)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, uint64(1), res.OrderID, "order id is the admission sequence")
	assert.Equal(t, int64(10), res.Remaining)
	assert.Empty(t, res.Trades)
}

func TestSubmitFullFill(t *testing.T) {
	e := startEngine(t, Config{})

	submit(t, e, "alice", book.Bid, 100, 10)
	res := submit(t, e, "bob", book.Ask, 100, 10)

	assert.Equal(t, OutcomeFilled, res.Outcome)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(100), res.Trades[0].Price)
	assert.Equal(t, int64(10), res.Trades[0].Qty)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestSubmitPartialFillResidualRests(t *testing.T) {
	e := startEngine(t, Config{})

	submit(t, e, "alice", book.Ask, 100, 4)
	res := submit(t, e, "bob", book.Bid, 100, 10)

	assert.Equal(t, OutcomePartiallyFilled, res.Outcome)
	assert.Equal(t, int64(6), res.Remaining)

	var price, qty int64
	var ok bool
	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		price, qty, ok = b.BestBid()
	}))
	require.True(t, ok)
	assert.Equal(t, int64(100), price)
	assert.Equal(t, int64(6), qty)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	e := startEngine(t, Config{})

	for _, req := range []SubmitRequest{
		{Owner: "a", Side: book.Bid, Price: 100, Qty: 0},
		{Owner: "a", Side: book.Bid, Price: 100, Qty: -5},
		{Owner: "a", Side: book.Bid, Price: 0, Qty: 5},
	} {
		res, err := e.SubmitOrder(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrInvalidOrder)
	}
}

func TestCancelLifecycle(t *testing.T) {
	e := startEngine(t, Config{})

	res := submit(t, e, "alice", book.Bid, 100, 10)
	id := res.OrderID

	// wrong owner first
	cres, err := e.CancelOrder(context.Background(), CancelRequest{Owner: "mallory", OrderID: id})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, cres.Outcome)
	assert.ErrorIs(t, cres.Err, ErrOrderNotCancellable)

	cres, err = e.CancelOrder(context.Background(), CancelRequest{Owner: "alice", OrderID: id})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, cres.Outcome)

	// cancelling again: the order is gone
	cres, err = e.CancelOrder(context.Background(), CancelRequest{Owner: "alice", OrderID: id})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, cres.Outcome)
	assert.ErrorIs(t, cres.Err, book.ErrOrderNotFound)
}

func TestSelfTradeRejectAggressorPolicy(t *testing.T) {
	e := startEngine(t, Config{SelfTrade: book.SelfTradeRejectAggressor})

	submit(t, e, "alice", book.Ask, 100, 5)
	res := submit(t, e, "alice", book.Bid, 100, 5)

	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSelfTrade)

	// the resting order is untouched and the residual never rested
	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		assert.Equal(t, 1, b.RestingCount())
		_, _, hasBid := b.BestBid()
		assert.False(t, hasBid)
	}))
}

func TestModifyPriceLosesPriority(t *testing.T) {
	e := startEngine(t, Config{})

	first := submit(t, e, "alice", book.Bid, 100, 10)
	submit(t, e, "bob", book.Bid, 100, 10)

	mres, err := e.ModifyOrder(context.Background(), ModifyRequest{
		Owner: "alice", OrderID: first.OrderID, NewPrice: 100, NewQty: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, mres.Outcome)
	assert.NotEqual(t, first.OrderID, mres.OrderID, "replacement takes the modify's sequence")

	// bob is now first in the queue at 100
	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		top := b.PeekTop(book.Bid)
		require.NotNil(t, top)
		assert.Equal(t, "bob", top.Owner)
	}))
}

func TestModifyDecreaseKeepsPriority(t *testing.T) {
	e := startEngine(t, Config{DecreaseKeepsPriority: true})

	first := submit(t, e, "alice", book.Bid, 100, 10)
	submit(t, e, "bob", book.Bid, 100, 10)

	mres, err := e.ModifyOrder(context.Background(), ModifyRequest{
		Owner: "alice", OrderID: first.OrderID, NewQty: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, mres.Outcome)
	assert.Equal(t, first.OrderID, mres.OrderID, "in-place decrease keeps the id")
	assert.Equal(t, int64(4), mres.Remaining)

	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		top := b.PeekTop(book.Bid)
		require.NotNil(t, top)
		assert.Equal(t, "alice", top.Owner)
		assert.Equal(t, int64(14), b.DepthAt(book.Bid, 100))
	}))
}

func TestModifyDecreaseWithoutPolicyLosesPriority(t *testing.T) {
	e := startEngine(t, Config{DecreaseKeepsPriority: false})

	first := submit(t, e, "alice", book.Bid, 100, 10)
	submit(t, e, "bob", book.Bid, 100, 10)

	mres, err := e.ModifyOrder(context.Background(), ModifyRequest{
		Owner: "alice", OrderID: first.OrderID, NewQty: 4,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, mres.OrderID)

	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		top := b.PeekTop(book.Bid)
		require.NotNil(t, top)
		assert.Equal(t, "bob", top.Owner)
	}))
}

func TestModifyBelowFilledCancels(t *testing.T) {
	e := startEngine(t, Config{})

	res := submit(t, e, "alice", book.Bid, 100, 10)
	submit(t, e, "bob", book.Ask, 100, 6) // fills 6 of alice's 10

	mres, err := e.ModifyOrder(context.Background(), ModifyRequest{
		Owner: "alice", OrderID: res.OrderID, NewQty: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, mres.Outcome)

	require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
		assert.Equal(t, 0, b.RestingCount())
	}))
}

func TestModifyUnknownOrder(t *testing.T) {
	e := startEngine(t, Config{})
	mres, err := e.ModifyOrder(context.Background(), ModifyRequest{Owner: "a", OrderID: 77, NewQty: 5})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, mres.Outcome)
	assert.ErrorIs(t, mres.Err, book.ErrOrderNotFound)
}

func TestRecentTrades(t *testing.T) {
	e := startEngine(t, Config{})

	submit(t, e, "alice", book.Ask, 100, 2)
	submit(t, e, "alice", book.Ask, 101, 2)
	submit(t, e, "bob", book.Bid, 101, 4)

	trades, err := e.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(100), trades[0].Price)
	assert.Equal(t, int64(101), trades[1].Price)

	one, err := e.RecentTrades(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int64(101), one[0].Price)
}

// Two engines fed the same admitted stream must emit byte-identical
// event logs. Events carry no wall-clock time for exactly this reason.
func TestDeterministicEventStream(t *testing.T) {
	script := func(e *Engine) {
		submit(t, e, "alice", book.Bid, 100, 10)
		submit(t, e, "bob", book.Ask, 101, 5)
		submit(t, e, "carol", book.Ask, 100, 4)
		_, err := e.CancelOrder(context.Background(), CancelRequest{Owner: "bob", OrderID: 2})
		require.NoError(t, err)
		submit(t, e, "dave", book.Bid, 101, 3)
	}

	collect := func() [][]byte {
		e := startEngine(t, Config{})
		col := &eventCollector{}
		e.SetFanout(col.add)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.RunDrain(ctx)

		script(e)

		require.Eventually(t, func() bool { return col.len() == expectedEvents },
			2*time.Second, 5*time.Millisecond, "event drain did not catch up")
		return col.snapshot()
	}

	a := collect()
	b := collect()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, string(a[i]), string(b[i]), "event %d differs", i)
	}
}

// submit alice: accepted + delta (2). submit bob: accepted + delta (2).
// carol fills against alice: trade + delta (2). cancel bob: cancelled +
// delta (2). dave rests: accepted + delta (2).
const expectedEvents = 10

type eventCollector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *eventCollector) add(ev *Event) {
	data, err := ev.Encode()
	if err != nil {
		return
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
}

func (c *eventCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *eventCollector) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func TestWALReplayRebuildsState(t *testing.T) {
	walDir := t.TempDir()
	snapDir := t.TempDir()

	w, err := wal.Open(wal.Config{Dir: walDir, SegmentSize: 1 << 20})
	require.NoError(t, err)
	defer w.Close()

	e1 := New(Config{Instrument: "BTC-USD"}, w, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e1.Run(ctx)

	submit(t, e1, "alice", book.Bid, 100, 10)
	submit(t, e1, "bob", book.Ask, 101, 5)
	submit(t, e1, "carol", book.Ask, 100, 4)
	_, err = e1.CancelOrder(context.Background(), CancelRequest{Owner: "bob", OrderID: 2})
	require.NoError(t, err)
	submit(t, e1, "dave", book.Bid, 101, 3)
	require.NoError(t, w.Sync())

	e2 := New(Config{Instrument: "BTC-USD"}, nil, nil, nil, nil)
	require.NoError(t, e2.Recover(snapDir, walDir))
	go e2.Run(ctx)

	type state struct {
		resting  int
		bidPx    int64
		bidQty   int64
		tradeSeq uint64
	}
	read := func(e *Engine) state {
		var s state
		require.NoError(t, e.Do(context.Background(), func(b *book.OrderBook) {
			s.resting = b.RestingCount()
			s.bidPx, s.bidQty, _ = b.BestBid()
			s.tradeSeq = b.TradeSeq()
		}))
		return s
	}
	assert.Equal(t, read(e1), read(e2))

	// The next identical command must produce identical trades on both.
	r1 := submit(t, e1, "eve", book.Ask, 100, 9)
	r2 := submit(t, e2, "eve", book.Ask, 100, 9)
	assert.Equal(t, r1.Outcome, r2.Outcome)
	assert.Equal(t, r1.OrderID, r2.OrderID)
	assert.Equal(t, r1.Trades, r2.Trades)
}

func TestSnapshotPlusTailReplay(t *testing.T) {
	walDir := t.TempDir()
	snapDir := t.TempDir()

	w, err := wal.Open(wal.Config{Dir: walDir, SegmentSize: 1 << 20})
	require.NoError(t, err)
	defer w.Close()

	e1 := New(Config{Instrument: "BTC-USD"}, w, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e1.Run(ctx)

	submit(t, e1, "alice", book.Bid, 100, 10)
	submit(t, e1, "bob", book.Ask, 102, 5)
	require.NoError(t, e1.SnapshotNow(context.Background(), snapDir))

	// tail written after the snapshot
	submit(t, e1, "carol", book.Ask, 100, 3)
	require.NoError(t, w.Sync())

	e2 := New(Config{Instrument: "BTC-USD"}, nil, nil, nil, nil)
	require.NoError(t, e2.Recover(snapDir, walDir))
	go e2.Run(ctx)

	require.NoError(t, e2.Do(context.Background(), func(b *book.OrderBook) {
		assert.Equal(t, 2, b.RestingCount())
		px, qty, ok := b.BestBid()
		require.True(t, ok)
		assert.Equal(t, int64(100), px)
		assert.Equal(t, int64(7), qty, "carol's fill must be replayed on top of the snapshot")
	}))
}

func TestBackpressureDegradesAdmission(t *testing.T) {
	// Single-slot ring and no drain: the second event of the first
	// submit overflows and flips the engine into degraded mode.
	e := startEngine(t, Config{RingSize: 1})

	res := submit(t, e, "alice", book.Bid, 100, 10)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	require.Eventually(t, func() bool { return e.degraded.Load() }, 5*time.Second, 10*time.Millisecond)

	// new orders are refused before sequencing...
	rej, err := e.SubmitOrder(context.Background(), SubmitRequest{Owner: "bob", Side: book.Ask, Price: 101, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, rej.Outcome)
	assert.ErrorIs(t, rej.Err, ErrDownstreamBackpressure)

	// ...but cancels still work.
	cres, err := e.CancelOrder(context.Background(), CancelRequest{Owner: "alice", OrderID: res.OrderID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, cres.Outcome)

	// once a drain starts, the engine recovers and accepts again
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunDrain(ctx)

	require.Eventually(t, func() bool {
		r, err := e.SubmitOrder(context.Background(), SubmitRequest{Owner: "bob", Side: book.Ask, Price: 101, Qty: 1})
		return err == nil && r.Outcome == OutcomeAccepted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAdmissionRejectsWhenQueueFull(t *testing.T) {
	// No apply goroutine: the first admitted command occupies the only
	// queue slot and its reply never comes.
	e := New(Config{Instrument: "BTC-USD", QueueDepth: 1}, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.SubmitOrder(ctx, SubmitRequest{Owner: "alice", Side: book.Bid, Price: 100, Qty: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The queue is full: the next request must be refused synchronously,
	// before it is sequenced or logged, not parked on the channel.
	res, err := e.SubmitOrder(context.Background(), SubmitRequest{Owner: "bob", Side: book.Ask, Price: 101, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSequencingFailure)
	assert.Equal(t, uint64(1), e.adm.Current(), "a refused request must not consume a sequence number")

	// Queries share the queue and cannot squeeze past the check either.
	err = e.Do(context.Background(), func(*book.OrderBook) {})
	assert.ErrorIs(t, err, ErrSequencingFailure)
}

func TestFanoutInstalledAfterDrainStarts(t *testing.T) {
	e := startEngine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunDrain(ctx)

	// Wiring the fanout while the drain goroutine is already running
	// must still be observed by it.
	col := &eventCollector{}
	e.SetFanout(col.add)

	submit(t, e, "alice", book.Bid, 100, 1)
	require.Eventually(t, func() bool { return col.len() >= 2 },
		2*time.Second, 5*time.Millisecond, "late-installed fanout never saw events")
}

func TestHaltIsolatesInstrument(t *testing.T) {
	bad := startEngine(t, Config{Instrument: "BAD-USD"})
	good := startEngine(t, Config{Instrument: "GOOD-USD"})

	// Wound the book directly: a crossed pair that never went through
	// Match. The next applied command trips the crossed-book check.
	require.NoError(t, bad.Do(context.Background(), func(b *book.OrderBook) {
		require.NoError(t, b.Insert(&book.Order{ID: 900, Owner: "x", Side: book.Bid, Price: 105, Qty: 1, Seq: 900}))
		require.NoError(t, b.Insert(&book.Order{ID: 901, Owner: "y", Side: book.Ask, Price: 95, Qty: 1, Seq: 901}))
	}))

	res, err := bad.SubmitOrder(context.Background(), SubmitRequest{Owner: "z", Side: book.Bid, Price: 50, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrEngineHalted)

	// halted stays halted
	res, err = bad.SubmitOrder(context.Background(), SubmitRequest{Owner: "z", Side: book.Bid, Price: 50, Qty: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrEngineHalted)

	// the other instrument is untouched
	ok := submit(t, good, "alice", book.Bid, 100, 1)
	assert.Equal(t, OutcomeAccepted, ok.Outcome)
}
