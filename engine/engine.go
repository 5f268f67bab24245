// Package engine hosts the per-instrument apply loop. One goroutine owns
// one order book and consumes sequenced commands one at a time, which is
// what makes price-time fairness and determinism provable: parallelism
// exists across instruments, never within one.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vela/domain/book"
	"vela/infra/outbox"
	"vela/infra/ring"
	"vela/infra/sequence"
	"vela/infra/wal"
	"vela/metrics"
)

const (
	defaultRingSize   = 1 << 14
	defaultQueueDepth = 1024

	// full invariant sweeps are O(book); run one every invariantEvery
	// commands, with the O(1) crossed-book check on every command.
	invariantEvery = 1024

	recentTradeCap = 256
)

type Config struct {
	Instrument string

	SelfTrade             book.SelfTradePolicy
	DecreaseKeepsPriority bool

	RingSize   uint64
	QueueDepth int
}

// Engine is the single authority over one instrument's book.
type Engine struct {
	instrument string
	cfg        Config

	book *book.OrderBook
	adm  *sequence.Admitter

	wal    *wal.WAL
	ob     *outbox.Outbox
	events *ring.Ring[*Event]

	log *zap.Logger
	met *metrics.Metrics

	// every sender on cmds holds the admitter's lock, so Admit's
	// queue-capacity gate cannot race with a concurrent enqueue.
	cmds chan *Command

	halted   atomic.Bool
	degraded atomic.Bool
	fanout   atomic.Pointer[func(*Event)]

	// state below is owned by the apply goroutine
	eventSeq     uint64
	lastApplied  uint64
	applied      uint64
	replaying    bool
	recentTrades []book.Trade
}

func New(cfg Config, w *wal.WAL, ob *outbox.Outbox, met *metrics.Metrics, log *zap.Logger) *Engine {
	if cfg.RingSize == 0 {
		cfg.RingSize = defaultRingSize
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		instrument: cfg.Instrument,
		cfg:        cfg,
		book:       book.NewOrderBook(cfg.Instrument),
		adm:        sequence.NewAdmitter(0),
		wal:        w,
		ob:         ob,
		events:     ring.New[*Event](cfg.RingSize),
		log:        log.With(zap.String("instrument", cfg.Instrument)),
		met:        met,
		cmds:       make(chan *Command, cfg.QueueDepth),
	}
}

func (e *Engine) Instrument() string { return e.instrument }

// SetFanout installs a callback invoked by the drain goroutine for every
// persisted event (websocket hub, tests). Safe to call while the drain
// is running; events drained before the call are not redelivered.
func (e *Engine) SetFanout(fn func(*Event)) {
	e.fanout.Store(&fn)
}

type SubmitRequest struct {
	Owner     string
	ClientRef string
	Side      book.Side
	Price     int64
	Qty       int64
}

type CancelRequest struct {
	Owner     string
	ClientRef string
	OrderID   uint64
}

type ModifyRequest struct {
	Owner     string
	ClientRef string
	OrderID   uint64
	NewPrice  int64 // 0 = unchanged
	NewQty    int64 // 0 = unchanged
}

// SubmitOrder validates, sequences, logs and enqueues a new order, then
// waits for the apply loop's verdict. The context bounds only the wait:
// once sequenced, the command runs to completion regardless.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (Result, error) {
	if req.Qty <= 0 || req.Price <= 0 {
		return e.syncReject(req.ClientRef, fmt.Errorf("%w: price=%d qty=%d", ErrInvalidOrder, req.Price, req.Qty)), nil
	}
	if e.degraded.Load() {
		return e.syncReject(req.ClientRef, ErrDownstreamBackpressure), nil
	}
	cmd := &Command{
		Kind:      KindSubmit,
		Owner:     req.Owner,
		ClientRef: req.ClientRef,
		Side:      req.Side,
		Price:     req.Price,
		Qty:       req.Qty,
	}
	return e.admitAndWait(ctx, cmd)
}

// CancelOrder is admitted even under downstream backpressure: cancels
// shrink the book and their event cost is constant.
func (e *Engine) CancelOrder(ctx context.Context, req CancelRequest) (Result, error) {
	cmd := &Command{
		Kind:      KindCancel,
		Owner:     req.Owner,
		ClientRef: req.ClientRef,
		OrderID:   req.OrderID,
	}
	return e.admitAndWait(ctx, cmd)
}

// ModifyOrder is cancel-replace: price changes and quantity increases
// forfeit time priority; a quantity-only decrease may keep it, governed
// by Config.DecreaseKeepsPriority.
func (e *Engine) ModifyOrder(ctx context.Context, req ModifyRequest) (Result, error) {
	if req.NewPrice < 0 || req.NewQty < 0 || (req.NewPrice == 0 && req.NewQty == 0) {
		return e.syncReject(req.ClientRef, fmt.Errorf("%w: nothing to modify", ErrInvalidOrder)), nil
	}
	if e.degraded.Load() {
		return e.syncReject(req.ClientRef, ErrDownstreamBackpressure), nil
	}
	cmd := &Command{
		Kind:      KindModify,
		Owner:     req.Owner,
		ClientRef: req.ClientRef,
		OrderID:   req.OrderID,
		NewPrice:  req.NewPrice,
		NewQty:    req.NewQty,
	}
	return e.admitAndWait(ctx, cmd)
}

// Do runs fn on the apply goroutine between commands, giving it a
// quiescent view of the book. Queries are not sequenced or logged.
func (e *Engine) Do(ctx context.Context, fn func(b *book.OrderBook)) error {
	done := make(chan struct{})
	cmd := &Command{query: func() {
		fn(e.book)
		close(done)
	}}
	err := e.adm.Gate(func() error {
		select {
		case e.cmds <- cmd:
			return nil
		default:
			return fmt.Errorf("%w: command queue full", ErrSequencingFailure)
		}
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecentTrades returns up to n of the latest prints, newest last.
func (e *Engine) RecentTrades(ctx context.Context, n int) ([]book.Trade, error) {
	var out []book.Trade
	err := e.Do(ctx, func(*book.OrderBook) {
		trades := e.recentTrades
		if n < len(trades) {
			trades = trades[len(trades)-n:]
		}
		out = append(out, trades...)
	})
	return out, err
}

func (e *Engine) admitAndWait(ctx context.Context, cmd *Command) (Result, error) {
	if e.halted.Load() {
		return e.syncReject(cmd.ClientRef, ErrEngineHalted), nil
	}
	cmd.reply = make(chan Result, 1)

	_, err := e.adm.Admit(
		func() error {
			// a full queue rejects before a sequence number is
			// assigned: the WAL never holds a command the apply loop
			// was not going to receive.
			if len(e.cmds) == cap(e.cmds) {
				return fmt.Errorf("%w: command queue full", ErrSequencingFailure)
			}
			return nil
		},
		func(seq uint64) error {
			cmd.Seq = seq
			if e.wal != nil {
				rec := &wal.Record{
					Type: cmd.Kind.recordType(),
					Seq:  seq,
					Time: time.Now().UnixNano(),
					Data: encodeCommand(cmd),
				}
				if err := e.wal.Append(rec); err != nil {
					return fmt.Errorf("%w: %v", ErrSequencingFailure, err)
				}
			}
			// cannot block: the gate saw a free slot and every other
			// sender holds the admission lock
			e.cmds <- cmd
			return nil
		})
	if err != nil {
		e.log.Warn("admission rejected", zap.Error(err))
		return e.syncReject(cmd.ClientRef, err), nil
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) syncReject(clientRef string, reason error) Result {
	if e.met != nil {
		e.met.OrdersRejected.WithLabelValues(e.instrument).Inc()
	}
	return Result{Outcome: OutcomeRejected, ClientRef: clientRef, Err: reason}
}

// Run consumes commands until ctx is cancelled. It must be the only
// goroutine touching the book.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("engine running",
		zap.Uint64("last_seq", e.adm.Current()),
		zap.Int("resting", e.book.RestingCount()))
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			e.handle(cmd)
		}
	}
}

func (e *Engine) handle(cmd *Command) {
	if cmd.query != nil {
		cmd.query()
		return
	}

	start := time.Now()
	res := e.apply(cmd)
	if e.met != nil {
		e.met.ApplyLatency.WithLabelValues(e.instrument).Observe(time.Since(start).Seconds())
		e.met.OrdersProcessed.WithLabelValues(e.instrument, res.Outcome.String()).Inc()
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}
