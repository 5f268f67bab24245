package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vela/infra/outbox"
)

// RunDrain moves events from the ring into the outbox and fans them out
// to in-process consumers. It is the sole ring consumer. When the ring
// empties back below half capacity the degraded flag is cleared and
// admission resumes accepting new orders.
func (e *Engine) RunDrain(ctx context.Context) {
	idle := time.NewTicker(time.Millisecond)
	defer idle.Stop()

	for {
		ev, ok := e.events.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		if e.ob != nil {
			payload, err := ev.Encode()
			if err != nil {
				e.log.Error("event encode failed", zap.Uint64("event_seq", ev.Seq), zap.Error(err))
				continue
			}
			entry := &outbox.Entry{
				Seq:     ev.Seq,
				Kind:    uint8(ev.Kind),
				State:   outbox.StateNew,
				Payload: payload,
			}
			if err := e.ob.Put(entry); err != nil {
				e.log.Error("outbox write failed", zap.Uint64("event_seq", ev.Seq), zap.Error(err))
			}
		}

		if fn := e.fanout.Load(); fn != nil {
			(*fn)(ev)
		}

		if e.degraded.Load() && e.events.Free() >= e.events.Cap()/2 {
			e.degraded.Store(false)
			e.log.Info("event ring drained, resuming normal admission")
			if e.met != nil {
				e.met.Degraded.WithLabelValues(e.instrument).Set(0)
			}
		}
	}
}
