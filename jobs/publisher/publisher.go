// Package publisher drains the durable outbox to the downstream sinks.
// Trade events ship to the trade-capture topic through sarama with
// full-acknowledgement semantics; every event also goes out on the
// market-data topic for feed consumers. Entries stay in the outbox
// until the broker confirms them, so a crash mid-publish replays.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"vela/engine"
	"vela/infra/kafka"
	"vela/infra/outbox"
	"vela/metrics"
)

type Config struct {
	Instrument   string
	Brokers      []string
	TradeTopic   string
	MarketTopic  string
	PollInterval time.Duration
}

type Publisher struct {
	cfg      Config
	ob       *outbox.Outbox
	trades   sarama.SyncProducer
	market   *kafka.Producer
	breaker  *gobreaker.CircuitBreaker[struct{}]
	log      *zap.Logger
	met      *metrics.Metrics
}

func New(cfg Config, ob *outbox.Outbox, met *metrics.Metrics, log *zap.Logger) (*Publisher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	scfg := sarama.NewConfig()
	scfg.Producer.Return.Successes = true
	scfg.Producer.RequiredAcks = sarama.WaitForAll
	scfg.Producer.Retry.Max = 5

	trades, err := sarama.NewSyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "publisher-" + cfg.Instrument,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Publisher{
		cfg:     cfg,
		ob:      ob,
		trades:  trades,
		market:  kafka.NewProducer(cfg.Brokers, cfg.MarketTopic),
		breaker: breaker,
		log:     log.With(zap.String("instrument", cfg.Instrument)),
		met:     met,
	}, nil
}

// Run polls the outbox until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info("publisher started",
		zap.String("trade_topic", p.cfg.TradeTopic),
		zap.String("market_topic", p.cfg.MarketTopic))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context) {
	err := p.ob.ScanPending(func(e *outbox.Entry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.ob.MarkSent(e); err != nil {
			return err
		}
		if _, err := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, p.publish(ctx, e)
		}); err != nil {
			// Stays SENT in the outbox; the next tick retries it and
			// ordering for later entries is preserved by stopping here.
			p.countFailure(e)
			p.log.Warn("publish failed, will retry",
				zap.Uint64("event_seq", e.Seq),
				zap.Uint32("retries", e.Retries),
				zap.Error(err))
			return errStopScan
		}
		p.countSuccess(e)
		return p.ob.Ack(e.Seq)
	})
	if err != nil && !errors.Is(err, errStopScan) && ctx.Err() == nil {
		p.log.Error("outbox scan failed", zap.Error(err))
	}
}

var errStopScan = errors.New("publisher: stop scan")

func (p *Publisher) publish(ctx context.Context, e *outbox.Entry) error {
	if engine.EventKind(e.Kind) == engine.EventTrade {
		msg := &sarama.ProducerMessage{
			Topic: p.cfg.TradeTopic,
			Key:   sarama.StringEncoder(p.cfg.Instrument),
			Value: sarama.ByteEncoder(e.Payload),
		}
		if _, _, err := p.trades.SendMessage(msg); err != nil {
			return err
		}
	}
	return p.market.Send(ctx, []byte(p.cfg.Instrument), e.Payload)
}

func (p *Publisher) countSuccess(e *outbox.Entry) {
	if p.met == nil {
		return
	}
	p.met.PublishedEvents.WithLabelValues(p.cfg.Instrument, "market").Inc()
	if engine.EventKind(e.Kind) == engine.EventTrade {
		p.met.PublishedEvents.WithLabelValues(p.cfg.Instrument, "trades").Inc()
	}
}

func (p *Publisher) countFailure(e *outbox.Entry) {
	if p.met == nil {
		return
	}
	sink := "market"
	if engine.EventKind(e.Kind) == engine.EventTrade {
		sink = "trades"
	}
	p.met.PublishFailures.WithLabelValues(p.cfg.Instrument, sink).Inc()
}

func (p *Publisher) Close() error {
	err := p.trades.Close()
	if cerr := p.market.Close(); err == nil {
		err = cerr
	}
	return err
}
