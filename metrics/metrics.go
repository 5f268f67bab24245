// Package metrics holds the prometheus instrumentation shared by the
// engines and publishers. Everything is labelled by instrument so one
// halted book stands out without drowning the others.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OrdersProcessed *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	TradedQty       *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	PublishedEvents *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec

	RestingOrders *prometheus.GaugeVec
	BestBid       *prometheus.GaugeVec
	BestAsk       *prometheus.GaugeVec
	EngineHalted  *prometheus.GaugeVec
	Degraded      *prometheus.GaugeVec

	ApplyLatency *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "orders_processed_total",
			Help: "Commands applied, by final outcome.",
		}, []string{"instrument", "outcome"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "orders_rejected_at_admission_total",
			Help: "Requests rejected before sequencing.",
		}, []string{"instrument"}),
		Trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "trades_total",
			Help: "Trades printed.",
		}, []string{"instrument"}),
		TradedQty: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "traded_quantity_total",
			Help: "Total quantity crossed.",
		}, []string{"instrument"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "events_dropped_total",
			Help: "Outbound events lost because no outbox was available in degraded mode.",
		}, []string{"instrument"}),
		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "published_events_total",
			Help: "Outbox entries acknowledged downstream.",
		}, []string{"instrument", "sink"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vela", Name: "publish_failures_total",
			Help: "Failed publish attempts, retried from the outbox.",
		}, []string{"instrument", "sink"}),
		RestingOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vela", Name: "resting_orders",
			Help: "Orders currently in the book.",
		}, []string{"instrument"}),
		BestBid: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vela", Name: "best_bid_price",
			Help: "Top of book, bid side.",
		}, []string{"instrument"}),
		BestAsk: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vela", Name: "best_ask_price",
			Help: "Top of book, ask side.",
		}, []string{"instrument"}),
		EngineHalted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vela", Name: "engine_halted",
			Help: "1 when the instrument's engine halted on an invariant violation.",
		}, []string{"instrument"}),
		Degraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vela", Name: "engine_degraded",
			Help: "1 while downstream backpressure is rejecting new orders.",
		}, []string{"instrument"}),
		ApplyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vela", Name: "apply_latency_seconds",
			Help:    "Time to apply one command.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"instrument"}),
	}
}
