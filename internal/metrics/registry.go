// Package metrics exposes Prometheus instrumentation for the stream engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry wraps the process-wide Prometheus collectors used across runners.
type Registry struct {
	BarsProcessed    *prometheus.CounterVec
	SignalsGenerated *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	OpenPositions    *prometheus.GaugeVec
	HandlerLatency   *prometheus.HistogramVec
	FeedReconnects   *prometheus.CounterVec
}

// NewRegistry builds and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_engine_bars_processed_total",
			Help: "Closed bars processed per symbol/timeframe.",
		}, []string{"symbol", "timeframe"}),
		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_engine_signals_generated_total",
			Help: "Non-neutral signals emitted per symbol/timeframe.",
		}, []string{"symbol", "timeframe"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_engine_trades_executed_total",
			Help: "Trades opened or closed per symbol/timeframe/action.",
		}, []string{"symbol", "timeframe", "action"}),
		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_engine_open_positions",
			Help: "1 if a runner currently holds an open position, else 0.",
		}, []string{"symbol", "timeframe"}),
		HandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_engine_bar_handler_seconds",
			Help:    "Wall-clock time spent processing one closed bar end to end.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"symbol", "timeframe"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_engine_feed_reconnects_total",
			Help: "Reconnect attempts made by a MarketDataFeed.",
		}, []string{"symbol", "timeframe"}),
	}

	reg.MustRegister(r.BarsProcessed, r.SignalsGenerated, r.TradesExecuted, r.OpenPositions, r.HandlerLatency, r.FeedReconnects)
	return r
}
