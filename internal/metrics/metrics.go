// Package metrics exposes the Prometheus series the daemon updates during
// operation:
//
//	bot_bars_ingested_total            – finalized bars consumed by the engine
//	bot_transitions_total{from,to}     – state machine transitions
//	bot_orders_total{action,outcome}   – adapter order legs by outcome
//	bot_stream_reconnects_total        – market data socket reconnects
//	bot_engine_state                   – current state code (0-7) as a gauge
//	bot_balance_quote                  – adapter balance snapshot
//
// Registered in init() and served at /metrics by the dashboard.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	barsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_bars_ingested_total",
			Help: "Finalized bars consumed by the engine",
		},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_transitions_total",
			Help: "State machine transitions",
		},
		[]string{"from", "to"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Adapter order legs by outcome",
		},
		[]string{"action", "outcome"}, // action: open_long|open_short|close_long|close_short, outcome: ok|error
	)

	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_stream_reconnects_total",
			Help: "Market data socket reconnects",
		},
	)

	engineState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_engine_state",
			Help: "Current engine state code (0-7)",
		},
	)

	balance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_balance_quote",
			Help: "Adapter quote balance snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(barsIngested, transitions, orders)
	prometheus.MustRegister(streamReconnects, engineState, balance)
}

func IncBarsIngested() { barsIngested.Inc() }

func IncTransition(from, to string) { transitions.WithLabelValues(from, to).Inc() }

func IncOrder(action, outcome string) { orders.WithLabelValues(action, outcome).Inc() }

func IncStreamReconnect() { streamReconnects.Inc() }

func SetEngineState(code int) { engineState.Set(float64(code)) }

func SetBalance(v float64) { balance.Set(v) }
