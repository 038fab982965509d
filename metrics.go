// FILE: metrics.go
package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics exposed on /metrics (see main.go for the HTTP server).
var (
	mtxSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_sessions_total",
		Help: "Completed live trading sessions.",
	})
	mtxSessionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_session_errors_total",
		Help: "Sessions skipped because balance or price fetch failed.",
	})
	mtxOrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_placed_total",
		Help: "Limit orders placed, by side.",
	}, []string{"side"})
	mtxPositionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_position_events_total",
		Help: "Position lifecycle events (created, merged, activated, closed, blocked, dropped).",
	}, []string{"event"})
	mtxOpenPositions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Open trailing positions, by pair and state.",
	}, []string{"pair", "state"})
	mtxLastPrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_last_price",
		Help: "Last observed price per pair.",
	}, []string{"pair"})
	mtxLastATR = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_last_atr",
		Help: "Last computed ATR per pair.",
	}, []string{"pair"})
	mtxRealizedPnl = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_realized_pnl_pct",
		Help: "P&L percentage of the most recent close per pair.",
	}, []string{"pair"})
	mtxCalibrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_calibrations_total",
		Help: "Completed calibration passes.",
	})
)

func init() {
	prometheus.MustRegister(
		mtxSessions,
		mtxSessionErrors,
		mtxOrdersPlaced,
		mtxPositionEvents,
		mtxOpenPositions,
		mtxLastPrice,
		mtxLastATR,
		mtxRealizedPnl,
		mtxCalibrations,
	)
}
