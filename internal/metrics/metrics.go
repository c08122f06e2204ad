// Package metrics exposes the Prometheus instrumentation shared across the
// agent. Collectors are registered on the default registry and served by the
// API server under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExchangeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trading_agent",
		Subsystem: "exchange",
		Name:      "request_duration_seconds",
		Help:      "Latency of exchange REST calls by method.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})

	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "exchange",
		Name:      "errors_total",
		Help:      "Exchange RPC failures by method and error code.",
	}, []string{"method", "code"})

	ExchangeRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "exchange",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the local limiter or the exchange.",
	}, []string{"method", "source"})

	ExchangeOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "exchange",
		Name:      "orders_placed_total",
		Help:      "Orders submitted to the exchange by type and side.",
	}, []string{"type", "side"})

	SignalsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "monitor",
		Name:      "signals_processed_total",
		Help:      "Watchlist signals handled per cycle, by resulting action.",
	}, []string{"action"})

	MonitorCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Completed signal monitor cycles.",
	})

	GuardrailBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "guardrails",
		Name:      "blocks_total",
		Help:      "Order intents rejected by a guardrail, by rule code.",
	}, []string{"rule"})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Notifications delivered, by kind.",
	}, []string{"kind"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Notifications withheld by throttling, by reason.",
	}, []string{"reason"})

	ProtectiveOrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "protect",
		Name:      "orders_created_total",
		Help:      "Protective orders created, by role.",
	}, []string{"role"})

	SyncCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "ordersync",
		Name:      "cycles_total",
		Help:      "Completed reconciliation cycles.",
	})

	SyncStaleCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "ordersync",
		Name:      "stale_cancelled_total",
		Help:      "Orders locally cancelled after going missing on the exchange.",
	})

	SyncFillsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_agent",
		Subsystem: "ordersync",
		Name:      "fills_discovered_total",
		Help:      "Fills first observed during reconciliation.",
	})

	UnprotectedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trading_agent",
		Subsystem: "protect",
		Name:      "unprotected_positions",
		Help:      "Open lots currently missing stop-loss or take-profit coverage.",
	})

	PortfolioEquityUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trading_agent",
		Subsystem: "portfolio",
		Name:      "equity_usd",
		Help:      "Last portfolio equity reading used by the exposure guardrail.",
	})

	WatchlistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trading_agent",
		Subsystem: "monitor",
		Name:      "watchlist_size",
		Help:      "Symbols read from the watchlist on the latest cycle.",
	})
)
