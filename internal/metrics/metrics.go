// Package metrics exposes Prometheus collectors for the hedge trader and
// the HTTP server that serves them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// BBOUpdates counts best-bid/offer updates per venue and symbol.
	BBOUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_bbo_updates_total",
			Help: "Number of BBO updates received",
		},
		[]string{"venue", "symbol"},
	)

	// BBODelay tracks the age of BBO events on arrival in milliseconds.
	BBODelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_bbo_delay_ms",
			Help:    "Delay between venue event time and local receive time",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"venue"},
	)

	// WSConnects counts WebSocket connection establishments per venue
	// and channel kind (public, private, wsapi). Anything past the first
	// connect per channel is a reconnect.
	WSConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_ws_connects_total",
			Help: "Number of WebSocket connections established",
		},
		[]string{"venue", "channel"},
	)

	// OrdersPlaced counts order placement attempts by outcome.
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_orders_placed_total",
			Help: "Number of order placement attempts",
		},
		[]string{"venue", "result"},
	)

	// OrderLatency tracks order placement round trips in milliseconds.
	OrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arb_order_latency_ms",
			Help:    "Order placement round-trip time over the trading WS",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"venue"},
	)

	// Signals counts generated hedge signals by action (open, close).
	Signals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arb_signals_total",
			Help: "Number of hedge signals generated",
		},
		[]string{"action"},
	)

	// LockedSymbols is the number of symbols currently locked by an
	// in-flight trade.
	LockedSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arb_locked_symbols",
			Help: "Symbols locked by an in-flight paired trade",
		},
	)

	// VenueBalance is the latest swap balance per venue.
	VenueBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_venue_balance",
			Help: "Swap account balance by venue",
		},
		[]string{"venue"},
	)

	// SpreadObserved is the last observed cross-venue spread per symbol
	// and side (open, close).
	SpreadObserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arb_spread_observed",
			Help: "Last observed cross-venue spread",
		},
		[]string{"symbol", "kind"},
	)
)

// RecordBBO notes one BBO update and its arrival delay.
func RecordBBO(venue, symbol string, delayMs int64) {
	BBOUpdates.WithLabelValues(venue, symbol).Inc()
	if delayMs >= 0 {
		BBODelay.WithLabelValues(venue).Observe(float64(delayMs))
	}
}

// RecordWSConnect notes an established WebSocket connection.
func RecordWSConnect(venue, channel string) {
	WSConnects.WithLabelValues(venue, channel).Inc()
}

// RecordOrderPlaced notes an order placement outcome ("ok" or "error").
func RecordOrderPlaced(venue, result string) {
	OrdersPlaced.WithLabelValues(venue, result).Inc()
}

// ObserveOrderLatency notes an order placement round trip.
func ObserveOrderLatency(venue string, ms int64) {
	OrderLatency.WithLabelValues(venue).Observe(float64(ms))
}

// RecordSignal notes a generated signal by action.
func RecordSignal(action string) {
	Signals.WithLabelValues(action).Inc()
}

// SetVenueBalance publishes the latest balance snapshot.
func SetVenueBalance(venue string, balance float64) {
	VenueBalance.WithLabelValues(venue).Set(balance)
}

// SetSpread publishes the last observed spread for a symbol.
func SetSpread(symbol, kind string, spread float64) {
	SpreadObserved.WithLabelValues(symbol, kind).Set(spread)
}

// SetLockedSymbols publishes the current lock count.
func SetLockedSymbols(n int) {
	LockedSymbols.Set(float64(n))
}

// Server serves /metrics and /health.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving metrics. Blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
