// Package metrics provides Prometheus instrumentation for the trading game.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "game_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused by the ledger, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_trade_rejections_total",
		Help: "Trades rejected by the trading ledger",
	}, []string{"reason"})

	// InstrumentVolume tracks cumulative traded quantity per instrument.
	InstrumentVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_instrument_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"symbol", "side"})

	// PhaseTransitions counts scheduler transitions by target phase.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_phase_transitions_total",
		Help: "Game phase transitions",
	}, []string{"to"})

	// CurrentRound is the round the game is in; zero while inactive.
	CurrentRound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_current_round",
		Help: "Current game round, 0 when the game is inactive",
	})

	QuizSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_quiz_submissions_total",
		Help: "Quiz submissions by correctness",
	}, []string{"correct"})

	PriceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_price_updates_total",
		Help: "Instrument price changes applied from news events",
	})

	// ScoringFailures counts teams whose ESG update failed during a scoring pass.
	ScoringFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_scoring_failures_total",
		Help: "Per-team failures during the ESG scoring pass",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the per-client limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "game_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
