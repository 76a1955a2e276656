// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// WagersTotal counts settled instant wagers, partitioned by game and result.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_wagers_total",
		Help: "Total number of instant wagers settled",
	}, []string{"game", "result"})

	// WagerRejections counts wagers rejected before settlement, by reason code.
	WagerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_wager_rejections_total",
		Help: "Wagers rejected before any balance change",
	}, []string{"game", "reason"})

	// SettlementLatency tracks the duration of one atomic settlement.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"game"})

	// TradesOpened counts opened trades by direction.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_opened_total",
		Help: "Trades opened",
	}, []string{"direction"})

	// TradesResolved counts resolutions by outcome.
	TradesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_resolved_total",
		Help: "Trades resolved",
	}, []string{"result"})

	// TradesSettled counts ledger applications for trades.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_settled_total",
		Help: "Trades settled against the ledger",
	}, []string{"result"})

	// TradesPendingSettlement tracks resolved trades not yet settled, as seen by the watcher.
	TradesPendingSettlement = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_trades_pending_settlement",
		Help: "Resolved trades awaiting settlement",
	})

	// SequenceLength tracks the absolute length of the shared sequence.
	SequenceLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_sequence_length",
		Help: "Absolute length of the shared outcome sequence",
	})

	// SequenceAppendConflicts counts lost compare-and-append races.
	SequenceAppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_sequence_append_conflicts_total",
		Help: "Sequence appends rejected because another writer won",
	})

	// EventsDropped counts settlement events that never reached the broker.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_events_dropped_total",
		Help: "Settlement events dropped before delivery, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result labels a boolean outcome.
func Result(win bool) string {
	if win {
		return "win"
	}
	return "loss"
}

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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
