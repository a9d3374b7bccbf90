// Package metrics exposes the engine's Prometheus metrics: per-stage
// latency histograms, order-outcome counters, and a per-signal
// LatencyTracker for the hot-path budget.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var hotPathBuckets = []float64{10, 25, 50, 75, 100, 150, 250, 500, 1000, 2500}
var stageBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var (
	HotPathMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_hot_path_ms",
		Help:    "End-to-end signal-to-submit latency in milliseconds.",
		Buckets: hotPathBuckets,
	})
	QuoteMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_quote_ms",
		Help:    "Router Client quote round-trip latency in milliseconds.",
		Buckets: stageBuckets,
	})
	SignMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_sign_ms",
		Help:    "Quote-received to signed latency (swap build plus signing) in milliseconds.",
		Buckets: stageBuckets,
	})
	SubmitMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_submit_ms",
		Help:    "RPC Gateway submit latency in milliseconds.",
		Buckets: stageBuckets,
	})
	ConfirmMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_confirm_ms",
		Help:    "Confirmation poll latency in milliseconds.",
		Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 20000, 30000},
	})

	OrdersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_started_total",
		Help: "Orders that entered PENDING.",
	})
	OrdersConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_confirmed_total",
		Help: "Orders that reached CONFIRMED.",
	})
	OrdersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_failed_total",
		Help: "Orders that reached FAILED.",
	})
	OrdersAbortedLatency = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_aborted_latency_total",
		Help: "Orders aborted for exceeding the hot-path latency budget.",
	})

	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_trades_total",
		Help: "Positions fully closed.",
	})
	TradesWon = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_trades_won_total",
		Help: "Positions closed with positive realized PnL.",
	})

	BundleSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_bundle_success_total",
		Help: "Fire-and-forget bundle relay submissions that did not error locally.",
	})
	BundleFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_bundle_fallback_total",
		Help: "Submits that fell back to the normal RPC path only (no bundle configured or it errored).",
	})

	BlockhashServedCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_blockhash_served_cached_total",
		Help: "Blockhash requests served from the prefetched entry.",
	})
	BlockhashSyncFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_blockhash_sync_fetch_total",
		Help: "Blockhash requests that had to fetch synchronously because the prefetched entry aged out.",
	})
	BlockhashRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_blockhash_refresh_failures_total",
		Help: "Background blockhash prefetch attempts that errored.",
	})
	BlockhashExpiryHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_blockhash_expiry_height",
		Help: "lastValidBlockHeight of the prefetched blockhash; transactions submitted against it cannot land past this height.",
	})
)

// Recent hot-path latencies kept in-process for the console status
// line's percentiles; the Prometheus histogram answers the same question
// server-side only.
var (
	sampleMu    sync.Mutex
	hotSamples  [512]float64
	sampleIdx   int
	sampleCount int
)

func recordHotPathSample(ms float64) {
	sampleMu.Lock()
	hotSamples[sampleIdx] = ms
	sampleIdx = (sampleIdx + 1) % len(hotSamples)
	if sampleCount < len(hotSamples) {
		sampleCount++
	}
	sampleMu.Unlock()
}

// HotPathQuantiles returns the p50/p95/p99 of recent hot-path latencies
// in milliseconds; ok is false until at least one order has been
// submitted.
func HotPathQuantiles() (p50, p95, p99 float64, ok bool) {
	sampleMu.Lock()
	n := sampleCount
	buf := make([]float64, n)
	copy(buf, hotSamples[:n])
	sampleMu.Unlock()

	if n == 0 {
		return 0, 0, 0, false
	}
	sort.Float64s(buf)
	q := func(p float64) float64 { return buf[int(p*float64(n-1))] }
	return q(0.50), q(0.95), q(0.99), true
}

var (
	serverOnce sync.Once
)

// StartServer exposes /metrics on addr. Safe to call more than once; the
// HTTP server is started only on the first call.
func StartServer(addr string) {
	serverOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", addr).Msg("metrics server started")
	})
}

// LatencyTracker marks each stage boundary for a single signal's
// traversal of the hot path and, on Finish, publishes every stage
// duration to the histograms above.
type LatencyTracker struct {
	signalReceived  time.Time
	quoteRequested  time.Time
	quoteReceived   time.Time
	signed          time.Time
	submitted       time.Time
	confirmed       time.Time
}

// NewLatencyTracker starts a tracker at the moment a signal is received.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{signalReceived: time.Now()}
}

func (l *LatencyTracker) MarkQuoteRequested() { l.quoteRequested = time.Now() }
func (l *LatencyTracker) MarkQuoteReceived()  { l.quoteReceived = time.Now() }
func (l *LatencyTracker) MarkSigned()         { l.signed = time.Now() }
func (l *LatencyTracker) MarkSubmitted()      { l.submitted = time.Now() }
func (l *LatencyTracker) MarkConfirmed()      { l.confirmed = time.Now() }

// HotPathMsSoFar returns elapsed milliseconds from signal receipt to now
// (or to submission, once marked), for the 100ms hot-path gate.
func (l *LatencyTracker) HotPathMsSoFar() float64 {
	end := time.Now()
	if !l.submitted.IsZero() {
		end = l.submitted
	}
	return float64(end.Sub(l.signalReceived).Microseconds()) / 1000.0
}

// Finish publishes every non-zero stage duration to its histogram. Call
// once the order reaches a terminal state for this signal.
func (l *LatencyTracker) Finish() {
	if !l.quoteRequested.IsZero() && !l.quoteReceived.IsZero() {
		QuoteMs.Observe(msBetween(l.quoteRequested, l.quoteReceived))
	}
	if !l.quoteReceived.IsZero() && !l.signed.IsZero() {
		SignMs.Observe(msBetween(l.quoteReceived, l.signed))
	}
	if !l.signed.IsZero() && !l.submitted.IsZero() {
		SubmitMs.Observe(msBetween(l.signed, l.submitted))
	}
	if !l.submitted.IsZero() && !l.confirmed.IsZero() {
		ConfirmMs.Observe(msBetween(l.submitted, l.confirmed))
	}
	if !l.submitted.IsZero() {
		ms := msBetween(l.signalReceived, l.submitted)
		HotPathMs.Observe(ms)
		recordHotPathSample(ms)
	}
}

func msBetween(a, b time.Time) float64 {
	return float64(b.Sub(a).Microseconds()) / 1000.0
}
