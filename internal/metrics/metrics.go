package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "secshare",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "secshare",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	reveals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "engine",
			Name:      "reveals_total",
			Help:      "Reveal attempts by outcome.",
		},
		[]string{"outcome"},
	)

	creations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "engine",
			Name:      "creations_total",
			Help:      "Secret creation attempts by result.",
		},
		[]string{"result"},
	)

	purges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "engine",
			Name:      "purges_total",
			Help:      "Secrets whose content was destroyed, by reason.",
		},
		[]string{"reason"},
	)

	ledgerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "engine",
			Name:      "ledger_failures_total",
			Help:      "Access log entries that could not be written.",
		},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secshare",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Background sweep runs by result.",
		},
		[]string{"result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "secshare",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of background sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		reveals,
		creations,
		purges,
		ledgerFailures,
		sweepRuns,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency. Routes are labelled
// by their chi pattern so secret ids never become label values.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordReveal(outcome string) {
	reveals.WithLabelValues(outcome).Inc()
}

func RecordCreation(result string) {
	creations.WithLabelValues(result).Inc()
}

func RecordPurge(reason string) {
	purges.WithLabelValues(reason).Inc()
}

func RecordLedgerFailure() {
	ledgerFailures.Inc()
}

// RecordSweep records one background sweep run.
func RecordSweep(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sweepRuns.WithLabelValues(result).Inc()
	sweepDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
