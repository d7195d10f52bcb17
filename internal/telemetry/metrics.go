// Package telemetry holds the evaluator service's Prometheus metrics and the
// HTTP middleware that records them, following the teacher's
// internal/telemetry package shape.
package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_http_requests_total",
			Help: "Total HTTP requests served by the evaluator API.",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// EvaluationErrorsTotal is incremented once per flag result whose Error
	// field is non-empty, labelled by matching.ErrorKind (spec.md §6/§7:
	// "every evaluation error bumps a Prometheus counter labelled with the
	// kind string").
	EvaluationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_evaluation_errors_total",
			Help: "Count of per-flag evaluation errors, labelled by error kind.",
		},
		[]string{"kind"},
	)

	// FlagsEvaluatedTotal counts every flag result returned by EvaluateAll,
	// labelled by outcome reason, giving operators a cheap proxy for rollout
	// health without reading request bodies.
	FlagsEvaluatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_flags_evaluated_total",
			Help: "Count of evaluated flag results, labelled by reason.",
		},
		[]string{"reason"},
	)
)

// Init registers every collector with the default Prometheus registry. It
// must run once before the metrics server starts serving /metrics.
func Init() {
	prometheus.MustRegister(httpReqs, httpDur, EvaluationErrorsTotal, FlagsEvaluatedTotal)
}

// Middleware records request counts and latency, keyed by the matched chi
// route pattern when available.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
