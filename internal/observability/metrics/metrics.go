// Package metrics exposes Prometheus collectors for the agent loops and the
// ops HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

const namespace = "chaosoracle"

// Unit results recorded by IncUnit.
const (
	UnitCompleted = "completed"
	UnitSkipped   = "skipped"
	UnitFailed    = "failed"
)

// Recorder owns a private registry so tests and multiple agents never clash
// with the global default registry. A nil *Recorder is a valid no-op.
type Recorder struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	units        *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	lastTick     *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewRecorder registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Poll ticks executed, by role and result.",
		}, []string{"role", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one poll tick.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"role"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Units or submissions handled, by role and result.",
		}, []string{"role", "result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Backend submissions, by action, mode and status.",
		}, []string{"action", "mode", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Pipeline failures, by role and error code.",
		}, []string{"role", "code"}),
		lastTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time at which the last tick finished.",
		}, []string{"role"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	r.registry.MustRegister(
		r.ticks, r.tickDuration, r.units, r.submissions, r.failures, r.lastTick,
		r.httpRequests, r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveTick records one finished tick.
func (r *Recorder) ObserveTick(role string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ticks.WithLabelValues(role, result).Inc()
	r.tickDuration.WithLabelValues(role).Observe(duration.Seconds())
	r.lastTick.WithLabelValues(role).SetToCurrentTime()
}

// IncUnit counts a unit (worker) or a pair (verifier) by result.
func (r *Recorder) IncUnit(role, result string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(role, result).Inc()
}

// ObserveSubmission counts a backend write.
func (r *Recorder) ObserveSubmission(action, mode, status string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(action, mode, status).Inc()
}

// IncFailure counts a failure by its error code.
func (r *Recorder) IncFailure(role string, err error) {
	if r == nil || err == nil {
		return
	}
	r.failures.WithLabelValues(role, string(xerrors.CodeOf(err))).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
