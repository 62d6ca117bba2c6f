package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_http_requests_total",
			Help: "Total requests served by the host service",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agent_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	EventsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_events_enqueued_total",
		Help: "Events accepted by sampling and queued for submission",
	})
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_events_dropped_total",
			Help: "Events lost before submission by reason",
		}, []string{"reason"},
	)
	EventsSampledOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_events_sampled_out_total",
		Help: "Events rejected by the sampling decision",
	})
	BatchesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_batches_submitted_total",
			Help: "Batch submissions by result",
		}, []string{"result"},
	)
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_batch_size",
		Help:    "Events per submitted batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agent_queue_depth",
		Help: "Events waiting in the queue",
	})
	WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_worker_restarts_total",
		Help: "Batch worker restarts triggered by the watchdog",
	})
	GovernanceApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_governance_rules_applied_total",
			Help: "Governance rules applied by rule type",
		}, []string{"type"},
	)
	GovernanceBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agent_governance_blocked_total",
		Help: "Responses replaced by a blocking rule",
	})
	Refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_refresh_total",
			Help: "Remote cache refreshes by cache and result",
		}, []string{"cache", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		EventsEnqueued, EventsDropped, EventsSampledOut,
		BatchesSubmitted, BatchSize, QueueDepth, WorkerRestarts,
		GovernanceApplied, GovernanceBlocked, Refreshes,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}

// RefreshResult maps a refresh error onto the result label.
func RefreshResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
