package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome identifies how the worker resolved an intercepted request.
type FetchOutcome string

const (
	// FetchHit indicates the response came from the active cache bucket.
	FetchHit FetchOutcome = "hit"
	// FetchMiss indicates the response came from the origin and may have been cached.
	FetchMiss FetchOutcome = "miss"
	// FetchOffline indicates the precached offline fallback page was served.
	FetchOffline FetchOutcome = "offline"
	// FetchSynthesized indicates a synthetic timeout response was returned.
	FetchSynthesized FetchOutcome = "synthesized"
	// FetchBypass indicates the request was proxied without interception.
	FetchBypass FetchOutcome = "bypass"
)

// InstallResult captures the outcome of a precache install attempt.
type InstallResult string

const (
	// InstallSucceeded indicates every manifest asset was precached.
	InstallSucceeded InstallResult = "success"
	// InstallFailed indicates the install aborted and the partial bucket was dropped.
	InstallFailed InstallResult = "failure"
)

// ReplayResult captures the outcome of replaying one queued sync record.
type ReplayResult string

const (
	// ReplayDelivered indicates the record was replayed and deleted.
	ReplayDelivered ReplayResult = "delivered"
	// ReplayDeferred indicates the record stays queued for a later sync trigger.
	ReplayDeferred ReplayResult = "deferred"
)

// PushResult captures the outcome of dispatching one push notification.
type PushResult string

const (
	// PushSent indicates the push service accepted the notification.
	PushSent PushResult = "sent"
	// PushFailed indicates the push service rejected or never received it.
	PushFailed PushResult = "failed"
	// PushExpired indicates the subscription was gone and has been pruned.
	PushExpired PushResult = "expired"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	precacheInstalls *prometheus.CounterVec
	installLatency   *prometheus.HistogramVec

	syncReplays *prometheus.CounterVec
	pushSends   *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgeworker",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Total intercepted requests resolved by the worker.",
	}, []string{"outcome", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgeworker",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for resolved fetch requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	precacheInstalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgeworker",
		Subsystem: "precache",
		Name:      "installs_total",
		Help:      "Precache install attempts grouped by result.",
	}, []string{"result"})

	installLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgeworker",
		Subsystem: "precache",
		Name:      "install_duration_seconds",
		Help:      "Latency distribution for precache installs.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	syncReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgeworker",
		Subsystem: "sync",
		Name:      "replays_total",
		Help:      "Queued mutation replays grouped by result.",
	}, []string{"result"})

	pushSends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgeworker",
		Subsystem: "push",
		Name:      "sends_total",
		Help:      "Push notification dispatch attempts grouped by result.",
	}, []string{"result"})

	reg.MustRegister(fetchRequests, fetchLatency, precacheInstalls, installLatency, syncReplays, pushSends)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		fetchRequests:    fetchRequests,
		fetchLatency:     fetchLatency,
		precacheInstalls: precacheInstalls,
		installLatency:   installLatency,
		syncReplays:      syncReplays,
		pushSends:        pushSends,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the outcome and latency for a resolved fetch request.
func (r *Recorder) ObserveFetch(outcome FetchOutcome, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(string(outcome))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(outcomeLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveInstall records a precache install attempt.
func (r *Recorder) ObserveInstall(result InstallResult, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := normalizeLabel(string(result))
	r.precacheInstalls.WithLabelValues(resultLabel).Inc()
	r.installLatency.WithLabelValues(resultLabel).Observe(duration.Seconds())
}

// ObserveSyncReplay records the result of replaying one queued record.
func (r *Recorder) ObserveSyncReplay(result ReplayResult) {
	if r == nil {
		return
	}
	r.syncReplays.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObservePushSend records one push dispatch attempt.
func (r *Recorder) ObservePushSend(result PushResult) {
	if r == nil {
		return
	}
	r.pushSends.WithLabelValues(normalizeLabel(string(result))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
