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

// StoreOperation identifies the store method being instrumented.
type StoreOperation string

const (
	// StoreOperationLookup records store lookups.
	StoreOperationLookup StoreOperation = "lookup"
	// StoreOperationWrite records store writes.
	StoreOperationWrite StoreOperation = "write"
)

// LookupOutcome captures the result of a store lookup.
type LookupOutcome string

const (
	LookupHit   LookupOutcome = "hit"
	LookupMiss  LookupOutcome = "miss"
	LookupError LookupOutcome = "error"
)

// WriteOutcome captures the result of a store write.
type WriteOutcome string

const (
	WriteStored WriteOutcome = "stored"
	// WriteDropped marks a write against a store deleted while the write was in flight.
	WriteDropped WriteOutcome = "dropped"
	WriteError   WriteOutcome = "error"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec

	evictions   *prometheus.CounterVec
	precache    *prometheus.CounterVec
	commands    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests answered by a caching strategy.",
	}, []string{"category", "strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachectrl",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"category", "strategy", "source"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the strategy engine.",
	}, []string{"category", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachectrl",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"category", "operation", "result"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Entries removed by eviction passes.",
	}, []string{"category"})

	precache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "lifecycle",
		Name:      "precache_total",
		Help:      "Shell resources fetched during install.",
	}, []string{"result"})

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "command",
		Name:      "messages_total",
		Help:      "Commands received from the foreground application.",
	}, []string{"type", "result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachectrl",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions.",
	}, []string{"state"})

	reg.MustRegister(fetchRequests, fetchLatency, storeOperations, storeLatency, evictions, precache, commands, transitions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
		evictions:       evictions,
		precache:        precache,
		commands:        commands,
		transitions:     transitions,
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

// ObserveFetch records which source answered an intercepted request.
func (r *Recorder) ObserveFetch(category, strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	categoryLabel := normalizeLabel(category)
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(categoryLabel, strategyLabel, sourceLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(categoryLabel, strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveLookup records the result of a store lookup.
func (r *Recorder) ObserveLookup(category string, result LookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	r.observeStore(normalizeLabel(category), StoreOperationLookup, resultLabel, duration)
}

// ObserveWrite records the result of a store write.
func (r *Recorder) ObserveWrite(category string, result WriteOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(WriteError)
	}
	r.observeStore(normalizeLabel(category), StoreOperationWrite, resultLabel, duration)
}

// ObserveEviction records entries removed by one eviction pass.
func (r *Recorder) ObserveEviction(category string, removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.evictions.WithLabelValues(normalizeLabel(category)).Add(float64(removed))
}

// ObservePrecache records one precache attempt.
func (r *Recorder) ObservePrecache(ok bool) {
	if r == nil {
		return
	}
	result := "failed"
	if ok {
		result = "stored"
	}
	r.precache.WithLabelValues(result).Inc()
}

// ObserveCommand records a processed command message.
func (r *Recorder) ObserveCommand(kind, result string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// ObserveTransition records entry into a lifecycle state.
func (r *Recorder) ObserveTransition(state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(normalizeLabel(state)).Inc()
}

func (r *Recorder) observeStore(category string, operation StoreOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StoreOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.storeOperations.WithLabelValues(category, opLabel, resLabel).Inc()
	r.storeLatency.WithLabelValues(category, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
