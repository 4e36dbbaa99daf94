// Package coremetrics exposes the Prometheus metrics emitted by the core
// worker runtime, shaped after the teacher's pkg/metrics: package-level
// collector variables, registered once in init, plus a small Timer helper.
package coremetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reference counting
	OwnedObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coreworker_owned_objects",
		Help: "Number of ObjectIds currently owned by this process with a live refcount entry.",
	})
	ReferencesReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_references_released_total",
		Help: "Total number of ObjectIds whose refcount reached zero and were released.",
	})
	BorrowersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coreworker_borrowers_total",
		Help: "Total number of (object, borrower) edges currently tracked across owned objects.",
	})

	// Object transport
	ChunksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coreworker_push_chunks_in_flight",
		Help: "Number of chunk RPCs currently outstanding across all pushes.",
	})
	ChunksPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_chunks_pushed_total",
		Help: "Total number of object chunks successfully pushed.",
	})
	PullsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coreworker_pulls_in_flight",
		Help: "Number of object ids currently being pulled.",
	})
	PullRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_pull_retries_total",
		Help: "Total number of pull retry timers that fired and re-selected a node.",
	})

	// Scheduling / leasing
	LeaseLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coreworker_lease_latency_seconds",
		Help:    "Time from RequestWorkerLease to a granted or spilled-back reply.",
		Buckets: prometheus.DefBuckets,
	})
	LeasesGrantedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_leases_granted_total",
		Help: "Total number of worker leases granted.",
	})
	LeasesSpilledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_leases_spilled_total",
		Help: "Total number of lease requests spilled back to a peer node.",
	})
	TasksFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coreworker_tasks_failed_total",
		Help: "Total number of tasks that ended in failure, by error kind.",
	}, []string{"kind"})

	// Actor ordering
	ActorReorderGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coreworker_actor_reorder_gaps_total",
		Help: "Total number of scheduling-queue reorder gaps that timed out; the queue skips the missing sequence numbers and runs the buffered tasks rather than rejecting them.",
	})
)

func init() {
	prometheus.MustRegister(
		OwnedObjects,
		ReferencesReleasedTotal,
		BorrowersTotal,
		ChunksInFlight,
		ChunksPushedTotal,
		PullsInFlight,
		PullRetriesTotal,
		LeaseLatency,
		LeasesGrantedTotal,
		LeasesSpilledTotal,
		TasksFailedTotal,
		ActorReorderGapsTotal,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
