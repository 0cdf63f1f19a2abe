// Package metrics holds the Prometheus collectors exported by snapdb.
//
// Collectors are registered with the default registry at init so a host
// program only has to serve promhttp to expose them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "snapdb"

const (
	MetricCommits          = "commits_total"
	MetricRollbacks        = "rollbacks_total"
	MetricStoresOpen       = "stores_open"
	MetricVersionsRetained = "versions_retained"
	MetricPinsActive       = "pins_active"
	MetricPinsReclaimed    = "pins_reclaimed_total"
	MetricWakes            = "wakes_total"
	MetricListenerPanics   = "listener_panics_total"
	MetricAsyncQueries     = "async_queries_total"
	MetricAsyncWrites      = "async_writes_total"
)

// Commits counts committed write transactions.
var Commits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCommits,
		Help:      "Number of committed write transactions.",
	},
)

// Rollbacks counts write transactions rolled back, explicitly or on close.
var Rollbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRollbacks,
		Help:      "Number of rolled back write transactions.",
	},
)

// StoresOpen tracks paths with a non-zero reference count.
var StoresOpen = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricStoresOpen,
		Help:      "Number of store paths currently open in this process.",
	},
)

// VersionsRetained tracks snapshots kept in memory across all stores.
var VersionsRetained = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricVersionsRetained,
		Help:      "Number of snapshot versions retained in memory.",
	},
)

// PinsActive tracks unreleased snapshot pins.
var PinsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricPinsActive,
		Help:      "Number of snapshot pins currently held.",
	},
)

// PinsReclaimed counts pins released by the deferred cleanup queue.
var PinsReclaimed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricPinsReclaimed,
		Help:      "Number of abandoned snapshot pins reclaimed after garbage collection.",
	},
)

// Wakes counts change notifications by outcome (posted, deduplicated, dropped).
var Wakes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricWakes,
		Help:      "Number of cross-thread wake messages by outcome.",
	},
	[]string{"outcome"},
)

// ListenerPanics counts listener callbacks that panicked.
var ListenerPanics = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricListenerPanics,
		Help:      "Number of change listeners that panicked during dispatch.",
	},
)

// AsyncQueries counts async query completions by final state.
var AsyncQueries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricAsyncQueries,
		Help:      "Number of async query results by final state.",
	},
	[]string{"state"},
)

// AsyncWrites counts background writes by outcome (committed, failed, cancelled).
var AsyncWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricAsyncWrites,
		Help:      "Number of background write transactions by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(Commits)
	prometheus.MustRegister(Rollbacks)
	prometheus.MustRegister(StoresOpen)
	prometheus.MustRegister(VersionsRetained)
	prometheus.MustRegister(PinsActive)
	prometheus.MustRegister(PinsReclaimed)
	prometheus.MustRegister(Wakes)
	prometheus.MustRegister(ListenerPanics)
	prometheus.MustRegister(AsyncQueries)
	prometheus.MustRegister(AsyncWrites)
}
