// Package metrics gives incrond's go.mod dependency on
// github.com/prometheus/client_golang a concrete home: counters and
// gauges tracking dispatcher activity, exported over HTTP via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsDrained counts inotify events pulled off any per-principal
	// Watch Registry, before rule matching.
	EventsDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "incrond",
		Name:      "events_drained_total",
		Help:      "Total inotify events drained from per-principal watch registries.",
	})

	// RulesMatched counts events that resolved to a live Rule and were
	// handed to the command expander.
	RulesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incrond",
		Name:      "rules_matched_total",
		Help:      "Total events matched to a rule, by table kind.",
	}, []string{"kind"})

	// ChildrenSpawned counts successful fork/exec calls, by table kind.
	ChildrenSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incrond",
		Name:      "children_spawned_total",
		Help:      "Total child processes spawned, by table kind.",
	}, []string{"kind"})

	// SpawnFailures counts fork/exec failures, by table kind.
	SpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incrond",
		Name:      "spawn_failures_total",
		Help:      "Total spawn failures, by table kind.",
	}, []string{"kind"})

	// AccessDenials counts events discarded by the user-table access
	// check.
	AccessDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "incrond",
		Name:      "access_denials_total",
		Help:      "Total events discarded by the per-principal access check.",
	})

	// LiveChildren is the current count of unreaped child processes.
	LiveChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "incrond",
		Name:      "live_children",
		Help:      "Current number of spawned, unreaped child processes.",
	})

	// PrincipalsLoaded is the current count of loaded system and user
	// tables.
	PrincipalsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "incrond",
		Name:      "principals_loaded",
		Help:      "Current number of loaded system and user tables.",
	})
)

// Handler returns the promhttp handler serving the default registry, for
// cmd/incrond to mount under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
