// Package metrics instruments the harness's inbound confirmation paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "conserver_testsuite_"

// Metrics holds the counters exposed on the listener's /metrics endpoint.
// Each test run owns its own registry so repeated runs in one process never
// trip duplicate-registration panics.
type Metrics struct {
	CallbacksReceived     prometheus.Counter
	CallbacksMalformed    prometheus.Counter
	ArtifactsObserved     prometheus.Counter
	ConfirmationsOrphaned prometheus.Counter
	ItemsDispatched       *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		CallbacksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "callbacks_received",
			Help: "Number of well-formed webhook callbacks received",
		}),
		CallbacksMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "callbacks_malformed",
			Help: "Number of webhook callbacks discarded as malformed",
		}),
		ArtifactsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "artifacts_observed",
			Help: "Number of persisted artifacts observed in the storage directory",
		}),
		ConfirmationsOrphaned: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "confirmations_orphaned",
			Help: "Number of confirmations referencing an unregistered work item",
		}),
		ItemsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "items_dispatched",
			Help: "Number of dispatched work items by outcome",
		}, []string{"outcome"}),
		registry: registry,
	}
}

// Handler returns an http.Handler serving this run's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
