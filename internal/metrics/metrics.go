// Package metrics exposes Prometheus collectors for the supervisor.
// Collectors are registered once via Register; the helper functions
// no-op until then, so packages can record unconditionally.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of health-scan restarts.",
		}, []string{"service"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of reaped service exits.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "initd",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of record state transitions.",
		}, []string{"service", "from", "to"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "initd",
			Subsystem: "service",
			Name:      "running",
			Help:      "Current number of running services.",
		},
	)
	currentRunlevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "initd",
			Subsystem: "supervisor",
			Name:      "runlevel",
			Help:      "Current runlevel.",
		},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "initd",
			Subsystem: "supervisor",
			Name:      "dropped_events_total",
			Help:      "Events rejected because the pending queue was full.",
		},
	)
)

// Register registers all collectors with r. Safe to call repeatedly;
// an AlreadyRegisteredError is tolerated so the default registry can be
// used from tests and the daemon alike.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceExits,
		stateTransitions, runningServices, currentRunlevel, droppedEvents,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves the default gatherer; the caller wires the server.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func IncExit(service string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(service).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetRunningServices(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}

func SetRunlevel(n int) {
	if regOK.Load() {
		currentRunlevel.Set(float64(n))
	}
}

func IncDroppedEvent() {
	if regOK.Load() {
		droppedEvents.Inc()
	}
}
