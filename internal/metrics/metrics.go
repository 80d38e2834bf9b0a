// Package metrics exposes Prometheus collectors for the supervisor. All
// helpers no-op until Register has been called, so embedding applications
// that do not care about metrics pay nothing.
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

	workerStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "worker",
		Name:      "starts_total",
		Help:      "Number of successful worker starts.",
	})
	workerStops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "worker",
		Name:      "stops_total",
		Help:      "Number of worker stops (graceful or forced).",
	})
	workerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Number of automatic restart attempts.",
	})
	workerExits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "worker",
		Name:      "unexpected_exits_total",
		Help:      "Number of worker exits not requested by the supervisor.",
	})
	healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Health probes by result.",
	}, []string{"result"})
	healthDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "health",
		Name:      "check_duration_seconds",
		Help:      "Health probe round-trip time.",
		Buckets:   prometheus.DefBuckets,
	})
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "supervisor",
		Name:      "state_transitions_total",
		Help:      "Supervisor state machine transitions.",
	}, []string{"from", "to"})
	currentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "supervisor",
		Name:      "current_state",
		Help:      "Current supervisor state (1 = active, 0 = inactive).",
	}, []string{"state"})
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Proxied worker API calls by method and outcome.",
	}, []string{"method", "outcome"})
)

// Register registers all collectors with r. Safe to call multiple times;
// AlreadyRegisteredError from a shared registry is tolerated.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, workerExits,
		healthChecks, healthDuration, stateTransitions, currentState, apiRequests,
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

// Handler serves the default gatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

func IncUnexpectedExit() {
	if regOK.Load() {
		workerExits.Inc()
	}
}

func ObserveHealthCheck(healthy bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	healthChecks.WithLabelValues(result).Inc()
	healthDuration.Observe(seconds)
}

func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	currentState.WithLabelValues(from).Set(0)
	currentState.WithLabelValues(to).Set(1)
}

func IncAPIRequest(method string, success bool) {
	if !regOK.Load() {
		return
	}
	outcome := "error"
	if success {
		outcome = "ok"
	}
	apiRequests.WithLabelValues(method, outcome).Inc()
}
