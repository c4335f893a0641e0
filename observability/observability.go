// Package observability wraps Prometheus collectors and the logiface
// structured-logging facade behind a small surface the rest of the
// relayer depends on. /metrics serves Prometheus text format, so
// client_golang is the natural collector library here.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/logiface"
)

// Metrics bundles the counters/gauges the rest of the relayer updates.
// All collectors are registered against the provided Registerer so
// callers control whether they share the global default registry or an
// isolated one (e.g. in tests).
type Metrics struct {
	SwapsCreated     prometheus.Counter
	SwapsCompleted   prometheus.Counter
	SwapsFailed      prometheus.Counter
	SwapsRefunded    prometheus.Counter
	CoordinatorSteps *prometheus.CounterVec
	PoolLeaseLatency *prometheus.HistogramVec
	ShieldDecisions  *prometheus.CounterVec
	DefenseLevel     prometheus.Gauge
}

// NewMetrics constructs and registers the relayer's Prometheus
// collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SwapsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_swaps_created_total",
			Help: "Total number of swaps created.",
		}),
		SwapsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_swaps_completed_total",
			Help: "Total number of swaps that reached Completed.",
		}),
		SwapsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_swaps_failed_total",
			Help: "Total number of swaps that reached Failed.",
		}),
		SwapsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_swaps_refunded_total",
			Help: "Total number of swaps that reached Refunded.",
		}),
		CoordinatorSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_coordinator_steps_total",
			Help: "Coordinator state transitions, labeled by resulting status.",
		}, []string{"status"}),
		PoolLeaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayer_pool_lease_latency_seconds",
			Help:    "Observed latency of leased connection pool operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain_id", "capability"}),
		ShieldDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_shield_decisions_total",
			Help: "DDoS shield decisions, labeled by action.",
		}, []string{"action"}),
		DefenseLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayer_shield_defense_level",
			Help: "Current adaptive defense level, 1-5.",
		}),
	}

	reg.MustRegister(
		m.SwapsCreated, m.SwapsCompleted, m.SwapsFailed, m.SwapsRefunded,
		m.CoordinatorSteps, m.PoolLeaseLatency, m.ShieldDecisions, m.DefenseLevel,
	)
	return m
}

// LogAlerter routes operational alerts (emergency stops, swaps parked in
// Failed) through the shared structured logger at error level. It
// satisfies the coordinator's Alerter seam without the coordinator ever
// holding a logger of its own.
type LogAlerter struct {
	Logger *logiface.Logger[logiface.Event]
}

func (a LogAlerter) Alert(swapID, reason string) {
	if a.Logger == nil {
		return
	}
	a.Logger.Err().Str("swap", swapID).Str("reason", reason).Log("relayer alert")
}

// NewLogger erases a concrete backend logger (stumpy for development-mode
// text, izerolog for production JSON) down to the backend-agnostic
// *logiface.Logger[logiface.Event] shape the rest of the relayer depends
// on, via the Logger.Logger() widening method.
func NewLogger[E logiface.Event](backend *logiface.Logger[E]) *logiface.Logger[logiface.Event] {
	return backend.Logger()
}
