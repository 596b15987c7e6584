package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquiredCounter tracks the number of successful lock acquisitions.
	AcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_acquired_total",
		Help: "Total number of lock acquisitions",
	})
	// BlockedCounter tracks transitions to the blocked state, labeled by
	// the trigger that detected the rival.
	BlockedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_blocked_total",
		Help: "Total number of transitions to the blocked state",
	}, []string{"trigger"})
	// HeartbeatCounter tracks heartbeat refreshes of the lock record.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_heartbeats_total",
		Help: "Total number of heartbeat refreshes",
	})
	// ProbePingCounter tracks presence pings sent.
	ProbePingCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_probe_pings_total",
		Help: "Total number of presence pings sent",
	})
	// ProbePongCounter tracks pong replies sent to rival pings.
	ProbePongCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_probe_pongs_total",
		Help: "Total number of pong replies sent",
	})
	// StoreErrorCounter tracks store accesses that failed and degraded.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_store_errors_total",
		Help: "Total number of degraded store accesses",
	})
	// ActiveGauge reports the number of guards in this process currently
	// holding their lock.
	ActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_active",
		Help: "Current number of active guards",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers warden core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquiredCounter,
		BlockedCounter,
		HeartbeatCounter,
		ProbePingCounter,
		ProbePongCounter,
		StoreErrorCounter,
		ActiveGauge,
	)
}
