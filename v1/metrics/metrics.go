package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// AcquireFailedCounter tracks failed lock acquisitions after retries.
	AcquireFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_acquire_failed_total",
		Help: "Total number of failed lock acquisitions",
	})
	// ReleaseCounter tracks lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_release_total",
		Help: "Total number of lock releases",
	})
	// ForceReleaseCounter tracks administrative force releases.
	ForceReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_force_release_total",
		Help: "Total number of force releases",
	})
	// ExpiredCounter tracks locks removed by the janitor after expiry.
	ExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_expired_total",
		Help: "Total number of locks cleaned up after expiry",
	})
	// ActiveLocksGauge reports the number of locks currently held.
	ActiveLocksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keygate_active_locks",
		Help: "Current number of active locks",
	})
	// AcquireDuration observes end-to-end acquisition latency.
	AcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keygate_acquire_duration_seconds",
		Help:    "Lock acquisition latency including retries",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers keygate core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		AcquireFailedCounter,
		ReleaseCounter,
		ForceReleaseCounter,
		ExpiredCounter,
		ActiveLocksGauge,
		AcquireDuration,
	)
}
