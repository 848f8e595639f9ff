package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. Label "table" is
// one of "entity" or "entity_detail".
type Metrics struct {
	VersionsOpened   *prometheus.CounterVec
	VersionsClosed   *prometheus.CounterVec
	NoopUpdates      *prometheus.CounterVec
	TransitionErrors *prometheus.CounterVec
	AuditRecords     *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		VersionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_versions_opened_total",
			Help: "Total number of record versions opened.",
		}, []string{"table"}),
		VersionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_versions_closed_total",
			Help: "Total number of record versions closed.",
		}, []string{"table"}),
		NoopUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_noop_updates_total",
			Help: "Updates suppressed because the content hash was unchanged.",
		}, []string{"table"}),
		TransitionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_transition_errors_total",
			Help: "Failed version transitions by error kind.",
		}, []string{"table", "kind"}),
		AuditRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_audit_records_total",
			Help: "Audit log rows written by operation.",
		}, []string{"operation"}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_current_cache_hits_total",
			Help: "Current-version cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_current_cache_misses_total",
			Help: "Current-version cache misses.",
		}),
	}
}
