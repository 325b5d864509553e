package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edvin/dbsync/internal/model"
)

// tenancy is the billing tenancy label for shared db-sync replicas.
const tenancy = "proxy"

// Metrics is the counter sink for provisioning and metering. Safe for
// concurrent use.
type Metrics struct {
	usersCreated      *prometheus.CounterVec
	usersDropped      *prometheus.CounterVec
	reconcileFailures *prometheus.CounterVec
	meteringFailures  *prometheus.CounterVec
	consumedDCU       *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
}

// New registers the operator metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		usersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmtr_dbsync_users_created_total",
			Help: "total of users created in dbsync",
		}, []string{"project", "network"}),
		usersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmtr_dbsync_users_dropped_total",
			Help: "total of users dropped in dbsync",
		}, []string{"project", "network"}),
		reconcileFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmtr_dbsync_reconciliation_errors_total",
			Help: "reconciliation errors",
		}, []string{"instance", "error"}),
		meteringFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmtr_dbsync_metrics_errors_total",
			Help: "errors to calculation metrics",
		}, []string{"error"}),
		consumedDCU: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dmtr_consumed_dcus",
			Help: "quantity of dcu consumed",
		}, []string{"project", "network", "resource", "tier", "service_type", "tenancy"}),
		reconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dmtr_dbsync_reconcile_duration_seconds",
			Help:    "Duration of each reconcile attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
}

func (m *Metrics) UserCreated(project, network string) {
	m.usersCreated.WithLabelValues(project, network).Inc()
}

func (m *Metrics) UserDropped(project, network string) {
	m.usersDropped.WithLabelValues(project, network).Inc()
}

func (m *Metrics) ReconcileFailure(instance string, kind model.ErrorKind) {
	m.reconcileFailures.WithLabelValues(instance, string(kind)).Inc()
}

func (m *Metrics) MeteringFailure(kind model.ErrorKind) {
	m.meteringFailures.WithLabelValues(string(kind)).Inc()
}

// ConsumedDCU adds whole consumption units for one port.
func (m *Metrics) ConsumedDCU(project, network, resource, tier string, units float64) {
	m.consumedDCU.WithLabelValues(project, network, resource, tier, model.ServiceType, tenancy).Add(units)
}

// ObserveReconcile records how long one reconcile attempt took.
func (m *Metrics) ObserveReconcile(failed bool, d time.Duration) {
	result := "success"
	if failed {
		result = "failure"
	}
	m.reconcileDuration.WithLabelValues(result).Observe(d.Seconds())
}
