package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for stackkit. All record methods are
// safe on a nil receiver so callers can run without metrics configured.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec

	// Phase metrics
	phasesExecuted *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec

	// Sync metrics
	syncOperations      *prometheus.CounterVec
	syncDuration        *prometheus.HistogramVec
	syncConflicts       *prometheus.CounterVec
	conflictResolutions *prometheus.CounterVec

	// Rollback metrics
	rollbacks         *prometheus.CounterVec
	rollbackDuration  *prometheus.HistogramVec
	rollbackResources *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByCategory *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec

	// System metrics
	lockTimeouts      *prometheus.CounterVec
	snapshotsPruned   prometheus.Counter
	activeDeployments prometheus.Gauge
	resourcesManaged  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Deployment metrics
		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"stack"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments completed",
			},
			[]string{"status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployment execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Phase metrics
		phasesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_executed_total",
				Help:      "Total number of deployment phases executed",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of deployment phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		// Sync metrics
		syncOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_operations_total",
				Help:      "Total number of state sync operations",
			},
			[]string{"direction", "outcome"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of state sync operations in seconds",
				Buckets:   buckets,
			},
			[]string{"direction"},
		),
		syncConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_conflicts_total",
				Help:      "Total number of sync conflicts detected",
			},
			[]string{"strategy"},
		),
		conflictResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflict_resolutions_total",
				Help:      "Total number of sync conflict resolutions",
			},
			[]string{"resolution"},
		),

		// Rollback metrics
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks executed",
			},
			[]string{"mode", "trigger", "outcome"},
		),
		rollbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollback_duration_seconds",
				Help:      "Duration of rollback execution in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		rollbackResources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_resources_total",
				Help:      "Total number of resources processed during rollbacks",
			},
			[]string{"status"},
		),

		// Provider metrics
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		// Error metrics
		errorsByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_category_total",
				Help:      "Total number of errors by error category",
			},
			[]string{"category"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		lockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Total number of lock acquisition timeouts",
			},
			[]string{"lock"},
		),
		snapshotsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_pruned_total",
				Help:      "Total number of rollback snapshots pruned",
			},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of active deployments",
			},
		),
		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of managed resources",
			},
			[]string{"type", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.phasesExecuted,
		m.phaseDuration,
		m.syncOperations,
		m.syncDuration,
		m.syncConflicts,
		m.conflictResolutions,
		m.rollbacks,
		m.rollbackDuration,
		m.rollbackResources,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByCategory,
		m.errorsByCode,
		m.lockTimeouts,
		m.snapshotsPruned,
		m.activeDeployments,
		m.resourcesManaged,
	)

	return m, nil
}

// Deployment Metrics

// RecordDeploymentStarted increments the counter for started deployments.
func (m *Metrics) RecordDeploymentStarted(stack string) {
	if m == nil || m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(stack).Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted records a completed deployment with its final
// status and duration.
func (m *Metrics) RecordDeploymentCompleted(status string, duration time.Duration) {
	if m == nil || m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// Phase Metrics

// RecordPhaseExecution records the execution of a deployment phase.
func (m *Metrics) RecordPhaseExecution(phase, status string, duration time.Duration) {
	if m == nil || m.phasesExecuted == nil {
		return
	}
	m.phasesExecuted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// Sync Metrics

// RecordSyncOperation records a state sync operation and its outcome.
func (m *Metrics) RecordSyncOperation(direction, outcome string) {
	if m == nil || m.syncOperations == nil {
		return
	}
	m.syncOperations.WithLabelValues(direction, outcome).Inc()
}

// RecordSyncDuration records how long a sync operation took.
func (m *Metrics) RecordSyncDuration(direction string, duration time.Duration) {
	if m == nil || m.syncDuration == nil {
		return
	}
	m.syncDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordSyncConflict records a detected sync conflict.
func (m *Metrics) RecordSyncConflict(strategy string) {
	if m == nil || m.syncConflicts == nil {
		return
	}
	m.syncConflicts.WithLabelValues(strategy).Inc()
}

// RecordConflictResolution records a conflict resolution by outcome.
func (m *Metrics) RecordConflictResolution(resolution string) {
	if m == nil || m.conflictResolutions == nil {
		return
	}
	m.conflictResolutions.WithLabelValues(resolution).Inc()
}

// Rollback Metrics

// RecordRollback records a rollback execution.
func (m *Metrics) RecordRollback(mode, trigger, outcome string) {
	if m == nil || m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(mode, trigger, outcome).Inc()
}

// RecordRollbackDuration records how long a rollback took.
func (m *Metrics) RecordRollbackDuration(mode string, duration time.Duration) {
	if m == nil || m.rollbackDuration == nil {
		return
	}
	m.rollbackDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRollbackResource records one resource processed during a rollback.
func (m *Metrics) RecordRollbackResource(status string) {
	if m == nil || m.rollbackResources == nil {
		return
	}
	m.rollbackResources.WithLabelValues(status).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Error Metrics

// RecordError records an error by category and optionally by code.
func (m *Metrics) RecordError(category, code string) {
	if m == nil || m.errorsByCategory == nil {
		return
	}
	m.errorsByCategory.WithLabelValues(category).Inc()
	if code != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// System Metrics

// RecordLockTimeout records a lock acquisition timeout.
func (m *Metrics) RecordLockTimeout(lock string) {
	if m == nil || m.lockTimeouts == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(lock).Inc()
}

// RecordSnapshotsPruned records pruned rollback snapshots.
func (m *Metrics) RecordSnapshotsPruned(n int) {
	if m == nil || m.snapshotsPruned == nil || n <= 0 {
		return
	}
	m.snapshotsPruned.Add(float64(n))
}

// SetActiveDeployments sets the current number of active deployments.
func (m *Metrics) SetActiveDeployments(count float64) {
	if m == nil || m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Set(count)
}

// SetResourceCount sets the current count of managed resources.
func (m *Metrics) SetResourceCount(resourceType, status string, count float64) {
	if m == nil || m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(resourceType, status).Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server to expose metrics.
// It is a no-op without a listen address; callers that mount Handler on
// their own mux leave the address empty.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
