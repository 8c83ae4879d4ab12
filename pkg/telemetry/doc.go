// Package telemetry provides observability instrumentation for stackkit.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging stackkit deployments.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stackkit"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithStackID("gpu-stack").WithPhase("compute")
//	logger.Info("Provisioning compute resources")
//	logger.WithError(err).Error("Provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into deployment flow and performance:
//
//	ctx, span := tel.Tracer.StartDeploySpan(ctx, stackID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Span helpers exist for deployments, phases, syncs, rollbacks, and provider
// calls. Supported exporters: OTLP (production), Stdout (development).
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	tel.Metrics.RecordDeploymentStarted("gpu-stack")
//	tel.Metrics.RecordDeploymentCompleted("completed", duration)
//	tel.Metrics.RecordSyncOperation("push", "success")
//	tel.Metrics.RecordSyncConflict("timestamp")
//	tel.Metrics.RecordConflictResolution("keep-local")
//	tel.Metrics.RecordRollback("partial", "health-failure", "completed")
//	tel.Metrics.RecordError("transient", "THROTTLED")
//
// Key metrics exposed:
//
//  - stackkit_deployments_started_total{stack}
//  - stackkit_deployments_completed_total{status}
//  - stackkit_deployment_duration_seconds{status}
//  - stackkit_phases_executed_total{phase,status}
//  - stackkit_sync_operations_total{direction,outcome}
//  - stackkit_sync_conflicts_total{strategy}
//  - stackkit_conflict_resolutions_total{resolution}
//  - stackkit_rollbacks_total{mode,trigger,outcome}
//  - stackkit_rollback_resources_total{status}
//  - stackkit_errors_by_category_total{category}
//  - stackkit_active_deployments
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics). All
// record methods are safe on a nil *Metrics, so components never need to
// guard their instrumentation calls.
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishDeploymentStarted(stackID, user)
//	tel.Events.PublishRollbackTriggered(stackID, "health-failure", "partial")
//	tel.Events.PublishConflictDetected(stackID, "s3", conflictID)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByStackID,
// FilterByResourceID
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures all buffered events are published and all pending traces are
// exported.
package telemetry
