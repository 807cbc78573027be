// Package telemetry provides comprehensive observability instrumentation for DistForge.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging DistForge build pipelines.
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
//	cfg.ServiceName = "distforge"
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
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithUnit("linux-kernel", "fedora-41", "build")
//	logger.Info("Starting stage execution")
//	logger.WithError(err).Error("Stage execution failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// Output captured from commands running inside a cage must never reach the
// terminal raw. Route it through CommandOutput, which replaces every byte
// outside the printable ASCII range before logging:
//
//	logger.CommandOutput("stdout", line)
//
// # Distributed Tracing
//
// Tracing provides visibility into pipeline flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("build.component", component),
//	    attribute.String("stage", "build"),
//	)
//
//	// Record events
//	span.AddEvent("sources.verified")
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track pipeline behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted("package")
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//
//	// Record unit execution
//	tel.Metrics.RecordUnitExecution("build", "succeeded", duration, "rpm")
//
//	// Record cage lifecycle
//	tel.Metrics.RecordCageOpened("docker")
//	tel.Metrics.RecordCageTeardown("docker", "destroyed")
//
//	// Record errors
//	tel.Metrics.RecordError("execution")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishRunStarted(runID, command)
//	tel.Events.PublishUnitCompleted(runID, component, distribution, stage, duration)
//	tel.Events.PublishPublishDenied(component, distribution, repository, reason)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByComponent
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "plan.build",
//	    attribute.String("run.id", runID))
//	defer ic.End(err)
//
//	ic.Logger.Info("Building execution plan")
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, command)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	// Unit context
//	ctx = telemetry.WithUnitContext(ctx, runID, unitID, component, distribution, stage)
//	defer telemetry.EndUnitContext(ctx, runID, component, distribution, stage, family, status, err)
//
//	// Cage operation
//	err := telemetry.RecordCageOperation(ctx, "docker", "create", func(ctx context.Context) error {
//	    return cage.Open(ctx)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// CI (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.CIConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName: "distforge",
//	    ServiceVersion: "1.0.0",
//	    Environment: "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level: "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled: true,
//	        Exporter: "otlp",
//	        Endpoint: "otel-collector:4317",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled: true,
//	        ListenAddress: ":9090",
//	    },
//	}
//
// # Performance Considerations
//
// The telemetry system is designed for minimal overhead:
//
//  - Structured logging uses zerolog's zero-allocation approach
//  - Tracing uses sampling to reduce data volume in CI
//  - Metrics use Prometheus's efficient storage format
//  - Events are buffered and batched to reduce I/O
//  - All operations are non-blocking when possible
//
// Build stages routinely run for hours; the duration histograms use buckets
// ranging from 500ms up to two hours to stay meaningful at that scale.
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
// This ensures:
//  - All buffered events are published
//  - All pending traces are exported
//  - Metrics are finalized
//
// # Integration with the DistForge Engine
//
// The engine components automatically integrate with telemetry when available:
//
//  1. Run execution: Automatic run-level tracing and metrics
//  2. Stage barriers: Per-stage spans and duration histograms
//  3. Units: Per-unit tracing with component and distribution context
//  4. Cages: Lifecycle phase tracking and teardown outcomes
//  5. Release gating: Publish denial events and metrics
//
// # Exporters
//
// Tracing supports multiple exporters:
//
//  - "stdout": Print traces to stdout (development)
//  - "otlp": Export via OTLP/gRPC (CI, works with collectors)
//  - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter and TracingConfig.Endpoint
//
// # Common Metrics
//
// Key metrics exposed:
//
//  - distforge_runs_started_total{command}
//  - distforge_runs_completed_total{status}
//  - distforge_run_duration_seconds{status}
//  - distforge_stage_duration_seconds{stage}
//  - distforge_units_executed_total{stage,status}
//  - distforge_unit_duration_seconds{stage,family}
//  - distforge_cages_opened_total{executor}
//  - distforge_cage_teardowns_total{executor,outcome}
//  - distforge_cage_phase_duration_seconds{executor,phase}
//  - distforge_errors_by_class_total{class}
//  - distforge_publish_denials_total{repository}
//  - distforge_active_runs
//  - distforge_queued_units
//
// # Best Practices
//
//  1. Always use context to propagate telemetry
//  2. Use component-specific loggers for clarity
//  3. Add meaningful attributes to spans
//  4. Record both success and failure metrics
//  5. Use appropriate log levels
//  6. Filter events to avoid overwhelming subscribers
//  7. Monitor telemetry overhead in CI
//  8. Configure sampling for high-volume pipelines
//  9. Always call defer span.End() after starting a span
//  10. Shut down gracefully to avoid data loss
//
// # Security Considerations
//
//  - Never log sensitive data (signing keys, tokens, passphrases)
//  - Sanitize command output from cages before logging (CommandOutput)
//  - Use secure connections (TLS) for trace exporters outside development
//  - Limit metrics endpoint access via network policies
//  - Consider event data before adding to audit logs
//
package telemetry
