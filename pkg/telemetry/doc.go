// Package telemetry provides observability instrumentation for modsync.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and in-process event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry cycle and module fields:
//
//	logger := tel.Logger.NewComponentLogger("syncer").WithCycleID(cycleID)
//	logger.WithModule("some-root").Info("Module loaded")
//
// # Tracing
//
// Every sync cycle gets a "sync.cycle" span and every module load a child
// "module.load" span. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics live on a private Prometheus registry served by Metrics.Handler:
//
//	modsync_sync_cycles_total{status}
//	modsync_sync_cycle_duration_seconds{status}
//	modsync_module_loads_total{result}
//	modsync_module_errors_total{kind}
//	modsync_registry_modules
//	modsync_registry_generation
//	modsync_snapshot_publishes_total{result}
//	modsync_http_requests_total{route,code}
//
// A nil or disabled *Metrics accepts every call.
//
// # Events
//
// The EventPublisher delivers sync.* and module.* events to subscribers in
// publish order, either inline or from a buffered background goroutine.
// NewTelemetry subscribes a LogSubscriber for events at or above
// Events.LogLevel, so denials and failures reach the log even when no other
// subscriber is attached.
package telemetry
