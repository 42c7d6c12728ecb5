// Package telemetry provides observability for the WasmFleet orchestrator:
// structured logging via zerolog, Prometheus metrics for the discovery,
// health-monitoring and deployment loops, and OpenTelemetry tracing around
// deploy attempts.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, "wasmfleet", version, cfg.Environment)
//
// Components receive child loggers via NewComponentLogger so every log line
// carries its origin, and typed field helpers (WithDeviceID, WithDeploymentID,
// WithModuleID) keep field names consistent across the codebase.
package telemetry
