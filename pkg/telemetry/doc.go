// Package telemetry provides logging, tracing and metrics for the scene runtime.
//
// It combines structured logging (zerolog), distributed tracing (OpenTelemetry)
// and Prometheus metrics behind one Telemetry bundle:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// The runtime opens one span per run ("scene.run"), one per plan node
// ("scene.node") and one per handler attempt ("handler.<id>"). Metrics are
// registered on a private registry and exposed through Metrics.Handler.
//
// Tracer and Metrics are nil-safe so library code can be used without a
// telemetry bundle.
package telemetry
