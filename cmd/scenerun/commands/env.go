package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scenerun/scenerun/pkg/adapters/moqui"
	"github.com/scenerun/scenerun/pkg/audit"
	"github.com/scenerun/scenerun/pkg/bindings"
	"github.com/scenerun/scenerun/pkg/bindings/plugins"
	"github.com/scenerun/scenerun/pkg/config"
	"github.com/scenerun/scenerun/pkg/engine"
	"github.com/scenerun/scenerun/pkg/policy"
	"github.com/scenerun/scenerun/pkg/telemetry"
)

// runtimeEnv holds everything a run needs, built from config.
type runtimeEnv struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	plugins  *plugins.Report
	registry *bindings.Registry
	moqui    *moqui.Client
	gate     *policy.Gate
	emitter  *audit.Emitter
	sink     *audit.SQLiteSink
	runtime  *engine.Runtime
}

// newRuntimeEnv wires plugins, built-in handlers, the policy gate and the
// audit emitter into a runtime. Plugins register before built-ins so they
// take precedence.
func newRuntimeEnv(ctx context.Context, cfg *config.Config) (*runtimeEnv, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	env := &runtimeEnv{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	if err := env.wire(ctx); err != nil {
		env.Close(ctx)
		return nil, err
	}
	return env, nil
}

func (e *runtimeEnv) wire(ctx context.Context) error {
	opts := e.cfg.PluginOptions()
	opts.Logger = e.logger
	e.plugins = plugins.Load(ctx, opts)
	for _, w := range e.plugins.Warnings {
		e.logger.Warn().Str("component", "plugins").Msg(w)
	}
	e.tel.Metrics.RecordPluginWarnings(len(e.plugins.Warnings))

	e.registry = bindings.NewRegistry(e.logger)
	plugins.Register(e.registry, e.plugins)

	var builtins bindings.BuiltinOptions
	if e.cfg.MoquiEnabled() {
		client, err := moqui.NewClient(e.cfg.Moqui, e.logger)
		if err != nil {
			return fmt.Errorf("failed to create moqui client: %w", err)
		}
		e.moqui = client
		builtins.Moqui = client
	}
	if err := bindings.RegisterBuiltins(e.registry, builtins); err != nil {
		return err
	}

	gate, err := policy.NewGate(ctx, e.logger, policy.WithPolicyPaths(e.cfg.Policy.Paths...))
	if err != nil {
		return fmt.Errorf("failed to create policy gate: %w", err)
	}
	e.gate = gate
	for _, w := range gate.Warnings() {
		e.logger.Warn().Str("component", "policy").Msg(w)
	}
	if e.cfg.Policy.Watch {
		if err := gate.Watch(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Policy hot reload disabled")
		}
	}

	var auditOpts []audit.Option
	if e.cfg.Audit.SQLite != "" {
		sink, err := audit.OpenSQLiteSink(ctx, e.cfg.Audit.SQLite)
		if err != nil {
			return fmt.Errorf("failed to open audit mirror: %w", err)
		}
		e.sink = sink
		auditOpts = append(auditOpts, audit.WithMirror(sink))
	}
	emitter, err := audit.NewEmitter(e.cfg.Audit.Path, e.logger, auditOpts...)
	if err != nil {
		return err
	}
	e.emitter = emitter

	rt, err := engine.NewRuntime(gate, e.registry, emitter,
		engine.WithLogger(e.logger),
		engine.WithTracer(e.tel.Tracer),
		engine.WithMetrics(e.tel.Metrics),
		engine.WithRetryDelay(e.cfg.Runtime.RetryDelay),
		engine.WithCompiler(engine.NewCompiler(e.cfg.Runtime.DefaultTimeoutMS)),
	)
	if err != nil {
		return err
	}
	e.runtime = rt
	return nil
}

// Close releases plugin runtimes, the Moqui session, the audit mirror and
// telemetry. Errors are logged.
func (e *runtimeEnv) Close(ctx context.Context) {
	if e.plugins != nil {
		if err := e.plugins.Close(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close plugins")
		}
	}
	if e.moqui != nil {
		if err := e.moqui.Logout(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Moqui logout failed")
		}
	}
	if e.gate != nil {
		_ = e.gate.Close()
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close audit mirror")
		}
	}
	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
