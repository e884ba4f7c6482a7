package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scenerun/scenerun/pkg/engine"
	"github.com/scenerun/scenerun/pkg/eval"
	"github.com/scenerun/scenerun/pkg/manifest"
)

type runFlags struct {
	mode        string
	rc          engine.RunContext
	extra       map[string]string
	payload     string
	traceID     string
	metricsAddr string
	score       bool
	target      int64
	evalOut     string
}

type runOutput struct {
	Result *engine.RunResult `json:"result"`
	Eval   *eval.Payload     `json:"eval,omitempty"`
	Score  *float64          `json:"score,omitempty"`
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run a scene manifest",
		Long: `Run a scene manifest through the policy gate and the runtime executor.

Preview runs validate every node without side effects. Commit runs call
the binding handlers and require whatever approvals the policy gate asks
for. Every phase is written to the audit log.`,
		Example: `  # Dry run
  scenerun run scenes/order_create.yaml

  # Approved commit with a payload and scoring
  scenerun run --mode commit --approved --payload '{"orderId":"A-1"}' --score scenes/order_create.yaml

  # Physical scene with safety flags
  scenerun run --mode commit --approved --dual-approved --safety-preflight --emergency-stop scenes/robot_pick.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScene(cmd.Context(), cmd.OutOrStdout(), args[0], f, cmd.Flags().Changed("target-cycle-time-ms"))
		},
	}

	cmd.Flags().StringVar(&f.mode, "mode", string(engine.RunModePreview), "run mode (preview|commit)")
	cmd.Flags().BoolVar(&f.rc.Approved, "approved", false, "record a human approval")
	cmd.Flags().BoolVar(&f.rc.DualApproved, "dual-approved", false, "record a second, independent approval")
	cmd.Flags().BoolVar(&f.rc.AllowHybridCommit, "allow-hybrid-commit", false, "allow committing hybrid-domain scenes")
	cmd.Flags().BoolVar(&f.rc.SafetyPreflight, "safety-preflight", false, "record a passed safety preflight")
	cmd.Flags().BoolVar(&f.rc.EmergencyStop, "emergency-stop", false, "record an available emergency stop")
	cmd.Flags().StringVar(&f.rc.Actor, "actor", defaultActor(), "who requested the run")
	cmd.Flags().StringToStringVar(&f.extra, "extra", nil, "extra context flags for site policies (key=value)")
	cmd.Flags().StringVar(&f.payload, "payload", "", "run payload: inline JSON/YAML or a file path")
	cmd.Flags().StringVar(&f.traceID, "trace-id", "", "reuse a trace id")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&f.score, "score", false, "print the evaluation payload and score")
	cmd.Flags().Int64Var(&f.target, "target-cycle-time-ms", 0, "cycle time target for scoring (overrides config)")
	cmd.Flags().StringVar(&f.evalOut, "eval-out", "", "write the evaluation payload to this file")

	return cmd
}

func runScene(ctx context.Context, out io.Writer, path string, f *runFlags, targetSet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := parseMode(f.mode)
	if err != nil {
		return err
	}
	scene, err := manifest.LoadFile(path)
	if err != nil {
		return err
	}
	payload, err := parsePayload(f.payload)
	if err != nil {
		return err
	}

	rc := f.rc
	if len(f.extra) > 0 {
		rc.Extra = make(map[string]interface{}, len(f.extra))
		for k, v := range f.extra {
			rc.Extra[k] = v
		}
	}

	env, err := newRuntimeEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	addr := f.metricsAddr
	if addr == "" {
		addr = cfg.Telemetry.MetricsAddress
	}
	if addr != "" {
		srv := env.tel.Metrics.Serve(addr)
		log.Info().Str("addr", addr).Msg("Serving metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	result, err := env.runtime.Execute(ctx, scene, engine.RunOptions{
		Mode:    mode,
		Context: rc,
		Payload: payload,
		TraceID: f.traceID,
	})
	if err != nil {
		return err
	}

	output := runOutput{Result: result}
	if f.score || f.evalOut != "" {
		target := cfg.EvalTarget()
		if targetSet {
			target.CycleTimeMS = f.target
		}
		p := eval.BuildPayload(scene, nil, result)
		s := eval.Score(p, target)
		output.Eval = &p
		output.Score = &s
		if f.evalOut != "" {
			if err := writeEvalPayload(f.evalOut, p); err != nil {
				return err
			}
		}
	}

	if jsonOutput {
		if err := printJSON(out, output); err != nil {
			return err
		}
	} else {
		printRunResult(out, result, env.emitter.Path())
		if f.score && output.Score != nil {
			fmt.Fprintf(out, "Score: %.2f (cycle %dms, violations %d, node failures %d)\n",
				*output.Score, output.Eval.Metrics.CycleTimeMS,
				output.Eval.Metrics.PolicyViolations, output.Eval.Metrics.NodeFailures)
		}
	}

	if result.Status != engine.RunStatusSuccess {
		return fmt.Errorf("run %s ended %s", result.TraceID, result.Status)
	}
	return nil
}

func printRunResult(out io.Writer, result *engine.RunResult, auditPath string) {
	fmt.Fprintf(out, "Run %s: %s (%s, %dms)\n", result.TraceID, strings.ToUpper(string(result.Status)),
		result.RunMode, result.DurationMS)
	if result.Policy != nil && len(result.Policy.Reasons) > 0 {
		label := "Policy notes"
		if !result.Policy.Allowed {
			label = "Denied"
		}
		fmt.Fprintf(out, "%s:\n", label)
		for _, r := range result.Policy.Reasons {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	if result.BlockReason != "" {
		fmt.Fprintf(out, "Blocked: %s\n", result.BlockReason)
	}
	if result.Readiness != nil {
		for _, c := range result.Readiness.Failed() {
			fmt.Fprintf(out, "  readiness %s failed: %s\n", c.Name, c.Message)
		}
	}

	if len(result.NodeResults) > 0 {
		tw := newTable(out, "Node", "Type", "Binding", "Status", "Attempts", "Handler", "Duration", "Error")
		for _, nr := range result.NodeResults {
			msg := ""
			if nr.Error != nil {
				msg = fmt.Sprintf("%s: %s", nr.Error.Code, nr.Error.Message)
			}
			tw.AppendRow([]interface{}{
				nr.NodeID, nr.NodeType, nr.BindingRef, nr.Status, nr.Attempts, nr.Handler,
				fmt.Sprintf("%dms", nr.DurationMS), msg,
			})
		}
		tw.Render()
	}
	if n := len(result.Evidence); n > 0 {
		fmt.Fprintf(out, "Evidence records: %d\n", n)
	}
	fmt.Fprintf(out, "Audit log: %s\n", auditPath)
}

// parsePayload accepts inline JSON or YAML, or a path to a file holding either.
func parsePayload(raw string) (engine.Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return engine.Payload{}, nil
	}
	data := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		fileData, err := os.ReadFile(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		data = fileData
	}

	payload := engine.Payload{}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON or YAML mapping: %w", err)
	}
	return payload, nil
}

func writeEvalPayload(path string, p eval.Payload) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write eval payload: %w", err)
	}
	if err := printJSON(f, p); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
