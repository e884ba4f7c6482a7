package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scenerun/scenerun/pkg/engine"
	"github.com/scenerun/scenerun/pkg/manifest"
)

func newPlanCommand() *cobra.Command {
	var (
		mode string
		dot  bool
	)

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Compile a scene manifest into an execution plan",
		Long: `Compile a scene manifest into an execution plan and print it.

Nothing is authorized, executed or audited. Use --dot to render the plan
as a Graphviz graph.`,
		Example: `  # Show the plan as a table
  scenerun plan scenes/order_create.yaml

  # Render with Graphviz
  scenerun plan --dot scenes/order_create.yaml | dot -Tpng > plan.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scene, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}

			runMode, err := parseMode(mode)
			if err != nil {
				return err
			}
			compiler := engine.NewCompiler(cfg.Runtime.DefaultTimeoutMS)
			plan, err := compiler.Compile(scene, engine.CompileOptions{Mode: runMode})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				_, err = fmt.Fprint(out, plan.ToDOT())
				return err
			case jsonOutput:
				return printJSON(out, plan)
			}

			fmt.Fprintf(out, "Plan %s for %s@%s (%s)\n", plan.PlanID, plan.SceneRef, plan.SceneVersion, plan.RunMode)
			tw := newTable(out, "#", "Node", "Type", "Binding", "Side effect", "Timeout", "Retry", "Idempotency key", "Next")
			for i, n := range plan.Nodes {
				tw.AppendRow([]interface{}{
					i + 1,
					n.NodeID,
					n.NodeType,
					n.BindingRef,
					yesNo(n.Execution.SideEffect),
					fmt.Sprintf("%dms", n.Execution.TimeoutMS),
					n.Execution.Retry,
					n.Execution.IdempotencyKey,
					strings.Join(n.Next, ", "),
				})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(engine.RunModePreview), "run mode to compile for (preview|commit)")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the plan in Graphviz DOT format")

	return cmd
}

func parseMode(mode string) (engine.RunMode, error) {
	switch m := engine.RunMode(strings.ToLower(strings.TrimSpace(mode))); m {
	case engine.RunModePreview, engine.RunModeCommit:
		return m, nil
	default:
		return "", fmt.Errorf("unknown run mode %q (want preview or commit)", mode)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
