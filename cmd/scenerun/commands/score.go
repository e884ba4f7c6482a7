package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scenerun/scenerun/pkg/eval"
)

func newScoreCommand() *cobra.Command {
	var target int64

	cmd := &cobra.Command{
		Use:   "score <eval-payload.json>",
		Short: "Score an evaluation payload",
		Long: `Score an evaluation payload written by "scenerun run --eval-out".

The score starts at 1.0 and loses 0.2 for exceeding the cycle time target,
0.5 for any policy violation and 0.3 for any node failure, floored at 0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read eval payload: %w", err)
			}
			var p eval.Payload
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("invalid eval payload: %w", err)
			}

			t := eval.Target{CycleTimeMS: target}
			if !cmd.Flags().Changed("target-cycle-time-ms") {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				t = cfg.EvalTarget()
			}

			s := eval.Score(p, t)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"trace_id": p.TraceID,
					"score":    s,
					"target":   t,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", s)
			return nil
		},
	}
	cmd.Flags().Int64Var(&target, "target-cycle-time-ms", 0, "cycle time target (overrides config)")
	return cmd
}
