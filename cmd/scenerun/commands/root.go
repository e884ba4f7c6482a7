package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scenerun/scenerun/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scenerun",
		Short: "scenerun - declarative scene runtime",
		Long: `scenerun loads declarative scene manifests, compiles them into execution
plans and runs them behind a policy gate with a tamper-evident audit trail.

Features:
  - YAML, JSON and CUE scene manifests
  - Rego policy gate with site policies
  - Starlark, Go and WASM binding plugins
  - Moqui ERP adapter
  - Append-only checksummed audit log with SQLite mirror
  - Run scoring for evaluation pipelines`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./scenerun.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newScoreCommand())

	return rootCmd
}

// loadConfig reads the config file and SCENERUN_* environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.New(), configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}
