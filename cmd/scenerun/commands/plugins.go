package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenerun/scenerun/pkg/bindings/plugins"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect binding plugins",
	}
	cmd.AddCommand(newPluginsListCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Discover plugins and show what each file contributes",
		Long: `Discover plugins in the configured directories (or --dir) and report every
consulted file: its kind, fingerprint, priority and handlers, or why it
was skipped. Loading problems are shown as warnings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := cfg.PluginOptions()
			if len(dirs) > 0 {
				opts.Dirs = dirs
			}
			opts.Logger = log.Logger

			report := plugins.Load(cmd.Context(), opts)
			defer report.Close(cmd.Context())

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, report)
			}

			if len(report.Files) == 0 {
				fmt.Fprintln(out, "no plugin files found")
			} else {
				tw := newTable(out, "File", "Kind", "Priority", "Handlers", "Status", "Fingerprint")
				for _, f := range report.Files {
					status := "loaded"
					switch {
					case f.Skipped != "":
						status = "skipped: " + f.Skipped
					case f.Error != "":
						status = "error"
					case !f.Loaded():
						status = "no handlers"
					}
					tw.AppendRow([]interface{}{
						f.Path, f.Kind, f.Priority, strings.Join(f.Handlers, ", "), status, shortFingerprint(f.Fingerprint),
					})
				}
				tw.Render()
			}

			for _, w := range report.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "plugin directory to scan (repeatable, overrides config)")
	return cmd
}

func shortFingerprint(fp string) string {
	const keep = len("blake3:") + 12
	if len(fp) > keep {
		return fp[:keep]
	}
	return fp
}
