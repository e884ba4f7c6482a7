package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scenerun/scenerun/pkg/audit"
)

func newAuditCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "audit log path (default from config)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.Audit.Path, nil
	}

	cmd.AddCommand(newAuditVerifyCommand(resolve))
	cmd.AddCommand(newAuditTailCommand(resolve))
	cmd.AddCommand(newAuditTraceCommand())
	return cmd
}

func newAuditVerifyCommand(resolve func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the checksum of every audit event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			report, err := audit.VerifyFile(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s: %d events, %d valid\n", report.Path, report.Total, report.Valid)
				if len(report.Problems) > 0 {
					tw := newTable(out, "Line", "Event", "Problem")
					for _, p := range report.Problems {
						tw.AppendRow([]interface{}{p.Line, p.EventID, p.Reason})
					}
					tw.Render()
				}
			}

			if !report.OK() {
				return fmt.Errorf("audit log %s failed verification: %d problems", report.Path, len(report.Problems))
			}
			return nil
		},
	}
}

func newAuditTailCommand(resolve func() (string, error)) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			events, err := audit.TailFile(path, n)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events to show (0 for all)")
	return cmd
}

func newAuditTraceCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Replay the events of one run from the SQLite mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.Audit.SQLite
			}
			if dbPath == "" {
				return fmt.Errorf("no audit mirror configured (set audit.sqlite or --db)")
			}

			sink, err := audit.OpenSQLiteSink(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer sink.Close()

			events, err := sink.EventsByTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no events for trace %s\n", args[0])
				return nil
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite mirror path (default from config)")
	return cmd
}

func printEvents(out io.Writer, events []audit.Event) {
	tw := newTable(out, "Time", "Type", "Trace", "Scene", "Mode", "Actor", "Verified")
	for _, ev := range events {
		tw.AppendRow([]interface{}{
			ev.Timestamp.Format(time.RFC3339),
			ev.EventType,
			ev.TraceID,
			ev.Ref(),
			ev.RunMode,
			ev.Actor,
			yesNo(audit.Verify(ev)),
		})
	}
	tw.Render()
}
