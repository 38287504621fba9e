package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/internal/client"
	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-run queue",
	Long:  "List, count and purge pipeline runs that exhausted their retries or were rejected.",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := client.NewInvokerClient(invokerURL(cmd)).ListDeadRuns(limit)
		if err != nil {
			return fmt.Errorf("list dead runs: %w", err)
		}
		if len(runs) == 0 && format == output.FormatTable {
			output.Info("No dead runs")
			return nil
		}

		return output.Print(format, runs, func() *output.Table {
			t := output.NewTable("TIME", "RUN KEY", "PIPELINE", "REASON", "ATTEMPTS", "ERROR")
			for _, r := range runs {
				t.AddRow(formatTime(r.Timestamp), r.RunKey, r.Pipeline, r.Reason, fmt.Sprint(r.Attempts), r.Error)
			}
			return t
		})
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-run queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		stats, err := client.NewInvokerClient(invokerURL(cmd)).DeadRunStats()
		if err != nil {
			return fmt.Errorf("dead-run stats: %w", err)
		}

		return output.Print(format, stats, func() *output.Table {
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			t := output.NewTable("FIELD", "VALUE")
			for _, k := range keys {
				t.AddRow(k, fmt.Sprint(stats[k]))
			}
			return t
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead run",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to purge without --yes")
		}
		if err := client.NewInvokerClient(invokerURL(cmd)).PurgeDeadRuns(); err != nil {
			return fmt.Errorf("purge dead runs: %w", err)
		}
		output.Success("Dead-run queue purged")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd)

	dlqListCmd.Flags().Int("limit", 50, "maximum number of dead runs to show")
	dlqPurgeCmd.Flags().Bool("yes", false, "confirm the purge")
}
