package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/internal/client"
	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run state",
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run_key>",
	Short: "Show the invocation state of a run key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		run, err := client.NewInvokerClient(invokerURL(cmd)).GetRun(args[0])
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}

		return output.Print(format, run, func() *output.Table {
			t := output.NewTable("RUN KEY", "STATE", "ATTEMPTS", "RUN ID", "LAST ATTEMPT")
			t.AddRow(run.RunKey, run.State, fmt.Sprint(run.Attempts), run.RunID, formatTime(run.LastAttemptTime))
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsGetCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
