package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
	"github.com/telhawk-systems/objtrigger/common/envelope"
)

var runKeyCmd = &cobra.Command{
	Use:   "runkey <bucket> <key> [version]",
	Short: "Print the run key of an upload",
	Long: `Compute the deterministic run key for bucket/key at version (the
sequencer when the provider sends one, otherwise the ETag).`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := ""
		if len(args) == 3 {
			version = args[2]
		}
		output.Info("%s", envelope.RunKey(args[0], args[1], version))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runKeyCmd)
}
