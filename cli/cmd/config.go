package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
	"github.com/telhawk-systems/objtrigger/common/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage trigctl profiles",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		if format == output.FormatTable {
			format = output.FormatYAML
		}
		output.Info("# %s", cfg.Path())
		return output.Print(format, cfg, nil)
	},
}

var configSetProfileCmd = &cobra.Command{
	Use:   "set-profile <name>",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recv, _ := cmd.Flags().GetString("receiver-url")
		inv, _ := cmd.Flags().GetString("invoker-url")

		profile := &config.CLIProfile{}
		if existing, err := cfg.GetProfile(args[0]); err == nil {
			*profile = *existing
		}
		if recv != "" {
			profile.ReceiverURL = recv
		}
		if inv != "" {
			profile.InvokerURL = inv
		}

		if err := cfg.SetProfile(args[0], profile); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		output.Success("Profile %s saved to %s", args[0], cfg.Path())
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cfg.GetProfile(args[0]); err != nil {
			return err
		}
		cfg.CurrentProfile = args[0]
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		output.Success("Using profile %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetProfileCmd, configUseCmd)
}
