package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/objtrigger/cli/pkg/output"
	"github.com/telhawk-systems/objtrigger/common/config"
)

var (
	cfgDir string
	cfg    *config.CLIConfig
)

var rootCmd = &cobra.Command{
	Use:   "trigctl",
	Short: "objtrigger operator CLI",
	Long: `trigctl is the command-line interface for objtrigger.

Send synthetic upload notifications to the receiver, compute run keys,
inspect run state and manage the dead-run queue on the invoker.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		output.Error("%v", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgDir, "config-dir", "", "config directory (default: $HOME/.trigctl)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().String("receiver-url", "", "receiver base URL (overrides profile)")
	rootCmd.PersistentFlags().String("invoker-url", "", "invoker admin base URL (overrides profile)")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI(cfgDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

func profileName(cmd *cobra.Command) string {
	profile, _ := cmd.Flags().GetString("profile")
	return profile
}

func receiverURL(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("receiver-url"); u != "" {
		return u
	}
	return cfg.ReceiverURL(profileName(cmd))
}

func invokerURL(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("invoker-url"); u != "" {
		return u
	}
	return cfg.InvokerURL(profileName(cmd))
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	f, _ := cmd.Flags().GetString("output")
	return output.ParseFormat(f)
}
