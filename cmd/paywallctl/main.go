// Command paywallctl runs and operates the paywall payment pipeline.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "paywallctl",
		Short:         "paywallctl - payment and entitlement pipeline for the marketplace",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (default: paywall.yaml in . or /etc/paywall)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))
	rootCmd.AddCommand(retryCmd(flags))
	rootCmd.AddCommand(signWebhookCmd(flags))
	rootCmd.AddCommand(priceCmd(flags))

	return rootCmd
}
