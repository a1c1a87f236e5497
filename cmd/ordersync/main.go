// Command ordersync keeps a customer's cart and live orders reconciled with the
// backend and serves the merged state over a local API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/app.yaml"

type rootOptions struct {
	ConfigPath string
	EnvFile    string
	Verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ordersync",
		Short:         "Cart and order state reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", fmt.Sprintf("path to application configuration file (default: %s)", defaultConfigPath))
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with base URL overrides; missing files are ignored")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log debug output")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newBackendCommand(opts))

	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}
