// Package commands implements the wagate CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagate",
		Short: "wagate - WhatsApp gateway service",
		Long: `wagate exposes a WhatsApp account as a REST API: send messages and
media, manage contacts, groups and broadcast lists, and forward inbound
messages to a webhook.

Examples:
  wagate serve
  wagate serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
