// Package cli implements the burrow-server command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "burrow-server",
	Short: "Self-hosted HTTP tunnel server",
	Long: `burrow-server exposes local HTTP services through public URLs.
Agents connect over WebSocket, register a tunnel and receive forwarded
requests for their path prefix.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional, env vars take over otherwise)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
