// Command dashctl is the operator CLI for the market dashboard orchestrator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dashctl",
		Short: "Market dashboard orchestrator tooling",
		Long: `dashctl inspects cron expressions, mints API tokens and seeds the
configured schedule store with the default schedules.

Configuration is read the same way the API server reads it: .env, then
CONFIG_FILE, then environment variables.`,
		SilenceUsage: true,
	}
	root.AddCommand(newCronCmd(), newTokenCmd(), newSeedCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
