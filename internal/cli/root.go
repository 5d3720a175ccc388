// Package cli implements the Cerebrum command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "cerebrum",
	Short: "Cerebrum builds websites from AI task batches and keeps them running",
	Long: `Cerebrum executes AI-generated task batches against a project, watches the
deployed site in a headless browser and feeds runtime errors back into a
repair loop until the site is stable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	daemon.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
