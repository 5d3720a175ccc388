package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Error queue workers (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "Disable the headless browser monitor")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost      string
	servePort      int
	serveWorkers   int
	serveNoMonitor bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Cerebrum API server and error queue workers",
	Long:  `Start the build API at localhost:11500 and the runtime error feedback loop.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveWorkers > 0 {
		cfg.Queue.Workers = serveWorkers
	}
	if serveNoMonitor {
		cfg.Monitor.Enabled = false
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
