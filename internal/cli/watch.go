package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/daemon"
)

func init() {
	watchCmd.Flags().IntVarP(&watchHistory, "history", "n", 20, "Past entries to print first")
	watchCmd.Flags().BoolVarP(&watchFollow, "follow", "f", false, "Stream live entries over NATS")
	rootCmd.AddCommand(watchCmd)
}

var (
	watchHistory int
	watchFollow  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Show a project's build progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if watchHistory > 0 {
		entries, err := d.DB.ProjectProgress(ctx, projectID, watchHistory)
		if err != nil {
			return err
		}
		for _, e := range entries {
			renderEntry(os.Stdout, e)
		}
	}
	if !watchFollow {
		return nil
	}
	if d.NATS == nil {
		return fmt.Errorf("live progress needs [nats] url in config")
	}

	ch, unsubscribe, err := d.NATS.Watch(ctx, projectID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	fmt.Fprintf(os.Stderr, "[...] following %s on %s\n", projectID, d.NATS.Subject(projectID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			renderEntry(os.Stdout, e)
		}
	}
}
