package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/daemon"
)

func init() {
	queueDeadCmd.Flags().IntVarP(&deadLimit, "limit", "n", 50, "Maximum jobs to list")
	queuePurgeCmd.Flags().DurationVar(&purgeAge, "older-than", 72*time.Hour, "Purge finished jobs older than this")
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRequeueCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

var (
	deadLimit int
	purgeAge  time.Duration
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the runtime error queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New()
		if err != nil {
			return err
		}
		defer d.Close()

		s, err := d.Queue.Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("pending     %d\nprocessing  %d\ndone        %d\ndead        %d\n",
			s.Pending, s.Processing, s.Done, s.Dead)
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New()
		if err != nil {
			return err
		}
		defer d.Close()

		jobs, err := d.Queue.DeadJobs(context.Background(), deadLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No dead jobs.")
			return nil
		}
		return renderJobs(os.Stdout, jobs)
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>...",
	Short: "Move dead jobs back to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New()
		if err != nil {
			return err
		}
		defer d.Close()

		for _, id := range args {
			if err := d.Queue.Requeue(context.Background(), id); err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Printf("[ok] requeued %s\n", id)
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New()
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.Queue.Purge(context.Background(), purgeAge)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d job(s).\n", n)
		return nil
	},
}
