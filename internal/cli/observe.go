package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/app/ingest"
	"github.com/cerebrum-dev/cerebrum/internal/daemon"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

func init() {
	observeCmd.Flags().StringVarP(&observeProject, "project", "p", "", "Project id attached to the events")
	observeCmd.Flags().StringSliceVarP(&observeTargets, "target", "t", nil, "Page path to observe (repeatable, default the root)")
	observeCmd.Flags().StringVarP(&observeUser, "user", "u", "", "Enqueue critical events for repair on behalf of this user")
	rootCmd.AddCommand(observeCmd)
}

var (
	observeProject string
	observeTargets []string
	observeUser    string
)

var observeCmd = &cobra.Command{
	Use:   "observe <base-url>",
	Short: "Load a deployed site in a headless browser and report runtime errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runObserve,
}

func runObserve(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if d.Monitor == nil {
		return fmt.Errorf("runtime monitor is disabled in config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := d.Monitor.Report(ctx, args[0], observeProject, observeTargets)
	if err != nil {
		return err
	}

	for _, p := range report.Pages {
		if p.Error != "" {
			fmt.Fprintf(os.Stderr, "[fail] %s: %s\n", p.URL, p.Error)
		}
	}
	if len(report.Events) == 0 {
		fmt.Println("No runtime errors detected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tTYPE\tURL\tTEXT")
	for _, ev := range report.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ingest.Classify(ev), ev.Type, ev.URL, truncate(ev.Text, 80))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if observeUser == "" || observeProject == "" {
		return nil
	}
	critical := ingest.FilterCritical(report.Events)
	queued := 0
	for _, ev := range critical {
		res, err := d.Queue.Enqueue(ctx, domain.JobRequest{Event: ev, ProjectID: observeProject, UserID: observeUser})
		if err != nil {
			return err
		}
		if !res.Duplicate {
			queued++
		}
	}
	fmt.Printf("\nEnqueued %d of %d critical event(s) for repair.\n", queued, len(critical))
	return nil
}
