package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cerebrum-dev/cerebrum/internal/daemon"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/textgen"
)

func init() {
	buildCmd.Flags().StringVarP(&buildProject, "project", "p", "", "Project id (required)")
	buildCmd.Flags().StringVarP(&buildUser, "user", "u", "cli", "User id recorded with the batch")
	_ = buildCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(buildCmd)
}

var (
	buildProject string
	buildUser    string
)

var buildCmd = &cobra.Command{
	Use:   "build <tasks.json>",
	Short: "Execute a task batch against a project",
	Long: `Execute a JSON task batch locally. The file holds a task array, or an
object with a "tasks" array, in the same shape the text generator produces.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	tasks, err := textgen.ParseTasks(string(data))
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "[...] building %s: %d task(s)\n", buildProject, len(tasks))
	report, err := d.Engine.ExecuteBatch(ctx, domain.TaskBatch{
		ProjectID: buildProject,
		UserID:    buildUser,
		Tasks:     tasks,
	})
	if err != nil {
		return err
	}
	if err := renderReport(os.Stdout, report); err != nil {
		return err
	}
	if n := report.Count(domain.OutcomeFailedAfterRetries); n > 0 {
		return fmt.Errorf("%d task(s) failed", n)
	}
	return nil
}
