package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Terminal rendering ─────────────────────────────────────────────────────
// Progress lines look like:  [ok] p1 write index.html
// Batch summaries end with:  [=============>................] 3/7 succeeded

const barWidth = 30 // Characters for the summary bar

// statusTag maps a progress status onto a short bracketed tag.
func statusTag(s domain.ProgressStatus) string {
	switch s {
	case domain.ProgressStepSucceeded, domain.ProgressBuildComplete:
		return "[ok]"
	case domain.ProgressStable:
		return "[stable]"
	case domain.ProgressStepFailed:
		return "[fail]"
	case domain.ProgressEscalated:
		return "[escalated]"
	case domain.ProgressAdjusting:
		return "[fix]"
	default:
		return "[...]"
	}
}

// renderEntry writes one progress entry as a single line.
func renderEntry(w io.Writer, e domain.ProgressEntry) {
	line := fmt.Sprintf("%s %s %s %s", e.At.Format("15:04:05"), statusTag(e.Status), e.ProjectID, e.Step)
	if e.Message != "" {
		line += ": " + e.Message
	}
	fmt.Fprintln(w, line)
}

// renderBar draws [=====>.....] for done out of total.
func renderBar(done, total int) string {
	if total <= 0 {
		return "[" + strings.Repeat(".", barWidth) + "]"
	}
	filled := done * barWidth / total
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	switch {
	case filled == barWidth:
		return "[" + strings.Repeat("=", filled) + "]"
	case filled > 0:
		return "[" + strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty) + "]"
	default:
		return "[" + strings.Repeat(".", barWidth) + "]"
	}
}

// renderReport prints per-task outcomes and a summary bar.
func renderReport(w io.Writer, r domain.ExecutionReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tOUTCOME\tATTEMPTS\tDURATION\tERROR")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%dms\t%s\n",
			res.TaskKey,
			res.Outcome,
			res.Attempts,
			res.DurationMS,
			truncate(res.Error, 60),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ok := r.Count(domain.OutcomeSucceeded)
	fmt.Fprintf(w, "\n%s %d/%d succeeded", renderBar(ok, len(r.Results)), ok, len(r.Results))
	if n := r.Count(domain.OutcomeSkippedDuplicate); n > 0 {
		fmt.Fprintf(w, ", %d skipped", n)
	}
	if n := r.Count(domain.OutcomeFailedAfterRetries); n > 0 {
		fmt.Fprintf(w, ", %d failed", n)
	}
	fmt.Fprintln(w)
	return nil
}

// renderJobs prints error jobs as a table.
func renderJobs(w io.Writer, jobs []domain.ErrorJob) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tTYPE\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID,
			j.ProjectID,
			j.Event.Type,
			j.Attempts,
			j.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(j.LastError, 60),
		)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
