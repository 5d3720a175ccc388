package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

func TestRenderBar(t *testing.T) {
	tests := []struct {
		done, total int
		want        string
	}{
		{0, 4, "[" + strings.Repeat(".", barWidth) + "]"},
		{4, 4, "[" + strings.Repeat("=", barWidth) + "]"},
		{1, 2, "[" + strings.Repeat("=", 14) + ">" + strings.Repeat(".", 15) + "]"},
		{0, 0, "[" + strings.Repeat(".", barWidth) + "]"},
		{9, 4, "[" + strings.Repeat("=", barWidth) + "]"},
	}
	for _, tt := range tests {
		if got := renderBar(tt.done, tt.total); got != tt.want {
			t.Errorf("renderBar(%d, %d) = %q, want %q", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestRenderEntry(t *testing.T) {
	var buf bytes.Buffer
	renderEntry(&buf, domain.ProgressEntry{
		ProjectID: "p1",
		Step:      "index.html",
		Status:    domain.ProgressStepFailed,
		Message:   "failed after 3 attempts",
		At:        time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	})
	want := "15:04:05 [fail] p1 index.html: failed after 3 attempts\n"
	if buf.String() != want {
		t.Errorf("renderEntry = %q, want %q", buf.String(), want)
	}
}

func TestRenderReport_Summary(t *testing.T) {
	report := domain.ExecutionReport{
		ProjectID: "p1",
		Results: []domain.TaskResult{
			{TaskKey: "index.html", Outcome: domain.OutcomeSucceeded, Attempts: 1},
			{TaskKey: "app.js", Outcome: domain.OutcomeFailedAfterRetries, Attempts: 3, Error: "boom\nstack"},
			{TaskKey: "style.css", Outcome: domain.OutcomeSkippedDuplicate},
		},
	}
	var buf bytes.Buffer
	if err := renderReport(&buf, report); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"index.html", "failed-after-retries", "boom stack", "1/3 succeeded", "1 skipped", "1 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate(long) = %q", got)
	}
}
