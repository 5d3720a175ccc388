// Package shell runs allowlisted package-manager commands for Install tasks.
// Command lines are split into fields and executed directly, never through a
// shell, so pipes, redirects and substitutions have no effect.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// DefaultAllowed is the default command allowlist.
var DefaultAllowed = []string{"npm", "npx", "yarn", "pnpm"}

// Result is the outcome of a finished command.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Runner executes allowlisted commands with a timeout.
type Runner struct {
	allowed map[string]bool
	timeout time.Duration
}

// New creates a runner. An empty allowlist uses DefaultAllowed.
func New(allowed []string, timeout time.Duration) *Runner {
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	r := &Runner{allowed: make(map[string]bool, len(allowed)), timeout: timeout}
	for _, c := range allowed {
		r.allowed[c] = true
	}
	return r
}

// IsAllowed checks the command name against the allowlist.
func (r *Runner) IsAllowed(cmd string) bool {
	return r.allowed[cmd]
}

// Run executes commandLine inside dir. A non-zero exit is an error wrapping
// domain.ErrTransientExecution; a command outside the allowlist wraps
// domain.ErrCommandNotAllowed and is never started.
func (r *Runner) Run(ctx context.Context, dir, commandLine string) (*Result, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", domain.ErrCommandNotAllowed)
	}
	cmd, args := fields[0], fields[1:]
	if !r.IsAllowed(cmd) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommandNotAllowed, cmd)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Dir = dir

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	res := &Result{
		Command: cmd,
		Args:    args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("%w: %s exited %d: %s", domain.ErrTransientExecution,
				cmd, res.ExitCode, tail(res.Stderr, 512))
		}
		return res, fmt.Errorf("%w: %s: %v", domain.ErrTransientExecution, cmd, err)
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
