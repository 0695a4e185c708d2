package git

import (
	"context"
	"time"
)

// CommandResult is the outcome of a finished external command. It is always
// populated: spawn failures and timeouts are reported as ExitCode 1 with a
// diagnostic in Stderr rather than as errors.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited with status zero.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// Err converts a failed result into a *CommandError for callers that prefer
// error values. It returns nil for successful results.
func (r CommandResult) Err(args []string) error {
	if r.OK() {
		return nil
	}
	return &CommandError{Args: args, ExitCode: r.ExitCode, Output: r.Stderr}
}

// CommandRunner executes external commands to completion. Implementations must
// never panic and must enforce timeout when it is positive.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, dir string, timeout time.Duration) CommandResult
}

func failure(msg string) CommandResult {
	return CommandResult{ExitCode: 1, Stderr: msg}
}
