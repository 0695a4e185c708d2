package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/foxy/illogical-updots/internal/proc"
)

// DefaultTimeout bounds status queries when no explicit timeout is given.
const DefaultTimeout = 15 * time.Second

// ShellRunner runs external commands directly, capturing stdout and stderr
// separately. Each command is placed in its own process group so a timeout
// kills the whole tree.
type ShellRunner struct {
	// Env is appended to the inherited environment of every command.
	Env []string

	// NetworkRetries controls how many additional attempts are made for git
	// network commands (fetch, pull, ls-remote). Zero disables retries.
	// Status checks use it to ride out a flaky remote during fetch.
	NetworkRetries int

	// NetworkRetryDelay is the initial backoff between network retries. When zero,
	// one second is used. Backoff doubles per attempt.
	NetworkRetryDelay time.Duration
}

// NewShellRunner returns a runner that disables interactive git prompts.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Env: []string{"GIT_TERMINAL_PROMPT=0"}}
}

// Run executes argv in dir and never returns an error: every failure is folded
// into the returned CommandResult.
func (r *ShellRunner) Run(ctx context.Context, argv []string, dir string, timeout time.Duration) CommandResult {
	if len(argv) == 0 {
		return failure("empty command")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	retries := 0
	if argv[0] == "git" || strings.HasSuffix(argv[0], "/git") {
		if isNetworkCommand(primaryGitCommand(argv[1:])) {
			retries = r.networkRetriesValue()
		}
	}

	delay := r.networkRetryDelayValue()
	var result CommandResult
	for attempt := 0; attempt <= retries; attempt++ {
		var err error
		result, err = r.runOnce(ctx, argv, dir, timeout)
		if result.OK() || err != nil || attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return result
		case <-time.After(delay):
		}
		delay *= 2
	}
	return result
}

func (r *ShellRunner) runOnce(ctx context.Context, argv []string, dir string, timeout time.Duration) (CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.WaitDelay = time.Second
	proc.SetProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failure(err.Error()), nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		proc.TerminateGroup(cmd)
		<-done
		msg := fmt.Sprintf("%s: cancelled", strings.Join(argv, " "))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("%s: timed out after %s", strings.Join(argv, " "), timeout)
		}
		return failure(msg), ctx.Err()
	case err := <-done:
		result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = proc.ExitCode(exitErr.ProcessState)
			} else {
				result.ExitCode = 1
				result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
			}
		}
		return result, nil
	}
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "fetch", "pull", "ls-remote":
		return true
	default:
		return false
	}
}

func (r *ShellRunner) networkRetriesValue() int {
	if r.NetworkRetries < 0 {
		return 0
	}
	return r.NetworkRetries
}

func (r *ShellRunner) networkRetryDelayValue() time.Duration {
	if r.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return r.NetworkRetryDelay
}

// CommandError wraps a failed command invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, out)
}
