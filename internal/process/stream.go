package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/foxy/illogical-updots/internal/proc"
)

// LineStreamer runs a command to completion while delivering its output.
type LineStreamer interface {
	StreamLines(ctx context.Context, argv []string, dir string, onLine func(string), env []string) int
}

// LineStreamRunner runs generic commands with stdout and stderr merged.
type LineStreamRunner struct {
	Log *slog.Logger
}

// StreamLines delivers the command's output to onLine one line at a time as it
// is produced, then a final "[exit N]" line, and returns the exit code. A spawn
// failure yields a single "[error]" line and exit code 1. A nil env inherits
// the current environment. Cancelling ctx kills the process group.
func (r *LineStreamRunner) StreamLines(ctx context.Context, argv []string, dir string, onLine func(string), env []string) int {
	if onLine == nil {
		onLine = func(string) {}
	}
	if len(argv) == 0 {
		onLine("[error] failed to spawn: empty command\n")
		return 1
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	proc.SetProcessGroup(cmd)

	output, writer, err := os.Pipe()
	if err != nil {
		onLine(fmt.Sprintf("[error] failed to spawn: %v\n", err))
		return 1
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	err = cmd.Start()
	_ = writer.Close()
	if err != nil {
		_ = output.Close()
		onLine(fmt.Sprintf("[error] failed to spawn: %v\n", err))
		return 1
	}
	if r != nil && r.Log != nil {
		r.Log.Debug("streaming command", "argv", argv, "dir", dir, "pid", cmd.Process.Pid)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			proc.TerminateGroup(cmd)
		case <-stop:
		}
	}()

	lines := newPipeLineReader(output)
	for {
		line, err := lines.ReadLine()
		if line != "" {
			onLine(line)
		}
		if err != nil {
			if err != io.EOF {
				onLine(fmt.Sprintf("[stream error] %v\n", err))
			}
			break
		}
	}
	_ = output.Close()

	_ = cmd.Wait()
	code := proc.ExitCode(cmd.ProcessState)
	onLine(fmt.Sprintf("[exit %d]\n", code))
	return code
}
