package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxy/illogical-updots/internal/git"
	"github.com/foxy/illogical-updots/internal/process"
)

// Sink receives installer console output as text chunks.
type Sink interface {
	Append(chunk string)
}

// StatusChecker produces repository status snapshots.
type StatusChecker interface {
	Check(ctx context.Context, repoPath string) git.RepositoryStatus
}

// Process is a running installer.
type Process interface {
	ReadLine() (string, error)
	WriteInput(text string) error
	Interrupt() error
	Wait() int
	Close() error
}

// Spawner starts the installer attached to this process.
type Spawner interface {
	SpawnInstaller(ctx context.Context, opts process.SpawnOptions, onLine func(string)) (Process, error)
}

// Launcher starts the installer in an external terminal.
type Launcher interface {
	LaunchSubcommand(repoPath, subcommand string, extraArgs []string) string
}

// NewProcessSpawner adapts a process.Spawner to the Spawner interface.
func NewProcessSpawner(s *process.Spawner) Spawner {
	return processSpawner{s: s}
}

type processSpawner struct {
	s *process.Spawner
}

func (p processSpawner) SpawnInstaller(ctx context.Context, opts process.SpawnOptions, onLine func(string)) (Process, error) {
	mp, err := p.s.SpawnInstaller(ctx, opts, onLine)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

// Dependencies bundles the collaborators used by the orchestrator. Status,
// Launcher and Streamer are optional.
type Dependencies struct {
	Status   StatusChecker
	Spawner  Spawner
	Launcher Launcher
	Streamer process.LineStreamer
}

// InstallOptions are the per-run inputs to Install.
type InstallOptions struct {
	// ExtraArgs follow the installer subcommand.
	ExtraArgs []string

	// AutoInput is fed to the installer before the accept-all sentinel.
	AutoInput []string

	// Env is the base environment. Nil inherits the current process environment.
	Env []string

	// Started is called with the running installer before its output is read.
	Started func(Process)
}

// Result captures the outcome of a single install run.
type Result struct {
	ExitCode       int
	PostScriptRan  bool
	PostScriptExit int

	// Detached is set when the installer was handed to an external terminal;
	// Terminal names it, or is empty for a background launch.
	Detached bool
	Terminal string

	Before git.RepositoryStatus
	After  git.RepositoryStatus
}

// Succeeded reports whether the installer and the post script (if any) exited cleanly.
func (r Result) Succeeded() bool {
	if r.Detached {
		return true
	}
	return r.ExitCode == 0 && (!r.PostScriptRan || r.PostScriptExit == 0)
}

// Orchestrator runs the installer against the configured repository and
// reports its effect on repository status.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger
}

// New returns a configured Orchestrator instance.
func New(cfg Config, deps Dependencies, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps, log: logger}
}

// Install runs one installer session. Console output goes to sink. An error
// is returned only when the installer could not be started; a non-zero
// installer exit is reported through Result.
func (o *Orchestrator) Install(ctx context.Context, opts InstallOptions, sink Sink) (Result, error) {
	if sink == nil {
		sink = discardSink{}
	}
	repo := strings.TrimSpace(o.cfg.RepoPath)
	if repo == "" {
		return Result{}, fmt.Errorf("repository path is required")
	}
	subcommand, err := o.cfg.Subcommand()
	if err != nil {
		return Result{}, err
	}

	var res Result
	if !o.cfg.SkipPreCheck && o.deps.Status != nil {
		res.Before = o.deps.Status.Check(ctx, repo)
		o.logStatus("pre-install status", res.Before)
	}

	if o.cfg.DetachedConsole {
		if o.deps.Launcher == nil {
			return res, fmt.Errorf("external terminal launcher is required for detached mode")
		}
		res.Detached = true
		res.Terminal = o.deps.Launcher.LaunchSubcommand(repo, subcommand, opts.ExtraArgs)
		if res.Terminal != "" {
			sink.Append(fmt.Sprintf("[external] installer opened in %s\n", res.Terminal))
		} else {
			sink.Append("[external] no terminal emulator found; installer started in background\n")
		}
		return res, nil
	}

	if o.deps.Spawner == nil {
		return res, fmt.Errorf("process spawner is required")
	}
	p, err := o.deps.Spawner.SpawnInstaller(ctx, process.SpawnOptions{
		RepoPath:   repo,
		ExtraArgs:  append([]string{subcommand}, opts.ExtraArgs...),
		AutoInput:  opts.AutoInput,
		UsePTY:     o.cfg.UsePTY,
		Env:        opts.Env,
		ForceColor: o.cfg.ForceColor,
	}, sink.Append)
	if err != nil {
		return res, fmt.Errorf("start installer: %w", err)
	}
	defer func() { _ = p.Close() }()

	stop := context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
	defer stop()

	if opts.Started != nil {
		opts.Started(p)
	}
	pump(p, sink)

	res.ExitCode = p.Wait()
	sink.Append(fmt.Sprintf("[exit %d]\n", res.ExitCode))
	if o.log != nil {
		o.log.Info("installer finished", "repo", repo, "mode", subcommand, "exit_code", res.ExitCode)
	}

	if res.ExitCode == 0 && strings.TrimSpace(o.cfg.PostScriptPath) != "" && ctx.Err() == nil {
		res.PostScriptRan = true
		res.PostScriptExit = o.runPostScript(ctx, repo, opts.Env, sink)
	}

	if o.deps.Status != nil && ctx.Err() == nil {
		res.After = o.deps.Status.Check(ctx, repo)
		o.logStatus("post-install status", res.After)
	}
	return res, nil
}

func pump(p Process, sink Sink) {
	for {
		line, err := p.ReadLine()
		if line != "" {
			sink.Append(line)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			sink.Append(fmt.Sprintf("[stream error] %v\n", err))
		}
		return
	}
}

func (o *Orchestrator) runPostScript(ctx context.Context, repo string, env []string, sink Sink) int {
	script := strings.TrimSpace(o.cfg.PostScriptPath)
	if !filepath.IsAbs(script) {
		script = filepath.Join(repo, script)
	}
	argv := postScriptArgv(script)

	if env == nil {
		env = os.Environ()
	}
	env = process.ColorEnv(env, o.cfg.ForceColor)

	sink.Append(fmt.Sprintf("[post-script] %s\n", script))
	streamer := o.deps.Streamer
	if streamer == nil {
		streamer = &process.LineStreamRunner{Log: o.log}
	}
	code := streamer.StreamLines(ctx, argv, repo, sink.Append, env)
	if o.log != nil {
		o.log.Info("post script finished", "script", script, "exit_code", code)
	}
	return code
}

// postScriptArgv runs executable scripts directly and anything else through sh.
func postScriptArgv(script string) []string {
	if info, err := os.Stat(script); err == nil && !info.IsDir() && info.Mode().Perm()&0o111 != 0 {
		return []string{script}
	}
	return []string{"sh", script}
}

func (o *Orchestrator) logStatus(msg string, st git.RepositoryStatus) {
	if o.log == nil {
		return
	}
	if !st.OK {
		o.log.Warn(msg, "repo", st.RepoPath, "error", st.Error)
		return
	}
	o.log.Info(msg,
		"repo", st.RepoPath,
		"branch", st.Branch,
		"upstream", st.Upstream,
		"behind", st.Behind,
		"ahead", st.Ahead,
		"dirty", st.Dirty,
		"fetch_error", st.FetchError,
	)
}

type discardSink struct{}

func (discardSink) Append(string) {}
