package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/foxy/illogical-updots/internal/git"
	gh "github.com/foxy/illogical-updots/internal/github"
	"github.com/foxy/illogical-updots/internal/logsink"
	"github.com/foxy/illogical-updots/internal/monitor"
	"github.com/foxy/illogical-updots/internal/orchestrator"
	"github.com/foxy/illogical-updots/internal/process"
)

// Deps are the collaborators a Runner uses. Zero fields get production defaults.
type Deps struct {
	Git       git.CommandRunner
	GitHub    gh.Factory
	Spawner   orchestrator.Spawner
	Launcher  orchestrator.Launcher
	Streamer  process.LineStreamer
	SkipFetch bool
}

// Runner glues together the orchestrator and supporting services behind the
// CLI commands.
type Runner struct {
	cfg  Config
	log  *slog.Logger
	out  io.Writer
	deps Deps
}

// NewRunner constructs a Runner with the supplied configuration. Command
// output goes to out and log records to logOut.
func NewRunner(cfg Config, out, logOut io.Writer) (*Runner, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return NewRunnerWithDeps(cfg, logger, out, Deps{}), nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, out io.Writer, deps Deps) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if deps.Git == nil {
		shell := git.NewShellRunner()
		shell.NetworkRetries = cfg.FetchRetries
		deps.Git = shell
	}
	if deps.GitHub == nil {
		deps.GitHub = gh.NewRESTFactory()
	}
	if deps.Spawner == nil {
		deps.Spawner = orchestrator.NewProcessSpawner(process.NewSpawner(log))
	}
	if deps.Launcher == nil {
		deps.Launcher = process.NewExternalTerminalLauncher(log)
	}
	if deps.Streamer == nil {
		deps.Streamer = &process.LineStreamRunner{Log: log}
	}
	return &Runner{cfg: cfg, log: log, out: out, deps: deps}
}

// Config returns the runtime configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Logger returns the runner's logger.
func (r *Runner) Logger() *slog.Logger {
	return r.log
}

func (r *Runner) statusChecker() *git.StatusChecker {
	checker := git.NewStatusChecker(r.deps.Git, r.log)
	checker.SkipFetch = r.deps.SkipFetch
	return checker
}

// Status checks the configured repository.
func (r *Runner) Status(ctx context.Context) (git.RepositoryStatus, error) {
	repo, err := r.cfg.RequireRepo()
	if err != nil {
		return git.RepositoryStatus{}, err
	}
	st := r.statusChecker().Check(ctx, repo)
	if r.log != nil {
		r.log.Debug("status checked", "repo", repo, "ok", st.OK, "behind", st.Behind, "ahead", st.Ahead, "dirty", st.Dirty)
	}
	return st, nil
}

// Changes checks the repository and lists the upstream commits it is missing.
func (r *Runner) Changes(ctx context.Context) (git.RepositoryStatus, orchestrator.Changes, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return st, orchestrator.Changes{}, err
	}
	changes, err := r.PendingFor(ctx, st)
	return st, changes, err
}

// PendingFor lists the upstream commits missing from an already checked
// repository.
func (r *Runner) PendingFor(ctx context.Context, st git.RepositoryStatus) (orchestrator.Changes, error) {
	finder := &orchestrator.ChangeFinder{
		Git:    git.NewChangeLister(r.deps.Git),
		GitHub: r.deps.GitHub,
		Token:  r.cfg.GitHubToken,
		Source: r.cfg.ChangesSource,
		Log:    r.log,
	}
	return finder.Pending(ctx, st)
}

// Install runs the installer, mirroring its console to the runner's output.
func (r *Runner) Install(ctx context.Context, opts orchestrator.InstallOptions) (orchestrator.Result, error) {
	repo, err := r.cfg.RequireRepo()
	if err != nil {
		return orchestrator.Result{}, err
	}

	orchCfg := orchestrator.ConfigFromSettings(r.cfg.Settings)
	orchCfg.RepoPath = repo
	orchCfg.SkipPreCheck = r.cfg.SkipPreCheck

	sinkOpts := []logsink.Option{logsink.WithMirror(r.out)}
	if !r.cfg.ForceColorEnv || !isTerminal(r.out) {
		sinkOpts = append(sinkOpts, logsink.WithPlainText())
	}
	sink := logsink.New(r.cfg.LogMaxLines, sinkOpts...)
	orch := orchestrator.New(orchCfg, orchestrator.Dependencies{
		Status:   r.statusChecker(),
		Spawner:  r.deps.Spawner,
		Launcher: r.deps.Launcher,
		Streamer: r.deps.Streamer,
	}, r.log)

	if r.log != nil {
		r.log.Info("starting installer", "repo", repo, "mode", orchCfg.InstallerMode, "pty", orchCfg.UsePTY, "detached", orchCfg.DetachedConsole)
	}
	res, err := orch.Install(ctx, opts, sink)
	if r.cfg.LogFile != "" {
		if werr := r.writeInstallLog(sink); werr != nil && err == nil {
			err = werr
		}
	}
	return res, err
}

func (r *Runner) writeInstallLog(sink *logsink.Buffer) error {
	//nolint:gosec // G301: log directory chosen by the user
	if err := os.MkdirAll(filepath.Dir(r.cfg.LogFile), 0o755); err != nil {
		return fmt.Errorf("create install log directory: %w", err)
	}
	//nolint:gosec // G306: install logs are not secret
	if err := os.WriteFile(r.cfg.LogFile, []byte(sink.String()), 0o644); err != nil {
		return fmt.Errorf("write install log: %w", err)
	}
	if r.log != nil {
		r.log.Info("install log written", "path", r.cfg.LogFile, "lines", sink.Len())
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Watch reports repository status immediately, on every refresh interval and
// whenever the repository changes, until ctx is cancelled.
func (r *Runner) Watch(ctx context.Context, onStatus func(git.RepositoryStatus)) error {
	repo, err := r.cfg.RequireRepo()
	if err != nil {
		return err
	}
	m := monitor.New(r.statusChecker(), monitor.Options{
		RepoPath: repo,
		Interval: r.cfg.AutoRefreshInterval(),
		Watch:    true,
	}, onStatus, r.log)
	m.Run(ctx)
	return nil
}

// Exec runs argv in the repository directory, streaming its merged output to
// the runner's output, and returns its exit code.
func (r *Runner) Exec(ctx context.Context, argv []string) (int, error) {
	repo, err := r.cfg.RequireRepo()
	if err != nil {
		return 1, err
	}
	env := process.ColorEnv(os.Environ(), r.cfg.ForceColorEnv)
	code := r.deps.Streamer.StreamLines(ctx, argv, repo, func(line string) {
		_, _ = io.WriteString(r.out, line)
	}, env)
	return code, nil
}
