package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxy/illogical-updots/internal/app"
	"github.com/foxy/illogical-updots/internal/config"
	"github.com/foxy/illogical-updots/internal/git"
	"github.com/foxy/illogical-updots/internal/orchestrator"
)

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

type globalOptions struct {
	settingsPath string
	repoPath     string
	verbose      bool
}

type cli struct {
	streams
	opts globalOptions
}

func newRootCommand(args []string, s streams) *cobra.Command {
	c := &cli{streams: s}
	root := &cobra.Command{
		Use:           "illogical-updots",
		Short:         "Keep a dots-hyprland checkout up to date and run its installer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(s.out)
	root.SetErr(s.err)
	root.PersistentFlags().StringVar(&c.opts.settingsPath, "config", "", "Settings file (default $XDG_CONFIG_HOME/illogical-updots/settings.json)")
	root.PersistentFlags().StringVar(&c.opts.repoPath, "repo", "", "Repository path for this invocation")
	root.PersistentFlags().BoolVarP(&c.opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		c.newStatusCommand(),
		c.newChangesCommand(),
		c.newInstallCommand(),
		c.newWatchCommand(),
		c.newExecCommand(),
		c.newConfigCommand(),
	)

	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	return root
}

func (c *cli) loadStore() (*config.Store, error) {
	var opts []config.Option
	if c.opts.settingsPath != "" {
		opts = append(opts, config.WithSettingsFile(c.opts.settingsPath))
	}
	store, err := config.Load(opts...)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if loadErr := store.LoadErr(); loadErr != nil {
		fmt.Fprintf(c.err, "warning: ignoring settings file: %v\n", loadErr)
	}
	return store, nil
}

func (c *cli) runner(overrides map[string]any, adjust ...func(*app.Config)) (*app.Runner, error) {
	store, err := c.loadStore()
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = map[string]any{}
	}
	if c.opts.repoPath != "" {
		overrides[config.KeyRepoPath] = c.opts.repoPath
	}
	if err := store.ApplyOverrides(overrides); err != nil {
		return nil, err
	}

	cfg, err := app.LoadConfig(store, c.opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, fn := range adjust {
		fn(&cfg)
	}
	return app.NewRunner(cfg, c.out, c.err)
}

func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (c *cli) newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how the repository compares with its upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.runner(nil)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext(cmd.Context())
			defer cancel()

			st, err := runner.Status(ctx)
			if err != nil {
				return err
			}
			report := statusReport{RepositoryStatus: st}
			if !runner.Config().ChangesLazyLoad && st.HasUpdates() {
				changes, err := runner.PendingFor(ctx, st)
				if err != nil {
					return err
				}
				report.Changes = &changes
			}
			if asJSON {
				if err := app.WriteJSON(c.out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprint(c.out, app.RenderStatus(st))
				if report.Changes != nil {
					fmt.Fprint(c.out, app.RenderChanges(*report.Changes))
				}
			}
			if !st.OK {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

// statusReport is the status snapshot, plus pending changes when
// changes_lazy_load is off.
type statusReport struct {
	git.RepositoryStatus
	Changes *orchestrator.Changes `json:"changes,omitempty"`
}

func (c *cli) newChangesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List upstream commits not yet pulled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.runner(nil)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext(cmd.Context())
			defer cancel()

			_, changes, err := runner.Changes(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return app.WriteJSON(c.out, changes)
			}
			fmt.Fprint(c.out, app.RenderChanges(changes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the changes as JSON")
	return cmd
}

func (c *cli) newInstallCommand() *cobra.Command {
	var (
		usePTY    bool
		noPTY     bool
		external  bool
		noCheck   bool
		mode      string
		logFile   string
		autoInput []string
	)
	cmd := &cobra.Command{
		Use:   "install [-- installer args...]",
		Short: "Run the repository's setup installer",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			switch {
			case usePTY && noPTY:
				return errors.New("--pty and --no-pty are mutually exclusive")
			case usePTY:
				overrides[config.KeyUsePTY] = true
			case noPTY:
				overrides[config.KeyUsePTY] = false
			}
			if external {
				overrides[config.KeyDetachedConsole] = true
			}
			if mode != "" {
				overrides[config.KeyInstallerMode] = mode
			}

			runner, err := c.runner(overrides, func(cfg *app.Config) {
				cfg.SkipPreCheck = noCheck
				cfg.LogFile = logFile
			})
			if err != nil {
				return err
			}
			return c.runInstall(cmd.Context(), runner, orchestrator.InstallOptions{
				ExtraArgs: args,
				AutoInput: withNewlines(autoInput),
			})
		},
	}
	cmd.Flags().BoolVar(&usePTY, "pty", false, "Run the installer in a pseudo-terminal")
	cmd.Flags().BoolVar(&noPTY, "no-pty", false, "Run the installer with plain pipes")
	cmd.Flags().BoolVar(&external, "external", false, "Open the installer in an external terminal emulator")
	cmd.Flags().StringVar(&mode, "mode", "", "Installer mode: auto, full or files-only")
	cmd.Flags().BoolVar(&noCheck, "no-precheck", false, "Skip the repository status check before installing")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write the retained installer console (last log_max_lines lines) to this file")
	cmd.Flags().StringArrayVar(&autoInput, "auto-input", nil, "Answer to send to the installer before accepting all prompts (repeatable)")
	return cmd
}

// runInstall forwards terminal input and Ctrl-C to the installer while it runs.
// SIGTERM aborts the run.
func (c *cli) runInstall(parent context.Context, runner *app.Runner, opts orchestrator.InstallOptions) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGTERM)
	defer cancel()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	opts.Started = func(p orchestrator.Process) {
		go forwardInput(c.in, p, runner.Logger())
		go forwardInterrupts(ctx, interrupts, p, runner.Logger())
	}

	res, err := runner.Install(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, app.RenderInstallResult(res))
	if res.Succeeded() {
		return nil
	}
	if res.ExitCode != 0 {
		return exitStatus(res.ExitCode)
	}
	return exitStatus(res.PostScriptExit)
}

func forwardInput(in io.Reader, p orchestrator.Process, log *slog.Logger) {
	if in == nil {
		return
	}
	reader := bufio.NewReader(in)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if werr := p.WriteInput(line); werr != nil {
				if log != nil {
					log.Debug("stopped forwarding input", "error", werr)
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func forwardInterrupts(ctx context.Context, interrupts <-chan os.Signal, p orchestrator.Process, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-interrupts:
			if err := p.Interrupt(); err != nil && log != nil {
				log.Debug("interrupt not delivered", "error", err)
			}
		}
	}
}

func withNewlines(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || item[len(item)-1] != '\n' {
			item += "\n"
		}
		out = append(out, item)
	}
	return out
}

func (c *cli) newWatchCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Report repository status on every refresh and repository change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.runner(nil)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext(cmd.Context())
			defer cancel()

			return runner.Watch(ctx, func(st git.RepositoryStatus) {
				if asJSON {
					_ = app.WriteJSON(c.out, st)
					return
				}
				fmt.Fprintf(c.out, "--- %s ---\n", time.Now().Format(time.TimeOnly))
				fmt.Fprint(c.out, app.RenderStatus(st))
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print each status as JSON")
	return cmd
}

func (c *cli) newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Run a command in the repository and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := c.runner(nil)
			if err != nil {
				return err
			}
			ctx, cancel := interruptContext(cmd.Context())
			defer cancel()

			code, err := runner.Exec(ctx, args)
			if err != nil {
				return err
			}
			return exitStatus(code)
		},
	}
}

func (c *cli) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change persisted settings",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := c.loadStore()
			if err != nil {
				return err
			}
			values := make(map[string]any, len(config.Keys()))
			for _, key := range config.Keys() {
				values[key] = displayValue(key, store.Get(key))
			}
			if asJSON {
				return app.WriteJSON(c.out, values)
			}
			fmt.Fprintf(c.out, "# %s\n", store.Path())
			for _, key := range config.Keys() {
				fmt.Fprintf(c.out, "%s = %v\n", key, values[key])
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print the settings as JSON")

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change a setting and save it",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := c.loadStore()
			if err != nil {
				return err
			}
			if err := store.SetString(args[0], args[1]); err != nil {
				return err
			}
			if err := store.Settings().Validate(); err != nil {
				return err
			}
			if err := store.Save(); err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			fmt.Fprintf(c.out, "%s = %v\n", args[0], displayValue(args[0], store.Get(args[0])))
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := c.loadStore()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, store.Path())
			return nil
		},
	}

	cmd.AddCommand(show, set, path)
	return cmd
}

func displayValue(key string, value any) any {
	if key == config.KeyGitHubToken {
		if s, ok := value.(string); ok && s != "" {
			return "********"
		}
	}
	return value
}
