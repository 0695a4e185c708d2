package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/foxy/illogical-updots/internal/config"
	"github.com/foxy/illogical-updots/internal/git"
	"github.com/foxy/illogical-updots/internal/logsink"
	"github.com/foxy/illogical-updots/internal/orchestrator"
	"github.com/foxy/illogical-updots/internal/process"
)

type fakeStatus struct {
	mu        sync.Mutex
	responses []git.RepositoryStatus
	calls     int
}

func (f *fakeStatus) Check(_ context.Context, repoPath string) git.RepositoryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return git.RepositoryStatus{OK: true, RepoPath: repoPath}
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx]
}

type fakeProcess struct {
	lines    []string
	readErr  error
	exitCode int

	// blockAfterLines keeps ReadLine waiting for Close once lines are drained.
	blockAfterLines bool

	mu        sync.Mutex
	next      int
	closeOnce sync.Once
	closed    chan struct{}
	inputs    []string
}

func newFakeProcess(exitCode int, lines ...string) *fakeProcess {
	return &fakeProcess{lines: lines, exitCode: exitCode, closed: make(chan struct{})}
}

func (p *fakeProcess) ReadLine() (string, error) {
	p.mu.Lock()
	if p.next < len(p.lines) {
		line := p.lines[p.next]
		p.next++
		p.mu.Unlock()
		return line, nil
	}
	p.mu.Unlock()

	if p.blockAfterLines {
		<-p.closed
	}
	if p.readErr != nil {
		return "", p.readErr
	}
	return "", io.EOF
}

func (p *fakeProcess) WriteInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, text)
	return nil
}

func (p *fakeProcess) Interrupt() error { return nil }

func (p *fakeProcess) Wait() int { return p.exitCode }

func (p *fakeProcess) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakeProcess) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type fakeSpawner struct {
	proc  *fakeProcess
	err   error
	calls []process.SpawnOptions
}

func (s *fakeSpawner) SpawnInstaller(_ context.Context, opts process.SpawnOptions, onLine func(string)) (orchestrator.Process, error) {
	s.calls = append(s.calls, opts)
	if s.err != nil {
		onLine("[error] All setup execution fallbacks failed.\n")
		return nil, s.err
	}
	onLine("[spawn] ./setup " + strings.Join(opts.ExtraArgs, " ") + "\n")
	return s.proc, nil
}

type launchCall struct {
	repo       string
	subcommand string
	extra      []string
}

type fakeLauncher struct {
	terminal string
	calls    []launchCall
}

func (l *fakeLauncher) LaunchSubcommand(repoPath, subcommand string, extraArgs []string) string {
	l.calls = append(l.calls, launchCall{repo: repoPath, subcommand: subcommand, extra: extraArgs})
	return l.terminal
}

type streamCall struct {
	argv []string
	dir  string
	env  []string
}

type fakeStreamer struct {
	code  int
	calls []streamCall
}

func (s *fakeStreamer) StreamLines(_ context.Context, argv []string, dir string, onLine func(string), env []string) int {
	s.calls = append(s.calls, streamCall{argv: argv, dir: dir, env: env})
	onLine("post script output\n")
	return s.code
}

func consoleLines(b *logsink.Buffer) []string {
	lines := b.Lines()
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r\n")
	}
	return lines
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		cfg      orchestrator.Config
		status   *fakeStatus
		spawner  *fakeSpawner
		launcher *fakeLauncher
		streamer *fakeStreamer
		sink     *logsink.Buffer
	)

	newOrchestrator := func() *orchestrator.Orchestrator {
		return orchestrator.New(cfg, orchestrator.Dependencies{
			Status:   status,
			Spawner:  spawner,
			Launcher: launcher,
			Streamer: streamer,
		}, nil)
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = orchestrator.Config{RepoPath: "/repo", InstallerMode: config.InstallerModeAuto, UsePTY: true, ForceColor: true}
		status = &fakeStatus{}
		spawner = &fakeSpawner{proc: newFakeProcess(0, "step 1\n", "step 2\n")}
		launcher = &fakeLauncher{terminal: "kitty"}
		streamer = &fakeStreamer{}
		sink = logsink.New(0)
	})

	It("pumps installer output into the sink and reports the exit code", func() {
		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ExitCode).To(Equal(0))
		Expect(result.Succeeded()).To(BeTrue())
		Expect(consoleLines(sink)).To(Equal([]string{
			"[spawn] ./setup install",
			"step 1",
			"step 2",
			"[exit 0]",
		}))
		Expect(spawner.proc.isClosed()).To(BeTrue())
	})

	It("checks status before and after the install", func() {
		status.responses = []git.RepositoryStatus{
			{OK: true, RepoPath: "/repo", Behind: 3},
			{OK: true, RepoPath: "/repo", Behind: 0},
		}

		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.calls).To(Equal(2))
		Expect(result.Before.Behind).To(Equal(3))
		Expect(result.After.Behind).To(Equal(0))
	})

	It("continues when the pre-check reports a broken repository", func() {
		status.responses = []git.RepositoryStatus{{RepoPath: "/repo", Error: "Not a git repository"}}

		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Before.OK).To(BeFalse())
		Expect(spawner.calls).To(HaveLen(1))
	})

	It("skips the pre-check when disabled", func() {
		cfg.SkipPreCheck = true

		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.calls).To(Equal(1))
		Expect(result.Before).To(Equal(git.RepositoryStatus{}))
	})

	It("passes spawn settings and extra arguments to the spawner", func() {
		cfg.UsePTY = false
		opts := orchestrator.InstallOptions{
			ExtraArgs: []string{"--skip-fish"},
			AutoInput: []string{"y\n"},
			Env:       []string{"HOME=/home/me"},
		}

		_, err := newOrchestrator().Install(ctx, opts, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(spawner.calls).To(HaveLen(1))
		call := spawner.calls[0]
		Expect(call.RepoPath).To(Equal("/repo"))
		Expect(call.ExtraArgs).To(Equal([]string{"install", "--skip-fish"}))
		Expect(call.AutoInput).To(Equal([]string{"y\n"}))
		Expect(call.UsePTY).To(BeFalse())
		Expect(call.ForceColor).To(BeTrue())
		Expect(call.Env).To(Equal([]string{"HOME=/home/me"}))
	})

	DescribeTable("maps the installer mode to a subcommand",
		func(mode, subcommand string) {
			cfg.InstallerMode = mode

			_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(spawner.calls[0].ExtraArgs[0]).To(Equal(subcommand))
		},
		Entry("auto", config.InstallerModeAuto, "install"),
		Entry("full", config.InstallerModeFull, "install"),
		Entry("files-only", config.InstallerModeFilesOnly, "install-files"),
		Entry("unset", "", "install"),
	)

	It("rejects an unknown installer mode", func() {
		cfg.InstallerMode = "partial"

		_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).To(MatchError(ContainSubstring(`unknown installer mode "partial"`)))
		Expect(spawner.calls).To(BeEmpty())
	})

	It("requires a repository path", func() {
		cfg.RepoPath = "  "

		_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).To(MatchError("repository path is required"))
	})

	It("hands the installer to an external terminal in detached mode", func() {
		cfg.DetachedConsole = true
		cfg.InstallerMode = config.InstallerModeFilesOnly

		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{ExtraArgs: []string{"-c"}}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Detached).To(BeTrue())
		Expect(result.Terminal).To(Equal("kitty"))
		Expect(result.Succeeded()).To(BeTrue())
		Expect(launcher.calls).To(Equal([]launchCall{{repo: "/repo", subcommand: "install-files", extra: []string{"-c"}}}))
		Expect(spawner.calls).To(BeEmpty())
		Expect(sink.String()).To(ContainSubstring("[external] installer opened in kitty"))
	})

	It("reports a background launch when no terminal is available", func() {
		cfg.DetachedConsole = true
		launcher.terminal = ""

		result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Terminal).To(BeEmpty())
		Expect(sink.String()).To(ContainSubstring("no terminal emulator found"))
	})

	It("returns the spawn failure after the diagnostics reach the sink", func() {
		spawner.err = process.ErrNoInstaller

		_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).To(MatchError(process.ErrNoInstaller))
		Expect(consoleLines(sink)).To(Equal([]string{"[error] All setup execution fallbacks failed."}))
		Expect(status.calls).To(Equal(1))
	})

	It("hands the running process to the Started callback", func() {
		var started orchestrator.Process
		opts := orchestrator.InstallOptions{Started: func(p orchestrator.Process) {
			started = p
			Expect(p.WriteInput("n\n")).To(Succeed())
		}}

		_, err := newOrchestrator().Install(ctx, opts, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(started).NotTo(BeNil())
		Expect(spawner.proc.inputs).To(Equal([]string{"n\n"}))
	})

	It("reports unexpected read errors in the console", func() {
		spawner.proc.readErr = errors.New("input/output glitch")

		_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(consoleLines(sink)).To(ContainElement("[stream error] input/output glitch"))
		Expect(consoleLines(sink)[len(consoleLines(sink))-1]).To(Equal("[exit 0]"))
	})

	It("closes the installer when the context is cancelled", func() {
		spawner.proc = newFakeProcess(-9, "working\n")
		spawner.proc.blockAfterLines = true
		cancelCtx, cancel := context.WithCancel(ctx)

		done := make(chan orchestrator.Result, 1)
		go func() {
			defer GinkgoRecover()
			result, err := newOrchestrator().Install(cancelCtx, orchestrator.InstallOptions{}, sink)
			Expect(err).NotTo(HaveOccurred())
			done <- result
		}()

		Eventually(func() []string { return consoleLines(sink) }).Should(ContainElement("working"))
		cancel()

		var result orchestrator.Result
		Eventually(done).Should(Receive(&result))
		Expect(result.ExitCode).To(Equal(-9))
		Expect(spawner.proc.isClosed()).To(BeTrue())
		Expect(streamer.calls).To(BeEmpty())
	})

	Describe("post script", func() {
		BeforeEach(func() {
			cfg.PostScriptPath = "hooks/after.sh"
		})

		It("runs after a successful install with the color environment", func() {
			streamer.code = 0

			result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{Env: []string{"TERM=dumb", "NO_COLOR=1"}}, sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.PostScriptRan).To(BeTrue())
			Expect(result.PostScriptExit).To(Equal(0))
			Expect(streamer.calls).To(HaveLen(1))

			call := streamer.calls[0]
			Expect(call.argv).To(Equal([]string{"sh", "/repo/hooks/after.sh"}))
			Expect(call.dir).To(Equal("/repo"))
			Expect(call.env).To(ContainElement("FORCE_COLOR=1"))
			Expect(call.env).NotTo(ContainElement("NO_COLOR=1"))
			Expect(consoleLines(sink)).To(ContainElements("[post-script] /repo/hooks/after.sh", "post script output"))
		})

		It("runs executable scripts directly", func() {
			dir := GinkgoT().TempDir()
			script := filepath.Join(dir, "after.sh")
			Expect(os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755)).To(Succeed())
			cfg.PostScriptPath = script

			_, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(streamer.calls[0].argv).To(Equal([]string{script}))
		})

		It("marks the run failed when the post script fails", func() {
			streamer.code = 2

			result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.ExitCode).To(Equal(0))
			Expect(result.PostScriptExit).To(Equal(2))
			Expect(result.Succeeded()).To(BeFalse())
		})

		It("is skipped when the installer fails", func() {
			spawner.proc = newFakeProcess(1, "boom\n")

			result, err := newOrchestrator().Install(ctx, orchestrator.InstallOptions{}, sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.PostScriptRan).To(BeFalse())
			Expect(result.Succeeded()).To(BeFalse())
			Expect(streamer.calls).To(BeEmpty())
			Expect(consoleLines(sink)).To(ContainElement("[exit 1]"))
		})
	})
})

var _ = Describe("Orchestrator with a real installer", func() {
	It("runs the setup script and the post script", func() {
		repo := GinkgoT().TempDir()
		setup := "#!/bin/sh\necho \"args: $*\"\nread answer\necho \"answer: $answer\"\n"
		Expect(os.WriteFile(filepath.Join(repo, "setup"), []byte(setup), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(repo, "after.sh"), []byte("echo post-done\nexit 0\n"), 0o644)).To(Succeed())

		spawner := process.NewSpawner(nil)
		spawner.Timing = process.FeedTiming{SequenceDelay: 10 * time.Millisecond, IdleDelay: 10 * time.Millisecond, ItemDelay: 10 * time.Millisecond}

		cfg := orchestrator.Config{
			RepoPath:       repo,
			InstallerMode:  config.InstallerModeFull,
			PostScriptPath: "after.sh",
			SkipPreCheck:   true,
		}
		orch := orchestrator.New(cfg, orchestrator.Dependencies{
			Spawner:  orchestrator.NewProcessSpawner(spawner),
			Streamer: &process.LineStreamRunner{},
		}, nil)

		sink := logsink.New(0)
		result, err := orch.Install(context.Background(), orchestrator.InstallOptions{
			ExtraArgs: []string{"--skip-fish"},
			AutoInput: []string{"n\n"},
		}, sink)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ExitCode).To(Equal(0))
		Expect(result.PostScriptExit).To(Equal(0))
		Expect(consoleLines(sink)).To(ContainElements(
			"args: install --skip-fish",
			"answer: n",
			"[exit 0]",
			"post-done",
		))
	})
})
