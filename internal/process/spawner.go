package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/foxy/illogical-updots/internal/proc"
)

// InstallerEntry is the installer script, relative to the repository root.
const InstallerEntry = "./setup"

// ErrNoInstaller is returned when no invocation in the fallback chain could be
// started.
var ErrNoInstaller = errors.New("process: all setup execution fallbacks failed")

var defaultInterpreters = []string{"fish", "sh"}

// SpawnOptions describes a single installer run.
type SpawnOptions struct {
	RepoPath  string
	ExtraArgs []string

	// AutoInput is written to the installer in order, followed by AcceptAllInput.
	AutoInput []string

	UsePTY bool

	// Env is the base environment. Nil inherits the current process environment.
	Env []string

	// ForceColor applies ColorEnv to Env.
	ForceColor bool
}

// Spawner launches the installer with interpreter and transport fallbacks.
type Spawner struct {
	// Interpreters are tried in order when the installer cannot be executed
	// directly. Defaults to fish then sh.
	Interpreters []string

	Timing FeedTiming

	Log *slog.Logger

	// openPTY is injectable for tests; defaults to pty.Open.
	openPTY func() (*os.File, *os.File, error)
}

// NewSpawner returns a spawner with production timing.
func NewSpawner(logger *slog.Logger) *Spawner {
	return &Spawner{
		Interpreters: append([]string(nil), defaultInterpreters...),
		Timing:       DefaultFeedTiming(),
		Log:          logger,
		openPTY:      pty.Open,
	}
}

// SpawnInstaller starts the installer in opts.RepoPath and returns its handle.
// Diagnostics are delivered to onLine as text lines; onLine is also called from
// the auto-input feeder goroutine and must be safe for concurrent use. A nil process is returned with
// ErrNoInstaller when the fallback chain is exhausted, or with the spawn
// error when a non-recoverable failure occurs.
func (s *Spawner) SpawnInstaller(ctx context.Context, opts SpawnOptions, onLine func(string)) (*ManagedProcess, error) {
	if onLine == nil {
		onLine = func(string) {}
	}

	base := opts.Env
	if base == nil {
		base = os.Environ()
	}
	env := ColorEnv(base, opts.ForceColor)

	candidates := s.candidates(opts.ExtraArgs)
	for i, argv := range candidates {
		p, err := s.start(argv, opts.RepoPath, env, opts.UsePTY, onLine)
		if err == nil {
			s.logDebug("installer spawned", "argv", argv, "pid", p.Pid(), "transport", p.Transport())
			p.startFeeder(ctx, opts.AutoInput, s.timing(), onLine)
			return p, nil
		}

		if fallbackAllowed(err, i > 0) {
			if errors.Is(err, syscall.ENOEXEC) {
				onLine(fmt.Sprintf("[warn] Exec format error with %s; trying fallback...\n", strings.Join(argv, " ")))
			} else {
				onLine(fmt.Sprintf("[warn] %s unavailable; trying fallback...\n", argv[0]))
			}
			continue
		}

		onLine(fmt.Sprintf("[error] %v\n", err))
		return nil, fmt.Errorf("spawn %s: %w", strings.Join(argv, " "), err)
	}

	onLine("[error] All setup execution fallbacks failed.\n")
	return nil, ErrNoInstaller
}

func (s *Spawner) candidates(extra []string) [][]string {
	interpreters := s.Interpreters
	if interpreters == nil {
		interpreters = defaultInterpreters
	}
	out := make([][]string, 0, len(interpreters)+1)
	out = append(out, append([]string{InstallerEntry}, extra...))
	for _, shell := range interpreters {
		out = append(out, append([]string{shell, InstallerEntry}, extra...))
	}
	return out
}

// fallbackAllowed reports whether the next candidate should be tried. Direct
// execution only falls back on an exec format error; a missing interpreter is
// skipped as well.
func fallbackAllowed(err error, interpreter bool) bool {
	if errors.Is(err, syscall.ENOEXEC) {
		return true
	}
	return interpreter && errors.Is(err, exec.ErrNotFound)
}

func (s *Spawner) start(argv []string, dir string, env []string, usePTY bool, onLine func(string)) (*ManagedProcess, error) {
	if usePTY {
		master, tty, err := s.ptyOpener()()
		if err == nil {
			return s.startPTY(argv, dir, env, master, tty, onLine)
		}
		onLine(fmt.Sprintf("[pty-warn] failed to open pty: %v; fallback no-pty\n", err))
	}
	return s.startPipe(argv, dir, env, onLine)
}

func (s *Spawner) startPTY(argv []string, dir string, env []string, master, tty *os.File, onLine func(string)) (*ManagedProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	proc.SetSession(cmd)

	err := cmd.Start()
	_ = tty.Close()
	if err != nil {
		_ = master.Close()
		return nil, err
	}

	onLine(fmt.Sprintf("[spawn/pty] %s\n", strings.Join(argv, " ")))
	return newManagedProcess(cmd, argv, newPTYTransport(master)), nil
}

func (s *Spawner) startPipe(argv []string, dir string, env []string, onLine func(string)) (*ManagedProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	proc.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	output, writer, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	err = cmd.Start()
	_ = writer.Close()
	if err != nil {
		_ = stdin.Close()
		_ = output.Close()
		return nil, err
	}

	onLine(fmt.Sprintf("[spawn] %s\n", strings.Join(argv, " ")))
	return newManagedProcess(cmd, argv, newPipeTransport(stdin, output)), nil
}

func (s *Spawner) ptyOpener() func() (*os.File, *os.File, error) {
	if s.openPTY == nil {
		return pty.Open
	}
	return s.openPTY
}

func (s *Spawner) timing() FeedTiming {
	if s.Timing == (FeedTiming{}) {
		return DefaultFeedTiming()
	}
	return s.Timing
}

func (s *Spawner) logDebug(msg string, args ...any) {
	if s.Log != nil {
		s.Log.Debug(msg, args...)
	}
}

// ManagedProcess is a running installer together with the transport that
// carries its input and output. The caller owns it until Close.
type ManagedProcess struct {
	cmd       *exec.Cmd
	argv      []string
	transport transport

	done     chan struct{}
	exitCode int

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	stopFeeder context.CancelFunc
}

func newManagedProcess(cmd *exec.Cmd, argv []string, t transport) *ManagedProcess {
	p := &ManagedProcess{
		cmd:        cmd,
		argv:       argv,
		transport:  t,
		done:       make(chan struct{}),
		stopFeeder: func() {},
	}
	go func() {
		_ = cmd.Wait()
		p.exitCode = proc.ExitCode(cmd.ProcessState)
		close(p.done)
	}()
	return p
}

func (p *ManagedProcess) startFeeder(ctx context.Context, items []string, timing FeedTiming, emit func(string)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stopFeeder = cancel

	f := &feeder{
		items:  append([]string(nil), items...),
		timing: timing,
		write:  p.WriteInput,
		emit:   emit,
	}
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		f.run(ctx)
	}()
}

// Pid returns the operating system process id.
func (p *ManagedProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Argv returns the command line that was started.
func (p *ManagedProcess) Argv() []string {
	return append([]string(nil), p.argv...)
}

// Transport reports which transport carries the process's stdio.
func (p *ManagedProcess) Transport() TransportKind {
	return p.transport.Kind()
}

// ReadLine returns the next output line. It blocks until a full line, the
// final partial line, or the end of the stream is available.
func (p *ManagedProcess) ReadLine() (string, error) {
	return p.transport.Lines().ReadLine()
}

// WriteInput writes text verbatim to the process input. Writes from the
// feeder and from callers are serialized.
func (p *ManagedProcess) WriteInput(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.transport, text)
	return err
}

// Interrupt delivers SIGINT to the process group.
func (p *ManagedProcess) Interrupt() error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return proc.SignalGroup(p.cmd, syscall.SIGINT)
}

// Done is closed once the process has exited.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code. Processes
// killed by a signal report the negated signal number.
func (p *ManagedProcess) Wait() int {
	<-p.done
	return p.exitCode
}

// Close stops the feeder, kills the process group if it is still running and
// releases the transport. It is safe to call more than once.
func (p *ManagedProcess) Close() error {
	p.closeOnce.Do(func() {
		p.stopFeeder()
		select {
		case <-p.done:
		default:
			proc.TerminateGroup(p.cmd)
		}
		p.closeErr = p.transport.Close()
	})
	return p.closeErr
}
