package process

import (
	"log/slog"
	"os/exec"
	"strings"

	"github.com/foxy/illogical-updots/internal/proc"
)

type terminalEmulator struct {
	name string
	args []string
	// shellString marks emulators whose args already end in "sh -c".
	shellString bool
}

var terminalEmulators = []terminalEmulator{
	{name: "kitty", args: []string{"-e"}},
	{name: "alacritty", args: []string{"-e"}},
	{name: "gnome-terminal", args: []string{"--"}},
	{name: "xterm", args: []string{"-e"}},
	{name: "konsole", args: []string{"-e"}},
	{name: "foot", args: []string{"sh", "-c"}, shellString: true},
}

// ExternalTerminalLauncher runs the installer outside this process tree,
// inside the first terminal emulator found on PATH.
type ExternalTerminalLauncher struct {
	Log *slog.Logger

	// LookPath resolves terminal emulators. Defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// start launches a prepared command; injectable for tests.
	start func(*exec.Cmd) error
}

// NewExternalTerminalLauncher returns a launcher that searches PATH.
func NewExternalTerminalLauncher(logger *slog.Logger) *ExternalTerminalLauncher {
	return &ExternalTerminalLauncher{Log: logger, LookPath: exec.LookPath}
}

// LaunchDetached starts "./setup install extraArgs..." in repoPath. It returns
// the terminal emulator used, or "" when the installer was started directly as
// a background child because no emulator is available. Failures are logged and
// never returned.
func (l *ExternalTerminalLauncher) LaunchDetached(repoPath string, extraArgs []string) string {
	return l.LaunchSubcommand(repoPath, "install", extraArgs)
}

// LaunchSubcommand is LaunchDetached with an explicit installer subcommand.
func (l *ExternalTerminalLauncher) LaunchSubcommand(repoPath, subcommand string, extraArgs []string) string {
	installer := append([]string{InstallerEntry, subcommand}, extraArgs...)
	script := "cd " + shellQuote(repoPath) + " && " + shellJoin(installer)

	for _, term := range terminalEmulators {
		path, err := l.lookPath()(term.name)
		if err != nil {
			continue
		}
		args := append([]string(nil), term.args...)
		if term.shellString {
			args = append(args, script)
		} else {
			args = append(args, "sh", "-c", script)
		}

		cmd := exec.Command(path, args...)
		proc.Detach(cmd)
		if err := l.launch(cmd); err != nil {
			l.warn("terminal launch failed", "terminal", term.name, "error", err)
			continue
		}
		l.info("installer launched in terminal", "terminal", term.name, "repo", repoPath)
		return term.name
	}

	cmd := exec.Command(installer[0], installer[1:]...)
	cmd.Dir = repoPath
	proc.SetProcessGroup(cmd)
	if err := l.launch(cmd); err != nil {
		l.warn("background installer launch failed", "repo", repoPath, "error", err)
		return ""
	}
	l.info("no terminal emulator found; installer running in background", "repo", repoPath)
	return ""
}

func (l *ExternalTerminalLauncher) launch(cmd *exec.Cmd) error {
	if l.start != nil {
		return l.start(cmd)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func (l *ExternalTerminalLauncher) lookPath() func(string) (string, error) {
	if l.LookPath == nil {
		return exec.LookPath
	}
	return l.LookPath
}

func (l *ExternalTerminalLauncher) info(msg string, args ...any) {
	if l.Log != nil {
		l.Log.Info(msg, args...)
	}
}

func (l *ExternalTerminalLauncher) warn(msg string, args ...any) {
	if l.Log != nil {
		l.Log.Warn(msg, args...)
	}
}

func shellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, unsafeShellRune) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./-_", r):
		return false
	default:
		return true
	}
}
