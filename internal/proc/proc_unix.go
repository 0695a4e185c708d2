package proc

import (
	"os"
	"os/exec"
	"syscall"
)

// SetProcessGroup places the command in its own process group so that the whole
// tree can be signalled at once.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SetSession starts the command as a session leader with the terminal on fd 0 as
// its controlling terminal. Session leaders are also process group leaders.
func SetSession(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
}

// Detach starts the command in a new session without a controlling terminal.
func Detach(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

// TerminateGroup kills every process in the command's process group.
func TerminateGroup(cmd *exec.Cmd) {
	_ = SignalGroup(cmd, syscall.SIGKILL)
}

// SignalGroup delivers sig to the command's process group, falling back to the
// process itself when the group cannot be resolved.
func SignalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return syscall.ESRCH
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Signal(sig)
	}
	return syscall.Kill(-pgid, sig)
}

// ExitCode reports the exit status of a finished process. Processes terminated
// by a signal report the negated signal number.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
