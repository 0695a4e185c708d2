package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// ErrTransportClosed is returned by writes once the process input has been
// closed, either explicitly or because the process exited.
var ErrTransportClosed = errors.New("process: input transport closed")

// TransportKind identifies which transport backs a ManagedProcess.
type TransportKind int

const (
	// TransportPipe is a conventional stdin pipe with merged stdout/stderr.
	TransportPipe TransportKind = iota
	// TransportPTY binds the child's stdio to a pseudo-terminal slave.
	TransportPTY
)

func (k TransportKind) String() string {
	switch k {
	case TransportPTY:
		return "pty"
	case TransportPipe:
		return "pipe"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// transport owns the parent's side of the child's stdio. Exactly one Close
// releases every descriptor it holds.
type transport interface {
	Kind() TransportKind
	Write(p []byte) (int, error)
	Lines() LineReader
	Close() error
}

type ptyTransport struct {
	master *os.File
	lines  *ptyLineReader

	mu     sync.Mutex
	closed bool
}

func newPTYTransport(master *os.File) *ptyTransport {
	return &ptyTransport{master: master, lines: newPTYLineReader(master)}
}

func (t *ptyTransport) Kind() TransportKind { return TransportPTY }
func (t *ptyTransport) Lines() LineReader   { return t.lines }

func (t *ptyTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrTransportClosed
	}
	n, err := t.master.Write(p)
	return n, writeError(err)
}

func (t *ptyTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.master.Close()
}

type pipeTransport struct {
	stdin  io.WriteCloser
	output *os.File
	lines  *pipeLineReader

	mu     sync.Mutex
	closed bool
}

func newPipeTransport(stdin io.WriteCloser, output *os.File) *pipeTransport {
	return &pipeTransport{stdin: stdin, output: output, lines: newPipeLineReader(output)}
}

func (t *pipeTransport) Kind() TransportKind { return TransportPipe }
func (t *pipeTransport) Lines() LineReader   { return t.lines }

func (t *pipeTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrTransportClosed
	}
	n, err := t.stdin.Write(p)
	return n, writeError(err)
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return errors.Join(t.stdin.Close(), t.output.Close())
}

// writeError maps the errors a dead peer produces onto ErrTransportClosed.
func writeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}
