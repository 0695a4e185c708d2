// Package logsink collects installer console output.
package logsink

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Option configures a Buffer.
type Option func(*Buffer)

// WithMirror copies every appended chunk to w as it arrives.
func WithMirror(w io.Writer) Option {
	return func(b *Buffer) {
		b.mirror = w
	}
}

// WithPlainText strips ANSI escape sequences before chunks are stored or
// mirrored.
func WithPlainText() Option {
	return func(b *Buffer) {
		b.plain = true
	}
}

// Buffer is a line-limited, concurrency-safe text sink. Chunks need not be
// line aligned; a trailing partial line stays open until its newline arrives.
type Buffer struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
	open     bool
	mirror   io.Writer
	plain    bool
}

// New returns a buffer keeping at most maxLines lines. Zero keeps everything.
func New(maxLines int, opts ...Option) *Buffer {
	if maxLines < 0 {
		maxLines = 0
	}
	b := &Buffer{maxLines: maxLines}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a text chunk.
func (b *Buffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	if b.plain {
		chunk = ansi.Strip(chunk)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mirror != nil {
		_, _ = io.WriteString(b.mirror, chunk)
	}

	parts := strings.SplitAfter(chunk, "\n")
	for _, part := range parts {
		if part == "" {
			continue
		}
		if b.open {
			b.lines[len(b.lines)-1] += part
		} else {
			b.lines = append(b.lines, part)
		}
		b.open = !strings.HasSuffix(part, "\n")
	}
	b.trim()
}

// Write implements io.Writer so the buffer can back a slog handler or an
// exec.Cmd output.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(string(p))
	return len(p), nil
}

// Lines returns a copy of the retained lines, each with its newline if it has
// one.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// String returns the retained text.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "")
}

// Len reports the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

func (b *Buffer) trim() {
	if b.maxLines == 0 || len(b.lines) <= b.maxLines {
		return
	}
	drop := len(b.lines) - b.maxLines
	b.lines = append(b.lines[:0], b.lines[drop:]...)
}
