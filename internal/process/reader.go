package process

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"syscall"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LineReader yields process output one line at a time. Lines keep their
// trailing newline; a final unterminated line is returned as is. Once the
// stream is exhausted ReadLine returns "" and io.EOF.
type LineReader interface {
	ReadLine() (string, error)
}

// ptyLineReader accumulates raw reads from a pseudo-terminal master until a
// newline boundary shows up. The master only exposes a byte channel.
type ptyLineReader struct {
	src   io.Reader
	dec   *encoding.Decoder
	chunk []byte
	buf   []byte
	err   error
}

func newPTYLineReader(src io.Reader) *ptyLineReader {
	return &ptyLineReader{
		src:   src,
		dec:   unicode.UTF8.NewDecoder(),
		chunk: make([]byte, 4096),
	}
}

func (r *ptyLineReader) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := r.decode(r.buf[:i+1])
			r.buf = append(r.buf[:0], r.buf[i+1:]...)
			return line, nil
		}
		if r.err != nil {
			if len(r.buf) > 0 {
				line := r.decode(r.buf)
				r.buf = r.buf[:0]
				return line, nil
			}
			return "", r.err
		}

		n, err := r.src.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err != nil {
			r.err = endOfStream(err)
		}
	}
}

func (r *ptyLineReader) decode(raw []byte) string {
	out, err := r.dec.Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte("\uFFFD")))
	}
	return string(out)
}

// pipeLineReader reads a conventional pipe through a lossy UTF-8 decoder.
type pipeLineReader struct {
	r   *bufio.Reader
	err error
}

func newPipeLineReader(src io.Reader) *pipeLineReader {
	return &pipeLineReader{
		r: bufio.NewReader(transform.NewReader(src, unicode.UTF8.NewDecoder())),
	}
}

func (r *pipeLineReader) ReadLine() (string, error) {
	if r.err != nil {
		return "", r.err
	}
	line, err := r.r.ReadString('\n')
	if err != nil {
		r.err = endOfStream(err)
		if line != "" {
			return line, nil
		}
		return "", r.err
	}
	return line, nil
}

// endOfStream folds the ways a process output stream can end into io.EOF.
// A pty master reports EIO once the slave side has been closed.
func endOfStream(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, syscall.EIO),
		errors.Is(err, os.ErrClosed):
		return io.EOF
	default:
		return err
	}
}
