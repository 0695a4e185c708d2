package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const redacted = "********"

// NewLogger constructs a *slog.Logger using the provided level and optional format.
// Supported levels: debug, info, warn, error.
// Supported formats: text (default), json.
// Records go to w, or to stderr when w is nil, so stdout stays free for command output.
// Debug loggers annotate records with their source file and line.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		opts := handlerOptions(lvl)
		opts.ReplaceAttr = chainAttrs(shortTime, opts.ReplaceAttr)
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOptions(lvl))
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	logger := slog.New(handler)
	return logger.With("component", "illogical-updots"), nil
}

func handlerOptions(lvl *slog.LevelVar) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl.Level() <= slog.LevelDebug,
		ReplaceAttr: chainAttrs(shortSource, redactSecrets),
	}
}

type attrFunc func(groups []string, a slog.Attr) slog.Attr

func chainAttrs(fns ...attrFunc) attrFunc {
	return func(groups []string, a slog.Attr) slog.Attr {
		for _, fn := range fns {
			if fn != nil {
				a = fn(groups, a)
			}
		}
		return a
	}
}

// shortSource trims the source attribute to file:line.
func shortSource(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.SourceKey {
		return a
	}
	if src, ok := a.Value.Any().(*slog.Source); ok && src != nil {
		return slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
	}
	return a
}

// redactSecrets hides the GitHub token wherever it is logged.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	switch strings.ToLower(a.Key) {
	case "token", "github_token":
		if a.Value.String() != "" {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// shortTime keeps only the wall clock in text output.
func shortTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(slog.TimeKey, a.Value.Time().Format("15:04:05.000"))
	}
	return a
}

func parseLevel(level string) (*slog.LevelVar, error) {
	var lvl slog.LevelVar

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl.Set(slog.LevelDebug)
	case "info", "":
		lvl.Set(slog.LevelInfo)
	case "warn", "warning":
		lvl.Set(slog.LevelWarn)
	case "error":
		lvl.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	return &lvl, nil
}
