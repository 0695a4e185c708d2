// Package monitor keeps a repository status snapshot fresh.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/foxy/illogical-updots/internal/debounce"
	"github.com/foxy/illogical-updots/internal/git"
)

const (
	// DefaultInterval is used when no positive interval is configured.
	DefaultInterval = 60 * time.Second
	// DefaultDebounce coalesces bursts of repository writes.
	DefaultDebounce = 350 * time.Millisecond
)

// Checker produces status snapshots.
type Checker interface {
	Check(ctx context.Context, repoPath string) git.RepositoryStatus
}

// Options configures a Monitor.
type Options struct {
	RepoPath string
	Interval time.Duration

	// Watch enables refreshes on changes inside the repository's .git directory.
	Watch    bool
	Debounce time.Duration
}

// Monitor runs status checks immediately, periodically, on demand and, when
// enabled, after repository changes. Checks never overlap.
type Monitor struct {
	checker  Checker
	opts     Options
	onStatus func(git.RepositoryStatus)
	log      *slog.Logger

	refresh chan struct{}
	now     func() time.Time
}

// New returns a monitor delivering every snapshot to onStatus.
func New(checker Checker, opts Options, onStatus func(git.RepositoryStatus), logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if onStatus == nil {
		onStatus = func(git.RepositoryStatus) {}
	}
	return &Monitor{
		checker:  checker,
		opts:     opts,
		onStatus: onStatus,
		log:      logger,
		refresh:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Refresh requests a check as soon as the current one (if any) finishes.
// Requests made while one is already pending are coalesced.
func (m *Monitor) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if m.opts.Watch {
		if watcher := m.startWatcher(); watcher != nil {
			defer func() {
				if err := watcher.Close(); err != nil {
					m.logError("watcher close", err)
				}
			}()
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	debouncer := debounce.New(m.opts.Debounce, m.Refresh)
	defer debouncer.Stop()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	// Checks touch .git themselves; their own writes are ignored for one
	// debounce window.
	var quietUntil time.Time
	check := func(reason string) {
		if ctx.Err() != nil {
			return
		}
		m.logDebug("status check", "reason", reason, "repo", m.opts.RepoPath)
		status := m.checker.Check(ctx, m.opts.RepoPath)
		m.onStatus(status)
		debouncer.Stop()
		quietUntil = m.now().Add(m.opts.Debounce)
	}

	check("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check("interval")
		case <-m.refresh:
			check("refresh")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !relevantEvent(ev) || m.now().Before(quietUntil) {
				continue
			}
			m.logDebug("fsnotify event", "op", ev.Op.String(), "path", ev.Name)
			debouncer.Trigger()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logError("fsnotify error", err)
		}
	}
}

func (m *Monitor) startWatcher() *fsnotify.Watcher {
	gitDir := filepath.Join(m.opts.RepoPath, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		m.logDebug("auto refresh on change disabled; no .git directory", "repo", m.opts.RepoPath)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logError("fsnotify", err)
		return nil
	}
	if err := watcher.Add(gitDir); err != nil {
		_ = watcher.Close()
		m.logError("watch "+gitDir, err)
		return nil
	}
	return watcher
}

func relevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == "FETCH_HEAD" {
		return false
	}
	return strings.ToLower(filepath.Ext(base)) != ".lock"
}

func (m *Monitor) logDebug(msg string, args ...any) {
	if m.log != nil {
		m.log.Debug(msg, args...)
	}
}

func (m *Monitor) logError(msg string, err error) {
	if m.log != nil {
		m.log.Error(msg, slog.Any("error", err))
	}
}
