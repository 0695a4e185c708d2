package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	errRepoNotFound = "Repository path not found"
	errNotARepo     = "Not a git repository"
)

// RepositoryStatus is a point-in-time snapshot of a repository's
// synchronization state with its upstream. Empty optional strings mean the
// value is absent.
type RepositoryStatus struct {
	OK         bool   `json:"ok"`
	RepoPath   string `json:"repo_path"`
	Branch     string `json:"branch,omitempty"`
	Upstream   string `json:"upstream,omitempty"`
	Behind     int    `json:"behind"`
	Ahead      int    `json:"ahead"`
	Dirty      int    `json:"dirty"`
	FetchError string `json:"fetch_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HasUpdates reports whether upstream has commits not present locally.
func (s RepositoryStatus) HasUpdates() bool {
	return s.OK && s.Behind > 0
}

// StatusChecker computes RepositoryStatus snapshots by shelling out to git.
// Every sub-query degrades independently: a failing fetch or an unresolvable
// upstream never hides branch or dirty information.
type StatusChecker struct {
	Runner CommandRunner

	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// Timeout bounds each git invocation. Defaults to DefaultTimeout.
	Timeout time.Duration

	// SkipFetch disables the remote synchronization step.
	SkipFetch bool

	Log *slog.Logger
}

// NewStatusChecker returns a checker backed by runner.
func NewStatusChecker(runner CommandRunner, logger *slog.Logger) *StatusChecker {
	return &StatusChecker{Runner: runner, Log: logger}
}

// Check validates repoPath and returns a fresh status snapshot.
func (c *StatusChecker) Check(ctx context.Context, repoPath string) RepositoryStatus {
	if info, err := os.Stat(repoPath); err != nil || !info.IsDir() {
		return RepositoryStatus{RepoPath: repoPath, Error: errRepoNotFound}
	}
	if info, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil || !info.IsDir() {
		return RepositoryStatus{RepoPath: repoPath, Error: errNotARepo}
	}

	status := RepositoryStatus{OK: true, RepoPath: repoPath}

	if !c.SkipFetch {
		if res := c.git(ctx, repoPath, "fetch", "--all", "--prune"); !res.OK() {
			status.FetchError = strings.TrimSpace(res.Stderr)
			if status.FetchError == "" {
				status.FetchError = "fetch failed"
			}
			if c.Log != nil {
				c.Log.Warn("git fetch failed", "repo", repoPath, "error", status.FetchError)
			}
		}
	}

	status.Branch = c.branch(ctx, repoPath)
	status.Upstream = c.upstream(ctx, repoPath, status.Branch)

	if status.Upstream != "" {
		status.Behind = c.count(ctx, repoPath, "HEAD.."+status.Upstream)
		status.Ahead = c.count(ctx, repoPath, status.Upstream+"..HEAD")
	}

	status.Dirty = c.dirtyCount(ctx, repoPath)

	if c.Log != nil {
		c.Log.Debug("repository status computed",
			"repo", repoPath,
			"branch", status.Branch,
			"upstream", status.Upstream,
			"behind", status.Behind,
			"ahead", status.Ahead,
			"dirty", status.Dirty)
	}
	return status
}

func (c *StatusChecker) branch(ctx context.Context, dir string) string {
	res := c.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if !res.OK() {
		return ""
	}
	branch := strings.TrimSpace(res.Stdout)
	// A detached HEAD resolves to the literal "HEAD".
	if branch == "HEAD" {
		return ""
	}
	return branch
}

func (c *StatusChecker) upstream(ctx context.Context, dir, branch string) string {
	res := c.git(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if res.OK() {
		if upstream := strings.TrimSpace(res.Stdout); upstream != "" {
			return upstream
		}
	}
	if branch != "" {
		return "origin/" + branch
	}
	return ""
}

func (c *StatusChecker) count(ctx context.Context, dir, revRange string) int {
	res := c.git(ctx, dir, "rev-list", "--count", revRange)
	if !res.OK() {
		return 0
	}
	return parseCount(res.Stdout)
}

func (c *StatusChecker) dirtyCount(ctx context.Context, dir string) int {
	res := c.git(ctx, dir, "status", "--porcelain")
	if !res.OK() {
		return 0
	}
	return countNonBlankLines(res.Stdout)
}

func (c *StatusChecker) git(ctx context.Context, dir string, args ...string) CommandResult {
	argv := append([]string{c.gitBinary()}, args...)
	return c.runner().Run(ctx, argv, dir, c.timeout())
}

func (c *StatusChecker) runner() CommandRunner {
	if c.Runner == nil {
		c.Runner = NewShellRunner()
	}
	return c.Runner
}

func (c *StatusChecker) gitBinary() string {
	if c.Git == "" {
		return "git"
	}
	return c.Git
}

func (c *StatusChecker) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func parseCount(out string) int {
	out = strings.TrimSpace(out)
	if out == "" {
		return 0
	}
	n, err := strconv.Atoi(out)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func countNonBlankLines(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
