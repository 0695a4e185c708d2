package git

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const logFieldSep = "\x1f"

// Commit is a single upstream commit not yet present locally.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Subject string `json:"subject"`
}

// ShortHash returns the abbreviated commit hash.
func (c Commit) ShortHash() string {
	if len(c.Hash) > 7 {
		return c.Hash[:7]
	}
	return c.Hash
}

// ChangeLister lists pending upstream commits using git log.
type ChangeLister struct {
	Runner CommandRunner
	Git    string

	// Limit caps the number of commits returned. Zero means no limit.
	Limit int

	Timeout time.Duration
}

// NewChangeLister returns a lister backed by runner.
func NewChangeLister(runner CommandRunner) *ChangeLister {
	return &ChangeLister{Runner: runner}
}

// Pending returns the commits reachable from upstream but not from HEAD, newest first.
func (l *ChangeLister) Pending(ctx context.Context, repoPath, upstream string) ([]Commit, error) {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil, fmt.Errorf("upstream is required")
	}
	args := []string{"log", "--format=%H%x1f%an%x1f%s"}
	if l.Limit > 0 {
		args = append(args, fmt.Sprintf("--max-count=%d", l.Limit))
	}
	args = append(args, "HEAD.."+upstream)

	argv := append([]string{l.gitBinary()}, args...)
	res := l.runner().Run(ctx, argv, repoPath, l.timeout())
	if err := res.Err(argv); err != nil {
		return nil, err
	}
	return parseLog(res.Stdout), nil
}

// RemoteURL returns the fetch URL configured for remote.
func (l *ChangeLister) RemoteURL(ctx context.Context, repoPath, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	argv := []string{l.gitBinary(), "remote", "get-url", remote}
	res := l.runner().Run(ctx, argv, repoPath, l.timeout())
	if err := res.Err(argv); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HasRevision reports whether rev names an existing commit. An upstream
// derived from the origin/<branch> convention may not exist at all.
func (l *ChangeLister) HasRevision(ctx context.Context, repoPath, rev string) bool {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return false
	}
	argv := []string{l.gitBinary(), "rev-parse", "--verify", "--quiet", rev + "^{commit}"}
	return l.runner().Run(ctx, argv, repoPath, l.timeout()).OK()
}

// Head returns the commit hash HEAD points at.
func (l *ChangeLister) Head(ctx context.Context, repoPath string) (string, error) {
	argv := []string{l.gitBinary(), "rev-parse", "HEAD"}
	res := l.runner().Run(ctx, argv, repoPath, l.timeout())
	if err := res.Err(argv); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func parseLog(out string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, logFieldSep, 3)
		c := Commit{Hash: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			c.Author = parts[1]
		}
		if len(parts) > 2 {
			c.Subject = parts[2]
		}
		commits = append(commits, c)
	}
	return commits
}

func (l *ChangeLister) runner() CommandRunner {
	if l.Runner == nil {
		l.Runner = NewShellRunner()
	}
	return l.Runner
}

func (l *ChangeLister) gitBinary() string {
	if l.Git == "" {
		return "git"
	}
	return l.Git
}

func (l *ChangeLister) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultTimeout
	}
	return l.Timeout
}
