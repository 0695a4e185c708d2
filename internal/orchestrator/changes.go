package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxy/illogical-updots/internal/config"
	"github.com/foxy/illogical-updots/internal/git"
	gh "github.com/foxy/illogical-updots/internal/github"
)

// ChangeSource lists pending commits with local git.
type ChangeSource interface {
	Pending(ctx context.Context, repoPath, upstream string) ([]git.Commit, error)
	RemoteURL(ctx context.Context, repoPath, remote string) (string, error)
	Head(ctx context.Context, repoPath string) (string, error)
	HasRevision(ctx context.Context, repoPath, rev string) bool
}

// Changes is the list of upstream commits not yet applied locally.
type Changes struct {
	Upstream string       `json:"upstream"`
	Source   string       `json:"source"`
	Commits  []git.Commit `json:"commits"`
}

// ChangeFinder lists pending upstream commits. With Source set to
// config.ChangesSourceGitHub it asks the GitHub compare API first and falls
// back to git when the remote is not on GitHub or the request fails.
type ChangeFinder struct {
	Git    ChangeSource
	GitHub gh.Factory
	Token  string
	Source string
	Log    *slog.Logger
}

// Pending lists the commits behind the upstream recorded in status.
func (f *ChangeFinder) Pending(ctx context.Context, status git.RepositoryStatus) (Changes, error) {
	if !status.OK {
		if status.Error != "" {
			return Changes{}, errors.New(status.Error)
		}
		return Changes{}, fmt.Errorf("repository status unavailable")
	}
	if status.Upstream == "" {
		return Changes{Source: config.ChangesSourceGit}, nil
	}
	if f.Git == nil {
		return Changes{}, fmt.Errorf("git change source is required")
	}
	if !f.Git.HasRevision(ctx, status.RepoPath, status.Upstream) {
		if f.Log != nil {
			f.Log.Debug("upstream does not resolve; no pending changes", "upstream", status.Upstream)
		}
		return Changes{Source: config.ChangesSourceGit}, nil
	}

	if f.Source == config.ChangesSourceGitHub && f.GitHub != nil {
		commits, err := f.fromGitHub(ctx, status)
		if err == nil {
			return Changes{Upstream: status.Upstream, Source: config.ChangesSourceGitHub, Commits: commits}, nil
		}
		if f.Log != nil {
			f.Log.Warn("github change listing failed; using git", "upstream", status.Upstream, "error", err)
		}
	}

	commits, err := f.Git.Pending(ctx, status.RepoPath, status.Upstream)
	if err != nil {
		return Changes{}, fmt.Errorf("list pending changes: %w", err)
	}
	return Changes{Upstream: status.Upstream, Source: config.ChangesSourceGit, Commits: commits}, nil
}

func (f *ChangeFinder) fromGitHub(ctx context.Context, status git.RepositoryStatus) ([]git.Commit, error) {
	remote, branch, ok := strings.Cut(status.Upstream, "/")
	if !ok || remote == "" || branch == "" {
		return nil, fmt.Errorf("upstream %q is not a remote branch", status.Upstream)
	}

	url, err := f.Git.RemoteURL(ctx, status.RepoPath, remote)
	if err != nil {
		return nil, err
	}
	repo, err := gh.ParseRemote(url)
	if err != nil {
		return nil, err
	}
	head, err := f.Git.Head(ctx, status.RepoPath)
	if err != nil {
		return nil, err
	}

	client, err := f.GitHub.New(ctx, f.Token)
	if err != nil {
		return nil, fmt.Errorf("create github client: %w", err)
	}
	return client.CompareCommits(ctx, repo, head, branch)
}
