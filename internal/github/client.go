package gh

import (
	"context"
	"errors"

	"github.com/foxy/illogical-updots/internal/git"
)

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

// String returns the owner/name form.
func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// Client exposes the GitHub operations needed to list upstream changes.
type Client interface {
	// CompareCommits returns the commits reachable from head but not from base,
	// newest first.
	CompareCommits(ctx context.Context, repo Repository, base, head string) ([]git.Commit, error)
}

// Factory builds concrete GitHub clients (e.g., REST-backed). An empty token
// yields an unauthenticated client.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// ErrNotGitHub indicates a remote URL that does not point at github.com.
var ErrNotGitHub = errors.New("github: remote is not a github repository")

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
