package gh

import (
	"fmt"
	"net/url"
	"strings"
)

const githubHost = "github.com"

// ParseRemote extracts the repository from a GitHub remote URL. HTTPS, SSH,
// scp-style (git@github.com:owner/repo.git) and git:// forms are accepted.
func ParseRemote(remote string) (Repository, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return Repository{}, fmt.Errorf("remote url is empty")
	}

	host, path, err := splitRemote(remote)
	if err != nil {
		return Repository{}, err
	}
	if !strings.EqualFold(host, githubHost) && !strings.EqualFold(host, "www."+githubHost) {
		return Repository{}, fmt.Errorf("%w: %s", ErrNotGitHub, remote)
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("remote %q does not name owner/repo", remote)
	}
	return Repository{Owner: parts[0], Name: parts[1]}, nil
}

func splitRemote(remote string) (string, string, error) {
	if strings.Contains(remote, "://") {
		parsed, err := url.Parse(remote)
		if err != nil {
			return "", "", fmt.Errorf("parse remote url: %w", err)
		}
		return parsed.Hostname(), parsed.Path, nil
	}

	// scp-like syntax: [user@]host:path
	colon := strings.Index(remote, ":")
	if colon <= 0 {
		return "", "", fmt.Errorf("%w: %s", ErrNotGitHub, remote)
	}
	host := remote[:colon]
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return host, remote[colon+1:], nil
}
