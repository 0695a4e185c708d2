package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"

	"github.com/foxy/illogical-updots/internal/git"
)

const (
	defaultUserAgent  = "illogical-updots"
	defaultRetries    = 2
	defaultRetryDelay = time.Second
	comparePageSize   = 100
)

// RESTOption customizes the REST client factory.
type RESTOption func(*restFactory)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(baseURL string) RESTOption {
	return func(f *restFactory) {
		f.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithRetries sets how many times a retryable failure is retried and the delay
// between attempts.
func WithRetries(retries int, delay time.Duration) RESTOption {
	return func(f *restFactory) {
		f.retries = retries
		f.retryDelay = delay
	}
}

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client.
func NewRESTFactory(opts ...RESTOption) Factory {
	f := &restFactory{
		userAgent:  defaultUserAgent,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type restFactory struct {
	userAgent  string
	baseURL    string
	retries    int
	retryDelay time.Duration
}

type restClient struct {
	client     *github.Client
	retries    int
	retryDelay time.Duration
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	var httpClient *http.Client
	if token = strings.TrimSpace(token); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	ghClient := github.NewClient(httpClient)
	if f.baseURL != "" {
		normalized, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		ghClient, err = ghClient.WithEnterpriseURLs(normalized, normalized)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient, retries: f.retries, retryDelay: f.retryDelay}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) CompareCommits(ctx context.Context, repo Repository, base, head string) ([]git.Commit, error) {
	opts := &github.ListOptions{PerPage: comparePageSize}
	var commits []git.Commit
	for {
		var (
			comparison *github.CommitsComparison
			resp       *github.Response
		)
		err := c.withRetry(ctx, func() error {
			var err error
			comparison, resp, err = c.client.Repositories.CompareCommits(ctx, repo.Owner, repo.Name, base, head, opts)
			return classifyGitHubError(err)
		})
		if err != nil {
			return nil, fmt.Errorf("compare %s %s...%s: %w", repo, base, head, err)
		}

		for _, rc := range comparison.Commits {
			if rc == nil {
				continue
			}
			commits = append(commits, toCommit(rc))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	// The compare API lists oldest first.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

func toCommit(rc *github.RepositoryCommit) git.Commit {
	author := rc.GetCommit().GetAuthor().GetName()
	if author == "" {
		author = rc.GetAuthor().GetLogin()
	}
	subject, _, _ := strings.Cut(rc.GetCommit().GetMessage(), "\n")
	return git.Commit{
		Hash:    rc.GetSHA(),
		Author:  author,
		Subject: strings.TrimSpace(subject),
	}
}

func (c *restClient) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsRetryable(err) || attempt >= c.retries {
			return err
		}
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		if respErr.Response != nil {
			code := respErr.Response.StatusCode
			if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
				return true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
