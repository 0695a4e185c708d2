package orchestrator_test

import (
	"context"
	"errors"
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/foxy/illogical-updots/internal/config"
	"github.com/foxy/illogical-updots/internal/git"
	gh "github.com/foxy/illogical-updots/internal/github"
	"github.com/foxy/illogical-updots/internal/orchestrator"
)

type fakeChangeSource struct {
	commits    []git.Commit
	pendingErr error
	remoteURL  string
	head       string
	missing    map[string]bool

	pendingCalls []string
	remotes      []string
}

func (f *fakeChangeSource) Pending(_ context.Context, repoPath, upstream string) ([]git.Commit, error) {
	f.pendingCalls = append(f.pendingCalls, upstream)
	return f.commits, f.pendingErr
}

func (f *fakeChangeSource) RemoteURL(_ context.Context, _ string, remote string) (string, error) {
	f.remotes = append(f.remotes, remote)
	if f.remoteURL == "" {
		return "", errors.New("no such remote")
	}
	return f.remoteURL, nil
}

func (f *fakeChangeSource) Head(context.Context, string) (string, error) {
	return f.head, nil
}

func (f *fakeChangeSource) HasRevision(_ context.Context, _ string, rev string) bool {
	return !f.missing[rev]
}

type compareCall struct {
	repo gh.Repository
	base string
	head string
}

type fakeGHClient struct {
	commits []git.Commit
	err     error
	calls   []compareCall
}

func (f *fakeGHClient) CompareCommits(_ context.Context, repo gh.Repository, base, head string) ([]git.Commit, error) {
	f.calls = append(f.calls, compareCall{repo: repo, base: base, head: head})
	return f.commits, f.err
}

type fakeGHFactory struct {
	client *fakeGHClient
	tokens []string
}

func (f *fakeGHFactory) New(_ context.Context, token string) (gh.Client, error) {
	f.tokens = append(f.tokens, token)
	return f.client, nil
}

var _ = Describe("ChangeFinder", func() {
	var (
		ctx     context.Context
		status  git.RepositoryStatus
		local   *fakeChangeSource
		remote  *fakeGHClient
		factory *fakeGHFactory
	)

	BeforeEach(func() {
		ctx = context.Background()
		status = git.RepositoryStatus{OK: true, RepoPath: "/repo", Branch: "main", Upstream: "origin/main", Behind: 1}
		local = &fakeChangeSource{
			commits:   []git.Commit{{Hash: "aaa", Author: "git", Subject: "from git"}},
			remoteURL: "git@github.com:end-4/dots-hyprland.git",
			head:      "0123abc",
		}
		remote = &fakeGHClient{commits: []git.Commit{{Hash: "bbb", Author: "api", Subject: "from github"}}}
		factory = &fakeGHFactory{client: remote}
	})

	It("lists changes with git by default", func() {
		finder := &orchestrator.ChangeFinder{Git: local, GitHub: factory}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Source).To(Equal(config.ChangesSourceGit))
		Expect(changes.Upstream).To(Equal("origin/main"))
		Expect(changes.Commits).To(Equal(local.commits))
		Expect(local.pendingCalls).To(Equal([]string{"origin/main"}))
		Expect(factory.tokens).To(BeEmpty())
	})

	It("uses the GitHub compare API when configured", func() {
		finder := &orchestrator.ChangeFinder{Git: local, GitHub: factory, Token: "tok", Source: config.ChangesSourceGitHub}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Source).To(Equal(config.ChangesSourceGitHub))
		Expect(changes.Commits).To(Equal(remote.commits))
		Expect(remote.calls).To(Equal([]compareCall{{
			repo: gh.Repository{Owner: "end-4", Name: "dots-hyprland"},
			base: "0123abc",
			head: "main",
		}}))
		Expect(factory.tokens).To(Equal([]string{"tok"}))
		Expect(local.remotes).To(Equal([]string{"origin"}))
		Expect(local.pendingCalls).To(BeEmpty())
	})

	It("falls back to git when the API fails", func() {
		remote.err = errors.New("rate limited")
		finder := &orchestrator.ChangeFinder{Git: local, GitHub: factory, Source: config.ChangesSourceGitHub}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Source).To(Equal(config.ChangesSourceGit))
		Expect(changes.Commits).To(Equal(local.commits))
	})

	It("falls back to git when the remote is not on GitHub", func() {
		local.remoteURL = "https://gitlab.com/end-4/dots-hyprland.git"
		finder := &orchestrator.ChangeFinder{Git: local, GitHub: factory, Source: config.ChangesSourceGitHub}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Source).To(Equal(config.ChangesSourceGit))
		Expect(remote.calls).To(BeEmpty())
	})

	It("returns no changes without an upstream", func() {
		status.Upstream = ""
		finder := &orchestrator.ChangeFinder{Git: local}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Commits).To(BeEmpty())
		Expect(local.pendingCalls).To(BeEmpty())
	})

	It("returns no changes when the upstream ref does not exist", func() {
		local.missing = map[string]bool{"origin/main": true}
		finder := &orchestrator.ChangeFinder{Git: local, GitHub: factory, Source: config.ChangesSourceGitHub}

		changes, err := finder.Pending(ctx, status)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Upstream).To(BeEmpty())
		Expect(changes.Source).To(Equal(config.ChangesSourceGit))
		Expect(changes.Commits).To(BeEmpty())
		Expect(local.pendingCalls).To(BeEmpty())
		Expect(remote.calls).To(BeEmpty())
	})

	It("returns no changes for a real repository without a remote", func() {
		repo := GinkgoT().TempDir()
		GinkgoT().Setenv("GIT_AUTHOR_NAME", "Updots Test")
		GinkgoT().Setenv("GIT_AUTHOR_EMAIL", "updots@example.com")
		GinkgoT().Setenv("GIT_COMMITTER_NAME", "Updots Test")
		GinkgoT().Setenv("GIT_COMMITTER_EMAIL", "updots@example.com")
		GinkgoT().Setenv("GIT_CONFIG_GLOBAL", "/dev/null")
		GinkgoT().Setenv("GIT_CONFIG_NOSYSTEM", "1")
		for _, args := range [][]string{{"init", "-b", "main"}, {"commit", "--allow-empty", "-m", "initial"}} {
			cmd := exec.Command("git", args...)
			cmd.Dir = repo
			out, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), string(out))
		}

		st := git.NewStatusChecker(git.NewShellRunner(), nil).Check(ctx, repo)
		Expect(st.OK).To(BeTrue())
		Expect(st.Upstream).To(Equal("origin/main"))

		finder := &orchestrator.ChangeFinder{Git: git.NewChangeLister(nil)}
		changes, err := finder.Pending(ctx, st)
		Expect(err).NotTo(HaveOccurred())
		Expect(changes.Upstream).To(BeEmpty())
		Expect(changes.Commits).To(BeEmpty())
	})

	It("reports the status error for a broken repository", func() {
		finder := &orchestrator.ChangeFinder{Git: local}

		_, err := finder.Pending(ctx, git.RepositoryStatus{RepoPath: "/nope", Error: "Repository path not found"})
		Expect(err).To(MatchError("Repository path not found"))
	})

	It("wraps git listing failures", func() {
		local.pendingErr = errors.New("bad revision")
		finder := &orchestrator.ChangeFinder{Git: local}

		_, err := finder.Pending(ctx, status)
		Expect(err).To(MatchError(ContainSubstring("list pending changes: bad revision")))
	})
})
