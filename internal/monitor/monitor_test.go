package monitor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/foxy/illogical-updots/internal/git"
	"github.com/foxy/illogical-updots/internal/monitor"
)

type countingChecker struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (c *countingChecker) Check(_ context.Context, repoPath string) git.RepositoryStatus {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	calls := c.calls.Add(1)
	return git.RepositoryStatus{OK: true, RepoPath: repoPath, Behind: int(calls)}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []git.RepositoryStatus
}

func (s *statusLog) add(status git.RepositoryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *statusLog) first() git.RepositoryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[0]
}

func (s *statusLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

var _ = Describe("Monitor", func() {
	var (
		repo    string
		checker *countingChecker
		log     *statusLog
		cancel  context.CancelFunc
		done    chan struct{}
	)

	start := func(opts monitor.Options) *monitor.Monitor {
		opts.RepoPath = repo
		m := monitor.New(checker, opts, log.add, nil)
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go func() {
			defer close(done)
			m.Run(ctx)
		}()
		return m
	}

	BeforeEach(func() {
		repo = GinkgoT().TempDir()
		Expect(os.Mkdir(filepath.Join(repo, ".git"), 0o755)).To(Succeed())
		checker = &countingChecker{}
		log = &statusLog{}
		cancel = func() {}
	})

	AfterEach(func() {
		cancel()
		if done != nil {
			Eventually(done).Should(BeClosed())
		}
	})

	It("checks immediately on start and delivers the snapshot", func() {
		start(monitor.Options{Interval: time.Hour})

		Eventually(log.count).Should(Equal(1))
		first := log.first()
		Expect(first.RepoPath).To(Equal(repo))
		Expect(first.Behind).To(Equal(1))
	})

	It("checks again on every interval tick", func() {
		start(monitor.Options{Interval: 20 * time.Millisecond})

		Eventually(log.count, time.Second).Should(BeNumerically(">=", 3))
	})

	It("runs a check when a refresh is requested", func() {
		m := start(monitor.Options{Interval: time.Hour})
		Eventually(log.count).Should(Equal(1))

		m.Refresh()
		Eventually(log.count).Should(Equal(2))
	})

	It("never runs checks concurrently", func() {
		checker.delay = 15 * time.Millisecond
		m := start(monitor.Options{Interval: 5 * time.Millisecond})

		for i := 0; i < 10; i++ {
			m.Refresh()
			time.Sleep(3 * time.Millisecond)
		}
		Eventually(log.count, time.Second).Should(BeNumerically(">=", 4))
		Expect(checker.maxSeen.Load()).To(Equal(int32(1)))
	})

	It("refreshes after changes inside .git", func() {
		start(monitor.Options{Interval: time.Hour, Watch: true, Debounce: 20 * time.Millisecond})
		Eventually(log.count).Should(Equal(1))
		time.Sleep(50 * time.Millisecond)

		Expect(os.WriteFile(filepath.Join(repo, ".git", "ORIG_HEAD"), []byte("abc\n"), 0o644)).To(Succeed())
		Eventually(log.count, 2*time.Second).Should(Equal(2))
	})

	It("ignores lock files and FETCH_HEAD", func() {
		start(monitor.Options{Interval: time.Hour, Watch: true, Debounce: 20 * time.Millisecond})
		Eventually(log.count).Should(Equal(1))
		time.Sleep(50 * time.Millisecond)

		Expect(os.WriteFile(filepath.Join(repo, ".git", "index.lock"), nil, 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(repo, ".git", "FETCH_HEAD"), []byte("x\n"), 0o644)).To(Succeed())
		Consistently(log.count, 200*time.Millisecond).Should(Equal(1))
	})

	It("keeps polling when the repository cannot be watched", func() {
		repo = filepath.Join(GinkgoT().TempDir(), "missing")
		start(monitor.Options{Interval: 20 * time.Millisecond, Watch: true})

		Eventually(log.count, time.Second).Should(BeNumerically(">=", 2))
	})

	It("stops when the context is cancelled", func() {
		start(monitor.Options{Interval: 10 * time.Millisecond})
		Eventually(log.count).Should(BeNumerically(">=", 1))

		cancel()
		Eventually(done).Should(BeClosed())
		settled := log.count()
		Consistently(log.count, 50*time.Millisecond).Should(Equal(settled))
	})
})
