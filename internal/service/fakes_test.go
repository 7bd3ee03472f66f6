package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/enhancer"
	"github.com/kursadbilgin/campaign-mailer/internal/provider"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/ratelimit"
	"github.com/kursadbilgin/campaign-mailer/internal/status"
	goredis "github.com/redis/go-redis/v9"
)

func newTestStores(t *testing.T) (*queue.RedisQueue, *status.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	q, err := queue.NewRedisQueue(client, queue.DefaultName)
	if err != nil {
		t.Fatalf("NewRedisQueue() error = %v", err)
	}
	store, err := status.NewRedisStore(client)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	return q, store, mr
}

// steppingClock returns a later time on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var ticks atomic.Int64
	return func() time.Time {
		n := ticks.Add(1)
		return start.Add(time.Duration(n) * step)
	}
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  []string
	sendFn func(ctx context.Context, msg provider.Message) (*provider.Response, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg provider.Message) (*provider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg.Recipient)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.Response{StatusCode: 202, MessageID: "msg-" + msg.Recipient}, nil
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) CallsFor(recipient string) int {
	count := 0
	for _, c := range f.Calls() {
		if c == recipient {
			count++
		}
	}
	return count
}

var _ provider.Provider = (*fakeProvider)(nil)

type fakeRefreshingProvider struct {
	fakeProvider
	refreshFn func(ctx context.Context) error
}

func (f *fakeRefreshingProvider) RefreshCredentials(ctx context.Context) error {
	if f.refreshFn != nil {
		return f.refreshFn(ctx)
	}
	return nil
}

var _ provider.Refresher = (*fakeRefreshingProvider)(nil)

type fakeRateLimiter struct {
	allowFn     func(ctx context.Context, provider string) (bool, error)
	waitFn      func(ctx context.Context, provider string) error
	pauseFn     func(ctx context.Context, provider string, d time.Duration) error
	pausedForFn func(ctx context.Context, provider string) (time.Duration, error)
}

func (f *fakeRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, provider)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, provider string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, provider)
	}
	return nil
}

func (f *fakeRateLimiter) Pause(ctx context.Context, provider string, d time.Duration) error {
	if f.pauseFn != nil {
		return f.pauseFn(ctx, provider, d)
	}
	return nil
}

func (f *fakeRateLimiter) PausedFor(ctx context.Context, provider string) (time.Duration, error) {
	if f.pausedForFn != nil {
		return f.pausedForFn(ctx, provider)
	}
	return 0, nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

// pauseGate is a limiter whose Wait blocks from the first Pause until Release.
type pauseGate struct {
	mu     sync.Mutex
	resume chan struct{}
	once   sync.Once
	paused chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{paused: make(chan struct{})}
}

func (g *pauseGate) Allow(ctx context.Context, provider string) (bool, error) {
	return true, nil
}

func (g *pauseGate) Wait(ctx context.Context, provider string) error {
	g.mu.Lock()
	resume := g.resume
	g.mu.Unlock()
	if resume == nil {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *pauseGate) Pause(ctx context.Context, provider string, d time.Duration) error {
	g.mu.Lock()
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
	g.mu.Unlock()
	g.once.Do(func() { close(g.paused) })
	return nil
}

func (g *pauseGate) PausedFor(ctx context.Context, provider string) (time.Duration, error) {
	return 0, nil
}

func (g *pauseGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

var _ ratelimit.RateLimiter = (*pauseGate)(nil)

// recordingQueue remembers the order in which recipients were dequeued.
type recordingQueue struct {
	queue.Queue
	mu          sync.Mutex
	dequeued    []string
	pushFrontFn func(job domain.EmailJob)
}

func (q *recordingQueue) DequeueOne(ctx context.Context) (*domain.EmailJob, error) {
	job, err := q.Queue.DequeueOne(ctx)
	if job != nil {
		q.mu.Lock()
		q.dequeued = append(q.dequeued, job.Recipient)
		q.mu.Unlock()
	}
	return job, err
}

func (q *recordingQueue) PushFront(ctx context.Context, job domain.EmailJob) error {
	if err := q.Queue.PushFront(ctx, job); err != nil {
		return err
	}
	if q.pushFrontFn != nil {
		q.pushFrontFn(job)
	}
	return nil
}

func (q *recordingQueue) Dequeued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.dequeued...)
}

type fakeEnhancer struct {
	enhanceFn func(ctx context.Context, body string, placeholders []string) (string, error)
}

func (f *fakeEnhancer) Enhance(ctx context.Context, body string, placeholders []string) (string, error) {
	if f.enhanceFn != nil {
		return f.enhanceFn(ctx, body, placeholders)
	}
	return body, nil
}

var _ enhancer.Enhancer = (*fakeEnhancer)(nil)

type fakeDrainer struct {
	drainFn func(ctx context.Context, maxJobs int) (DrainStats, error)
}

func (f *fakeDrainer) DrainOnce(ctx context.Context, maxJobs int) (DrainStats, error) {
	if f.drainFn != nil {
		return f.drainFn(ctx, maxJobs)
	}
	return DrainStats{}, nil
}

type fakeReconciler struct {
	reconcileFn func(ctx context.Context) (ReconcileResult, error)
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if f.reconcileFn != nil {
		return f.reconcileFn(ctx)
	}
	return ReconcileResult{}, nil
}
