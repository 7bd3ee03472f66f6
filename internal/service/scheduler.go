package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDrainInterval   = time.Minute
	defaultDrainTimeBudget = 50 * time.Second
	defaultDrainMaxJobs    = 500
	defaultRefreshInterval = 5 * time.Minute
)

type Drainer interface {
	DrainOnce(ctx context.Context, maxJobs int) (DrainStats, error)
}

type StatusReconciler interface {
	Reconcile(ctx context.Context) (ReconcileResult, error)
}

type SchedulerConfig struct {
	DrainInterval   time.Duration
	DrainTimeBudget time.Duration
	DrainMaxJobs    int
	RefreshInterval time.Duration
}

// Scheduler runs the drain and refresh tasks on their own tickers. A tick is
// skipped while the previous run of the same task is still going.
type Scheduler struct {
	drainer    Drainer
	reconciler StatusReconciler
	logger     *zap.Logger
	cfg        SchedulerConfig
}

func NewScheduler(drainer Drainer, reconciler StatusReconciler, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if drainer == nil {
		return nil, fmt.Errorf("drainer is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.DrainTimeBudget <= 0 || cfg.DrainTimeBudget > cfg.DrainInterval {
		cfg.DrainTimeBudget = min(defaultDrainTimeBudget, cfg.DrainInterval)
	}
	if cfg.DrainMaxJobs <= 0 {
		cfg.DrainMaxJobs = defaultDrainMaxJobs
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		drainer:    drainer,
		reconciler: reconciler,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// Start blocks until ctx is done and every in-progress run has returned.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	drain := &periodicTask{name: "drain queue", interval: s.cfg.DrainInterval, run: s.drain, logger: s.logger}
	refresh := &periodicTask{name: "refresh statuses", interval: s.cfg.RefreshInterval, run: s.refresh, logger: s.logger}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return drain.loop(groupCtx) })
	g.Go(func() error { return refresh.loop(groupCtx) })
	return g.Wait()
}

func (s *Scheduler) drain(ctx context.Context) {
	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeBudget)
	defer cancel()

	stats, err := s.drainer.DrainOnce(budgetCtx, s.cfg.DrainMaxJobs)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("drain run failed", zap.Error(err))
	}
	if stats.Processed > 0 || stats.HandedBack > 0 {
		s.logger.Info("drain run finished",
			zap.Int("processed", stats.Processed),
			zap.Int("sent", stats.Sent),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
			zap.Int("handedBack", stats.HandedBack),
			zap.Int("skipped", stats.Skipped),
		)
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	result, err := s.reconciler.Reconcile(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("status refresh failed", zap.Error(err))
		return
	}
	if result.Stale > 0 {
		s.logger.Info("status refresh finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("stale", result.Stale),
			zap.Int("failed", result.Failed),
		)
	}
}

type periodicTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	logger   *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func (t *periodicTask) loop(ctx context.Context) error {
	defer t.wg.Wait()

	t.trigger(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.trigger(ctx)
		}
	}
}

// trigger starts a run unless the previous one is still in progress.
func (t *periodicTask) trigger(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Debug("previous run still in progress, skipping", zap.String("task", t.name))
		return false
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		t.run(ctx)
	}()
	return true
}
