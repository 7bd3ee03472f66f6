package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/observability"
	"github.com/kursadbilgin/campaign-mailer/internal/provider"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/ratelimit"
	"github.com/kursadbilgin/campaign-mailer/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultMaxAttempts   = 3
	defaultSendTimeout   = 30 * time.Second
	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250
)

type jobOutcome int

const (
	outcomeSent jobOutcome = iota
	outcomeRetried
	outcomeFailed
	outcomeHandedBack
	outcomeSkipped
)

// DrainStats summarizes one DrainOnce call.
type DrainStats struct {
	Processed  int
	Sent       int
	Retried    int
	Failed     int
	HandedBack int
	// Skipped counts jobs dropped because their recipient was already final.
	Skipped int
}

func (d *DrainStats) add(o jobOutcome) {
	switch o {
	case outcomeSent:
		d.Processed++
		d.Sent++
	case outcomeRetried:
		d.Processed++
		d.Retried++
	case outcomeFailed:
		d.Processed++
		d.Failed++
	case outcomeHandedBack:
		d.HandedBack++
	case outcomeSkipped:
		d.Processed++
		d.Skipped++
	}
}

type WorkerConfig struct {
	// Provider names the rate-limit bucket and the metric label.
	Provider    string
	Concurrency int
	MaxAttempts int
	SendTimeout time.Duration
}

type WorkerService struct {
	queue        queue.Queue
	statuses     status.Store
	provider     provider.Provider
	providerName string
	rateLimiter  ratelimit.RateLimiter
	logger       *zap.Logger
	metrics      *observability.Metrics
	concurrency  int
	maxAttempts  int
	sendTimeout  time.Duration
	now          func() time.Time
	randIntn     func(n int) int
}

func NewWorkerService(
	q queue.Queue,
	statuses status.Store,
	p provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	cfg WorkerConfig,
	logger *zap.Logger,
) (*WorkerService, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	providerName := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		queue:        q,
		statuses:     statuses,
		provider:     p,
		providerName: providerName,
		rateLimiter:  rateLimiter,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		maxAttempts:  cfg.MaxAttempts,
		sendTimeout:  cfg.SendTimeout,
		now:          time.Now,
		randIntn:     rand.Intn,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// DrainOnce processes queued jobs with the configured number of concurrent
// loops until the queue is empty, maxJobs jobs were claimed (0 means no
// limit) or ctx is done. A loop takes its send slot from the rate limiter
// before it pops a job, so no job is held while the provider is paused.
func (s *WorkerService) DrainOnce(ctx context.Context, maxJobs int) (DrainStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.queue.PromoteDue(ctx, s.now()); err != nil {
		return DrainStats{}, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	var (
		claimed atomic.Int64
		mu      sync.Mutex
		stats   DrainStats
	)

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		g.Go(func() error {
			for {
				if groupCtx.Err() != nil {
					return nil
				}
				if maxJobs > 0 && claimed.Add(1) > int64(maxJobs) {
					return nil
				}

				more, err := s.hasWork(groupCtx)
				if err != nil {
					if groupCtx.Err() != nil {
						return nil
					}
					return err
				}
				if !more {
					return nil
				}

				if err := s.rateLimiter.Wait(groupCtx, s.providerName); err != nil {
					if groupCtx.Err() != nil {
						return nil
					}
					return fmt.Errorf("rate limiter wait failed: %w", err)
				}

				job, err := s.queue.DequeueOne(groupCtx)
				if err != nil {
					if errors.Is(err, queue.ErrInvalidJob) {
						s.logger.Warn("dropped undecodable job to dead-letter list", zap.Error(err))
						continue
					}
					if groupCtx.Err() != nil {
						return nil
					}
					return err
				}
				if job == nil {
					// Another loop took the last job after the size check.
					continue
				}

				outcome, err := s.processJob(groupCtx, *job)
				mu.Lock()
				stats.add(outcome)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
		})
	}

	err := g.Wait()
	s.reportQueueSize(ctx)
	return stats, err
}

// hasWork reports whether the list holds a job, promoting due delayed jobs
// when it is empty.
func (s *WorkerService) hasWork(ctx context.Context) (bool, error) {
	size, err := s.queue.Size(ctx)
	if err != nil {
		return false, err
	}
	if size > 0 {
		return true, nil
	}

	moved, err := s.queue.PromoteDue(ctx, s.now())
	if err != nil {
		return false, err
	}
	return moved > 0, nil
}

// processJob runs one send attempt. A rate-limited send does not count as an
// attempt: the job goes back to the head of the queue so it is the next one
// sent once the provider pause lifts.
func (s *WorkerService) processJob(ctx context.Context, job domain.EmailJob) (jobOutcome, error) {
	attempt := job.Attempts + 1
	ctx = observability.WithJobID(observability.WithBatchID(ctx, job.StatusBatchID()), job.ID)
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("recipient", job.Recipient),
		zap.Int("attempt", attempt),
	)

	s.metrics.IncWorkerInFlight(s.providerName)
	defer s.metrics.DecWorkerInFlight(s.providerName)

	// Result writes must land even when the drain budget ends mid-send.
	storeCtx := context.WithoutCancel(ctx)

	proceed, err := s.markInFlight(storeCtx, job, attempt)
	if err != nil {
		if handErr := s.handBack(storeCtx, job); handErr != nil {
			logger.Error("failed to hand back job", zap.Error(handErr))
		}
		return outcomeHandedBack, err
	}
	if !proceed {
		logger.Warn("recipient already has a final status, dropping job")
		return outcomeSkipped, nil
	}

	sendCtx, cancel := context.WithTimeout(storeCtx, s.sendTimeout)
	sendStart := s.now()
	resp, sendErr := s.provider.Send(sendCtx, provider.Message{
		Recipient: job.Recipient,
		Subject:   job.Subject,
		Body:      job.Body,
	})
	cancel()
	s.metrics.ObserveEmailSendDuration(s.providerName, s.now().Sub(sendStart))

	if sendErr == nil {
		messageID := ""
		if resp != nil {
			messageID = strings.TrimSpace(resp.MessageID)
		}
		if err := s.record(storeCtx, job, domain.StatusSent, attempt, messageID, ""); err != nil {
			return outcomeSent, err
		}
		s.metrics.IncEmailSent(s.providerName)
		logger.Debug("email sent", zap.String("messageId", messageID))
		return outcomeSent, nil
	}

	kind := provider.KindOf(sendErr)
	switch kind {
	case provider.ErrorRateLimited:
		pause := provider.RetryAfterOf(sendErr)
		if err := s.rateLimiter.Pause(storeCtx, s.providerName, pause); err != nil {
			logger.Error("failed to pause provider", zap.Error(err))
		}
		s.metrics.IncRateLimitPause(s.providerName)
		logger.Warn("provider rate limited, job returned to the head of the queue",
			zap.Duration("retryAfter", pause),
			zap.Error(sendErr),
		)

		// The record goes back to the pre-attempt count before the job is
		// visible again.
		recordErr := s.record(storeCtx, job, domain.StatusPending, job.Attempts, "", sendErr.Error())
		if err := s.handBack(storeCtx, job); err != nil {
			return outcomeHandedBack, fmt.Errorf("failed to hand back job %s: %w", job.ID, err)
		}
		return outcomeHandedBack, recordErr

	case provider.ErrorPermanent:
		logger.Warn("permanent delivery failure", zap.Error(sendErr))
		return s.fail(storeCtx, job, attempt, sendErr, "permanent")

	case provider.ErrorAuthExpired:
		s.refreshCredentials(storeCtx, logger)
	}

	return s.retryOrFail(storeCtx, job, attempt, sendErr, kind, logger)
}

// markInFlight records the attempt before the send. It reports false when the
// stored record refuses a pending write because the recipient was already
// sent or failed; sending again would deliver a duplicate.
func (s *WorkerService) markInFlight(ctx context.Context, job domain.EmailJob, attempt int) (bool, error) {
	applied, err := s.statuses.RecordStatus(ctx, domain.DeliveryStatus{
		BatchID:   job.StatusBatchID(),
		Recipient: job.Recipient,
		Status:    domain.StatusPending,
		Attempts:  attempt,
		InFlight:  true,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record in-flight status for job %s: %w", job.ID, err)
	}
	if applied {
		return true, nil
	}

	current, err := s.statuses.GetStatus(ctx, job.StatusBatchID(), job.Recipient)
	if err != nil {
		return false, fmt.Errorf("failed to read status for job %s: %w", job.ID, err)
	}
	return domain.CanTransition(current.Status, domain.StatusPending), nil
}

func (s *WorkerService) retryOrFail(
	ctx context.Context,
	job domain.EmailJob,
	attempt int,
	sendErr error,
	kind provider.ErrorKind,
	logger *zap.Logger,
) (jobOutcome, error) {
	if attempt >= s.maxAttempts {
		logger.Warn("delivery failed after max attempts",
			zap.Int("maxAttempts", s.maxAttempts),
			zap.Error(sendErr),
		)
		return s.fail(ctx, job, attempt, sendErr, "retry_exhausted")
	}

	delay := s.computeRetryDelay(attempt)
	job.Attempts = attempt
	job.LastError = sendErr.Error()
	if err := s.queue.Schedule(ctx, job, s.now().Add(delay)); err != nil {
		return outcomeRetried, fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	if err := s.record(ctx, job, domain.StatusPending, attempt, "", sendErr.Error()); err != nil {
		return outcomeRetried, err
	}

	s.metrics.IncRetryScheduled(s.providerName)
	logger.Info("retry scheduled",
		zap.String("kind", kind.String()),
		zap.Duration("delay", delay),
		zap.Error(sendErr),
	)
	return outcomeRetried, nil
}

func (s *WorkerService) fail(ctx context.Context, job domain.EmailJob, attempt int, sendErr error, reason string) (jobOutcome, error) {
	if err := s.record(ctx, job, domain.StatusFailed, attempt, "", sendErr.Error()); err != nil {
		return outcomeFailed, err
	}
	s.metrics.IncEmailFailed(s.providerName, reason)
	return outcomeFailed, nil
}

func (s *WorkerService) refreshCredentials(ctx context.Context, logger *zap.Logger) {
	refresher, ok := s.provider.(provider.Refresher)
	if !ok {
		return
	}
	if err := refresher.RefreshCredentials(ctx); err != nil {
		logger.Error("credential refresh failed", zap.Error(err))
		return
	}
	logger.Info("provider credentials refreshed")
}

func (s *WorkerService) record(
	ctx context.Context,
	job domain.EmailJob,
	st domain.Status,
	attempts int,
	messageID string,
	errMsg string,
) error {
	_, err := s.statuses.RecordStatus(ctx, domain.DeliveryStatus{
		BatchID:   job.StatusBatchID(),
		Recipient: job.Recipient,
		Status:    st,
		MessageID: messageID,
		Error:     errMsg,
		Attempts:  attempts,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record %s status for job %s: %w", st, job.ID, err)
	}
	return nil
}

func (s *WorkerService) handBack(ctx context.Context, job domain.EmailJob) error {
	return s.queue.PushFront(ctx, job)
}

func (s *WorkerService) reportQueueSize(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	stats, err := s.queue.Stats(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Warn("failed to read queue stats", zap.Error(err))
		return
	}
	s.metrics.SetQueueSize(stats.Name, stats.Pending)
}

func (s *WorkerService) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if s.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = s.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}
