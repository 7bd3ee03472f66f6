package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/enhancer"
	"github.com/kursadbilgin/campaign-mailer/internal/observability"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/recipients"
	"github.com/kursadbilgin/campaign-mailer/internal/status"
	"github.com/kursadbilgin/campaign-mailer/internal/template"
	"go.uber.org/zap"
)

const (
	maxBatchSize       = 10000
	defaultBatchListed = 50
)

type LaunchRequest struct {
	// BatchID is generated when empty.
	BatchID  string
	Template domain.Template
	Rows     []recipients.Row
	Enhance  bool
}

type LaunchResult struct {
	Batch    domain.Batch
	Enqueued int
	Enhanced bool
}

// RetryRequest carries the content again: jobs do not outlive a successful
// dequeue, so a failed recipient can only be re-rendered by the caller.
type RetryRequest struct {
	BatchID string
	// Template overrides the stored batch template when its subject is set.
	Template domain.Template
	Rows     []recipients.Row
}

type BatchReport struct {
	Batch   *domain.Batch       `json:"batch,omitempty"`
	Summary domain.BatchSummary `json:"summary"`
}

type BatchOverview struct {
	Batch   domain.Batch        `json:"batch"`
	Summary domain.BatchSummary `json:"summary"`
}

type CampaignService struct {
	queue      queue.Queue
	statuses   status.Store
	enhancer   enhancer.Enhancer
	logger     *zap.Logger
	now        func() time.Time
	newBatchID func(now time.Time) string
}

func NewCampaignService(
	q queue.Queue,
	statuses status.Store,
	e enhancer.Enhancer,
	logger *zap.Logger,
) (*CampaignService, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if e == nil {
		e = enhancer.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CampaignService{
		queue:      q,
		statuses:   statuses,
		enhancer:   e,
		logger:     logger,
		now:        time.Now,
		newBatchID: generateBatchID,
	}, nil
}

// Launch renders every row before anything is enqueued, so a missing
// placeholder rejects the whole batch.
func (s *CampaignService) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := validateRows(req.Rows); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = s.newBatchID(now)
	}
	ctx = observability.WithBatchID(ctx, batchID)
	logger := observability.WithContextLogger(s.logger, ctx)

	tmpl := req.Template
	enhanced := false
	if req.Enhance {
		tmpl, enhanced = s.enhance(ctx, req.Template, req.Rows, logger)
	}

	jobs, err := renderJobs(batchID, tmpl, req.Rows)
	if err != nil {
		return nil, err
	}

	batch := domain.Batch{
		ID:         batchID,
		Template:   tmpl,
		TotalCount: len(jobs),
		CreatedAt:  now,
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := s.statuses.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	enqueued, err := s.enqueueAll(ctx, jobs)
	if err != nil {
		logger.Error("batch launch stopped",
			zap.Int("enqueued", enqueued),
			zap.Int("total", len(jobs)),
			zap.Error(err),
		)
		return nil, err
	}

	logger.Info("batch launched", zap.Int("enqueued", enqueued), zap.Bool("enhanced", enhanced))
	return &LaunchResult{Batch: batch, Enqueued: enqueued, Enhanced: enhanced}, nil
}

// Enqueue adds a single ad-hoc job and records it as pending.
func (s *CampaignService) Enqueue(ctx context.Context, job domain.EmailJob) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	job.Recipient = strings.TrimSpace(job.Recipient)
	job.BatchID = strings.TrimSpace(job.BatchID)
	job.Attempts = 0
	job.LastError = ""
	job.NextAttemptAt = time.Time{}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if _, err := s.enqueueAll(ctx, []domain.EmailJob{job}); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *CampaignService) GetStatus(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	return s.statuses.GetStatus(ctx, batchID, recipient)
}

func (s *CampaignService) Aggregate(ctx context.Context, batchID string) (domain.BatchSummary, error) {
	return s.statuses.Aggregate(ctx, batchID)
}

func (s *CampaignService) ListStatuses(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.statuses.ListStatuses(ctx, batchID)
}

// GetBatchReport returns the batch metadata with its summary. Batches known
// only through status records (ad-hoc jobs) have no metadata.
func (s *CampaignService) GetBatchReport(ctx context.Context, batchID string) (*BatchReport, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, err := s.statuses.GetBatch(ctx, batchID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	summary, err := s.statuses.Aggregate(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil && summary.Total == 0 {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}

	return &BatchReport{Batch: batch, Summary: summary}, nil
}

func (s *CampaignService) ListBatches(ctx context.Context, limit int) ([]BatchOverview, error) {
	if limit <= 0 {
		limit = defaultBatchListed
	}

	batches, err := s.statuses.ListBatches(ctx, limit)
	if err != nil {
		return nil, err
	}

	overviews := make([]BatchOverview, 0, len(batches))
	for _, batch := range batches {
		summary, err := s.statuses.Aggregate(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, BatchOverview{Batch: batch, Summary: summary})
	}
	return overviews, nil
}

func (s *CampaignService) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// RetryFailed re-enqueues the rows whose recipient is currently failed. Rows
// in any other state are ignored. It returns the number of jobs enqueued.
func (s *CampaignService) RetryFailed(ctx context.Context, req RetryRequest) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		return 0, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if err := validateRows(req.Rows); err != nil {
		return 0, err
	}
	ctx = observability.WithBatchID(ctx, batchID)
	logger := observability.WithContextLogger(s.logger, ctx)

	tmpl := req.Template
	if strings.TrimSpace(tmpl.Subject) == "" {
		batch, err := s.statuses.GetBatch(ctx, batchID)
		if err != nil {
			return 0, err
		}
		tmpl = batch.Template
	}

	failedRows := make([]recipients.Row, 0, len(req.Rows))
	for _, row := range req.Rows {
		current, err := s.statuses.GetStatus(ctx, batchID, row.Email)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if current.Status == domain.StatusFailed {
			failedRows = append(failedRows, row)
		}
	}
	if len(failedRows) == 0 {
		return 0, nil
	}

	jobs, err := renderJobs(batchID, tmpl, failedRows)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, job := range jobs {
		applied, err := s.statuses.ResetStatus(ctx, batchID, job.Recipient, s.now().UTC())
		if err != nil {
			return retried, err
		}
		if !applied {
			logger.Info("recipient changed before retry, skipping", zap.String("recipient", job.Recipient))
			continue
		}
		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			return retried, err
		}
		retried++
	}

	logger.Info("failed recipients re-enqueued", zap.Int("retried", retried))
	return retried, nil
}

// enhance returns the enhanced template, or the original one when the
// enhancer fails or the rewritten body drops a placeholder some row needs.
func (s *CampaignService) enhance(
	ctx context.Context,
	original domain.Template,
	rows []recipients.Row,
	logger *zap.Logger,
) (domain.Template, bool) {
	placeholders := template.Placeholders(original.Body)
	body, err := s.enhancer.Enhance(ctx, original.Body, placeholders)
	if err != nil {
		logger.Warn("content enhancement failed, using original template", zap.Error(err))
		return original, false
	}

	candidate := domain.Template{Subject: original.Subject, Body: body}
	for _, row := range rows {
		if _, err := template.Render(candidate.Body, row.Vars()); err != nil {
			logger.Warn("enhanced template does not render, using original template",
				zap.String("recipient", row.Email),
				zap.Error(err),
			)
			return original, false
		}
	}
	return candidate, true
}

// enqueueAll records each job as pending before pushing it, so a worker's
// status write for the job is always the later one.
func (s *CampaignService) enqueueAll(ctx context.Context, jobs []domain.EmailJob) (int, error) {
	enqueued := 0
	for _, job := range jobs {
		_, err := s.statuses.RecordStatus(ctx, domain.DeliveryStatus{
			BatchID:   job.StatusBatchID(),
			Recipient: job.Recipient,
			Status:    domain.StatusPending,
			UpdatedAt: s.now().UTC(),
		})
		if err != nil {
			return enqueued, err
		}

		if _, err := s.queue.Enqueue(ctx, job); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

func validateRows(rows []recipients.Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	if len(rows) > maxBatchSize {
		return fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchSize)
	}
	for i, row := range rows {
		if strings.TrimSpace(row.Email) == "" {
			return fmt.Errorf("%w: recipient %d has no email", domain.ErrValidation, i)
		}
	}
	return nil
}

func renderJobs(batchID string, tmpl domain.Template, rows []recipients.Row) ([]domain.EmailJob, error) {
	jobs := make([]domain.EmailJob, 0, len(rows))
	for _, row := range rows {
		rendered, err := template.RenderTemplate(tmpl, row.Vars())
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %w", row.Email, err)
		}
		jobs = append(jobs, domain.EmailJob{
			ID:        uuid.NewString(),
			Recipient: strings.TrimSpace(row.Email),
			Subject:   rendered.Subject,
			Body:      rendered.Body,
			BatchID:   batchID,
		})
	}
	return jobs, nil
}

func generateBatchID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%d_%s", now.UnixMilli(), suffix)
}
