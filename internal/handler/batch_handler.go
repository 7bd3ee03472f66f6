package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/recipients"
	"github.com/kursadbilgin/campaign-mailer/internal/service"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type CampaignService interface {
	Launch(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error)
	Enqueue(ctx context.Context, job domain.EmailJob) (string, error)
	GetStatus(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error)
	ListStatuses(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error)
	GetBatchReport(ctx context.Context, batchID string) (*service.BatchReport, error)
	ListBatches(ctx context.Context, limit int) ([]service.BatchOverview, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
	RetryFailed(ctx context.Context, req service.RetryRequest) (int, error)
}

type BatchHandler struct {
	service    CampaignService
	maxCSVRows int
}

func NewBatchHandler(service CampaignService, maxCSVRows int) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("campaign service is required")
	}
	return &BatchHandler{service: service, maxCSVRows: maxCSVRows}, nil
}

func RegisterBatchRoutes(router fiber.Router, service CampaignService, maxCSVRows int) error {
	h, err := NewBatchHandler(service, maxCSVRows)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.LaunchBatch)
	v1.Post("/batches/csv", h.LaunchBatchFromCSV)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:batchId", h.GetBatch)
	v1.Get("/batches/:batchId/statuses", h.ListStatuses)
	v1.Get("/batches/:batchId/report.csv", h.DownloadReport)
	v1.Get("/batches/:batchId/recipients/:recipient", h.GetRecipientStatus)
	v1.Post("/batches/:batchId/retry", h.RetryFailed)
	v1.Post("/emails", h.EnqueueEmail)
	v1.Get("/queue", h.QueueStats)

	return nil
}

type launchBatchRequest struct {
	BatchID    string           `json:"batchId"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Enhance    bool             `json:"enhance"`
	Recipients []recipients.Row `json:"recipients"`
}

type launchBatchResponse struct {
	BatchID    string    `json:"batchId"`
	TotalCount int       `json:"totalCount"`
	Enqueued   int       `json:"enqueued"`
	Enhanced   bool      `json:"enhanced"`
	CreatedAt  time.Time `json:"createdAt"`
}

type retryRequest struct {
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Recipients []recipients.Row `json:"recipients"`
}

type enqueueEmailRequest struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	BatchID   string `json:"batchId"`
}

type listBatchesResponse struct {
	Data []service.BatchOverview `json:"data"`
}

type listStatusesResponse struct {
	BatchID string                  `json:"batchId"`
	Data    []domain.DeliveryStatus `json:"data"`
}

func (h *BatchHandler) LaunchBatch(c *fiber.Ctx) error {
	var req launchBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	return h.launch(c, service.LaunchRequest{
		BatchID:  strings.TrimSpace(req.BatchID),
		Template: domain.Template{Subject: req.Subject, Body: req.Body},
		Rows:     req.Recipients,
		Enhance:  req.Enhance,
	})
}

func (h *BatchHandler) LaunchBatchFromCSV(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: multipart field file is required", domain.ErrValidation))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to open uploaded file")
	}
	defer file.Close()

	rows, err := recipients.ParseCSV(file, h.maxCSVRows)
	if err != nil {
		return toHTTPError(err)
	}

	enhance, err := parseOptionalBool(c.FormValue("enhance"), "enhance")
	if err != nil {
		return toHTTPError(err)
	}

	return h.launch(c, service.LaunchRequest{
		BatchID:  strings.TrimSpace(c.FormValue("batchId")),
		Template: domain.Template{Subject: c.FormValue("subject"), Body: c.FormValue("body")},
		Rows:     rows,
		Enhance:  enhance,
	})
}

func (h *BatchHandler) launch(c *fiber.Ctx, req service.LaunchRequest) error {
	result, err := h.service.Launch(c.Context(), req)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(launchBatchResponse{
		BatchID:    result.Batch.ID,
		TotalCount: result.Batch.TotalCount,
		Enqueued:   result.Enqueued,
		Enhanced:   result.Enhanced,
		CreatedAt:  result.Batch.CreatedAt,
	})
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxListLimit))
	}

	overviews, err := h.service.ListBatches(c.Context(), limit)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{Data: overviews})
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	report, err := h.service.GetBatchReport(c.Context(), pathParam(c, "batchId"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(report)
}

func (h *BatchHandler) ListStatuses(c *fiber.Ctx) error {
	batchID := pathParam(c, "batchId")
	statuses, err := h.service.ListStatuses(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}
	statuses, err = filterByStatus(statuses, c.Query("status"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listStatusesResponse{
		BatchID: batchID,
		Data:    statuses,
	})
}

var reportHeader = []string{"recipient", "status", "attempts", "messageId", "error", "updatedAt"}

// DownloadReport streams the per-recipient statuses of a batch as CSV.
func (h *BatchHandler) DownloadReport(c *fiber.Ctx) error {
	batchID := pathParam(c, "batchId")
	statuses, err := h.service.ListStatuses(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}
	if len(statuses) == 0 {
		// Distinguishes an unknown batch from one without recipients.
		if _, err := h.service.GetBatchReport(c.Context(), batchID); err != nil {
			return toHTTPError(err)
		}
	}
	statuses, err = filterByStatus(statuses, c.Query("status"))
	if err != nil {
		return toHTTPError(err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("failed to write report header: %w", err)
	}
	for _, st := range statuses {
		updatedAt := ""
		if !st.UpdatedAt.IsZero() {
			updatedAt = st.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if err := w.Write([]string{
			st.Recipient,
			st.Status.String(),
			strconv.Itoa(st.Attempts),
			st.MessageID,
			st.Error,
			updatedAt,
		}); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	c.Attachment("email_campaign_report_" + batchID + ".csv")
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}

func (h *BatchHandler) GetRecipientStatus(c *fiber.Ctx) error {
	st, err := h.service.GetStatus(c.Context(), pathParam(c, "batchId"), pathParam(c, "recipient"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(st)
}

func (h *BatchHandler) RetryFailed(c *fiber.Ctx) error {
	var req retryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	batchID := pathParam(c, "batchId")
	retried, err := h.service.RetryFailed(c.Context(), service.RetryRequest{
		BatchID:  batchID,
		Template: domain.Template{Subject: req.Subject, Body: req.Body},
		Rows:     req.Recipients,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batchId": batchID,
		"retried": retried,
	})
}

func (h *BatchHandler) EnqueueEmail(c *fiber.Ctx) error {
	var req enqueueEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	jobID, err := h.service.Enqueue(c.Context(), domain.EmailJob{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		BatchID:   req.BatchID,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"jobId":   jobID,
		"batchId": domain.StatusKeyBatchID(req.BatchID),
	})
}

func (h *BatchHandler) QueueStats(c *fiber.Ctx) error {
	stats, err := h.service.QueueStats(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(stats)
}

// pathParam returns the decoded route parameter. Recipients arrive URL-encoded.
func pathParam(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return strings.TrimSpace(raw)
}

// filterByStatus keeps the records in the requested state. An empty filter
// keeps everything.
func filterByStatus(statuses []domain.DeliveryStatus, raw string) ([]domain.DeliveryStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return statuses, nil
	}
	want, err := domain.ParseStatusFromString(raw)
	if err != nil {
		return nil, err
	}

	filtered := make([]domain.DeliveryStatus, 0, len(statuses))
	for _, st := range statuses {
		if st.Status == want {
			filtered = append(filtered, st)
		}
	}
	return filtered, nil
}

func parseOptionalBool(value string, field string) (bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", domain.ErrValidation, field)
	}
	return parsed, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
