package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/service"
	"github.com/kursadbilgin/campaign-mailer/internal/transport"
	"go.uber.org/zap"
)

func TestBatchHandler_LaunchBatch(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubCampaignService{
		launchFn: func(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error) {
			if req.BatchID != "spring" || !req.Enhance {
				t.Errorf("request = %+v, want batch spring with enhance", req)
			}
			if len(req.Rows) != 2 || req.Rows[1].Fields["name"] != "Bob" {
				t.Errorf("rows = %+v", req.Rows)
			}
			if req.Template.Subject != "Hi {name}" {
				t.Errorf("subject = %q", req.Template.Subject)
			}
			return &service.LaunchResult{
				Batch:    domain.Batch{ID: "spring", TotalCount: 2, CreatedAt: createdAt},
				Enqueued: 2,
				Enhanced: true,
			}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	body := `{"batchId":"spring","subject":"Hi {name}","body":"<p>{name}</p>","enhance":true,
		"recipients":[{"email":"a@example.com","fields":{"name":"Ada"}},{"email":"b@example.com","fields":{"name":"Bob"}}]}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/batches", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["batchId"] != "spring" || parsed["enqueued"] != float64(2) || parsed["enhanced"] != true {
		t.Fatalf("response = %v", parsed)
	}
	if parsed["createdAt"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("createdAt = %v", parsed["createdAt"])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/batches", `{"subject":`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestBatchHandler_LaunchErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: fmt.Errorf("%w: missing placeholder: code", domain.ErrValidation), want: fiber.StatusBadRequest},
		{name: "conflict", err: fmt.Errorf("%w: batch spring already exists", domain.ErrConflict), want: fiber.StatusConflict},
		{name: "not found", err: domain.ErrNotFound, want: fiber.StatusNotFound},
		{name: "store unavailable", err: fmt.Errorf("%w: dial tcp", domain.ErrStoreUnavailable), want: fiber.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), want: fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &stubCampaignService{
				launchFn: func(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error) {
					return nil, tt.err
				},
			}
			app := newBatchTestApp(t, svc)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/batches", `{"subject":"s","recipients":[{"email":"a@example.com"}]}`)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			var parsed map[string]string
			if err := json.Unmarshal(body, &parsed); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if parsed["error"] == "" {
				t.Fatalf("error body = %s, want error message", string(body))
			}
		})
	}
}

func TestBatchHandler_LaunchBatchFromCSV(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		launchFn: func(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error) {
			if len(req.Rows) != 2 {
				return nil, fmt.Errorf("%w: rows = %d", domain.ErrValidation, len(req.Rows))
			}
			if req.Rows[0].Email != "ada@example.com" || req.Rows[0].Fields["name"] != "Ada" {
				return nil, fmt.Errorf("%w: first row = %+v", domain.ErrValidation, req.Rows[0])
			}
			if req.Template.Subject != "Hello {name}" || req.Enhance {
				return nil, fmt.Errorf("%w: request = %+v", domain.ErrValidation, req)
			}
			return &service.LaunchResult{Batch: domain.Batch{ID: "csv-batch", TotalCount: 2}, Enqueued: 2}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	csv := "email,name\nada@example.com,Ada\nbob@example.com,Bob\n"
	resp, body := performMultipart(t, app, "/v1/batches/csv", map[string]string{
		"subject": "Hello {name}",
		"body":    "<p>Hi {name}</p>",
		"enhance": "false",
	}, csv)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	resp, _ = performMultipart(t, app, "/v1/batches/csv", map[string]string{"subject": "s"}, "name\nAda\n")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for csv without email column", resp.StatusCode)
	}

	resp, _ = performMultipart(t, app, "/v1/batches/csv", map[string]string{"subject": "s", "enhance": "maybe"}, csv)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid enhance flag", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/batches/csv", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without file", resp.StatusCode)
	}
}

func TestBatchHandler_ListBatches(t *testing.T) {
	t.Parallel()

	var gotLimit int
	svc := &stubCampaignService{
		listBatchesFn: func(ctx context.Context, limit int) ([]service.BatchOverview, error) {
			gotLimit = limit
			return []service.BatchOverview{
				{
					Batch:   domain.Batch{ID: "b2", TotalCount: 1},
					Summary: domain.BatchSummary{BatchID: "b2", Total: 1, Sent: 1},
				},
			}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches?limit=5", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if gotLimit != 5 {
		t.Fatalf("limit = %d, want 5", gotLimit)
	}

	var parsed struct {
		Data []service.BatchOverview `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Data[0].Summary.Sent != 1 {
		t.Fatalf("data = %+v", parsed.Data)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches?limit=500", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for limit overflow", resp.StatusCode)
	}
}

func TestBatchHandler_GetBatchAndStatuses(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		getBatchReportFn: func(ctx context.Context, batchID string) (*service.BatchReport, error) {
			if batchID != "b1" {
				return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
			}
			return &service.BatchReport{
				Summary: domain.BatchSummary{BatchID: "b1", Total: 3, Sent: 1, Failed: 1, Pending: 1},
			}, nil
		},
		listStatusesFn: func(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
			return []domain.DeliveryStatus{
				{BatchID: batchID, Recipient: "a@example.com", Status: domain.StatusSent, Attempts: 1},
			}, nil
		},
		getStatusFn: func(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error) {
			if recipient != "a+promo@example.com" {
				return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, recipient)
			}
			return &domain.DeliveryStatus{BatchID: batchID, Recipient: recipient, Status: domain.StatusFailed, Error: "550"}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/b1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var report service.BatchReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if report.Summary.Total != report.Summary.Sent+report.Summary.Failed+report.Summary.Pending {
		t.Fatalf("summary = %+v", report.Summary)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/unknown", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/batches/b1/statuses", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/batches/b1/recipients/a%2Bpromo%40example.com", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var st domain.DeliveryStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if st.Status != domain.StatusFailed || st.Error != "550" {
		t.Fatalf("status = %+v", st)
	}
}

func reportStatuses(batchID string) []domain.DeliveryStatus {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.DeliveryStatus{
		{BatchID: batchID, Recipient: "a@example.com", Status: domain.StatusSent, MessageID: "m-1", Attempts: 1, UpdatedAt: at},
		{BatchID: batchID, Recipient: "b@example.com", Status: domain.StatusFailed, Error: "550, mailbox unavailable", Attempts: 3, UpdatedAt: at},
		{BatchID: batchID, Recipient: "c@example.com", Status: domain.StatusPending},
	}
}

func TestBatchHandler_DownloadReport(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		listStatusesFn: func(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
			if batchID != "b1" {
				return []domain.DeliveryStatus{}, nil
			}
			return reportStatuses(batchID), nil
		},
		getBatchReportFn: func(ctx context.Context, batchID string) (*service.BatchReport, error) {
			return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/b1/report.csv", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("content type = %q, want text/csv", got)
	}
	if got := resp.Header.Get(fiber.HeaderContentDisposition); !strings.Contains(got, "email_campaign_report_b1.csv") {
		t.Fatalf("content disposition = %q", got)
	}

	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("csv read error = %v, body=%s", err, string(body))
	}
	want := [][]string{
		{"recipient", "status", "attempts", "messageId", "error", "updatedAt"},
		{"a@example.com", "sent", "1", "m-1", "", "2026-03-01T12:00:00Z"},
		{"b@example.com", "failed", "3", "", "550, mailbox unavailable", "2026-03-01T12:00:00Z"},
		{"c@example.com", "pending", "0", "", "", ""},
	}
	if fmt.Sprint(rows) != fmt.Sprint(want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/batches/b1/report.csv?status=failed", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	rows, err = csv.NewReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("csv read error = %v", err)
	}
	if len(rows) != 2 || rows[1][0] != "b@example.com" {
		t.Fatalf("filtered rows = %v, want header and b@example.com", rows)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/unknown/report.csv", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBatchHandler_ListStatusesFilter(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		listStatusesFn: func(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
			return reportStatuses(batchID), nil
		},
	}
	app := newBatchTestApp(t, svc)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantLen  int
	}{
		{name: "no filter", query: "", wantCode: fiber.StatusOK, wantLen: 3},
		{name: "pending only", query: "?status=pending", wantCode: fiber.StatusOK, wantLen: 1},
		{name: "case insensitive", query: "?status=SENT", wantCode: fiber.StatusOK, wantLen: 1},
		{name: "unknown status", query: "?status=queued", wantCode: fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/b1/statuses"+tt.query, "")
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantCode, string(body))
			}
			if tt.wantCode != fiber.StatusOK {
				return
			}

			var out struct {
				Data []domain.DeliveryStatus `json:"data"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if len(out.Data) != tt.wantLen {
				t.Fatalf("records = %d, want %d", len(out.Data), tt.wantLen)
			}
		})
	}
}

func TestBatchHandler_RetryFailed(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		retryFailedFn: func(ctx context.Context, req service.RetryRequest) (int, error) {
			if req.BatchID != "b1" || len(req.Rows) != 1 || req.Template.Subject != "" {
				return 0, fmt.Errorf("%w: request = %+v", domain.ErrValidation, req)
			}
			return 1, nil
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/batches/b1/retry", `{"recipients":[{"email":"a@example.com"}]}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["retried"] != float64(1) {
		t.Fatalf("retried = %v, want 1", parsed["retried"])
	}
}

func TestBatchHandler_EnqueueEmailAndQueueStats(t *testing.T) {
	t.Parallel()

	svc := &stubCampaignService{
		enqueueFn: func(ctx context.Context, job domain.EmailJob) (string, error) {
			if err := job.Validate(); err != nil {
				return "", err
			}
			return "job-1", nil
		},
		queueStatsFn: func(ctx context.Context) (queue.Stats, error) {
			return queue.Stats{Name: queue.DefaultName, Pending: 4, Delayed: 1}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/emails", `{"recipient":"a@example.com","subject":"hi","body":"x"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["jobId"] != "job-1" || accepted["batchId"] != domain.UnbatchedID {
		t.Fatalf("response = %v", accepted)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/emails", `{"recipient":"a@example.com"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing subject", resp.StatusCode)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/queue", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var stats queue.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if stats.Pending != 4 || stats.Delayed != 1 || stats.Name != queue.DefaultName {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestNewBatchHandlerRequiresService(t *testing.T) {
	t.Parallel()

	if _, err := NewBatchHandler(nil, 0); err == nil {
		t.Fatal("NewBatchHandler() expected error")
	}
}

type stubCampaignService struct {
	launchFn         func(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error)
	enqueueFn        func(ctx context.Context, job domain.EmailJob) (string, error)
	getStatusFn      func(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error)
	listStatusesFn   func(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error)
	getBatchReportFn func(ctx context.Context, batchID string) (*service.BatchReport, error)
	listBatchesFn    func(ctx context.Context, limit int) ([]service.BatchOverview, error)
	queueStatsFn     func(ctx context.Context) (queue.Stats, error)
	retryFailedFn    func(ctx context.Context, req service.RetryRequest) (int, error)
}

func (s *stubCampaignService) Launch(ctx context.Context, req service.LaunchRequest) (*service.LaunchResult, error) {
	if s.launchFn != nil {
		return s.launchFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCampaignService) Enqueue(ctx context.Context, job domain.EmailJob) (string, error) {
	if s.enqueueFn != nil {
		return s.enqueueFn(ctx, job)
	}
	return "", errors.New("not implemented")
}

func (s *stubCampaignService) GetStatus(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, batchID, recipient)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCampaignService) ListStatuses(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error) {
	if s.listStatusesFn != nil {
		return s.listStatusesFn(ctx, batchID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCampaignService) GetBatchReport(ctx context.Context, batchID string) (*service.BatchReport, error) {
	if s.getBatchReportFn != nil {
		return s.getBatchReportFn(ctx, batchID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCampaignService) ListBatches(ctx context.Context, limit int) ([]service.BatchOverview, error) {
	if s.listBatchesFn != nil {
		return s.listBatchesFn(ctx, limit)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCampaignService) QueueStats(ctx context.Context) (queue.Stats, error) {
	if s.queueStatsFn != nil {
		return s.queueStatsFn(ctx)
	}
	return queue.Stats{}, errors.New("not implemented")
}

func (s *stubCampaignService) RetryFailed(ctx context.Context, req service.RetryRequest) (int, error) {
	if s.retryFailedFn != nil {
		return s.retryFailedFn(ctx, req)
	}
	return 0, errors.New("not implemented")
}

var _ CampaignService = (*stubCampaignService)(nil)
var _ CampaignService = (*service.CampaignService)(nil)

func newBatchTestApp(t *testing.T, svc CampaignService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterBatchRoutes(app, svc, 0); err != nil {
		t.Fatalf("RegisterBatchRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return doRequest(t, app, req)
}

func performMultipart(t *testing.T, app *fiber.App, path string, fields map[string]string, csv string) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", "recipients.csv")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := io.WriteString(part, csv); err != nil {
		t.Fatalf("write csv error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("multipart close error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())

	return doRequest(t, app, req)
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
