package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

// APIKeyHeader authenticates the worker to the disclosure service.
const APIKeyHeader = "X-Worker-Api-Key"

// Handler processes one task. Errors wrapping ErrPermanent are never retried.
type Handler interface {
	Handle(ctx context.Context, task filing.Task) error
}

type disclosureMetadata struct {
	PollingDate string `json:"polling_date,omitempty"`
	Source      string `json:"source"`
}

// disclosureRequest is the body of PUT /api/disclosures/{rcept_no}.
type disclosureRequest struct {
	ReceiptNo   string             `json:"rcept_no"`
	CorpCode    string             `json:"corp_code,omitempty"`
	CorpName    string             `json:"corp_name,omitempty"`
	StockCode   string             `json:"stock_code,omitempty"`
	CorpClass   string             `json:"corp_cls,omitempty"`
	ReportName  string             `json:"report_nm,omitempty"`
	FilerName   string             `json:"flr_nm,omitempty"`
	ReceiptDate string             `json:"rcept_dt,omitempty"`
	Remarks     string             `json:"rm,omitempty"`
	ObjectName  string             `json:"minio_object_name"`
	ContentType string             `json:"content_type,omitempty"`
	FileSize    int                `json:"file_size,omitempty"`
	Metadata    disclosureMetadata `json:"metadata"`
}

func newDisclosureRequest(t filing.Task) disclosureRequest {
	return disclosureRequest{
		ReceiptNo:   t.FilingID,
		CorpCode:    t.CorpCode,
		CorpName:    t.CorpName,
		StockCode:   t.StockCode,
		CorpClass:   t.CorpClass,
		ReportName:  t.ReportName,
		FilerName:   t.FilerName,
		ReceiptDate: t.ReceiptDate,
		Remarks:     t.Remarks,
		ObjectName:  t.ContentKey,
		ContentType: t.ContentType,
		FileSize:    t.Size,
		Metadata: disclosureMetadata{
			PollingDate: t.PollingDate,
			Source:      "ingestion_service",
		},
	}
}

// HTTPHandler upserts each filing into the disclosure service.
type HTTPHandler struct {
	client  *http.Client
	baseURL string
	apiKey  string
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

type HTTPOption func(*HTTPHandler)

func WithHandlerClient(c *http.Client) HTTPOption { return func(h *HTTPHandler) { h.client = c } }

func WithHandlerBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(h *HTTPHandler) { h.breaker = cb }
}

func NewHTTPHandler(cfg config.HandlerConfig, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  slog.Default().With("component", "disclosure-handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.breaker == nil {
		h.breaker = resilience.NewCircuitBreaker("disclosure-service", resilience.CircuitBreakerConfig{
			IsFailure: func(err error) bool { return !errors.Is(err, apperrors.ErrPermanent) },
		})
	}
	if h.apiKey == "" {
		h.logger.Warn("handler api key not set, disclosure service calls will be rejected")
	}
	return h
}

func (h *HTTPHandler) Handle(ctx context.Context, task filing.Task) error {
	body, err := json.Marshal(newDisclosureRequest(task))
	if err != nil {
		return apperrors.Newf(apperrors.ErrPermanent, task.FilingID, "encoding request: %v", err)
	}
	err = h.breaker.Execute(func() error {
		return h.put(ctx, task.FilingID, body)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", apperrors.ErrHandlerFailure, err)
	}
	return err
}

func (h *HTTPHandler) put(ctx context.Context, filingID string, body []byte) error {
	endpoint := h.baseURL + "/api/disclosures/" + url.PathEscape(filingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Newf(apperrors.ErrPermanent, filingID, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, h.apiKey)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: calling disclosure service: %w", apperrors.ErrHandlerFailure, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		h.logger.Debug("disclosure upserted",
			"filing_id", filingID,
			"status_code", resp.StatusCode,
			"duration", time.Since(start),
		)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.Newf(apperrors.ErrPermanent, filingID,
			"disclosure service rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	default:
		return apperrors.Newf(apperrors.ErrHandlerFailure, filingID,
			"disclosure service error: status %d", resp.StatusCode)
	}
}

// LogHandler reads the archived object back and logs it. It is the handler
// for local runs without a disclosure service.
type LogHandler struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

func NewLogHandler(store storage.ObjectStore) *LogHandler {
	return &LogHandler{
		store:  store,
		logger: slog.Default().With("component", "log-handler"),
	}
}

func (h *LogHandler) Handle(ctx context.Context, task filing.Task) error {
	content, err := h.store.Get(ctx, task.ContentKey)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", apperrors.ErrHandlerFailure, task.ContentKey, err)
	}
	h.logger.Info("filing received",
		"filing_id", task.FilingID,
		"content_key", task.ContentKey,
		"corp_name", task.CorpName,
		"report_nm", task.ReportName,
		"bytes", len(content),
	)
	return nil
}
