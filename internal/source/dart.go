package source

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
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

// Open DART response status codes.
const (
	statusOK          = "000"
	statusInvalidKey  = "010"
	statusDisabledKey = "011"
	statusDeniedIP    = "012"
	statusNoData      = "013"
	statusNoFile      = "014"
	statusRateLimited = "020"
	statusBadRequest  = "100"
	statusMaintenance = "800"
)

const (
	maxDocumentBytes    = 256 << 20
	downloadConcurrency = 4
)

var (
	zipSignature = []byte("PK\x03\x04")
	statusRe     = regexp.MustCompile(`status\W{1,4}(\d{3})`)
	kst          = time.FixedZone("KST", 9*60*60)
)

type listResponse struct {
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	PageNo     int        `json:"page_no"`
	TotalCount int        `json:"total_count"`
	TotalPage  int        `json:"total_page"`
	List       []listItem `json:"list"`
}

type listItem struct {
	CorpCode    string `json:"corp_code"`
	CorpName    string `json:"corp_name"`
	StockCode   string `json:"stock_code"`
	CorpClass   string `json:"corp_cls"`
	ReportName  string `json:"report_nm"`
	ReceiptNo   string `json:"rcept_no"`
	FilerName   string `json:"flr_nm"`
	ReceiptDate string `json:"rcept_dt"`
	Remarks     string `json:"rm"`
}

func (it listItem) meta(pollingDate string) filing.Meta {
	return filing.Meta{
		CorpCode:    it.CorpCode,
		CorpName:    it.CorpName,
		StockCode:   strings.TrimSpace(it.StockCode),
		CorpClass:   it.CorpClass,
		ReportName:  strings.TrimSpace(it.ReportName),
		FilerName:   it.FilerName,
		ReceiptDate: it.ReceiptDate,
		Remarks:     it.Remarks,
		PollingDate: pollingDate,
	}
}

// DART polls the Open DART list endpoint for one day of filings and
// downloads each filing's document archive.
type DART struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	pageSize   int
	targetDate string
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	seen       Seen
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*DART)

func WithSeen(s Seen) Option { return func(d *DART) { d.seen = s } }

func WithRetry(cfg resilience.RetryConfig) Option { return func(d *DART) { d.retry = cfg } }

func WithBreaker(cb *resilience.CircuitBreaker) Option { return func(d *DART) { d.breaker = cb } }

func WithHTTPClient(c *http.Client) Option { return func(d *DART) { d.client = c } }

func WithClock(now func() time.Time) Option { return func(d *DART) { d.now = now } }

func NewDART(cfg config.SourceConfig, opts ...Option) *DART {
	d := &DART{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		pageSize:   cfg.PageSize,
		targetDate: cfg.TargetDate,
		now:        time.Now,
		logger:     slog.Default().With("component", "dart-source"),
	}
	if d.pageSize <= 0 || d.pageSize > 100 {
		d.pageSize = 100
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = resilience.NewCircuitBreaker("dart", resilience.CircuitBreakerConfig{
			IsFailure: apperrors.IsRetryable,
		})
	}
	d.retry.Retryable = func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && apperrors.IsRetryable(err)
	}
	return d
}

// PollingDate is the day being polled: the configured target date, or today
// in Korea.
func (d *DART) PollingDate() string {
	if d.targetDate != "" {
		return d.targetDate
	}
	return d.now().In(kst).Format("20060102")
}

// FetchRecent lists up to n filings of the polling date and downloads their
// documents. A filing whose download fails transiently is left out of this
// batch and will be listed again next time. A filing whose document is
// missing or not an archive is returned with an empty payload.
func (d *DART) FetchRecent(ctx context.Context, n int) ([]filing.Record, error) {
	date := d.PollingDate()
	items, err := d.list(ctx, date, n)
	if err != nil {
		return nil, err
	}

	pending := make([]listItem, 0, len(items))
	for _, it := range items {
		if d.seen != nil {
			if done, err := d.seen.IsProcessed(ctx, it.ReceiptNo); err == nil && done {
				continue
			}
		}
		pending = append(pending, it)
	}

	records := make([]*filing.Record, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, it := range pending {
		g.Go(func() error {
			raw, err := d.document(gctx, it.ReceiptNo)
			switch {
			case err == nil:
			case errors.Is(err, apperrors.ErrPoisonInput):
				d.logger.Warn("document unusable", "filing_id", it.ReceiptNo, "reason", err)
				raw = nil
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				d.logger.Warn("document download failed, deferring",
					"filing_id", it.ReceiptNo,
					"error", err,
				)
				return nil
			}
			records[i] = &filing.Record{
				ID:         it.ReceiptNo,
				FetchedAt:  d.now().UTC(),
				RawPayload: raw,
				Meta:       it.meta(date),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperrors.Transient("downloading documents", err)
	}

	out := make([]filing.Record, 0, len(records))
	for _, r := range records {
		if r != nil {
			out = append(out, *r)
		}
	}
	d.logger.Info("filings fetched",
		"polling_date", date,
		"listed", len(items),
		"downloaded", len(out),
	)
	return out, nil
}

func (d *DART) list(ctx context.Context, date string, n int) ([]listItem, error) {
	var items []listItem
	for page, totalPages := 1, 1; page <= totalPages && len(items) < n; page++ {
		params := url.Values{
			"crtfc_key":  {d.apiKey},
			"bgn_de":     {date},
			"end_de":     {date},
			"page_no":    {fmt.Sprint(page)},
			"page_count": {fmt.Sprint(d.pageSize)},
		}
		var resp listResponse
		err := d.call(ctx, "dart list", "/list.json", params, func(body []byte) error {
			if err := json.Unmarshal(body, &resp); err != nil {
				return apperrors.Transient("decoding list response", err)
			}
			return statusErr(resp.Status, resp.Message)
		})
		if err != nil {
			return nil, err
		}
		if resp.Status == statusNoData {
			d.logger.Info("no filings for date", "polling_date", date)
			break
		}
		if page == 1 {
			totalPages = max(resp.TotalPage, 1)
			d.logger.Debug("listing filings",
				"polling_date", date,
				"total_count", resp.TotalCount,
				"total_pages", totalPages,
			)
		}
		if len(resp.List) == 0 {
			break
		}
		items = append(items, resp.List...)
	}
	if len(items) > n {
		items = items[:n]
	}
	return items, nil
}

func (d *DART) document(ctx context.Context, filingID string) ([]byte, error) {
	params := url.Values{
		"crtfc_key": {d.apiKey},
		"rcept_no":  {filingID},
	}
	var raw []byte
	err := d.call(ctx, "dart document", "/document.xml", params, func(body []byte) error {
		if bytes.HasPrefix(body, zipSignature) {
			raw = body
			return nil
		}
		status := ""
		if m := statusRe.FindSubmatch(body); m != nil {
			status = string(m[1])
		}
		switch status {
		case statusRateLimited, statusMaintenance, statusInvalidKey, statusDisabledKey, statusDeniedIP:
			return statusErr(status, "")
		case statusNoFile:
			return apperrors.New(apperrors.ErrPoisonInput, filingID, "document does not exist")
		}
		return apperrors.Newf(apperrors.ErrPoisonInput, filingID,
			"document is not a zip archive (status %q, %d bytes)", status, len(body))
	})
	return raw, err
}

// call performs a GET with retry and the circuit breaker, handing the body to
// parse. parse errors take part in the retry decision.
func (d *DART) call(ctx context.Context, name, path string, params url.Values, parse func([]byte) error) error {
	err := resilience.Retry(ctx, name, d.retry, func() error {
		return d.breaker.Execute(func() error {
			body, err := d.get(ctx, path, params)
			if err != nil {
				return err
			}
			return parse(body)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Transient(name, err)
	}
	return err
}

func (d *DART) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient("GET "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, apperrors.Transient("reading "+path, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Transient("GET "+path, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("GET %s: status %d: %w", path, resp.StatusCode, apperrors.ErrPermanent)
	}
	if len(body) > maxDocumentBytes {
		return nil, apperrors.New(apperrors.ErrPoisonInput, "", "response exceeds size limit")
	}
	return body, nil
}

// statusErr maps a DART status to the error taxonomy. Rate limiting and
// maintenance clear up on their own; key problems need an operator.
func statusErr(status, message string) error {
	switch status {
	case statusOK, statusNoData:
		return nil
	case statusRateLimited:
		return apperrors.Transient("dart", fmt.Errorf("daily request limit exceeded (status %s)", status))
	case statusMaintenance:
		return apperrors.Transient("dart", fmt.Errorf("system maintenance (status %s)", status))
	case statusInvalidKey, statusDisabledKey, statusDeniedIP, statusBadRequest:
		return fmt.Errorf("dart rejected request (status %s: %s): %w", status, message, apperrors.ErrPermanent)
	default:
		return apperrors.Transient("dart", fmt.Errorf("unexpected status %s: %s", status, message))
	}
}
