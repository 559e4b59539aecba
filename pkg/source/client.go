// Package source reads paginated flat records from the source platform's
// REST API.
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
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/edusync/assessment-sync/pkg/metrics"
	"github.com/edusync/assessment-sync/pkg/record"
	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

const (
	// PlatformMaxPageSize is the largest rows_per_page the source accepts.
	// Requests at the ceiling have come back truncated, so the client stays
	// below it.
	PlatformMaxPageSize = 1000
	MaxPageSize         = PlatformMaxPageSize - 1
	DefaultPageSize     = 500
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	ApplicationID  string
	APIKey         string
	PageSize       int
	Timeout        time.Duration
	RequestsPerSec float64
	Retry          retry.Policy
}

// DefaultConfig returns defaults for everything but the endpoint and
// credentials.
func DefaultConfig() Config {
	return Config{
		PageSize:       DefaultPageSize,
		Timeout:        30 * time.Second,
		RequestsPerSec: 8,
		Retry:          retry.DefaultPolicy(),
	}
}

// Page is one page of records.
type Page struct {
	Records    []record.Flat
	Number     int
	HasMore    bool
	TotalCount int
	TotalPages int
}

// Fetcher is the read side of the source used by the orchestrator.
type Fetcher interface {
	Fetch(ctx context.Context, object string, filters Filters, page int) (*Page, error)
}

// Client is a rate-limited, retrying source reader. It never writes.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a Client. A nil logger uses slog.Default().
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		metrics:    m,
	}
}

// PageSize returns the effective rows per page.
func (c *Client) PageSize() int { return c.cfg.PageSize }

type pageBody struct {
	Records      []record.Flat `json:"records"`
	TotalRecords int           `json:"total_records"`
	TotalPages   int           `json:"total_pages"`
	CurrentPage  int           `json:"current_page"`
}

// Fetch reads one page (1-based) of object's records. Transient failures
// are retried with the configured policy; a budget exhausted on transient
// errors returns syncerr.ErrSourceUnavailable, and a rejected request
// returns syncerr.ErrSourceRejected.
func (c *Client) Fetch(ctx context.Context, object string, filters Filters, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	encoded, err := filters.Encode()
	if err != nil {
		return nil, syncerr.Fatal("encode filters", err)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("rows_per_page", strconv.Itoa(c.cfg.PageSize))
	if encoded != "" {
		q.Set("filters", encoded)
	}
	endpoint := fmt.Sprintf("%s/objects/%s/records?%s", c.cfg.BaseURL, url.PathEscape(object), q.Encode())
	op := fmt.Sprintf("fetch %s page %d", object, page)

	var body pageBody
	err = c.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		err := c.do(ctx, op, endpoint, &body)
		c.metrics.ObserveSourceRequest(object, time.Since(start), err)
		return err
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("source request failed, retrying",
			"object", object, "page", page, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		if syncerr.IsRetryable(err) && !errors.Is(err, syncerr.ErrSourceUnavailable) {
			err = syncerr.Transient(op, errors.Join(syncerr.ErrSourceUnavailable, err))
		}
		return nil, err
	}

	// Only a short page ends pagination. total_pages goes stale when the
	// source is written to mid-sync, so it is reported but never trusted.
	hasMore := len(body.Records) >= c.cfg.PageSize
	if hasMore && body.TotalPages > 0 && page >= body.TotalPages {
		c.logger.Warn("source page is full beyond reported total, continuing",
			"object", object, "page", page, "totalPages", body.TotalPages)
	}
	c.logger.Debug("fetched source page",
		"object", object, "page", page, "records", len(body.Records), "totalPages", body.TotalPages)
	return &Page{
		Records:    body.Records,
		Number:     page,
		HasMore:    hasMore,
		TotalCount: body.TotalRecords,
		TotalPages: body.TotalPages,
	}, nil
}

func (c *Client) do(ctx context.Context, op, endpoint string, out *pageBody) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return syncerr.Fatal(op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application-Id", c.cfg.ApplicationID)
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Timeouts, resets and refused connections.
		return syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("reading response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return syncerr.Transient(op, statusError(resp.StatusCode, data))
	case resp.StatusCode >= 400:
		return syncerr.Fatal(op, fmt.Errorf("%w: %v", syncerr.ErrSourceRejected, statusError(resp.StatusCode, data)))
	}

	var body pageBody
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		// A truncated or garbled body is treated like a failed transfer.
		return syncerr.Transient(op, fmt.Errorf("decoding response: %w", err))
	}
	*out = body
	return nil
}

func statusError(code int, body []byte) error {
	var errResp struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Message != "" {
			return fmt.Errorf("status %d: %s", code, errResp.Message)
		}
		if len(errResp.Errors) > 0 {
			return fmt.Errorf("status %d: %s", code, errResp.Errors[0].Message)
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("status %d: %s", code, msg)
}
