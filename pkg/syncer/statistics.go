package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// StatisticsTrigger starts the aggregation that runs after a sync. The
// engine only triggers it; it never waits for the aggregation to finish.
type StatisticsTrigger interface {
	Trigger(ctx context.Context, runID, syncKey string) error
}

type noopTrigger struct{}

func (noopTrigger) Trigger(context.Context, string, string) error { return nil }

// WebhookTrigger POSTs {"run_id", "sync_key"} to a URL. 5xx and 429
// responses are retried; other failures are fatal.
type WebhookTrigger struct {
	url        string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

// NewWebhookTrigger creates a WebhookTrigger.
func NewWebhookTrigger(url string, policy retry.Policy, logger *slog.Logger) *WebhookTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookTrigger{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     policy,
		logger:     logger,
	}
}

func (t *WebhookTrigger) Trigger(ctx context.Context, runID, syncKey string) error {
	body, err := json.Marshal(map[string]string{"run_id": runID, "sync_key": syncKey})
	if err != nil {
		return syncerr.Fatal("trigger statistics", err)
	}
	return t.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			return syncerr.Fatal("trigger statistics", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return syncerr.Transient("trigger statistics", err)
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return syncerr.Transient("trigger statistics", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		case resp.StatusCode >= 300:
			return syncerr.Fatal("trigger statistics", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		t.logger.Warn("statistics trigger failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
}
