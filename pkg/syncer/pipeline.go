package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// pageHandler writes one fetched page. It runs on the calling goroutine.
type pageHandler func(ctx context.Context, p *source.Page) error

// stream fetches pages of object from start onwards and hands them to
// handle in order. Fetching page N+1 overlaps handling of page N; at most
// one fetched page waits in the buffer.
func (e *Engine) stream(ctx context.Context, object string, filters source.Filters, start int, handle pageHandler) error {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan *source.Page, 1)
	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		defer close(pages)
		for n := start; ; n++ {
			p, err := e.fetchPage(gctx, object, filters, n)
			if err != nil {
				return err
			}
			select {
			case pages <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
			if !p.HasMore {
				return nil
			}
		}
	})

	var handleErr error
	for p := range pages {
		if handleErr = handle(ctx, p); handleErr != nil {
			cancel()
			break
		}
	}
	if handleErr != nil {
		for range pages {
		}
		_ = g.Wait()
		return handleErr
	}
	return g.Wait()
}

// fetchPage retries a page whose fetch exhausted the client's own retry
// budget, up to PageRetries more times.
func (e *Engine) fetchPage(ctx context.Context, object string, filters source.Filters, n int) (*source.Page, error) {
	for attempt := 0; ; attempt++ {
		p, err := e.source.Fetch(ctx, object, filters, n)
		if err == nil {
			return p, nil
		}
		if !syncerr.IsRetryable(err) || attempt >= e.cfg.PageRetries {
			return nil, fmt.Errorf("%s page %d: %w", object, n, err)
		}
		e.logger.Warn("page fetch failed, retrying page",
			"object", object, "page", n, "attempt", attempt+1, "wait", e.cfg.PageRetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.PageRetryDelay):
		}
	}
}
