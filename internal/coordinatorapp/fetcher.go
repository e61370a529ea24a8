package coordinatorapp

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"relaycore/internal/config"
	"relaycore/internal/resilience"
)

// httpFetcher implements tasks.AttachmentFetcher over plain HTTP(S),
// bounding the response body to the configured attachment size cap. Fetch
// attempts are retried on transient failures and short-circuited by a
// breaker once the attachment source has failed repeatedly, so one flaky
// chat-service host can't stall every queued task behind its own
// AttachmentTransferBudget.
type httpFetcher struct {
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

func newHTTPFetcher() *httpFetcher {
	return &httpFetcher{
		client:  &http.Client{},
		breaker: resilience.NewCircuitBreaker("attachment-source", resilience.DefaultCircuitBreakerConfig()),
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	var data []byte
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
			fetched, err := f.fetchOnce(ctx, sourceURL)
			if err != nil {
				return err
			}
			data = fetched
			return nil
		})
	})
	return data, err
}

func (f *httpFetcher) fetchOnce(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinatorapp: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinatorapp: fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinatorapp: attachment fetch returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, config.AttachmentSizeCap+1))
	if err != nil {
		return nil, fmt.Errorf("coordinatorapp: read attachment body: %w", err)
	}
	if len(data) > config.AttachmentSizeCap {
		return nil, fmt.Errorf("coordinatorapp: attachment exceeds %d byte cap", config.AttachmentSizeCap)
	}
	return data, nil
}
