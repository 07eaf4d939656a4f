// Package resolver implements the outbound lookups used to enrich sessions:
// geolocation by IP address and current weather by coordinate.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 1 << 20
)

// httpDoer is satisfied by *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// endpoint holds what both resolvers share: a base URL, a bounded per-call
// timeout and a token bucket for the provider's request quota.
type endpoint struct {
	baseURL    string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient httpDoer
}

func newEndpoint(baseURL string, timeout time.Duration, ratePerMinute int, client httpDoer) endpoint {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(ratePerMinute))
	}
	return endpoint{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: client,
	}
}

// getJSON waits for a rate limiter token under ctx, then performs a GET under
// the endpoint timeout and decodes a 2xx JSON body into out. Queueing for a
// token does not count against the request timeout.
func (e endpoint) getJSON(ctx context.Context, url string, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
