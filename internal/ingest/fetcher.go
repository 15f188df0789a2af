package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrFetch marks a failed statistics read. The reconciler treats it as
// "no information this tick".
var ErrFetch = errors.New("stats fetch failed")

// maxStatsBody bounds how much of the statistics document is read.
const maxStatsBody = 8 << 20

// Fetcher reads the raw statistics document over HTTP.
type Fetcher struct {
	url        string
	httpClient *http.Client
	maxBody    int64
	logger     *slog.Logger
}

// NewFetcher creates a fetcher for url. Each request is bounded by timeout.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxBody: maxStatsBody,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for oversized-document warnings.
func (f *Fetcher) WithLogger(logger *slog.Logger) *Fetcher {
	if logger != nil {
		f.logger = logger
	}
	return f
}

// URL returns the statistics endpoint.
func (f *Fetcher) URL() string {
	return f.url
}

// Fetch performs one GET of the statistics endpoint and returns the body.
// Every failure wraps ErrFetch.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: http request failed: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.maxBody))
		return "", fmt.Errorf("%w: http status %d", ErrFetch, resp.StatusCode)
	}

	// One byte past the limit tells a truncated document from an exact fit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if int64(len(body)) > f.maxBody {
		body = body[:f.maxBody]
		f.logger.Warn("stats_body_truncated",
			"url", f.url,
			"limit_bytes", f.maxBody,
		)
	}
	return string(body), nil
}
