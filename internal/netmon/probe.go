package netmon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober measures reachability of the backend.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) {
	return f(ctx)
}

// HTTPProber issues a HEAD request against a health URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates an HTTPProber for url.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{}}
}

// Probe returns the round-trip latency. Server errors count as unreachable.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return latency, fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return latency, nil
}
