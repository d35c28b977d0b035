package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultMaxBytes caps a single response body.
	DefaultMaxBytes = 32 * 1024 * 1024

	defaultUserAgent = "imagecache/1.0"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTP fetches images with plain GET requests.
type HTTP struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// HTTPOption configures an HTTP fetcher.
type HTTPOption func(*HTTP)

// WithClient sets the underlying HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) {
		if ua != "" {
			h.userAgent = ua
		}
	}
}

// WithMaxBytes caps the accepted response size.
func WithMaxBytes(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewHTTP creates an HTTP fetcher. The default client has a 30s timeout.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: defaultUserAgent,
		maxBytes:  DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Fetch issues a GET for rawURL. Non-2xx responses are returned as
// *StatusError and bodies over the size limit are rejected.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "image/webp,image/png,image/jpeg,image/*;q=0.8")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", rawURL, h.maxBytes)
	}
	return data, nil
}
