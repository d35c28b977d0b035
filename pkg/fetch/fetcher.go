// Package fetch retrieves raw image bytes from remote origins.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Fetcher defines the interface for origins that serve image bytes.
// Implementations can be swapped to use different transports.
//
// Implementations must be safe for concurrent use. Callers coalesce
// concurrent requests for the same URL, so an implementation never needs to
// deduplicate on its own.
type Fetcher interface {
	// Fetch retrieves the full body stored at rawURL.
	// A non-success response from the origin is an error.
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// ErrUnsupportedScheme is returned by Mux for URLs whose scheme has no
// registered Fetcher.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}

// Mux dispatches to a Fetcher by URL scheme.
type Mux struct {
	schemes map[string]Fetcher
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Fetcher)}
}

// Handle registers f for the given schemes.
func (m *Mux) Handle(f Fetcher, schemes ...string) *Mux {
	for _, s := range schemes {
		m.schemes[strings.ToLower(s)] = f
	}
	return m
}

// Fetch routes rawURL to the fetcher registered for its scheme.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	f, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f.Fetch(ctx, rawURL)
}
