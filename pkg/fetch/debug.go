package fetch

import (
	"context"
	"log/slog"
	"time"
)

// Debug wraps any Fetcher and adds debug logging.
// This allows any origin implementation to have debug logging without
// coupling the logging to the transport.
type Debug struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing fetcher.
func NewDebug(fetcher Fetcher, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Fetch retrieves an image with debug logging.
func (d *Debug) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	d.logger.DebugContext(ctx, "fetch start", "url", rawURL)

	start := time.Now()
	data, err := d.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		d.logger.DebugContext(ctx, "fetch failed",
			"url", rawURL,
			"duration", time.Since(start),
			"error", err)
		return data, err
	}

	d.logger.DebugContext(ctx, "fetch done",
		"url", rawURL,
		"bytes", len(data),
		"duration", time.Since(start))
	return data, nil
}
