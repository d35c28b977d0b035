package imagecache

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/morningradio/imagecache/pkg/transform"
)

// Prefetch loads rawURL in the background so a later Load hits the cache.
// Failures are logged and otherwise ignored. The returned function abandons
// interest; a fetch already in flight still completes and is cached.
func (c *Cache) Prefetch(rawURL string, spec transform.RenderSpec) context.CancelFunc {
	if rawURL == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		if _, err := c.Load(ctx, rawURL, spec); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("prefetch failed", "url", rawURL, "error", err)
		}
	}()
	return cancel
}

// PrefetchAll loads every non-empty URL with bounded concurrency and waits
// for them. Failures are logged, never returned. It reports how many images
// ended up loaded.
func (c *Cache) PrefetchAll(ctx context.Context, urls []string, spec transform.RenderSpec) int {
	var loaded atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.prefetchLimit)

	for _, u := range urls {
		if u == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := c.Load(ctx, u, spec); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn("prefetch failed", "url", u, "error", err)
				}
				return nil
			}
			loaded.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(loaded.Load())
}
