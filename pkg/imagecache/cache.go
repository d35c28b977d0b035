// Package imagecache loads remote images sized for a rendering surface.
//
// A Cache rewrites CDN URLs to request a server-side resized variant, lets
// concurrent loads of the same resolved URL share one fetch, and keeps decoded
// images in a bounded in-memory LRU. Construct one Cache at startup and pass
// it to every consumer.
package imagecache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morningradio/imagecache/pkg/decode"
	"github.com/morningradio/imagecache/pkg/fetch"
	"github.com/morningradio/imagecache/pkg/inflight"
	"github.com/morningradio/imagecache/pkg/lru"
	"github.com/morningradio/imagecache/pkg/metrics"
	"github.com/morningradio/imagecache/pkg/transform"
)

const (
	DefaultFetchTimeout        = 30 * time.Second
	DefaultScale               = 2.0
	DefaultPrefetchConcurrency = 4
)

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	// Fetcher retrieves resolved URLs. Defaults to fetch.NewHTTP().
	Fetcher fetch.Fetcher
	// Group coalesces concurrent fetches. Defaults to inflight.NewTable().
	Group inflight.Group

	MaxEntries   int
	MaxCostBytes int64

	// FetchTimeout bounds each shared fetch, including decoding.
	FetchTimeout time.Duration
	// DefaultScale applies to render specs with no scale of their own.
	DefaultScale float64
	// PrefetchConcurrency bounds PrefetchAll.
	PrefetchConcurrency int

	Logger  *slog.Logger
	Latency *metrics.LatencyTracker
}

// Cache is safe for concurrent use.
type Cache struct {
	fetcher fetch.Fetcher
	group   inflight.Group
	images  *lru.Cache[Key, *Image]

	timeout       time.Duration
	scale         float64
	prefetchLimit int

	logger   *slog.Logger
	latency  *metrics.LatencyTracker
	counters metrics.Counters
}

// New creates a Cache.
func New(opts Options) (*Cache, error) {
	c := &Cache{
		fetcher:       opts.Fetcher,
		group:         opts.Group,
		timeout:       opts.FetchTimeout,
		scale:         opts.DefaultScale,
		prefetchLimit: opts.PrefetchConcurrency,
		logger:        opts.Logger,
		latency:       opts.Latency,
	}
	if c.fetcher == nil {
		c.fetcher = fetch.NewHTTP()
	}
	if c.group == nil {
		c.group = inflight.NewTable()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultFetchTimeout
	}
	if c.scale <= 0 {
		c.scale = DefaultScale
	}
	if c.prefetchLimit <= 0 {
		c.prefetchLimit = DefaultPrefetchConcurrency
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	maxEntries, maxCost := opts.MaxEntries, opts.MaxCostBytes
	if maxEntries <= 0 {
		maxEntries = lru.DefaultMaxEntries
	}
	if maxCost <= 0 {
		maxCost = lru.DefaultMaxCost
	}
	images, err := lru.New[Key, *Image](maxEntries, maxCost, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	c.images = images
	return c, nil
}

// Load returns the image at rawURL rendered for spec. A cached image is
// returned without any transform or network work. Otherwise the URL is
// resolved through the CDN transformer and fetched, sharing the fetch with
// any concurrent Load of the same resolved URL, then decoded and cached.
//
// If ctx ends first, Load returns ctx.Err() but the shared fetch carries on
// and still fills the cache.
func (c *Cache) Load(ctx context.Context, rawURL string, spec transform.RenderSpec) (*Image, error) {
	start := time.Now()
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	spec = c.normalize(spec)
	key, err := KeyFor(rawURL, spec)
	if err != nil {
		c.counters.Failures.Add(1)
		return nil, invalidInput(err, rawURL)
	}

	if img, ok := c.images.Get(key); ok {
		c.counters.Hits.Add(1)
		c.latency.Since(metrics.OpHit, start)
		c.logger.DebugContext(ctx, "image cache hit", "url", rawURL, "width", key.Width, "height", key.Height)
		return img, nil
	}
	c.counters.Misses.Add(1)

	resolved, err := transform.Transform(rawURL, spec)
	if err != nil {
		c.counters.Failures.Add(1)
		return nil, invalidInput(err, rawURL)
	}

	v, shared, err := c.group.Do(ctx, resolved, func(runCtx context.Context) (interface{}, error) {
		return c.fill(runCtx, key, resolved)
	})
	if shared {
		c.counters.SharedWaits.Add(1)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return nil, fmt.Errorf("load %s abandoned: %w", rawURL, err)
		}
		c.counters.Failures.Add(1)
		return nil, err
	}

	img := v.(*Image)
	if img.key != key {
		// A different key resolved to the same URL (e.g. an un-optimized
		// host requested at two sizes); give this key its own slot.
		clone := *img
		clone.key = key
		img = &clone
		c.store(ctx, img)
	}
	c.latency.Since(metrics.OpLoad, start)
	return img, nil
}

// fill runs once per resolved URL at a time, off every caller's goroutine.
func (c *Cache) fill(ctx context.Context, key Key, resolved string) (*Image, error) {
	// A run that completed between the caller's miss and joining the group
	// may already have stored the image.
	if img, ok := c.images.Get(key); ok {
		return img, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.counters.Fetches.Add(1)
	start := time.Now()
	data, err := c.fetcher.Fetch(ctx, resolved)
	c.latency.Since(metrics.OpFetch, start)
	if err != nil {
		c.logger.DebugContext(ctx, "image fetch failed", "resolvedURL", resolved, "error", err)
		return nil, networkError(err, resolved)
	}

	var d decode.Decoded
	err = c.latency.RecordFunc(metrics.OpDecode, func() (err error) {
		d, err = decode.Decode(data)
		return err
	})
	if err != nil {
		c.logger.DebugContext(ctx, "image decode failed", "resolvedURL", resolved, "bytes", len(data), "error", err)
		return nil, decodeError(err, resolved, len(data))
	}

	img := &Image{
		key:      key,
		resolved: resolved,
		format:   d.Format,
		decoded:  d.Image,
		data:     data,
	}
	c.store(ctx, img)
	return img, nil
}

func (c *Cache) store(ctx context.Context, img *Image) {
	if !c.images.Set(img.key, img, img.Cost()) {
		c.logger.DebugContext(ctx, "image exceeds cache budget, not cached",
			"url", img.key.URL,
			"bytes", img.Cost())
	}
}

func (c *Cache) evicted(key Key, img *Image, cost int64) {
	c.counters.Evictions.Add(1)
	c.logger.Debug("image evicted", "url", key.URL, "width", key.Width, "height", key.Height, "bytes", cost)
}

// normalize fills in the default scale and crop mode.
func (c *Cache) normalize(spec transform.RenderSpec) transform.RenderSpec {
	if spec.Scale == 0 {
		spec.Scale = c.scale
	}
	spec.Mode = spec.Mode.OrDefault()
	return spec
}

// OptimizedURL returns the URL Load would fetch for rawURL at spec, for
// callers that hand URLs to another loader.
func (c *Cache) OptimizedURL(rawURL string, spec transform.RenderSpec) (string, error) {
	out, err := transform.Transform(rawURL, c.normalize(spec))
	if err != nil {
		return "", invalidInput(err, rawURL)
	}
	return out, nil
}

// Cached reports whether an image for rawURL at spec is resident, without
// affecting its recency.
func (c *Cache) Cached(rawURL string, spec transform.RenderSpec) bool {
	key, err := KeyFor(rawURL, c.normalize(spec))
	if err != nil {
		return false
	}
	return c.images.Contains(key)
}

// ClearCache drops every cached image. Fetches in flight still complete and
// store their result.
func (c *Cache) ClearCache() {
	c.images.Clear()
	c.logger.Debug("image cache cleared")
}

// Stats is a snapshot of cache state.
type Stats struct {
	metrics.CounterSnapshot
	Entries      int             `json:"entries"`
	MaxEntries   int             `json:"maxEntries"`
	CostBytes    int64           `json:"costBytes"`
	MaxCostBytes int64           `json:"maxCostBytes"`
	InFlight     int             `json:"inFlight"`
	Latency      []metrics.Stats `json:"latency,omitempty"`
}

// Stats returns a point-in-time snapshot of the cache.
func (c *Cache) Stats() Stats {
	maxEntries, maxCost := c.images.Limits()
	return Stats{
		CounterSnapshot: c.counters.Snapshot(),
		Entries:         c.images.Len(),
		MaxEntries:      maxEntries,
		CostBytes:       c.images.Cost(),
		MaxCostBytes:    maxCost,
		InFlight:        c.group.InFlight(),
		Latency:         c.latency.GetAllStats(),
	}
}
