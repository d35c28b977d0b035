// Command imagecache resolves, fetches and caches scrap feed images sized for
// a rendering surface.
//
// Usage:
//
//	imagecache transform -url URL -w 100 -h 100 [-scale 2] [-mode fill]
//	imagecache fetch -out DIR [-w 100 -h 100 -scale 2 -mode fill] URL...
//	imagecache prefetch -manifest images.yaml
//	imagecache serve
//
// Cache limits, timeouts and logging come from IMAGECACHE_* environment
// variables (a .env file is honoured).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/morningradio/imagecache/pkg/config"
	"github.com/morningradio/imagecache/pkg/fetch"
	"github.com/morningradio/imagecache/pkg/imagecache"
	"github.com/morningradio/imagecache/pkg/inflight"
	"github.com/morningradio/imagecache/pkg/metrics"
	"github.com/morningradio/imagecache/pkg/transform"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "transform":
		err = runTransform(cfg, args)
	case "fetch":
		err = runFetch(ctx, cfg, logger, args)
	case "prefetch":
		err = runPrefetch(ctx, cfg, logger, args)
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: imagecache <transform|fetch|prefetch|serve> [flags]")
}

func newLogger(cfg config.Config) *slog.Logger {
	// Validated by config.Load.
	level, _ := config.ParseLevel(cfg.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newCache wires a cache from configuration. The returned tracker records
// load, fetch and decode latencies.
func newCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (*imagecache.Cache, *metrics.LatencyTracker, error) {
	web := fetch.NewHTTP(
		fetch.WithClient(&http.Client{Timeout: cfg.FetchTimeout}),
		fetch.WithUserAgent(cfg.UserAgent),
	)
	mux := fetch.NewMux().Handle(web, "http", "https")
	if cfg.AWSRegion != "" {
		bucket, err := fetch.NewS3FromConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, nil, err
		}
		mux.Handle(bucket, "s3")
	}

	var fetcher fetch.Fetcher = mux
	if cfg.Debug {
		fetcher = fetch.NewDebug(fetcher, logger)
	}

	var group inflight.Group = inflight.NewTable()
	if !cfg.Dedup {
		group = inflight.NewPassthrough()
	}

	latency := metrics.NewLatencyTracker(0.01)
	cache, err := imagecache.New(imagecache.Options{
		Fetcher:             fetcher,
		Group:               group,
		MaxEntries:          cfg.MaxEntries,
		MaxCostBytes:        cfg.MaxCostBytes,
		FetchTimeout:        cfg.FetchTimeout,
		DefaultScale:        cfg.DeviceScale,
		PrefetchConcurrency: cfg.PrefetchConcurrency,
		Logger:              logger,
		Latency:             latency,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache, latency, nil
}

// specFlags registers the render spec flags shared by several commands.
type specFlags struct {
	width, height, scale float64
	mode                 string
}

func (s *specFlags) register(fs *flag.FlagSet, cfg config.Config) {
	fs.Float64Var(&s.width, "w", 100, "target width in points")
	fs.Float64Var(&s.height, "h", 100, "target height in points")
	fs.Float64Var(&s.scale, "scale", cfg.DeviceScale, "device pixel scale")
	fs.StringVar(&s.mode, "mode", string(transform.CropFill), "crop mode: fill, crop, scale, fit, limit, thumb, face")
}

func (s *specFlags) spec() (transform.RenderSpec, error) {
	mode, err := transform.ParseCropMode(s.mode)
	if err != nil {
		return transform.RenderSpec{}, err
	}
	return transform.RenderSpec{Width: s.width, Height: s.height, Scale: s.scale, Mode: mode}, nil
}

func runTransform(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)
	var sf specFlags
	sf.register(fs, cfg)
	rawURL := fs.String("url", "", "source image URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	spec, err := sf.spec()
	if err != nil {
		return err
	}

	out, err := transform.Transform(*rawURL, spec)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	cache, latency, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := NewCacheServer(cache, os.Stdin, os.Stdout)
	err = server.Run(ctx)
	logStats(logger, cache, latency)
	return err
}

func logStats(logger *slog.Logger, cache *imagecache.Cache, latency *metrics.LatencyTracker) {
	stats := cache.Stats()
	logger.Info("image cache stats",
		"entries", stats.Entries,
		"costBytes", stats.CostBytes,
		"hits", stats.Hits,
		"misses", stats.Misses,
		"fetches", stats.Fetches,
		"sharedWaits", stats.SharedWaits,
		"evictions", stats.Evictions,
		"failures", stats.Failures,
		"hitRatio", stats.HitRatio())
	for _, s := range latency.GetAllStats() {
		fmt.Fprintln(os.Stderr, s.String())
	}
}
