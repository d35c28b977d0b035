package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/morningradio/imagecache/pkg/config"
	"github.com/morningradio/imagecache/pkg/imagecache"
	"github.com/morningradio/imagecache/pkg/transform"
)

// runFetch loads each URL through the cache and exports it to a directory.
func runFetch(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var sf specFlags
	sf.register(fs, cfg)
	outDir := fs.String("out", "", "directory to export images into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return errors.New("-out is required")
	}
	spec, err := sf.spec()
	if err != nil {
		return err
	}

	cache, latency, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	export, err := openExportDir(*outDir, logger)
	if err != nil {
		return err
	}
	defer export.close()

	paths, failed := exportAll(ctx, cache, export, fs.Args(), spec, cfg.PrefetchConcurrency, logger)
	for i, u := range fs.Args() {
		if paths[i] != "" {
			fmt.Printf("%s\t%s\n", u, paths[i])
		}
	}
	logStats(logger, cache, latency)
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(fs.Args()))
	}
	return nil
}

// exportAll loads and exports urls with bounded concurrency. It returns the
// exported path per URL ("" on failure) and the failure count. Images that
// already have an export are not fetched again.
func exportAll(ctx context.Context, cache *imagecache.Cache, export *exportDir, urls []string,
	spec transform.RenderSpec, concurrency int, logger *slog.Logger) ([]string, int) {
	paths := make([]string, len(urls))
	var (
		mu     sync.Mutex
		failed int
	)
	fail := func() {
		mu.Lock()
		failed++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, u := range urls {
		g.Go(func() error {
			if spec.Scale > 0 {
				if key, err := imagecache.KeyFor(u, spec); err == nil {
					if existing := export.check(key); existing != "" {
						paths[i] = existing
						return nil
					}
				}
			}

			img, err := cache.Load(ctx, u, spec)
			if err != nil {
				logger.Warn("failed to load image", "url", u, "error", err)
				fail()
				return nil
			}
			path, err := export.write(ctx, img)
			if err != nil {
				logger.Warn("failed to export image", "url", u, "error", err)
				fail()
				return nil
			}
			paths[i] = path
			return nil
		})
	}
	g.Wait()
	return paths, failed
}

// manifest lists images to warm, e.g.
//
//	defaults: {width: 375, height: 200, scale: 3, mode: fill}
//	images:
//	  - url: https://res.cloudinary.com/acme/image/upload/abc.jpg
//	  - url: https://res.cloudinary.com/acme/image/upload/def.jpg
//	    mode: face
type manifest struct {
	Defaults manifestSpec    `yaml:"defaults"`
	Images   []manifestImage `yaml:"images"`
}

type manifestSpec struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
	Scale  float64 `yaml:"scale"`
	Mode   string  `yaml:"mode"`
}

type manifestImage struct {
	URL          string `yaml:"url"`
	manifestSpec `yaml:",inline"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// batches groups manifest URLs by their effective render spec.
func (m *manifest) batches() (map[transform.RenderSpec][]string, error) {
	out := make(map[transform.RenderSpec][]string)
	for _, img := range m.Images {
		s := m.Defaults
		if img.Width != 0 {
			s.Width = img.Width
		}
		if img.Height != 0 {
			s.Height = img.Height
		}
		if img.Scale != 0 {
			s.Scale = img.Scale
		}
		if img.Mode != "" {
			s.Mode = img.Mode
		}
		mode, err := transform.ParseCropMode(s.Mode)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", img.URL, err)
		}
		spec := transform.RenderSpec{Width: s.Width, Height: s.Height, Scale: s.Scale, Mode: mode}
		out[spec] = append(out[spec], img.URL)
	}
	return out, nil
}

func runPrefetch(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("prefetch", flag.ContinueOnError)
	path := fs.String("manifest", "", "YAML manifest of images to warm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("-manifest is required")
	}

	m, err := loadManifest(*path)
	if err != nil {
		return err
	}
	batches, err := m.batches()
	if err != nil {
		return err
	}

	cache, latency, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}

	total, loaded := 0, 0
	for spec, urls := range batches {
		total += len(urls)
		loaded += cache.PrefetchAll(ctx, urls, spec)
	}
	logger.Info("prefetch finished", "images", total, "loaded", loaded)
	logStats(logger, cache, latency)
	return nil
}
