package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/morningradio/imagecache/pkg/decode"
	"github.com/morningradio/imagecache/pkg/imagecache"
	"github.com/morningradio/imagecache/pkg/inflight"
)

// exportDir writes loaded images to a directory so other processes (widget
// timelines, share sheets) can read them without going through the cache.
// The whole directory is held under an exclusive file lock while open, and
// writes of the same key within this process are serialized.
type exportDir struct {
	dir    string // Absolute path to export directory
	lock   *flock.Flock
	writes *inflight.Table
	logger *slog.Logger
}

// exportMetadata describes an exported image.
type exportMetadata struct {
	SourceURL   string
	ResolvedURL string
	Format      string
	Width       int
	Height      int
	Size        int64
	WriteTime   time.Time
}

// openExportDir creates dir if needed and takes its lock. It fails rather
// than waits when another export holds the lock.
func openExportDir(dir string, logger *slog.Logger) (*exportDir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	lock := flock.New(filepath.Join(absDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock export directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("export directory %s is locked by another process", absDir)
	}

	return &exportDir{
		dir:    absDir,
		lock:   lock,
		writes: inflight.NewTable(),
		logger: logger,
	}, nil
}

func (e *exportDir) close() error {
	return e.lock.Unlock()
}

// write atomically stores img and its metadata sidecar. Returns the absolute
// path of the image file. Concurrent writes of the same key share one write.
func (e *exportDir) write(ctx context.Context, img *imagecache.Image) (string, error) {
	v, _, err := e.writes.Do(ctx, keyID(img.Key()), func(context.Context) (interface{}, error) {
		return e.writeLocked(img)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *exportDir) writeLocked(img *imagecache.Image) (string, error) {
	diskPath := e.imagePath(img.Key(), img.Format())
	if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create subdirectory: %w", err)
	}

	if err := writeAtomic(diskPath, img.Bytes()); err != nil {
		return "", err
	}

	meta := exportMetadata{
		SourceURL:   img.Key().URL,
		ResolvedURL: img.ResolvedURL(),
		Format:      img.Format(),
		Width:       img.Width(),
		Height:      img.Height(),
		Size:        img.Cost(),
		WriteTime:   time.Now(),
	}
	if err := e.writeMetadata(img.Key(), meta); err != nil {
		e.logger.Warn("failed to write export metadata",
			"url", img.Key().URL,
			"error", err)
		// Continue - image is exported, just missing metadata
	}
	return diskPath, nil
}

// writeAtomic writes to a uniquely named temp file and renames it into
// place, so readers never observe a partial image.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpPath, 0644)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeMetadata format: one "name:value" per line.
func (e *exportDir) writeMetadata(key imagecache.Key, meta exportMetadata) error {
	content := fmt.Sprintf("source:%s\nresolved:%s\nformat:%s\nwidth:%d\nheight:%d\nsize:%d\ntime:%d\n",
		meta.SourceURL,
		meta.ResolvedURL,
		meta.Format,
		meta.Width,
		meta.Height,
		meta.Size,
		meta.WriteTime.Unix())
	return writeAtomic(e.metadataPath(key), []byte(content))
}

// readMetadata reads the sidecar for key.
func (e *exportDir) readMetadata(key imagecache.Key) (*exportMetadata, error) {
	data, err := os.ReadFile(e.metadataPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta exportMetadata
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch name {
		case "source":
			meta.SourceURL = value
		case "resolved":
			meta.ResolvedURL = value
		case "format":
			meta.Format = value
		case "width":
			meta.Width, _ = strconv.Atoi(value)
		case "height":
			meta.Height, _ = strconv.Atoi(value)
		case "size":
			meta.Size, _ = strconv.ParseInt(value, 10, 64)
		case "time":
			unix, _ := strconv.ParseInt(value, 10, 64)
			meta.WriteTime = time.Unix(unix, 0)
		}
	}

	if meta.Format == "" || meta.SourceURL != key.URL {
		return nil, fmt.Errorf("metadata for %s is corrupted", key.URL)
	}
	return &meta, nil
}

// check returns the path of an existing export for key, or "" when there is
// none. Corrupted sidecars, and images whose header no longer matches their
// sidecar, are logged and treated as missing.
func (e *exportDir) check(key imagecache.Key) string {
	meta, err := e.readMetadata(key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("failed to read export metadata", "url", key.URL, "error", err)
		}
		return ""
	}

	diskPath := e.imagePath(key, meta.Format)
	f, err := os.Open(diskPath)
	if err != nil {
		e.logger.Warn("export metadata exists but image is missing", "url", key.URL, "path", diskPath)
		return ""
	}
	defer f.Close()

	format, width, height, err := decode.Sniff(f)
	if err != nil || format != meta.Format || width != meta.Width || height != meta.Height {
		e.logger.Warn("exported image does not match its metadata",
			"url", key.URL,
			"path", diskPath,
			"format", format,
			"width", width,
			"height", height,
			"error", err)
		return ""
	}
	return diskPath
}

// keyID hashes key into a stable file name.
func keyID(key imagecache.Key) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", key.URL, key.Width, key.Height, key.Mode)))
	return hex.EncodeToString(sum[:])
}

// imagePath shards files into 256 subdirectories by the first byte of the
// key hash.
func (e *exportDir) imagePath(key imagecache.Key, format string) string {
	id := keyID(key)
	return filepath.Join(e.dir, id[:2], id+"."+extension(format))
}

func (e *exportDir) metadataPath(key imagecache.Key) string {
	id := keyID(key)
	return filepath.Join(e.dir, id[:2], id+".meta")
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	}
	return format
}
