// Package decode turns fetched image payloads into decoded images.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	// Formats a CDN may answer with when asked for f_auto, plus the common
	// formats origin servers return.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmpty is returned for zero-length payloads.
var ErrEmpty = errors.New("empty image payload")

// Decoded is a decoded image together with its format name.
type Decoded struct {
	Image  image.Image
	Format string
}

// Decode decodes data as any registered image format.
func Decode(data []byte) (Decoded, error) {
	if len(data) == 0 {
		return Decoded{}, ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Decoded{}, fmt.Errorf("failed to decode %d bytes: %w", len(data), err)
	}
	return Decoded{Image: img, Format: format}, nil
}

// Sniff reads only the image header from r and reports its format and
// dimensions.
func Sniff(r io.Reader) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return format, cfg.Width, cfg.Height, nil
}
