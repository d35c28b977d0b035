package imagecache

import (
	"image"

	"github.com/morningradio/imagecache/pkg/transform"
)

// Key identifies one cache slot. Width and Height are device pixels, so the
// render scale is already folded in; Mode is part of the key so two surfaces
// asking for different crops of the same URL never share a slot.
type Key struct {
	URL    string
	Width  int
	Height int
	Mode   transform.CropMode
}

// KeyFor derives the cache key for rawURL rendered at spec. spec must already
// carry a scale.
func KeyFor(rawURL string, spec transform.RenderSpec) (Key, error) {
	w, h, err := spec.PixelSize()
	if err != nil {
		return Key{}, err
	}
	return Key{URL: rawURL, Width: w, Height: h, Mode: spec.Mode.OrDefault()}, nil
}

// Image is a decoded image held by the cache. It is shared by every caller
// that loads the same key and must be treated as read-only; Bytes returns a
// private copy of the encoded payload.
type Image struct {
	key      Key
	resolved string
	format   string
	decoded  image.Image
	data     []byte
}

// Key returns the cache key the image is stored under.
func (i *Image) Key() Key { return i.key }

// ResolvedURL returns the URL the bytes were fetched from.
func (i *Image) ResolvedURL() string { return i.resolved }

// Format returns the decoder name, e.g. "jpeg" or "webp".
func (i *Image) Format() string { return i.format }

// Decoded returns the decoded pixels. Callers must not modify them.
func (i *Image) Decoded() image.Image { return i.decoded }

// Width and Height return the decoded pixel dimensions, which may differ
// from the requested ones when the origin ignores resize parameters.
func (i *Image) Width() int  { return i.decoded.Bounds().Dx() }
func (i *Image) Height() int { return i.decoded.Bounds().Dy() }

// Cost is the number of encoded bytes, used as the eviction cost.
func (i *Image) Cost() int64 { return int64(len(i.data)) }

// Bytes returns a copy of the encoded payload.
func (i *Image) Bytes() []byte {
	out := make([]byte, len(i.data))
	copy(out, i.data)
	return out
}
