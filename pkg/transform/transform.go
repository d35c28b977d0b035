// Package transform rewrites image URLs into Cloudinary transformation URLs
// sized for a particular rendering surface.
package transform

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
)

const (
	// uploadMarker is the fixed path segment after which Cloudinary expects
	// transformation parameters.
	uploadMarker = "/image/upload/"

	defaultQuality = 80
	defaultFormat  = "auto"
)

var (
	// ErrInvalidURL is returned when the source URL cannot be parsed.
	ErrInvalidURL = errors.New("invalid image url")

	// ErrInvalidDimensions is returned when the render size or scale is not
	// positive, or rounds to less than one device pixel.
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// CropMode controls how the CDN reconciles the source aspect ratio with the
// requested dimensions.
type CropMode string

// Crop modes, named by their Cloudinary c_ parameter value.
const (
	CropFill  CropMode = "fill"  // cover the box, cropping overflow (default)
	CropCrop  CropMode = "crop"  // cut the box out of the original, no scaling
	CropScale CropMode = "scale" // stretch to the box, ignoring aspect ratio
	CropFit   CropMode = "fit"   // fit inside the box, keeping aspect ratio
	CropLimit CropMode = "limit" // like fit, but never upscale
	CropThumb CropMode = "thumb" // thumbnail around the detected subject
	CropFace  CropMode = "face"  // thumbnail centered on detected faces
)

var cropModes = []CropMode{CropFill, CropCrop, CropScale, CropFit, CropLimit, CropThumb, CropFace}

// ParseCropMode parses a crop mode name. An empty name yields CropFill.
func ParseCropMode(s string) (CropMode, error) {
	if s == "" {
		return CropFill, nil
	}
	for _, m := range cropModes {
		if string(m) == strings.ToLower(s) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown crop mode %q", s)
}

// OrDefault returns m, or CropFill when m is unset.
func (m CropMode) OrDefault() CropMode {
	if m == "" {
		return CropFill
	}
	return m
}

// RenderSpec describes the target a UI surface needs. Width and Height are in
// logical points; Scale is the device pixel ratio.
type RenderSpec struct {
	Width  float64
	Height float64
	Scale  float64
	Mode   CropMode
}

// PixelSize returns the rounded device pixel dimensions for s.
func (s RenderSpec) PixelSize() (width, height int, err error) {
	if s.Width <= 0 || s.Height <= 0 || s.Scale <= 0 ||
		math.IsNaN(s.Width) || math.IsNaN(s.Height) || math.IsNaN(s.Scale) {
		return 0, 0, fmt.Errorf("%w: %gx%g@%g", ErrInvalidDimensions, s.Width, s.Height, s.Scale)
	}
	width = int(math.Round(s.Width * s.Scale))
	height = int(math.Round(s.Height * s.Scale))
	if width < 1 || height < 1 {
		return 0, 0, fmt.Errorf("%w: %gx%g@%g rounds to %dx%d", ErrInvalidDimensions,
			s.Width, s.Height, s.Scale, width, height)
	}
	return width, height, nil
}

// Equal reports whether two specs describe the same device pixel target.
func (s RenderSpec) Equal(o RenderSpec) bool {
	w1, h1, err1 := s.PixelSize()
	w2, h2, err2 := o.PixelSize()
	if err1 != nil || err2 != nil {
		return false
	}
	return w1 == w2 && h1 == h2 && s.Scale == o.Scale && s.Mode.OrDefault() == o.Mode.OrDefault()
}

// Params returns the Cloudinary transformation segment for s, without
// a trailing slash, e.g. "w_200,h_200,c_fill,q_80,f_auto".
func (s RenderSpec) Params() (string, error) {
	w, h, err := s.PixelSize()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("w_%d,h_%d,c_%s,q_%d,f_%s", w, h, s.Mode.OrDefault(), defaultQuality, defaultFormat), nil
}

// Transform returns the URL of a server-side resized variant of rawURL. URLs
// that are not recognized as Cloudinary URLs are returned unchanged.
func Transform(rawURL string, spec RenderSpec) (string, error) {
	params, err := spec.Params()
	if err != nil {
		return "", err
	}

	u, err := parse(rawURL)
	if err != nil {
		return "", err
	}
	if !isTransformableHost(u.Hostname()) {
		return rawURL, nil
	}

	if strings.Contains(u.Path, uploadMarker) {
		if out, ok := insertParams(rawURL, params); ok {
			return out, nil
		}
	}

	tenant, ok := tenantOf(u)
	if !ok {
		return rawURL, nil
	}
	publicID := publicIDOf(u.Path)
	if publicID == "" {
		return rawURL, nil
	}
	return "https://res.cloudinary.com/" + tenant + uploadMarker + params + "/" + publicID, nil
}

// parse parses rawURL and requires it to be absolute.
func parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	return u, nil
}

// insertParams places params right after the first upload marker. A URL that
// already carries exactly these params there is returned as is.
func insertParams(rawURL, params string) (string, bool) {
	i := strings.Index(rawURL, uploadMarker)
	if i < 0 {
		return "", false
	}
	head, rest := rawURL[:i+len(uploadMarker)], rawURL[i+len(uploadMarker):]
	if strings.HasPrefix(rest, params+"/") {
		return rawURL, true
	}
	return head + params + "/" + rest, true
}

// isTransformableHost matches on the host only, so a Cloudinary URL carried
// in a query string does not make its page transformable.
func isTransformableHost(host string) bool {
	host = strings.ToLower(host)
	return strings.Contains(host, "cloudinary.com") || strings.Contains(host, "cloudinary.net")
}

// tenantOf extracts the cloud name from res.cloudinary.com/{tenant}/... or
// {tenant}.cloudinary.net/... URLs.
func tenantOf(u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "res.cloudinary.com":
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		// The tenant alone, with nothing after it, has no resource to serve.
		if len(segments) < 2 || segments[0] == "" {
			return "", false
		}
		return segments[0], true
	case strings.HasSuffix(host, ".cloudinary.net"):
		labels := strings.Split(strings.TrimSuffix(host, ".cloudinary.net"), ".")
		tenant := labels[len(labels)-1]
		return tenant, tenant != ""
	}
	return "", false
}

// publicIDOf returns the last path component stripped of its extension.
func publicIDOf(p string) string {
	base := path.Base(p)
	if base == "/" || base == "." {
		return ""
	}
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}
