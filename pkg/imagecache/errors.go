package imagecache

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/jmgilman/go/errors"

	"github.com/morningradio/imagecache/pkg/transform"
)

// CodeDecodeFailed identifies payloads that are not a decodable image.
const CodeDecodeFailed perrors.ErrorCode = "IMAGE_DECODE_FAILED"

// Error kinds returned by Load. Match them with errors.Is. Every error Load
// returns for these kinds is also a perrors.PlatformError, so
// perrors.IsRetryable tells transient network failures apart from
// permanent ones.
var (
	ErrEmptyURL          = errors.New("empty image url")
	ErrInvalidURL        = transform.ErrInvalidURL
	ErrInvalidDimensions = transform.ErrInvalidDimensions
	ErrNetwork           = errors.New("image fetch failed")
	ErrDecodeFailure     = errors.New("image decode failed")
)

func invalidInput(err error, rawURL string) error {
	return perrors.WrapWithContext(err, perrors.CodeInvalidInput, "invalid image request",
		map[string]interface{}{"url": rawURL})
}

func networkError(err error, resolved string) error {
	code := perrors.CodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = perrors.CodeTimeout
	}
	return perrors.WrapWithContext(fmt.Errorf("%w: %w", ErrNetwork, err), code, "fetch image",
		map[string]interface{}{"url": resolved})
}

func decodeError(err error, resolved string, size int) error {
	return perrors.WrapWithContext(fmt.Errorf("%w: %w", ErrDecodeFailure, err), CodeDecodeFailed, "decode image",
		map[string]interface{}{"url": resolved, "bytes": size})
}
