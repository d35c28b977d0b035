package imagecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morningradio/imagecache/pkg/fetch"
	"github.com/morningradio/imagecache/pkg/inflight"
	"github.com/morningradio/imagecache/pkg/metrics"
	"github.com/morningradio/imagecache/pkg/transform"
)

var size100 = transform.RenderSpec{Width: 100, Height: 100}

func pngBytes(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin serves a PNG for every URL unless told otherwise, and records
// each request.
type fakeOrigin struct {
	mu    sync.Mutex
	calls map[string]int
	order []string

	body func(url string) ([]byte, error)
	gate chan struct{}
}

func newFakeOrigin(t testing.TB) *fakeOrigin {
	img := pngBytes(t, 4, 3)
	return &fakeOrigin{
		calls: make(map[string]int),
		body:  func(string) ([]byte, error) { return img, nil },
	}
}

func (f *fakeOrigin) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	f.order = append(f.order, url)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.body(url)
}

func (f *fakeOrigin) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeOrigin) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func newCache(t testing.TB, opts Options) *Cache {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestLoadTwiceBackToBackIssuesOneGET(t *testing.T) {
	body := pngBytes(t, 8, 8)
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	c := newCache(t, Options{Fetcher: fetch.NewHTTP(fetch.WithClient(srv.Client()))})
	url := srv.URL + "/static/logo.png"

	first, err := c.Load(context.Background(), url, size100)
	require.NoError(t, err)
	second, err := c.Load(context.Background(), url, size100)
	require.NoError(t, err)

	assert.Equal(t, int32(1), gets.Load())
	assert.Same(t, first, second)
	assert.Equal(t, 8, first.Width())
	assert.Equal(t, "png", first.Format())
	assert.Equal(t, body, first.Bytes())
}

func TestConcurrentLoadsShareOneFetch(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	table := inflight.NewTable()
	c := newCache(t, Options{Fetcher: origin, Group: table})

	const n = 16
	url := "https://example.com/static/logo.png"
	var wg sync.WaitGroup
	images := make([]*Image, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			images[i], errs[i] = c.Load(context.Background(), url, size100)
		}(i)
	}

	require.Eventually(t, func() bool {
		return table.Waiters(url) == n && c.Stats().InFlight == 1
	}, 2*time.Second, time.Millisecond)
	close(origin.gate)
	wg.Wait()

	assert.Equal(t, 1, origin.total())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, images[0], images[i])
	}
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Equal(t, int64(n), stats.SharedWaits)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPassthroughGroupFetchesPerCaller(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	c := newCache(t, Options{Fetcher: origin, Group: inflight.NewPassthrough()})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), "https://example.com/a.png", size100)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return origin.total() == 3 }, 2*time.Second, time.Millisecond)
	close(origin.gate)
	wg.Wait()
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	origin := newFakeOrigin(t)
	latency := metrics.NewLatencyTracker(0.01)
	c := newCache(t, Options{Fetcher: origin, Latency: latency})
	url := "https://res.cloudinary.com/acme/image/upload/abc123.jpg"

	_, err := c.Load(context.Background(), url, size100)
	require.NoError(t, err)
	_, err = c.Load(context.Background(), url, size100)
	require.NoError(t, err)

	assert.Equal(t, 1, origin.total())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	hit, err := latency.GetStats(metrics.OpHit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hit.Count)
}

func TestLoadFetchesTransformedURL(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin})

	img, err := c.Load(context.Background(), "https://res.cloudinary.com/acme/image/upload/abc123.jpg",
		transform.RenderSpec{Width: 100, Height: 100, Scale: 2, Mode: transform.CropFill})
	require.NoError(t, err)

	want := "https://res.cloudinary.com/acme/image/upload/w_200,h_200,c_fill,q_80,f_auto/abc123.jpg"
	assert.Equal(t, 1, origin.count(want))
	assert.Equal(t, want, img.ResolvedURL())
	assert.Equal(t, Key{URL: "https://res.cloudinary.com/acme/image/upload/abc123.jpg", Width: 200, Height: 200, Mode: transform.CropFill}, img.Key())
}

func TestDifferentModesGetDifferentSlots(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin})
	url := "https://res.cloudinary.com/acme/image/upload/abc123.jpg"

	fill, err := c.Load(context.Background(), url, transform.RenderSpec{Width: 50, Height: 50})
	require.NoError(t, err)
	face, err := c.Load(context.Background(), url, transform.RenderSpec{Width: 50, Height: 50, Mode: transform.CropFace})
	require.NoError(t, err)

	assert.NotEqual(t, fill.ResolvedURL(), face.ResolvedURL())
	assert.Equal(t, 2, origin.total())
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestSameResolvedURLAtTwoSizesFillsBothSlots(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	table := inflight.NewTable()
	c := newCache(t, Options{Fetcher: origin, Group: table})
	url := "https://example.com/static/logo.png"
	small := transform.RenderSpec{Width: 20, Height: 20}

	var wg sync.WaitGroup
	for _, spec := range []transform.RenderSpec{size100, small} {
		wg.Add(1)
		go func(spec transform.RenderSpec) {
			defer wg.Done()
			_, err := c.Load(context.Background(), url, spec)
			assert.NoError(t, err)
		}(spec)
	}
	require.Eventually(t, func() bool { return table.Waiters(url) == 2 }, 2*time.Second, time.Millisecond)
	close(origin.gate)
	wg.Wait()

	assert.Equal(t, 1, origin.total())
	assert.True(t, c.Cached(url, size100))
	assert.True(t, c.Cached(url, small))
}

func TestFailureIsolationAndFreshRetry(t *testing.T) {
	origin := newFakeOrigin(t)
	good := origin.body
	var failX atomic.Bool
	failX.Store(true)
	origin.body = func(url string) ([]byte, error) {
		if strings.HasSuffix(url, "/x.png") && failX.Load() {
			return nil, errors.New("connection reset by peer")
		}
		return good(url)
	}
	c := newCache(t, Options{Fetcher: origin})
	x, y := "https://example.com/x.png", "https://example.com/y.png"

	_, err := c.Load(context.Background(), y, size100)
	require.NoError(t, err)

	_, err = c.Load(context.Background(), x, size100)
	require.ErrorIs(t, err, ErrNetwork)
	assert.True(t, perrors.IsRetryable(err))
	assert.Equal(t, perrors.CodeNetwork, perrors.GetCode(err))

	// y is untouched by x failing.
	assert.True(t, c.Cached(y, size100))
	_, err = c.Load(context.Background(), y, size100)
	require.NoError(t, err)
	assert.Equal(t, 1, origin.count(y))

	// The failure is not remembered.
	_, err = c.Load(context.Background(), x, size100)
	require.ErrorIs(t, err, ErrNetwork)
	failX.Store(false)
	_, err = c.Load(context.Background(), x, size100)
	require.NoError(t, err)
	assert.Equal(t, 3, origin.count(x))
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestFailureReachesEveryWaiter(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	origin.body = func(string) ([]byte, error) { return nil, errors.New("503") }
	table := inflight.NewTable()
	c := newCache(t, Options{Fetcher: origin, Group: table})
	url := "https://example.com/down.png"

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Load(context.Background(), url, size100)
		}(i)
	}
	require.Eventually(t, func() bool { return table.Waiters(url) == n }, 2*time.Second, time.Millisecond)
	close(origin.gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrNetwork)
	}
	assert.Equal(t, 1, origin.total())
	assert.Equal(t, int64(n), c.Stats().Failures)
}

func TestDecodeFailure(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.body = func(string) ([]byte, error) { return []byte("<html>502 Bad Gateway</html>"), nil }
	c := newCache(t, Options{Fetcher: origin})
	url := "https://example.com/broken.png"

	_, err := c.Load(context.Background(), url, size100)
	require.ErrorIs(t, err, ErrDecodeFailure)
	assert.False(t, perrors.IsRetryable(err))
	assert.Equal(t, CodeDecodeFailed, perrors.GetCode(err))
	assert.False(t, c.Cached(url, size100))

	_, err = c.Load(context.Background(), url, size100)
	require.ErrorIs(t, err, ErrDecodeFailure)
	assert.Equal(t, 2, origin.total())
}

func TestInvalidRequestsNeverFetch(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin})

	_, err := c.Load(context.Background(), "", size100)
	assert.ErrorIs(t, err, ErrEmptyURL)

	_, err = c.Load(context.Background(), "not a url", size100)
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(err))

	_, err = c.Load(context.Background(), "https://example.com/a.png", transform.RenderSpec{Width: 0, Height: 10})
	assert.ErrorIs(t, err, ErrInvalidDimensions)
	assert.False(t, perrors.IsRetryable(err))

	assert.Equal(t, 0, origin.total())
}

func TestFetchTimeout(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	defer close(origin.gate)
	c := newCache(t, Options{Fetcher: origin, FetchTimeout: 20 * time.Millisecond})

	_, err := c.Load(context.Background(), "https://example.com/slow.png", size100)
	require.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, perrors.CodeTimeout, perrors.GetCode(err))
	assert.True(t, perrors.IsRetryable(err))
}

func TestAbandonedLoadStillFillsCache(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.gate = make(chan struct{})
	c := newCache(t, Options{Fetcher: origin})
	url := "https://example.com/late.png"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, url, size100)
		done <- err
	}()
	require.Eventually(t, func() bool { return origin.total() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(origin.gate)
	require.Eventually(t, func() bool { return c.Cached(url, size100) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(0), c.Stats().Failures)
}

func TestEvictionBounds(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin, MaxEntries: 2})

	a, b, d := "https://example.com/a.png", "https://example.com/b.png", "https://example.com/c.png"
	for _, u := range []string{a, b} {
		_, err := c.Load(context.Background(), u, size100)
		require.NoError(t, err)
	}
	_, err := c.Load(context.Background(), a, size100)
	require.NoError(t, err)
	_, err = c.Load(context.Background(), d, size100)
	require.NoError(t, err)

	assert.True(t, c.Cached(a, size100))
	assert.False(t, c.Cached(b, size100))
	assert.True(t, c.Cached(d, size100))
	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2, stats.MaxEntries)
	assert.Equal(t, int64(50<<20), stats.MaxCostBytes)
	assert.Equal(t, int64(1), stats.Evictions)

	// b was evicted, so it is a full miss again.
	_, err = c.Load(context.Background(), b, size100)
	require.NoError(t, err)
	assert.Equal(t, 2, origin.count(b))
}

func TestCostBound(t *testing.T) {
	origin := newFakeOrigin(t)
	payload := pngBytes(t, 32, 32)
	origin.body = func(string) ([]byte, error) { return payload, nil }
	limit := int64(len(payload)*3 + 1)
	c := newCache(t, Options{Fetcher: origin, MaxCostBytes: limit})

	for i := 0; i < 10; i++ {
		_, err := c.Load(context.Background(), "https://example.com/"+string(rune('a'+i))+".png", size100)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Stats().CostBytes, limit)
	}
	assert.Equal(t, 3, c.Stats().Entries)
}

func TestClearCache(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin})
	url := "https://example.com/a.png"

	_, err := c.Load(context.Background(), url, size100)
	require.NoError(t, err)
	c.ClearCache()
	assert.False(t, c.Cached(url, size100))
	assert.Equal(t, 0, c.Stats().Entries)

	_, err = c.Load(context.Background(), url, size100)
	require.NoError(t, err)
	assert.Equal(t, 2, origin.total())
}

func TestDefaultScaleApplies(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin, DefaultScale: 3})

	out, err := c.OptimizedURL("https://res.cloudinary.com/acme/image/upload/abc.jpg", transform.RenderSpec{Width: 10, Height: 20})
	require.NoError(t, err)
	assert.Contains(t, out, "/image/upload/w_30,h_60,c_fill,q_80,f_auto/abc.jpg")

	_, err = c.OptimizedURL("::", size100)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestImageBytesAreCopied(t *testing.T) {
	origin := newFakeOrigin(t)
	c := newCache(t, Options{Fetcher: origin})

	img, err := c.Load(context.Background(), "https://example.com/a.png", size100)
	require.NoError(t, err)

	b := img.Bytes()
	b[0] ^= 0xff
	assert.NotEqual(t, b, img.Bytes())
	assert.Equal(t, int64(len(b)), img.Cost())
}

func BenchmarkLoadHit(b *testing.B) {
	origin := newFakeOrigin(b)
	c := newCache(b, Options{Fetcher: origin})
	url := "https://res.cloudinary.com/acme/image/upload/abc123.jpg"
	if _, err := c.Load(context.Background(), url, size100); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Load(context.Background(), url, size100)
	}
}
