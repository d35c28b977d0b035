package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	perrors "github.com/jmgilman/go/errors"

	"github.com/morningradio/imagecache/pkg/imagecache"
	"github.com/morningradio/imagecache/pkg/transform"
)

// Cmd represents a protocol command type.
type Cmd string

const (
	CmdLoad      = Cmd("load")
	CmdPrefetch  = Cmd("prefetch")
	CmdTransform = Cmd("transform")
	CmdClear     = Cmd("clear")
	CmdStats     = Cmd("stats")
	CmdClose     = Cmd("close")
)

// Request represents one request line from a client process.
type Request struct {
	ID      int64
	Command Cmd
	URL     string  `json:",omitempty"`
	Width   float64 `json:",omitempty"`
	Height  float64 `json:",omitempty"`
	Scale   float64 `json:",omitempty"`
	Mode    string  `json:",omitempty"`
	// WantBody asks for the encoded image bytes in the response.
	WantBody bool `json:",omitempty"`
}

// Response represents one response line. Body is base64 encoded by
// encoding/json.
type Response struct {
	ID            int64             `json:",omitempty"`
	Err           string            `json:",omitempty"`
	ErrCode       string            `json:",omitempty"`
	Retryable     bool              `json:",omitempty"`
	KnownCommands []Cmd             `json:",omitempty"`
	ResolvedURL   string            `json:",omitempty"`
	Format        string            `json:",omitempty"`
	Width         int               `json:",omitempty"`
	Height        int               `json:",omitempty"`
	Size          int64             `json:",omitempty"`
	Body          []byte            `json:",omitempty"`
	Stats         *imagecache.Stats `json:",omitempty"`
}

// CacheServer serves one shared image cache to a client process over a
// line-delimited JSON protocol on a reader/writer pair.
type CacheServer struct {
	cache   *imagecache.Cache
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// NewCacheServer creates a new server instance.
func NewCacheServer(cache *imagecache.Cache, in io.Reader, out io.Writer) *CacheServer {
	scanner := bufio.NewScanner(in)
	// Requests are small; 1MB leaves room for very long URLs.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &CacheServer{
		cache:   cache,
		scanner: scanner,
		writer:  bufio.NewWriter(out),
	}
}

// SendResponse writes one response line.
func (cs *CacheServer) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := cs.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := cs.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return cs.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (cs *CacheServer) SendInitialResponse() error {
	return cs.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdLoad, CmdPrefetch, CmdTransform, CmdClear, CmdStats, CmdClose},
	})
}

// ReadRequest reads the next non-empty request line.
func (cs *CacheServer) ReadRequest() (*Request, error) {
	var line string
	for {
		if !cs.scanner.Scan() {
			if err := cs.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = cs.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

func (req *Request) renderSpec() (transform.RenderSpec, error) {
	mode, err := transform.ParseCropMode(req.Mode)
	if err != nil {
		return transform.RenderSpec{}, err
	}
	return transform.RenderSpec{Width: req.Width, Height: req.Height, Scale: req.Scale, Mode: mode}, nil
}

// HandleRequest processes a single request and sends a response.
func (cs *CacheServer) HandleRequest(ctx context.Context, req *Request) error {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdLoad, CmdPrefetch, CmdTransform:
		spec, err := req.renderSpec()
		if err != nil {
			setError(&resp, err)
			break
		}
		switch req.Command {
		case CmdLoad:
			img, err := cs.cache.Load(ctx, req.URL, spec)
			if err != nil {
				setError(&resp, err)
				break
			}
			resp.ResolvedURL = img.ResolvedURL()
			resp.Format = img.Format()
			resp.Width = img.Width()
			resp.Height = img.Height()
			resp.Size = img.Cost()
			if req.WantBody {
				resp.Body = img.Bytes()
			}
		case CmdPrefetch:
			// Fire and forget; the client only learns it was accepted.
			cs.cache.Prefetch(req.URL, spec)
		case CmdTransform:
			resolved, err := cs.cache.OptimizedURL(req.URL, spec)
			if err != nil {
				setError(&resp, err)
				break
			}
			resp.ResolvedURL = resolved
		}

	case CmdClear:
		cs.cache.ClearCache()

	case CmdStats:
		stats := cs.cache.Stats()
		resp.Stats = &stats

	case CmdClose:
		// Will exit after sending response

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return cs.SendResponse(resp)
}

func setError(resp *Response, err error) {
	resp.Err = err.Error()
	if code := perrors.GetCode(err); code != perrors.CodeUnknown {
		resp.ErrCode = string(code)
	}
	resp.Retryable = perrors.IsRetryable(err)
}

// Run processes requests until EOF or a close command.
func (cs *CacheServer) Run(ctx context.Context) error {
	if err := cs.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := cs.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := cs.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		// Exit after close command
		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
