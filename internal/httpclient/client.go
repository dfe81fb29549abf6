// Package httpclient implements the §6 HTTP client contract
// (submit/cancel_all/set_onerror) the protocol adapter drives
// operations through. It is a thin, cancellable wrapper over
// net/http: request submission, in-flight cancellation, and an
// error callback are the only things the state machine needs from
// the transport, per spec.md §1's "HTTP client itself" out-of-scope
// boundary.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Request describes one HTTP call a protocol Handler wants issued
// against a device endpoint.
type Request struct {
	Method string
	URI    string
	Body   []byte
	Header http.Header
}

// Callback receives the completed response (already read into
// memory) or the error that ended the attempt. Exactly one of err
// and resp/body is meaningful.
type Callback func(resp *http.Response, body []byte, err error)

// Client is the async HTTP submission contract spec.md §6 specifies.
// At most one request is ever in flight per Client at a time,
// matching the device invariant in spec.md §8.
type Client struct {
	http *http.Client
	log  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	onerror func(error)
}

// New creates a Client wrapping the given *http.Client (nil selects
// http.DefaultClient's transport with no timeout of its own — timeouts
// are the caller's responsibility via context).
func New(hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: hc, log: log}
}

// SetOnError installs the callback invoked when a request fails at
// the transport level (as opposed to succeeding with a non-2xx
// status, which is left to the protocol handler to interpret).
func (c *Client) SetOnError(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onerror = cb
}

// Submit issues req asynchronously and invokes cb on a background
// goroutine once it completes or is cancelled. Any previously
// in-flight request is implicitly superseded: callers are expected to
// honor the "at most one in-flight request per device" invariant by
// only calling Submit again after the previous callback fired.
func (c *Client) Submit(ctx context.Context, req Request, cb Callback) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		resp, body, err := c.do(ctx, req)

		c.mu.Lock()
		onerror := c.onerror
		c.mu.Unlock()

		if err != nil && ctx.Err() == nil && onerror != nil {
			onerror(err)
		}
		cb(resp, body, err)
	}()
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("httpclient: %s %s: %w", req.Method, req.URI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	c.log.Debug("http completed", "method", req.Method, "uri", req.URI, "status", resp.StatusCode, "bytes", len(body))
	return resp, body, nil
}

// CancelAll aborts any in-flight request. The pending callback still
// fires, with ctx.Err() as its error; callers distinguish a
// cancellation from a real transport error via context.Canceled.
func (c *Client) CancelAll() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
