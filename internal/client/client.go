// Package client is the synchronous caller library used by the CLI and
// MCP binaries: one framed request out, block until the matching response
// comes back, progress notifications surfaced through a callback.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groovelink/groovelink/internal/protocol/frame"
	"github.com/groovelink/groovelink/internal/protocol/rpc"
)

var (
	ErrClosed           = errors.New("client: connection closed")
	ErrIDMismatch       = errors.New("client: response id mismatch")
	ErrBatchShape       = errors.New("client: batch response shape mismatch")
	ErrDeadlineExceeded = errors.New("client: call deadline exceeded")
)

// Config carries connection settings. Zero values fall back to defaults.
type Config struct {
	Addr          string
	Timeout       time.Duration
	MaxFrameBytes uint32
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8418"
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = frame.DefaultLimits().MaxPayloadBytes
	}
	return c
}

// ProgressFunc observes interim progress during a deferred call.
type ProgressFunc func(rpc.ProgressParams)

// Client is a synchronous bridge client. One request is in flight at a
// time; concurrent callers serialize on the connection mutex.
type Client struct {
	cfg    Config
	conn   net.Conn
	codec  frame.Codec
	reader *bufio.Reader

	mu     sync.Mutex
	nextID atomic.Int64
	closed atomic.Bool
}

func Dial(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.Addr, err)
	}
	return &Client{
		cfg:    cfg,
		conn:   conn,
		codec:  frame.NewCodec(frame.RoleFramed, frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes}),
		reader: bufio.NewReader(conn),
	}, nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Call performs one immediate request and decodes the result into out
// (which may be nil to discard it).
func (c *Client) Call(method string, params, out any) error {
	return c.call(method, params, out, nil)
}

// CallDeferred performs one deferred request, invoking onProgress for each
// interim notification until the terminal result arrives.
func (c *Client) CallDeferred(method string, params, out any, onProgress ProgressFunc) error {
	return c.call(method, params, out, onProgress)
}

func (c *Client) call(method string, params, out any, onProgress ProgressFunc) error {
	if c.closed.Load() {
		return ErrClosed
	}
	id := c.nextID.Add(1)
	req, err := rpc.NewRequest(method, params, id)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(raw); err != nil {
		return err
	}
	resp, err := c.readUntilResponse(onProgress)
	if err != nil {
		return err
	}

	var gotID int64
	if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != id {
		return fmt.Errorf("%w: sent %d, got %s", ErrIDMismatch, id, resp.ID)
	}
	if resp.Err != nil {
		return resp.Err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// BatchCall is one slot of a batch request.
type BatchCall struct {
	Method string
	Params any
}

// Batch sends an ordered request array and returns the same-length,
// same-order response array.
func (c *Client) Batch(calls []BatchCall) ([]rpc.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBatchShape)
	}

	reqs := make([]rpc.Request, len(calls))
	ids := make([]int64, len(calls))
	for i, call := range calls {
		ids[i] = c.nextID.Add(1)
		req, err := rpc.NewRequest(call.Method, call.Params, ids[i])
		if err != nil {
			return nil, fmt.Errorf("client: encode batch[%d]: %w", i, err)
		}
		reqs[i] = req
	}
	raw, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("client: encode batch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(raw); err != nil {
		return nil, err
	}
	payload, err := c.read()
	if err != nil {
		return nil, err
	}
	var responses []rpc.Response
	if err := json.Unmarshal(payload, &responses); err != nil {
		return nil, fmt.Errorf("client: decode batch: %w", err)
	}
	if len(responses) != len(calls) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrBatchShape, len(calls), len(responses))
	}
	for i, resp := range responses {
		var gotID int64
		if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != ids[i] {
			return nil, fmt.Errorf("%w: slot %d id %s", ErrBatchShape, i, resp.ID)
		}
	}
	return responses, nil
}

func (c *Client) write(payload []byte) error {
	buf, err := c.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("client: encode frame: %w", err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) read() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	payload, err := c.codec.Read(c.reader)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("%w after %s", ErrDeadlineExceeded, c.cfg.Timeout)
		}
		return nil, fmt.Errorf("client: read: %w", err)
	}
	return payload, nil
}

// readUntilResponse consumes frames until a response arrives, feeding
// progress notifications to the callback along the way.
func (c *Client) readUntilResponse(onProgress ProgressFunc) (rpc.Response, error) {
	for {
		payload, err := c.read()
		if err != nil {
			return rpc.Response{}, err
		}
		in, err := rpc.ParseInbound(payload)
		if err != nil {
			return rpc.Response{}, fmt.Errorf("client: decode: %w", err)
		}
		if in.Response != nil {
			return *in.Response, nil
		}
		if in.Notification.Method != rpc.ProgressMethod {
			log.Debug().Str("method", in.Notification.Method).Msg("client ignoring notification")
			continue
		}
		var params rpc.ProgressParams
		if err := json.Unmarshal(in.Notification.Params, &params); err != nil {
			log.Warn().Err(err).Msg("client dropping malformed progress")
			continue
		}
		if onProgress != nil {
			onProgress(params)
		}
	}
}
