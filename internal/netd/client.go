package netd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/observability"
)

// DefaultClientTimeout bounds one round trip to the daemon.
const DefaultClientTimeout = 5 * time.Second

// Client talks to the daemon over its UNIX socket. One connection per
// request; the daemon closes after responding.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// OpError is a structured daemon-side failure.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("netd %s: %s", e.Code, e.Message)
}

func (c *Client) roundTrip(ctx context.Context, req Request) (json.RawMessage, error) {
	if tc := observability.ExtractTraceContext(ctx); tc.TraceParent != "" {
		req.Trace = &tc
	}
	result, err := c.doRoundTrip(ctx, req)
	metrics.Global().RecordNetdRequest(req.Op, err == nil)
	return result, err
}

func (c *Client) doRoundTrip(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial netd at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode netd request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write netd request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read netd response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode netd response: %w", err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, &OpError{Code: CodeInternal, Message: "daemon returned failure without detail"}
		}
		return nil, &OpError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Ping verifies the daemon is reachable and returns its version.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	raw, err := c.roundTrip(ctx, Request{Op: OpPing})
	if err != nil {
		return nil, err
	}
	var res PingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode ping result: %w", err)
	}
	return &res, nil
}

// Create asks the daemon to set up the lab's bridge, tap, and NAT. Safe to
// retry; the daemon is idempotent.
func (c *Client) Create(ctx context.Context, labID string) (*CreateResult, error) {
	raw, err := c.roundTrip(ctx, Request{Op: OpCreate, LabID: labID})
	if err != nil {
		return nil, err
	}
	var res CreateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode create result: %w", err)
	}
	return &res, nil
}

// Destroy removes the lab's network resources. Missing devices are not an
// error.
func (c *Client) Destroy(ctx context.Context, labID string) (*DestroyResult, error) {
	raw, err := c.roundTrip(ctx, Request{Op: OpDestroy, LabID: labID})
	if err != nil {
		return nil, err
	}
	var res DestroyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode destroy result: %w", err)
	}
	return &res, nil
}
