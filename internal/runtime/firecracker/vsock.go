package firecracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/octolab/octolab/internal/guest"
	"github.com/octolab/octolab/internal/observability"
)

const defaultVsockTimeout = 10 * time.Second

// vsockClient talks to the guest agent through firecracker's vsock UDS
// multiplexer. Each request dials fresh: the UDS-backed connection is
// short-lived and a stale one fails in confusing ways.
type vsockClient struct {
	udsPath string
	port    uint32
	token   string
	timeout time.Duration
}

func newVsockClient(udsPath string, port uint32, token string, timeout time.Duration) *vsockClient {
	if port == 0 {
		port = guest.Port
	}
	if timeout <= 0 {
		timeout = defaultVsockTimeout
	}
	return &vsockClient{udsPath: udsPath, port: port, token: token, timeout: timeout}
}

// dial opens the UDS and performs firecracker's "CONNECT <port>" handshake.
func (c *vsockClient) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.udsPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock uds: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", c.port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock connect: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("vsock connect ack: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock connect refused: %s", strings.TrimSpace(line))
	}
	return conn, nil
}

func (c *vsockClient) roundTrip(ctx context.Context, req guest.Request) (json.RawMessage, error) {
	req.Token = c.token
	if tc := observability.ExtractTraceContext(ctx); tc.TraceParent != "" {
		req.Trace = &tc
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write agent request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	var resp guest.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, fmt.Errorf("agent returned failure without detail")
		}
		return nil, fmt.Errorf("agent %s: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *vsockClient) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, guest.Request{Op: guest.OpPing})
	return err
}

func (c *vsockClient) UploadProject(ctx context.Context, bundle []byte) error {
	_, err := c.roundTrip(ctx, guest.Request{Op: guest.OpUploadProject, Bundle: bundle})
	return err
}

func (c *vsockClient) ComposeUp(ctx context.Context) error {
	_, err := c.roundTrip(ctx, guest.Request{Op: guest.OpComposeUp})
	return err
}

func (c *vsockClient) ComposeDown(ctx context.Context) error {
	_, err := c.roundTrip(ctx, guest.Request{Op: guest.OpComposeDown})
	return err
}

func (c *vsockClient) Status(ctx context.Context) (*guest.StatusResult, error) {
	raw, err := c.roundTrip(ctx, guest.Request{Op: guest.OpStatus})
	if err != nil {
		return nil, err
	}
	var res guest.StatusResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode status result: %w", err)
	}
	return &res, nil
}
