package uds

import (
	"context"
	"fmt"
	"net"
	"time"
)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    2 * time.Minute,
	}
}

// SetTimeout bounds dial plus the whole exchange. Decision calls can wait
// on a model, so the default is generous.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to server at %s: %w\n"+
				"Is the server running? Start it with: phasegate serve",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// Call sends command and decodes a successful reply into out.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	resp, err := c.SendCommand(ctx, command, params)
	if err != nil {
		return err
	}
	return resp.Result(out)
}
