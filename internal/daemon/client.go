package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"
)

// Client talks to a running daemon over its unix socket. Each call
// opens one connection; the protocol is one JSON request line answered
// by one JSON response line.
type Client struct {
	sockPath string
}

// NewClient returns a client for the daemon of the given state dir. No
// connection is made until a call.
func NewClient(stateDir string) *Client {
	return &Client{sockPath: filepath.Join(stateDir, SocketFile)}
}

// Status queries the running daemon.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.call(ctx, "status", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Flush asks the daemon to export pending state and reimport.
func (c *Client) Flush(ctx context.Context) error {
	return c.call(ctx, "flush", nil)
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, "stop", nil)
}

func (c *Client) call(ctx context.Context, op string, out interface{}) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.sockPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := json.NewEncoder(conn).Encode(request{Op: op}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", op, err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if !resp.OK {
		return fmt.Errorf("daemon %s failed: %s", op, resp.Error)
	}
	if out != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("malformed %s response: %w", op, err)
		}
	}
	return nil
}
