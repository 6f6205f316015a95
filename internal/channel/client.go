package channel

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/protocol"
)

// Client is the consumer end of a stream connection.
type Client struct {
	conn net.Conn
	r    *protocol.Reader
	w    *bufio.Writer
}

// Dial connects to the daemon's channel socket and introduces itself.
func Dial(ctx context.Context, path, name string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c, err := NewClient(conn, name)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient sends the hello frame on conn.
func NewClient(conn net.Conn, name string) (*Client, error) {
	c := newClient(conn)
	if err := c.send(protocol.HelloFrame(name)); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn) *Client {
	return &Client{conn: conn, r: protocol.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Receive blocks until the next event frame.
func (c *Client) Receive() (input.Event, error) {
	f, err := c.r.Next()
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case protocol.TypeKey:
		return f.Key, nil
	case protocol.TypeMotion:
		return f.Motion, nil
	default:
		return nil, fmt.Errorf("unexpected %s frame from daemon", f.Type)
	}
}

// Finish acknowledges the last event.
func (c *Client) Finish(handled bool) error {
	return c.send(protocol.FinishedFrame(handled))
}

func (c *Client) send(f *protocol.Frame) error {
	if err := protocol.EncodeFrame(c.w, f); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.conn.Close() }
