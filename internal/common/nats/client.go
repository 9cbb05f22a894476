// Package nats wraps a nats.go connection with the publish surface the
// service uses.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 2 * time.Second

// Client publishes raw payloads to subjects.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to subject. The context bounds the flush so callers
// learn about a disconnected server instead of buffering silently.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return err
	}
	// FlushWithContext refuses contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	return c.conn.Drain()
}
