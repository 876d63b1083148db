package hint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubjectPrefix prefixes every device subject.
	DefaultSubjectPrefix = "ephemera.hint"

	flushTimeout = 5 * time.Second
)

// NATSChannel publishes each hint on <prefix>.<token> using core NATS.
// Devices subscribe to their own token subject.
type NATSChannel struct {
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a channel publishing under prefix.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSChannel, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, append([]nats.Option{
		nats.Name("ephemera-relay"),
		nats.MaxReconnects(-1),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSChannel(nc, prefix), nil
}

// NewNATSChannel wraps an existing connection.
func NewNATSChannel(nc *nats.Conn, prefix string) *NATSChannel {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSChannel{nc: nc, prefix: prefix}
}

// Name returns the backend name.
func (c *NATSChannel) Name() string { return BackendNATS }

// Subject returns the subject a token listens on.
func (c *NATSChannel) Subject(token string) string {
	return c.prefix + "." + token
}

// Send publishes h to the token subject and waits for the server to acknowledge the flush.
// A token that cannot form a valid subject is reported as rejected.
func (c *NATSChannel) Send(ctx context.Context, token string, h Hint) error {
	if !validSubjectToken(token) {
		return fmt.Errorf("%w: invalid subject token", ErrTokenRejected)
	}
	if c.nc == nil || c.nc.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal hint: %w", err)
	}

	if err := c.nc.Publish(c.Subject(token), data); err != nil {
		if errors.Is(err, nats.ErrBadSubject) {
			return fmt.Errorf("%w: %v", ErrTokenRejected, err)
		}
		return fmt.Errorf("publish hint: %w", err)
	}

	if _, ok := ctx.Deadline(); ok {
		err = c.nc.FlushWithContext(ctx)
	} else {
		err = c.nc.FlushTimeout(flushTimeout)
	}
	if err != nil {
		return fmt.Errorf("flush hint: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (c *NATSChannel) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	return c.nc.Drain()
}

func validSubjectToken(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		switch {
		case r == '.' || r == '*' || r == '>':
			return false
		case r <= ' ' || r == 0x7f:
			return false
		}
	}
	return true
}
