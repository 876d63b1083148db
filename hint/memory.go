package hint

import (
	"context"
	"errors"
	"sync"
)

// errTransient is returned by MemoryChannel for failures scheduled with FailNext.
var errTransient = errors.New("hint: transient delivery failure")

// Delivery is one hint accepted by a MemoryChannel.
type Delivery struct {
	Token string
	Hint  Hint
}

// MemoryChannel records hints in process. Tokens can be scripted to fail.
type MemoryChannel struct {
	mu       sync.Mutex
	sent     []Delivery
	rejected map[string]bool
	failures map[string]int
	closed   bool
}

// NewMemory creates an empty recorder.
func NewMemory() *MemoryChannel {
	return &MemoryChannel{
		rejected: make(map[string]bool),
		failures: make(map[string]int),
	}
}

// Name returns the backend name.
func (m *MemoryChannel) Name() string { return BackendMemory }

// Send records h for token.
func (m *MemoryChannel) Send(ctx context.Context, token string, h Hint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.rejected[token] {
		return ErrTokenRejected
	}
	if m.failures[token] != 0 {
		if m.failures[token] > 0 {
			m.failures[token]--
		}
		return errTransient
	}
	m.sent = append(m.sent, Delivery{Token: token, Hint: h})
	return nil
}

// Reject makes every future send to token fail permanently.
func (m *MemoryChannel) Reject(token string) {
	m.mu.Lock()
	m.rejected[token] = true
	m.mu.Unlock()
}

// FailNext makes the next n sends to token fail transiently. A negative n fails forever.
func (m *MemoryChannel) FailNext(token string, n int) {
	m.mu.Lock()
	m.failures[token] = n
	m.mu.Unlock()
}

// Sent returns a snapshot of recorded deliveries.
func (m *MemoryChannel) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}

// Close stops accepting hints.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
