// Package hint defines the best-effort wake-up signal sent to participant devices and the
// interchangeable channels that carry it. A hint never carries the conversation id, the
// sender, or any content: only a one-way tag clients match locally.
package hint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ephemera/crypto"
)

// Version is the payload format version.
const Version = 1

// Kind tells the device why it was woken up.
type Kind string

const (
	// KindMessage announces new data in a conversation.
	KindMessage Kind = "message"
	// KindExpired announces that a conversation reached its TTL.
	KindExpired Kind = "expired"
	// KindDeleted announces that the owner deleted a conversation.
	KindDeleted Kind = "deleted"
)

const (
	// BackendNATS publishes hints over core NATS.
	BackendNATS = "nats"
	// BackendMemory records hints in process.
	BackendMemory = "memory"
	// BackendPoll sends nothing; every device polls.
	BackendPoll = "poll"
)

var (
	// ErrTokenRejected means the push provider permanently refused the token.
	ErrTokenRejected = errors.New("hint: token rejected")
	// ErrNoPush is returned by channels that never push.
	ErrNoPush = errors.New("hint: channel does not push")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hint: channel closed")
)

// Hint is the complete payload delivered to a device.
type Hint struct {
	Version int    `json:"v"`
	Kind    Kind   `json:"kind"`
	Tag     string `json:"h"`
}

// New builds the hint for conversationID.
func New(kind Kind, conversationID string) Hint {
	return Hint{
		Version: Version,
		Kind:    kind,
		Tag:     crypto.ConversationHint(conversationID),
	}
}

// Channel delivers hints to push tokens.
type Channel interface {
	Name() string
	Send(ctx context.Context, token string, h Hint) error
	Close() error
}

// Options selects and configures a channel backend.
type Options struct {
	Backend       string
	NATSURL       string
	SubjectPrefix string
}

// Open creates the channel named by opts.Backend.
func Open(opts Options) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendNATS:
		return DialNATS(opts.NATSURL, opts.SubjectPrefix)
	case BackendMemory:
		return NewMemory(), nil
	case BackendPoll, "":
		return Poll{}, nil
	default:
		return nil, fmt.Errorf("unknown hint backend %q", opts.Backend)
	}
}

// Poll is the channel used when devices rely on scheduled polling only.
type Poll struct{}

// Name returns the backend name.
func (Poll) Name() string { return BackendPoll }

// Send always returns ErrNoPush.
func (Poll) Send(context.Context, string, Hint) error { return ErrNoPush }

// Close is a no-op.
func (Poll) Close() error { return nil }
