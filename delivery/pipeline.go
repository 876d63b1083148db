// Package delivery accepts messages into durable storage and drives their status
// machine: PENDING -> SENT on persist, then SENT -> DELIVERED or SENT -> FAILED.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/models"
	"ephemera/storage"
)

const (
	// DefaultPersistRetries bounds persist attempts after the first one.
	DefaultPersistRetries = 4
	// DefaultPersistInitialInterval is the first backoff delay.
	DefaultPersistInitialInterval = 20 * time.Millisecond
	// DefaultPersistMaxInterval caps the backoff delay.
	DefaultPersistMaxInterval = 500 * time.Millisecond
)

var (
	// ErrStoreUnavailable is returned when persisting kept failing with transient errors.
	ErrStoreUnavailable = errors.New("delivery: store unavailable")
	// ErrDuplicate is returned when the idempotency key is already stored.
	ErrDuplicate = errors.New("delivery: duplicate idempotency key")
)

// Store is the persistence used by the pipeline.
type Store interface {
	InsertMessage(ctx context.Context, message storage.Message) error
	GetMessageByID(ctx context.Context, messageID string) (*storage.Message, error)
	TransitionDeliveryStatus(ctx context.Context, messageID, from, to string, at int64) (bool, error)
}

// Enqueuer hands stored messages to the notification fanout. It must not block.
type Enqueuer interface {
	EnqueueMessage(conversationID, messageID, senderDeviceID string) bool
}

// StatusObserver is told about every stored message and every status transition,
// e.g. to keep a cache in step. Append runs before the message is announced to anyone,
// so a later UpdateStatus for the same message always finds it.
type StatusObserver interface {
	Append(message storage.Message)
	UpdateStatus(conversationID, messageID, status string, at int64)
}

// Config controls the pipeline.
type Config struct {
	PersistRetries         int
	PersistInitialInterval time.Duration
	PersistMaxInterval     time.Duration
	Clock                  clock.Clock
}

// Receipt is issued when a message reached SENT.
type Receipt struct {
	MessageID  string
	LocalID    string
	AcceptedAt int64
}

// Pipeline is the buffered-accept delivery pipeline.
type Pipeline struct {
	store    Store
	hub      *Hub
	enqueuer Enqueuer
	observer StatusObserver
	cfg      Config
}

// NewPipeline creates a pipeline. The enqueuer and observer are attached afterwards
// because the fanout reports outcomes back into the pipeline.
func NewPipeline(store Store, hub *Hub, cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	} else if cfg.PersistRetries == 0 {
		cfg.PersistRetries = DefaultPersistRetries
	}
	if cfg.PersistInitialInterval <= 0 {
		cfg.PersistInitialInterval = DefaultPersistInitialInterval
	}
	if cfg.PersistMaxInterval <= 0 {
		cfg.PersistMaxInterval = DefaultPersistMaxInterval
	}
	if hub == nil {
		hub = NewHub(0)
	}
	return &Pipeline{store: store, hub: hub, cfg: cfg}
}

// SetEnqueuer attaches the fanout.
func (p *Pipeline) SetEnqueuer(enqueuer Enqueuer) {
	p.enqueuer = enqueuer
}

// SetObserver attaches a status observer.
func (p *Pipeline) SetObserver(observer StatusObserver) {
	p.observer = observer
}

// Hub returns the sender status hub.
func (p *Pipeline) Hub() *Hub {
	return p.hub
}

// Accept persists message and moves it from PENDING to SENT. Only transient store errors
// are retried; when retries run out ErrStoreUnavailable is returned and nothing is
// reported as SENT. On success the observer sees the stored row, then the SENT event is
// published and a fanout job enqueued.
func (p *Pipeline) Accept(ctx context.Context, message storage.Message) (Receipt, error) {
	message.DeliveryStatus = storage.DeliveryStatusPending

	row := message
	row.DeliveryStatus = storage.DeliveryStatusSent
	row.StatusChangedAt = &row.CreatedAt

	attempts := 0
	op := func() error {
		attempts++
		err := p.store.InsertMessage(ctx, row)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrDuplicate):
			return backoff.Permanent(ErrDuplicate)
		case storage.IsTransient(err):
			jww.DEBUG.Printf("[Delivery] transient persist failure on attempt %d: %v", attempts, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.PersistInitialInterval
	policy.MaxInterval = p.cfg.PersistMaxInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.PersistRetries)), ctx))
	if errors.Is(err, ErrDuplicate) && attempts > 1 {
		// An earlier attempt may have committed before its error came back. The message id
		// is fresh, so a row carrying it is ours and still needs announcing.
		if stored, lookupErr := p.store.GetMessageByID(ctx, row.MessageID); lookupErr == nil {
			jww.DEBUG.Printf("[Delivery] message %s was stored by an earlier attempt", row.MessageID)
			row = *stored
			err = nil
		}
	}
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Receipt{}, ErrDuplicate
		}
		if storage.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			jww.WARN.Printf("[Delivery] persist gave up after %d attempts: %v", attempts, err)
			return Receipt{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return Receipt{}, fmt.Errorf("persist message: %w", err)
	}

	if p.observer != nil {
		p.observer.Append(row)
	}
	p.publish(row, models.StatusSent, row.CreatedAt)

	if p.enqueuer != nil && !p.enqueuer.EnqueueMessage(row.ConversationID, row.MessageID, row.SenderDeviceID) {
		jww.WARN.Printf("[Delivery] fanout queue full, message %s relies on polling", row.MessageID)
	}

	return Receipt{
		MessageID:  row.MessageID,
		LocalID:    row.LocalID,
		AcceptedAt: row.CreatedAt,
	}, nil
}

// MarkDelivered moves a SENT message to DELIVERED. It is a no-op for any other status.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := p.transition(ctx, messageID, storage.DeliveryStatusDelivered)
	return err
}

// MarkFailed moves a SENT message to FAILED. It is a no-op for any other status.
func (p *Pipeline) MarkFailed(ctx context.Context, messageID string) error {
	_, err := p.transition(ctx, messageID, storage.DeliveryStatusFailed)
	return err
}

// Observed records that readerDeviceID fetched messages. Messages of other senders that
// are still SENT become DELIVERED; the returned copies reflect the new status.
// Failures are logged: observation is best effort.
func (p *Pipeline) Observed(ctx context.Context, readerDeviceID string, messages []storage.Message) []storage.Message {
	if strings.TrimSpace(readerDeviceID) == "" {
		return messages
	}

	out := messages
	copied := false
	for i := range messages {
		m := messages[i]
		if m.SenderDeviceID == readerDeviceID || m.DeliveryStatus != storage.DeliveryStatusSent {
			continue
		}
		at, err := p.transition(ctx, m.MessageID, storage.DeliveryStatusDelivered)
		if err != nil {
			jww.WARN.Printf("[Delivery] mark observed message %s delivered: %v", m.MessageID, err)
			continue
		}
		if at == 0 {
			continue
		}
		if !copied {
			out = append([]storage.Message(nil), messages...)
			copied = true
		}
		out[i].DeliveryStatus = storage.DeliveryStatusDelivered
		out[i].StatusChangedAt = &at
	}
	return out
}

// transition applies SENT -> to and returns the transition time, or 0 when the message
// was not SENT anymore.
func (p *Pipeline) transition(ctx context.Context, messageID, to string) (int64, error) {
	at := p.cfg.Clock.Now().UnixMilli()
	changed, err := p.store.TransitionDeliveryStatus(ctx, messageID, storage.DeliveryStatusSent, to, at)
	if err != nil {
		return 0, fmt.Errorf("transition message %s to %s: %w", messageID, to, err)
	}
	if !changed {
		return 0, nil
	}

	message, err := p.store.GetMessageByID(ctx, messageID)
	if err != nil {
		// The transition happened; the message may have been reaped meanwhile.
		jww.DEBUG.Printf("[Delivery] reload message %s after transition: %v", messageID, err)
		return at, nil
	}
	if p.observer != nil {
		p.observer.UpdateStatus(message.ConversationID, messageID, to, at)
	}
	p.publish(*message, WireStatus(to), at)
	return at, nil
}

func (p *Pipeline) publish(message storage.Message, status string, atMillis int64) {
	p.hub.Publish(message.SenderDeviceID, models.StatusEvent{
		Type:           status,
		ServerID:       message.MessageID,
		LocalID:        message.LocalID,
		ConversationID: message.ConversationID,
		Timestamp:      time.UnixMilli(atMillis).UTC(),
	})
}

// WireStatus maps a stored delivery status to its wire name.
func WireStatus(status string) string {
	return strings.ToUpper(status)
}
