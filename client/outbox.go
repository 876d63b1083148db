package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/models"
)

const (
	// DefaultDrainBatch is the number of items loaded per drain step.
	DefaultDrainBatch = 50
	// DefaultRetryInitial is the first delay after a transient drain failure.
	DefaultRetryInitial = time.Second
	// DefaultRetryMax caps the delay between drain retries.
	DefaultRetryMax = 2 * time.Minute
	// DefaultRetrySteps bounds retries after one connectivity signal.
	DefaultRetrySteps = 8
)

// Sender submits messages to the relay. *Client implements it.
type Sender interface {
	AppendMessage(ctx context.Context, conversationID string, req models.AppendMessageRequest) (models.Receipt, error)
}

// OutboxConfig controls draining.
type OutboxConfig struct {
	BatchSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
	RetrySteps   int
	Clock        clock.Clock
}

// DrainReport summarizes one drain.
type DrainReport struct {
	Sent      int
	Failed    int
	Remaining int
}

// Outbox is a durable queue of messages not yet accepted by the relay.
//
// Items are resubmitted in creation order with their original idempotency key, so a
// retry after a lost response yields the original receipt instead of a second copy.
type Outbox struct {
	store  *LocalStore
	sender Sender
	cfg    OutboxConfig
}

// NewOutbox creates an outbox over store.
func NewOutbox(store *LocalStore, sender Sender, cfg OutboxConfig) *Outbox {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDrainBatch
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetrySteps <= 0 {
		cfg.RetrySteps = DefaultRetrySteps
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Outbox{store: store, sender: sender, cfg: cfg}
}

// Enqueue stores a composed message. The returned item carries the local id the UI
// shows until the relay assigns a server id.
func (o *Outbox) Enqueue(ctx context.Context, conversationID string, ciphertext, nonce, tag []byte) (OutboxItem, error) {
	if conversationID == "" {
		return OutboxItem{}, errors.New("conversation id is required")
	}
	if len(ciphertext) == 0 {
		return OutboxItem{}, errors.New("ciphertext is required")
	}

	now := o.cfg.Clock.Now().UnixMilli()
	item := OutboxItem{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		IdempotencyKey: uuid.NewString(),
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Tag:            tag,
		Status:         outboxPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.InsertOutbox(ctx, item); err != nil {
		return OutboxItem{}, err
	}
	return item, nil
}

// Drain submits pending items oldest first. Items the relay refuses for good are
// marked failed; the first transient failure stops the drain and is returned.
func (o *Outbox) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	for {
		items, err := o.store.PendingOutbox(ctx, o.cfg.BatchSize)
		if err != nil {
			return report, err
		}

		for i, item := range items {
			receipt, err := o.sender.AppendMessage(ctx, item.ConversationID, models.AppendMessageRequest{
				Ciphertext:     item.Ciphertext,
				Nonce:          item.Nonce,
				Tag:            item.Tag,
				IdempotencyKey: item.IdempotencyKey,
				LocalID:        item.LocalID,
			})
			now := o.cfg.Clock.Now().UnixMilli()

			switch {
			case err == nil:
				if err := o.store.MarkOutboxSent(ctx, item.LocalID, receipt.ServerID, now); err != nil {
					return report, err
				}
				report.Sent++
			case isPermanent(err):
				jww.WARN.Printf("[Outbox] relay refused %s: %v", item.LocalID, err)
				if err := o.store.MarkOutboxFailed(ctx, item.LocalID, err.Error(), now); err != nil {
					return report, err
				}
				report.Failed++
			default:
				if recordErr := o.store.RecordOutboxAttempt(ctx, item.LocalID, err.Error(), now); recordErr != nil {
					jww.WARN.Printf("[Outbox] record attempt for %s: %v", item.LocalID, recordErr)
				}
				remaining, countErr := o.store.PendingOutbox(ctx, 0)
				if countErr == nil {
					report.Remaining = len(remaining)
				} else {
					report.Remaining = len(items) - i
				}
				return report, fmt.Errorf("submit outbox item %s: %w", item.LocalID, err)
			}
		}

		if len(items) < o.cfg.BatchSize {
			return report, nil
		}
	}
}

// Run drains once at start and again on every signal from reconnected, retrying
// transient failures with exponential steps. It returns when ctx ends or reconnected
// is closed.
func (o *Outbox) Run(ctx context.Context, reconnected <-chan struct{}) error {
	o.drainWithRetry(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-reconnected:
			if !ok {
				return nil
			}
			o.drainWithRetry(ctx)
		}
	}
}

func (o *Outbox) drainWithRetry(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.RetryInitial
	policy.MaxInterval = o.cfg.RetryMax
	policy.MaxElapsedTime = 0
	policy.Clock = o.cfg.Clock
	steps := backoff.WithMaxRetries(policy, uint64(o.cfg.RetrySteps))
	steps.Reset()

	for {
		report, err := o.Drain(ctx)
		if err == nil {
			if report.Sent > 0 || report.Failed > 0 {
				jww.INFO.Printf("[Outbox] drained: %d sent, %d failed", report.Sent, report.Failed)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := steps.NextBackOff()
		if wait == backoff.Stop {
			jww.WARN.Printf("[Outbox] giving up until next reconnect, %d pending: %v", report.Remaining, err)
			return
		}
		jww.DEBUG.Printf("[Outbox] drain stopped (%v), retrying in %s", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-o.cfg.Clock.After(wait):
		}
	}
}

// isPermanent reports whether the relay will refuse the item on every retry.
func isPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
}
