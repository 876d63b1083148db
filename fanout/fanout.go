// Package fanout wakes up the other participants of a conversation after it changed.
// Jobs are queued without blocking the caller and dispatched by a fixed worker pool.
package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"ephemera/hint"
	"ephemera/storage"
)

const (
	// DefaultWorkers is the number of dispatch goroutines.
	DefaultWorkers = 4
	// DefaultQueueSize bounds the number of pending jobs.
	DefaultQueueSize = 1024
	// DefaultMaxRetries bounds retries per token after the first attempt.
	DefaultMaxRetries = 3
	// DefaultRetryInitial is the first backoff delay between attempts.
	DefaultRetryInitial = 200 * time.Millisecond
	// DefaultRetryMax caps the backoff delay.
	DefaultRetryMax = 5 * time.Second
	// DefaultDispatchTimeout bounds one send attempt.
	DefaultDispatchTimeout = 5 * time.Second
	// DefaultRatePerSecond is the global dispatch rate.
	DefaultRatePerSecond = 100

	outcomeTimeout = 5 * time.Second
)

// Store is the data the dispatcher reads and the token registry it updates.
type Store interface {
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
	ActiveTokens(ctx context.Context, deviceIDs []string) ([]storage.DeviceToken, error)
	DeactivateToken(ctx context.Context, pushToken string, at int64) (bool, error)
}

// Outcomes receives the delivery result of message jobs.
type Outcomes interface {
	MarkDelivered(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID string) error
}

// Options controls the dispatcher.
type Options struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	DispatchTimeout time.Duration
	// RatePerSecond limits sends across all workers. Zero or less disables the limit.
	RatePerSecond int
	Clock         clock.Clock
}

func (o Options) withDefaults() Options {
	out := o
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryInitial <= 0 {
		out.RetryInitial = DefaultRetryInitial
	}
	if out.RetryMax <= 0 {
		out.RetryMax = DefaultRetryMax
	}
	if out.DispatchTimeout <= 0 {
		out.DispatchTimeout = DefaultDispatchTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Job is one wake-up request.
type Job struct {
	Kind           hint.Kind
	ConversationID string
	// MessageID and SenderDeviceID are set for message jobs.
	MessageID      string
	SenderDeviceID string
	// Recipients is fixed at enqueue time for vanish jobs, whose participants may be
	// purged before the job runs.
	Recipients []string
}

// Stats counts dispatcher activity.
type Stats struct {
	Enqueued    uint64
	Dropped     uint64
	Sent        uint64
	Failed      uint64
	Deactivated uint64
}

// Dispatcher owns the job queue and its workers.
type Dispatcher struct {
	store    Store
	channel  hint.Channel
	outcomes Outcomes
	opts     Options
	limiter  ratelimit.Limiter

	queue chan Job

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	sent        atomic.Uint64
	failed      atomic.Uint64
	deactivated atomic.Uint64
}

// New creates a dispatcher. outcomes may be nil.
func New(store Store, channel hint.Channel, outcomes Outcomes, opts Options) *Dispatcher {
	opts = opts.withDefaults()

	limiter := ratelimit.NewUnlimited()
	if opts.RatePerSecond > 0 {
		limiter = ratelimit.New(opts.RatePerSecond, ratelimit.WithClock(opts.Clock))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		channel:  channel,
		outcomes: outcomes,
		opts:     opts,
		limiter:  limiter,
		queue:    make(chan Job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		jww.INFO.Printf("[Fanout] starting %d workers on %s channel", d.opts.Workers, d.channel.Name())
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Stop cancels in-flight dispatches and waits for the workers. Queued jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		if pending := len(d.queue); pending > 0 {
			jww.INFO.Printf("[Fanout] stopped with %d queued jobs", pending)
		}
	})
}

// EnqueueMessage queues the wake-up for a stored message. It never blocks.
func (d *Dispatcher) EnqueueMessage(conversationID, messageID, senderDeviceID string) bool {
	return d.enqueue(Job{
		Kind:           hint.KindMessage,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderDeviceID: senderDeviceID,
	})
}

// EnqueueVanished queues the expired or deleted notice for recipients. It never blocks.
func (d *Dispatcher) EnqueueVanished(kind hint.Kind, conversationID string, recipients []string) bool {
	if len(recipients) == 0 {
		return true
	}
	return d.enqueue(Job{
		Kind:           kind,
		ConversationID: conversationID,
		Recipients:     append([]string(nil), recipients...),
	})
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:    d.enqueued.Load(),
		Dropped:     d.dropped.Load(),
		Sent:        d.sent.Load(),
		Failed:      d.failed.Load(),
		Deactivated: d.deactivated.Load(),
	}
}

func (d *Dispatcher) enqueue(job Job) bool {
	if d.ctx.Err() != nil {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- job:
		d.enqueued.Add(1)
		return true
	default:
		d.dropped.Add(1)
		jww.WARN.Printf("[Fanout] queue full, dropping %s job", job.Kind)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.queue:
			d.process(job)
		}
	}
}

func (d *Dispatcher) process(job Job) {
	h := hint.New(job.Kind, job.ConversationID)

	recipients := job.Recipients
	if job.Kind == hint.KindMessage {
		participants, err := d.store.ListParticipants(d.ctx, job.ConversationID)
		if err != nil {
			jww.WARN.Printf("[Fanout] list participants for hint %s: %v", h.Tag, err)
			return
		}
		recipients = make([]string, 0, len(participants))
		for _, p := range participants {
			if p != job.SenderDeviceID {
				recipients = append(recipients, p)
			}
		}
	}
	if len(recipients) == 0 {
		return
	}

	tokens, err := d.store.ActiveTokens(d.ctx, recipients)
	if err != nil {
		jww.WARN.Printf("[Fanout] load tokens for hint %s: %v", h.Tag, err)
		return
	}
	if len(tokens) == 0 {
		jww.DEBUG.Printf("[Fanout] no active tokens for hint %s, recipients will poll", h.Tag)
		return
	}

	failures := 0
	delivered := false
	for _, token := range tokens {
		err := d.dispatch(token.PushToken, h)
		switch {
		case err == nil:
			delivered = true
			d.sent.Add(1)
		case errors.Is(err, hint.ErrNoPush):
		case errors.Is(err, hint.ErrTokenRejected):
			failures++
			d.failed.Add(1)
			d.deactivate(token.PushToken)
		case d.ctx.Err() != nil:
			return
		default:
			failures++
			d.failed.Add(1)
			jww.WARN.Printf("[Fanout] dispatch of hint %s failed after retries: %v", h.Tag, err)
		}
	}

	if job.Kind != hint.KindMessage || d.outcomes == nil {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, outcomeTimeout)
	defer cancel()

	switch {
	case delivered:
		err = d.outcomes.MarkDelivered(ctx, job.MessageID)
	case failures > 0:
		err = d.outcomes.MarkFailed(ctx, job.MessageID)
	default:
		return
	}
	if err != nil {
		jww.WARN.Printf("[Fanout] record outcome of message %s: %v", job.MessageID, err)
	}
}

// dispatch sends h to one token, retrying transient failures with exponential backoff.
func (d *Dispatcher) dispatch(token string, h hint.Hint) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.RetryInitial
	policy.MaxInterval = d.opts.RetryMax
	policy.MaxElapsedTime = 0

	op := func() error {
		d.limiter.Take()
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.DispatchTimeout)
		defer cancel()

		err := d.channel.Send(ctx, token, h)
		if errors.Is(err, hint.ErrTokenRejected) || errors.Is(err, hint.ErrNoPush) || errors.Is(err, hint.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.opts.MaxRetries)), d.ctx))
}

func (d *Dispatcher) deactivate(token string) {
	ctx, cancel := context.WithTimeout(d.ctx, outcomeTimeout)
	defer cancel()

	changed, err := d.store.DeactivateToken(ctx, token, d.opts.Clock.Now().UnixMilli())
	if err != nil {
		jww.WARN.Printf("[Fanout] deactivate rejected token: %v", err)
		return
	}
	if changed {
		d.deactivated.Add(1)
		jww.INFO.Printf("[Fanout] deactivated a token rejected by the %s channel", d.channel.Name())
	}
}
