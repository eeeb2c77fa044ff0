package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrQueueDeleting    = errors.New("queue deletion in progress")
	ErrInvalidQueueName = errors.New("invalid queue name")
	ErrStorage          = errors.New("storage failure")
)

// Message is a queued message. ReceiptHandle is set only on messages
// returned by Receive and identifies that one in-flight period.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
}

// Store holds the messages of one queue and implements the visibility-timeout
// state machine: Visible -> InFlight on Receive, InFlight -> removed on
// Delete, InFlight -> Visible (at the head of the mailbox) once the
// visibility timeout elapses or Expire is called.
type Store interface {
	Send(ctx context.Context, body []byte) (string, error)
	// Receive returns the head of the mailbox, if any, with a fresh receipt
	// handle.
	Receive(ctx context.Context) (Message, bool, error)
	// Delete removes the in-flight message holding receiptHandle. Unknown or
	// stale handles are not an error; the result reports whether a message
	// was removed.
	Delete(ctx context.Context, receiptHandle string) (bool, error)
	// Expire forces the timeout transition of the in-flight message holding
	// receiptHandle.
	Expire(ctx context.Context, receiptHandle string) (bool, error)
	Close() error
}

// Gate counts the operations admitted against a queue so that deletion can
// wait for them to finish.
type Gate interface {
	// Acquire admits one operation. It fails with ErrQueueNotFound once
	// Drain was called. The returned release must be called exactly once.
	Acquire(ctx context.Context) (release func(), err error)
	// Drain rejects new admissions and blocks until every admitted
	// operation has released or ctx is done.
	Drain(ctx context.Context) error
}

// Backend creates, discovers and destroys queue storage.
type Backend interface {
	Kind() string
	// Open returns the store and gate of queue name. With create set the
	// storage is created if absent; otherwise a missing queue yields
	// ErrQueueNotFound.
	Open(ctx context.Context, name string, create bool) (Store, Gate, error)
	// Destroy discards the storage of queue name. Callers drain the queue's
	// gate first. Destroying a missing queue is a no-op.
	Destroy(ctx context.Context, name string) error
	// List returns the queues persisted by the backend. Backends without
	// persistent storage return nil.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// ExpiryObserver is told how many in-flight messages of a queue returned to
// the mailbox because their visibility timeout elapsed.
type ExpiryObserver func(queue string, n int)

type Option func(*options)

type options struct {
	nowFn     func() time.Time
	logger    *slog.Logger
	onExpire  ExpiryObserver
	lockWait  time.Duration
	drainPoll time.Duration
}

func defaultOptions() options {
	return options{
		nowFn:     time.Now,
		logger:    slog.Default(),
		lockWait:  10 * time.Second,
		drainPoll: 500 * time.Millisecond,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNowFunc overrides the clock used for in-flight timestamps of the lazy
// backends.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithExpiryObserver(fn ExpiryObserver) Option {
	return func(o *options) {
		o.onExpire = fn
	}
}

// WithLockTimeout bounds every file lock acquisition of the file backend.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockWait = d
		}
	}
}

// WithDrainPollInterval caps the fallback re-check interval used while
// waiting for a cross-process gate to drain.
func WithDrainPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainPoll = d
		}
	}
}

func (o options) expired(queue string, n int) {
	if o.onExpire != nil && n > 0 {
		o.onExpire(queue, n)
	}
}

const maxQueueNameLen = 80

// ValidateQueueName accepts 1-80 characters of [A-Za-z0-9_-].
func ValidateQueueName(name string) error {
	if name == "" || len(name) > maxQueueNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
