// Package registry maps queue names to their stores and admission gates and
// coordinates queue creation and deletion with in-flight operations.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/lqs/internal/metrics"
	"github.com/nuetzliches/lqs/internal/queue"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("queue registry closed")

const tracerName = "github.com/nuetzliches/lqs/internal/registry"

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry is the queue namespace of one engine. Structural operations
// (create, delete, close) hold the exclusive lock; data operations hold the
// shared lock only while resolving the queue and acquiring its gate.
type Registry struct {
	backend queue.Backend
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	mu       sync.RWMutex
	queues   map[string]*entry
	deleting map[string]chan struct{}
	closed   bool
}

type entry struct {
	store queue.Store
	gate  queue.Gate
}

func New(backend queue.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:  backend,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		queues:   make(map[string]*entry),
		deleting: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the storage backend queues are kept in.
func (r *Registry) Backend() queue.Backend { return r.backend }

// CreateQueue creates name if it does not exist and returns its url, which is
// the name itself. A deletion of the same name still in progress is awaited
// first.
func (r *Registry) CreateQueue(ctx context.Context, name string) (url string, err error) {
	ctx, span := r.start(ctx, "CreateQueue", name)
	defer func(started time.Time) { r.finish(span, "create_queue", started, err) }(time.Now())

	if err := queue.ValidateQueueName(name); err != nil {
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", ErrClosed
		}
		if pending := r.deleting[name]; pending != nil {
			r.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if _, ok := r.queues[name]; ok {
			r.mu.Unlock()
			return name, nil
		}

		store, gate, err := r.backend.Open(ctx, name, true)
		if errors.Is(err, queue.ErrQueueDeleting) {
			// Another process is still draining the old queue.
			r.mu.Unlock()
			select {
			case <-time.After(b.NextBackOff()):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err != nil {
			r.mu.Unlock()
			r.storageError("create_queue", name, err)
			return "", err
		}
		r.queues[name] = &entry{store: store, gate: gate}
		r.metrics.SetQueues(len(r.queues))
		r.mu.Unlock()

		r.logger.Info("queue_created",
			slog.String("queue", name),
			slog.String("backend", r.backend.Kind()),
		)
		return name, nil
	}
}

// DeleteQueue removes the queue. It returns once every operation admitted
// before the call has finished and the storage is gone. Deleting an unknown
// queue is a no-op. When ctx ends while operations are still admitted the
// queue stays invisible and is destroyed in the background once drained.
func (r *Registry) DeleteQueue(ctx context.Context, queueURL string) (err error) {
	ctx, span := r.start(ctx, "DeleteQueue", queueURL)
	defer func(started time.Time) { r.finish(span, "delete_queue", started, err) }(time.Now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if pending := r.deleting[queueURL]; pending != nil {
		r.mu.Unlock()
		select {
		case <-pending:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e := r.queues[queueURL]
	if e == nil {
		store, gate, err := r.backend.Open(ctx, queueURL, false)
		switch {
		case errors.Is(err, queue.ErrQueueNotFound), errors.Is(err, queue.ErrInvalidQueueName):
			r.mu.Unlock()
			return nil
		case err != nil:
			r.mu.Unlock()
			r.storageError("delete_queue", queueURL, err)
			return err
		}
		e = &entry{store: store, gate: gate}
	}
	delete(r.queues, queueURL)
	done := make(chan struct{})
	r.deleting[queueURL] = done
	r.metrics.SetQueues(len(r.queues))
	r.mu.Unlock()

	r.logger.Debug("queue_drain_wait", slog.String("queue", queueURL))
	if err := e.gate.Drain(ctx); err != nil {
		if ctx.Err() == nil {
			r.finishDelete(queueURL, done)
			r.storageError("delete_queue", queueURL, err)
			return err
		}
		r.logger.Warn("queue_drain_wait",
			slog.String("queue", queueURL),
			slog.String("state", "background"),
			slog.Any("err", err),
		)
		go func() {
			bg := context.WithoutCancel(ctx)
			if err := e.gate.Drain(bg); err != nil {
				r.storageError("delete_queue", queueURL, err)
				r.finishDelete(queueURL, done)
				return
			}
			_ = r.destroy(bg, queueURL, e, done)
		}()
		return ctx.Err()
	}
	return r.destroy(ctx, queueURL, e, done)
}

func (r *Registry) destroy(ctx context.Context, name string, e *entry, done chan struct{}) error {
	defer r.finishDelete(name, done)

	if err := e.store.Close(); err != nil {
		r.storageError("delete_queue", name, err)
	}
	if err := r.backend.Destroy(ctx, name); err != nil {
		r.storageError("delete_queue", name, err)
		return err
	}
	r.metrics.Forget(name)
	r.logger.Info("queue_deleted",
		slog.String("queue", name),
		slog.String("backend", r.backend.Kind()),
	)
	return nil
}

func (r *Registry) finishDelete(name string, done chan struct{}) {
	r.mu.Lock()
	if r.deleting[name] == done {
		delete(r.deleting, name)
	}
	r.mu.Unlock()
	close(done)
}

// ListQueues returns the urls of all queues, sorted. Durable backends
// contribute queues created by other processes sharing the storage.
func (r *Registry) ListQueues(ctx context.Context) (urls []string, err error) {
	ctx, span := r.start(ctx, "ListQueues", "")
	defer func(started time.Time) { r.finish(span, "list_queues", started, err) }(time.Now())

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	persisted, err := r.backend.List(ctx)
	if err != nil {
		r.storageError("list_queues", "", err)
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	seen := make(map[string]struct{}, len(r.queues)+len(persisted))
	for name := range r.queues {
		seen[name] = struct{}{}
	}
	for _, name := range persisted {
		if _, ok := r.deleting[name]; !ok {
			seen[name] = struct{}{}
		}
	}
	urls = make([]string, 0, len(seen))
	for name := range seen {
		urls = append(urls, name)
	}
	sort.Strings(urls)
	return urls, nil
}

// GetQueueURL returns the url of an existing queue.
func (r *Registry) GetQueueURL(ctx context.Context, name string) (url string, err error) {
	ctx, span := r.start(ctx, "GetQueueURL", name)
	defer func(started time.Time) { r.finish(span, "get_queue_url", started, err) }(time.Now())

	if _, err := r.resolve(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

func (r *Registry) SendMessage(ctx context.Context, queueURL string, body []byte) (id string, err error) {
	err = r.withQueue(ctx, "SendMessage", "send", queueURL, func(ctx context.Context, s queue.Store) error {
		id, err = s.Send(ctx, body)
		return err
	})
	if err != nil {
		return "", err
	}
	r.metrics.Sent(queueURL)
	return id, nil
}

// ReceiveMessage returns the head of the queue, if any, and makes it
// invisible for the visibility timeout.
func (r *Registry) ReceiveMessage(ctx context.Context, queueURL string) (msg queue.Message, ok bool, err error) {
	err = r.withQueue(ctx, "ReceiveMessage", "receive", queueURL, func(ctx context.Context, s queue.Store) error {
		msg, ok, err = s.Receive(ctx)
		return err
	})
	if err != nil {
		return queue.Message{}, false, err
	}
	r.metrics.Received(queueURL, ok)
	return msg, ok, nil
}

// DeleteMessage removes the in-flight message holding receiptHandle. Stale
// or unknown handles are ignored.
func (r *Registry) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	var deleted bool
	err := r.withQueue(ctx, "DeleteMessage", "delete", queueURL, func(ctx context.Context, s queue.Store) error {
		var err error
		deleted, err = s.Delete(ctx, receiptHandle)
		return err
	})
	if err == nil && deleted {
		r.metrics.Deleted(queueURL)
	}
	return err
}

// InvalidateNow ends the in-flight period of receiptHandle immediately, as if
// its visibility timeout had elapsed.
func (r *Registry) InvalidateNow(ctx context.Context, queueURL, receiptHandle string) error {
	var expired bool
	err := r.withQueue(ctx, "InvalidateNow", "invalidate", queueURL, func(ctx context.Context, s queue.Store) error {
		var err error
		expired, err = s.Expire(ctx, receiptHandle)
		return err
	})
	if err == nil && expired {
		r.metrics.Expired(queueURL, 1)
	}
	return err
}

// Close releases every store and the backend. Timers of in-memory queues
// are stopped.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.queues
	r.queues = make(map[string]*entry)
	r.metrics.SetQueues(0)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) withQueue(ctx context.Context, spanName, op, queueURL string, fn func(context.Context, queue.Store) error) (err error) {
	ctx, span := r.start(ctx, spanName, queueURL)
	defer func(started time.Time) { r.finish(span, op, started, err) }(time.Now())

	e, release, err := r.admit(ctx, queueURL)
	if err != nil {
		return err
	}
	defer release()

	err = fn(ctx, e.store)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrQueueNotFound):
		r.evict(queueURL, e)
	case errors.Is(err, queue.ErrStorage):
		r.storageError(op, queueURL, err)
	}
	return err
}

// admit resolves name and acquires its gate under the shared lock, so a
// concurrent DeleteQueue either sees the admission or rejects it.
func (r *Registry) admit(ctx context.Context, name string) (*entry, func(), error) {
	for attempt := 0; ; attempt++ {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return nil, nil, ErrClosed
		}
		e := r.queues[name]
		if e != nil {
			release, err := e.gate.Acquire(ctx)
			r.mu.RUnlock()
			if errors.Is(err, queue.ErrQueueNotFound) {
				// Drained by another process sharing the storage.
				r.evict(name, e)
				if attempt < 2 {
					continue
				}
			}
			if err != nil {
				return nil, nil, err
			}
			return e, release, nil
		}
		_, deleting := r.deleting[name]
		r.mu.RUnlock()
		if deleting || attempt > 1 {
			return nil, nil, queue.ErrQueueNotFound
		}
		if _, err := r.resolve(ctx, name); err != nil {
			return nil, nil, err
		}
	}
}

// resolve returns the cached entry of name, discovering queues persisted by
// other processes on a miss.
func (r *Registry) resolve(ctx context.Context, name string) (*entry, error) {
	r.mu.RLock()
	e, deleting, closed := r.queues[name], r.deleting[name] != nil, r.closed
	r.mu.RUnlock()
	switch {
	case closed:
		return nil, ErrClosed
	case e != nil:
		return e, nil
	case deleting:
		return nil, queue.ErrQueueNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e := r.queues[name]; e != nil {
		return e, nil
	}
	if r.deleting[name] != nil {
		return nil, queue.ErrQueueNotFound
	}
	store, gate, err := r.backend.Open(ctx, name, false)
	if errors.Is(err, queue.ErrInvalidQueueName) {
		return nil, queue.ErrQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	e = &entry{store: store, gate: gate}
	r.queues[name] = e
	r.metrics.SetQueues(len(r.queues))
	return e, nil
}

func (r *Registry) evict(name string, e *entry) {
	r.mu.Lock()
	if r.queues[name] == e {
		delete(r.queues, name)
		r.metrics.SetQueues(len(r.queues))
	}
	r.mu.Unlock()
}

func (r *Registry) start(ctx context.Context, op, queueURL string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("lqs.backend", r.backend.Kind())}
	if queueURL != "" {
		attrs = append(attrs, attribute.String("lqs.queue", queueURL))
	}
	return r.tracer.Start(ctx, "lqs."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func (r *Registry) finish(span trace.Span, op string, started time.Time, err error) {
	defer span.End()
	r.metrics.Observe(op, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (r *Registry) storageError(op, queueURL string, err error) {
	if !errors.Is(err, queue.ErrStorage) {
		return
	}
	r.logger.Error("storage_error",
		slog.String("op", op),
		slog.String("queue", queueURL),
		slog.String("backend", r.backend.Kind()),
		slog.Any("err", err),
	)
}
