package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nuetzliches/lqs/internal/queue"
)

// blockingBackend hands out stores whose Send parks until released.
type blockingBackend struct {
	*queue.MemoryBackend
	entered chan struct{}
	release chan struct{}
}

type blockingStore struct {
	queue.Store
	b *blockingBackend
}

func (b *blockingBackend) Open(ctx context.Context, name string, create bool) (queue.Store, queue.Gate, error) {
	s, g, err := b.MemoryBackend.Open(ctx, name, create)
	if err != nil {
		return nil, nil, err
	}
	return &blockingStore{Store: s, b: b}, g, nil
}

func (s *blockingStore) Send(ctx context.Context, body []byte) (string, error) {
	s.b.entered <- struct{}{}
	<-s.b.release
	return s.Store.Send(ctx, body)
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		MemoryBackend: queue.NewMemoryBackend(time.Minute),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func TestRegistry_DeleteQueueWaitsForAdmittedOperations(t *testing.T) {
	b := newBlockingBackend()
	r, _ := newTestRegistry(t, b)
	ctx := context.Background()
	url := mustCreate(t, r, "busy")

	sendErr := make(chan error, 1)
	go func() {
		_, err := r.SendMessage(ctx, url, []byte("x"))
		sendErr <- err
	}()
	<-b.entered

	deleted := make(chan error, 1)
	go func() { deleted <- r.DeleteQueue(ctx, url) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete returned while send admitted: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := r.SendMessage(ctx, url, []byte("late")); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("send during deletion: err=%v, want ErrQueueNotFound", err)
	}
	if _, err := r.GetQueueURL(ctx, url); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("get url during deletion: err=%v, want ErrQueueNotFound", err)
	}

	close(b.release)
	if err := <-sendErr; err != nil {
		t.Fatalf("admitted send: %v", err)
	}
	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delete did not finish after release")
	}
}

func TestRegistry_DeleteQueueContextEndsFinishesInBackground(t *testing.T) {
	b := newBlockingBackend()
	r, _ := newTestRegistry(t, b)
	url := mustCreate(t, r, "slow")

	sendErr := make(chan error, 1)
	go func() {
		_, err := r.SendMessage(context.Background(), url, []byte("x"))
		sendErr <- err
	}()
	<-b.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.DeleteQueue(ctx, url); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delete err = %v, want deadline exceeded", err)
	}

	created := make(chan error, 1)
	go func() {
		_, err := r.CreateQueue(context.Background(), url)
		created <- err
	}()
	select {
	case err := <-created:
		t.Fatalf("create returned during pending deletion: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(b.release)
	if err := <-sendErr; err != nil {
		t.Fatalf("admitted send: %v", err)
	}
	select {
	case err := <-created:
		if err != nil {
			t.Fatalf("create after deletion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("create did not proceed after background deletion")
	}
}

func TestRegistry_CrossProcessDiscovery(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	b1, err := queue.NewFileBackend(root, time.Minute)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	b2, err := queue.NewFileBackend(root, time.Minute)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	r1, _ := newTestRegistry(t, b1)
	r2, _ := newTestRegistry(t, b2)

	url := mustCreate(t, r1, "shared")
	if _, err := r1.SendMessage(ctx, url, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	names, err := r2.ListQueues(ctx)
	if err != nil || len(names) != 1 || names[0] != "shared" {
		t.Fatalf("list from second registry = %v, %v", names, err)
	}
	msg := mustReceive(t, r2, url)
	if string(msg.Body) != "hello" {
		t.Fatalf("body = %q, want hello", msg.Body)
	}
	if err := r1.DeleteMessage(ctx, url, msg.ReceiptHandle); err != nil {
		t.Fatalf("delete via first registry: %v", err)
	}

	if err := r2.DeleteQueue(ctx, url); err != nil {
		t.Fatalf("delete queue: %v", err)
	}
	if _, err := r1.SendMessage(ctx, url, []byte("x")); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("send after foreign delete: err=%v, want ErrQueueNotFound", err)
	}
	if _, err := r1.GetQueueURL(ctx, url); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("get url after foreign delete: err=%v, want ErrQueueNotFound", err)
	}
}

func TestRegistry_InvalidNames(t *testing.T) {
	r, _ := newTestRegistry(t, queue.NewMemoryBackend(time.Minute))
	ctx := context.Background()
	if _, err := r.CreateQueue(ctx, "bad name"); !errors.Is(err, queue.ErrInvalidQueueName) {
		t.Fatalf("create: err=%v, want ErrInvalidQueueName", err)
	}
	if _, err := r.SendMessage(ctx, "../etc", []byte("x")); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("send: err=%v, want ErrQueueNotFound", err)
	}
	if err := r.DeleteQueue(ctx, "bad name"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestRegistry_Closed(t *testing.T) {
	r := New(queue.NewMemoryBackend(time.Minute), WithLogger(discardLogger()))
	url := mustCreate(t, r, "q")
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	ctx := context.Background()
	if _, err := r.SendMessage(ctx, url, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send: err=%v, want ErrClosed", err)
	}
	if _, err := r.CreateQueue(ctx, "q2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("create: err=%v, want ErrClosed", err)
	}
	if _, err := r.ListQueues(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("list: err=%v, want ErrClosed", err)
	}
}

func TestRegistry_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	r := New(queue.NewMemoryBackend(time.Minute), WithLogger(discardLogger()), WithTracerProvider(tp))
	defer r.Close()
	ctx := context.Background()

	url := mustCreate(t, r, "traced")
	if _, err := r.SendMessage(ctx, url, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.SendMessage(ctx, "missing", []byte("x")); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("send missing: err=%v", err)
	}

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if got := spans[1].Name(); got != "lqs.SendMessage" {
		t.Fatalf("span name = %q, want lqs.SendMessage", got)
	}
	if got := spans[2].Status().Code; got != codes.Error {
		t.Fatalf("failed send status = %v, want error", got)
	}
}
