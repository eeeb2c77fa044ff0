package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/lqs/internal/metrics"
	"github.com/nuetzliches/lqs/internal/queue"
)

type registryFactory struct {
	name string
	new  func(t *testing.T, timeout time.Duration) (*Registry, *metrics.Metrics)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, b queue.Backend) (*Registry, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry(), b.Kind())
	r := New(b, WithLogger(discardLogger()), WithMetrics(m))
	t.Cleanup(func() { _ = r.Close() })
	return r, m
}

func contractRegistryFactories() []registryFactory {
	out := []registryFactory{
		{
			name: "memory",
			new: func(t *testing.T, timeout time.Duration) (*Registry, *metrics.Metrics) {
				t.Helper()
				return newTestRegistry(t, queue.NewMemoryBackend(timeout))
			},
		},
		{
			name: "file",
			new: func(t *testing.T, timeout time.Duration) (*Registry, *metrics.Metrics) {
				t.Helper()
				b, err := queue.NewFileBackend(t.TempDir(), timeout, queue.WithDrainPollInterval(10*time.Millisecond))
				if err != nil {
					t.Fatalf("new file backend: %v", err)
				}
				return newTestRegistry(t, b)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, timeout time.Duration) (*Registry, *metrics.Metrics) {
				t.Helper()
				b, err := queue.NewSQLiteBackend(filepath.Join(t.TempDir(), "lqs.db"), timeout)
				if err != nil {
					t.Fatalf("new sqlite backend: %v", err)
				}
				return newTestRegistry(t, b)
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("LQS_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, registryFactory{
			name: "postgres",
			new: func(t *testing.T, timeout time.Duration) (*Registry, *metrics.Metrics) {
				t.Helper()
				b, err := queue.NewPostgresBackend(dsn, timeout)
				if err != nil {
					t.Fatalf("new postgres backend: %v", err)
				}
				r, m := newTestRegistry(t, b)
				names, err := r.ListQueues(context.Background())
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				for _, name := range names {
					if err := r.DeleteQueue(context.Background(), name); err != nil {
						t.Fatalf("cleanup %s: %v", name, err)
					}
				}
				return r, m
			},
		})
	}
	return out
}

func mustCreate(t *testing.T, r *Registry, name string) string {
	t.Helper()
	url, err := r.CreateQueue(context.Background(), name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return url
}

func mustReceive(t *testing.T, r *Registry, url string) queue.Message {
	t.Helper()
	msg, ok, err := r.ReceiveMessage(context.Background(), url)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !ok {
		t.Fatalf("receive: queue %s unexpectedly empty", url)
	}
	return msg
}

func mustBeEmpty(t *testing.T, r *Registry, url string) {
	t.Helper()
	msg, ok, err := r.ReceiveMessage(context.Background(), url)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ok {
		t.Fatalf("expected empty queue, got %s (%q)", msg.ID, msg.Body)
	}
}

func TestRegistryContract_FIFO(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, _ := factory.new(t, time.Minute)
			ctx := context.Background()
			url := mustCreate(t, r, "fifo")

			for i := 0; i < 5; i++ {
				if _, err := r.SendMessage(ctx, url, []byte(fmt.Sprintf("m%d", i))); err != nil {
					t.Fatalf("send: %v", err)
				}
			}
			for i := 0; i < 5; i++ {
				if got, want := string(mustReceive(t, r, url).Body), fmt.Sprintf("m%d", i); got != want {
					t.Fatalf("receive %d = %q, want %q", i, got, want)
				}
			}
			mustBeEmpty(t, r, url)
		})
	}
}

func TestRegistryContract_InvisibleThenReappears(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, _ := factory.new(t, 200*time.Millisecond)
			ctx := context.Background()
			url := mustCreate(t, r, "vis")

			if _, err := r.SendMessage(ctx, url, []byte("x")); err != nil {
				t.Fatalf("send: %v", err)
			}
			first := mustReceive(t, r, url)
			mustBeEmpty(t, r, url)

			deadline := time.Now().Add(3 * time.Second)
			for {
				msg, ok, err := r.ReceiveMessage(ctx, url)
				if err != nil {
					t.Fatalf("receive: %v", err)
				}
				if ok {
					if msg.ID != first.ID {
						t.Fatalf("redelivered id %s, want %s", msg.ID, first.ID)
					}
					if msg.ReceiptHandle == first.ReceiptHandle {
						t.Fatalf("redelivery reused handle %q", msg.ReceiptHandle)
					}
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("message never reappeared")
				}
				time.Sleep(20 * time.Millisecond)
			}
		})
	}
}

func TestRegistryContract_DeleteIsFinalAndStaleDeleteIsNoop(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, m := factory.new(t, time.Minute)
			ctx := context.Background()
			url := mustCreate(t, r, "del")

			if _, err := r.SendMessage(ctx, url, []byte("x")); err != nil {
				t.Fatalf("send: %v", err)
			}
			msg := mustReceive(t, r, url)
			if err := r.DeleteMessage(ctx, url, msg.ReceiptHandle); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := r.InvalidateNow(ctx, url, msg.ReceiptHandle); err != nil {
				t.Fatalf("invalidate deleted handle: %v", err)
			}
			mustBeEmpty(t, r, url)
			if err := r.DeleteMessage(ctx, url, msg.ReceiptHandle); err != nil {
				t.Fatalf("stale delete: %v", err)
			}
			if err := r.DeleteMessage(ctx, url, "bogus"); err != nil {
				t.Fatalf("unknown handle delete: %v", err)
			}
			if got := testutil.ToFloat64(m.MessagesDeleted.WithLabelValues(url)); got != 1 {
				t.Fatalf("deleted metric = %v, want 1", got)
			}
		})
	}
}

func TestRegistryContract_SendReceiveExpireScenario(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, m := factory.new(t, time.Minute)
			ctx := context.Background()
			url := mustCreate(t, r, "scenario")

			for _, body := range []string{"a", "b"} {
				if _, err := r.SendMessage(ctx, url, []byte(body)); err != nil {
					t.Fatalf("send: %v", err)
				}
			}
			a := mustReceive(t, r, url)
			if string(a.Body) != "a" {
				t.Fatalf("first receive = %q, want a", a.Body)
			}
			if err := r.InvalidateNow(ctx, url, a.ReceiptHandle); err != nil {
				t.Fatalf("invalidate: %v", err)
			}
			again := mustReceive(t, r, url)
			if string(again.Body) != "a" || again.ReceiptHandle == a.ReceiptHandle {
				t.Fatalf("after invalidate got %q/%q, want a with fresh handle", again.Body, again.ReceiptHandle)
			}
			if err := r.DeleteMessage(ctx, url, a.ReceiptHandle); err != nil {
				t.Fatalf("delete stale: %v", err)
			}
			if err := r.DeleteMessage(ctx, url, again.ReceiptHandle); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if got := string(mustReceive(t, r, url).Body); got != "b" {
				t.Fatalf("third receive = %q, want b", got)
			}
			mustBeEmpty(t, r, url)
			if got := testutil.ToFloat64(m.MessagesExpired.WithLabelValues(url)); got != 1 {
				t.Fatalf("expired metric = %v, want 1", got)
			}
		})
	}
}

func TestRegistryContract_QueueLifecycle(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, m := factory.new(t, time.Minute)
			ctx := context.Background()

			url := mustCreate(t, r, "life")
			if again := mustCreate(t, r, "life"); again != url {
				t.Fatalf("idempotent create returned %q, want %q", again, url)
			}
			if _, err := r.SendMessage(ctx, url, []byte("kept")); err != nil {
				t.Fatalf("send: %v", err)
			}
			mustCreate(t, r, "life")
			if got := string(mustReceive(t, r, url).Body); got != "kept" {
				t.Fatalf("message lost by repeated create: %q", got)
			}

			got, err := r.GetQueueURL(ctx, "life")
			if err != nil || got != url {
				t.Fatalf("get url = %q, %v; want %q", got, err, url)
			}
			if _, err := r.GetQueueURL(ctx, "nope"); !errors.Is(err, queue.ErrQueueNotFound) {
				t.Fatalf("get unknown url: err=%v, want ErrQueueNotFound", err)
			}
			mustCreate(t, r, "other")
			names, err := r.ListQueues(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(names) != 2 || names[0] != "life" || names[1] != "other" {
				t.Fatalf("list = %v, want [life other]", names)
			}
			if got := testutil.ToFloat64(m.Queues); got != 2 {
				t.Fatalf("queues gauge = %v, want 2", got)
			}

			if err := r.DeleteQueue(ctx, url); err != nil {
				t.Fatalf("delete queue: %v", err)
			}
			if err := r.DeleteQueue(ctx, url); err != nil {
				t.Fatalf("delete unknown queue: %v", err)
			}
			if err := r.DeleteQueue(ctx, "never-existed"); err != nil {
				t.Fatalf("delete never-existed queue: %v", err)
			}
			if _, err := r.SendMessage(ctx, url, []byte("x")); !errors.Is(err, queue.ErrQueueNotFound) {
				t.Fatalf("send to deleted queue: err=%v, want ErrQueueNotFound", err)
			}
			if _, _, err := r.ReceiveMessage(ctx, url); !errors.Is(err, queue.ErrQueueNotFound) {
				t.Fatalf("receive from deleted queue: err=%v, want ErrQueueNotFound", err)
			}
			if err := r.DeleteMessage(ctx, url, "0"); !errors.Is(err, queue.ErrQueueNotFound) {
				t.Fatalf("delete message on deleted queue: err=%v, want ErrQueueNotFound", err)
			}
			if err := r.InvalidateNow(ctx, url, "0"); !errors.Is(err, queue.ErrQueueNotFound) {
				t.Fatalf("invalidate on deleted queue: err=%v, want ErrQueueNotFound", err)
			}
			names, err = r.ListQueues(ctx)
			if err != nil || len(names) != 1 || names[0] != "other" {
				t.Fatalf("list after delete = %v, %v; want [other]", names, err)
			}

			recreated := mustCreate(t, r, "life")
			mustBeEmpty(t, r, recreated)
		})
	}
}

func TestRegistryContract_QueueIsolation(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, _ := factory.new(t, time.Minute)
			ctx := context.Background()
			q1 := mustCreate(t, r, "iso1")
			q2 := mustCreate(t, r, "iso2")

			if _, err := r.SendMessage(ctx, q1, []byte("one")); err != nil {
				t.Fatalf("send: %v", err)
			}
			mustBeEmpty(t, r, q2)
			msg := mustReceive(t, r, q1)
			if err := r.DeleteMessage(ctx, q2, msg.ReceiptHandle); err != nil {
				t.Fatalf("cross-queue delete: %v", err)
			}
			if err := r.DeleteQueue(ctx, q2); err != nil {
				t.Fatalf("delete q2: %v", err)
			}
			if err := r.DeleteMessage(ctx, q1, msg.ReceiptHandle); err != nil {
				t.Fatalf("delete q1 message: %v", err)
			}
			mustBeEmpty(t, r, q1)
		})
	}
}

func TestRegistryContract_ProducersAndConsumers(t *testing.T) {
	for _, factory := range contractRegistryFactories() {
		t.Run(factory.name, func(t *testing.T) {
			r, m := factory.new(t, time.Minute)
			ctx := context.Background()
			url := mustCreate(t, r, "load")

			const producers, perProducer, consumers = 3, 15, 3
			total := producers * perProducer

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				received = make(map[string]string)
				errs     []error
			)
			fail := func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						if _, err := r.SendMessage(ctx, url, []byte(fmt.Sprintf("p%d-%d", p, i))); err != nil {
							fail(err)
							return
						}
					}
				}(p)
			}

			deadline := time.Now().Add(20 * time.Second)
			for c := 0; c < consumers; c++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for time.Now().Before(deadline) {
						mu.Lock()
						finished := len(received) == total || len(errs) > 0
						mu.Unlock()
						if finished {
							return
						}
						msg, ok, err := r.ReceiveMessage(ctx, url)
						if err != nil {
							fail(err)
							return
						}
						if !ok {
							time.Sleep(time.Millisecond)
							continue
						}
						mu.Lock()
						if prev, dup := received[msg.ID]; dup {
							errs = append(errs, fmt.Errorf("message %s received twice (%s)", msg.ID, prev))
						}
						received[msg.ID] = string(msg.Body)
						mu.Unlock()
						if err := r.DeleteMessage(ctx, url, msg.ReceiptHandle); err != nil {
							fail(err)
							return
						}
					}
				}()
			}
			wg.Wait()

			if len(errs) > 0 {
				t.Fatalf("errors: %v", errs)
			}
			if len(received) != total {
				t.Fatalf("received %d distinct messages, want %d", len(received), total)
			}
			mustBeEmpty(t, r, url)
			if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues(url)); got != float64(total) {
				t.Fatalf("sent metric = %v, want %d", got, total)
			}
			if got := testutil.ToFloat64(m.MessagesDeleted.WithLabelValues(url)); got != float64(total) {
				t.Fatalf("deleted metric = %v, want %d", got, total)
			}
		})
	}
}
