package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/lqs"
)

type benchResult struct {
	Backend    string             `json:"backend"`
	Queue      string             `json:"queue"`
	Producers  int                `json:"producers"`
	Consumers  int                `json:"consumers"`
	Sent       int                `json:"sent"`
	Received   int                `json:"received"`
	Duplicates int                `json:"duplicates"`
	Missing    int                `json:"missing"`
	ElapsedMS  int64              `json:"elapsed_ms"`
	PerSecond  float64            `json:"per_second"`
	Metrics    map[string]float64 `json:"metrics"`
}

// benchCmd runs producers and consumers against one queue and reports
// whether every sent message was received exactly once.
func benchCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("bench", stderr)
	ef := addEngineFlags(fs)
	queueName := fs.String("queue", "bench", "queue name")
	producers := fs.Int("producers", 4, "number of producers")
	messages := fs.Int("messages", 250, "messages per producer")
	consumers := fs.Int("consumers", 4, "number of consumers")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	keep := fs.Bool("keep", false, "keep the queue after the run")

	reg := prometheus.NewRegistry()
	s, code := commandSetup(ctx, fs, ef, args, stdout, stderr, lqs.WithRegisterer(reg))
	if s == nil {
		return code
	}
	defer s.close()
	if *producers <= 0 || *consumers <= 0 || *messages < 0 {
		fmt.Fprintln(stderr, "bench: --producers and --consumers must be positive, --messages must not be negative")
		return 2
	}

	if addr := strings.TrimSpace(*metricsAddr); addr != "" {
		stop, err := serveMetrics(addr, reg, s.tracing, s.logger)
		if err != nil {
			return fail(stderr, "bench", err)
		}
		defer stop()
	}

	url, err := s.engine.CreateQueue(ctx, *queueName)
	if err != nil {
		return fail(stderr, "bench", err)
	}

	started := time.Now()
	seen, err := runBench(ctx, s.engine, url, *producers, *messages, *consumers)
	elapsed := time.Since(started)
	if err != nil {
		return fail(stderr, "bench", err)
	}

	total := *producers * *messages
	res := benchResult{
		Backend:   s.engine.Backend(),
		Queue:     url,
		Producers: *producers,
		Consumers: *consumers,
		Sent:      total,
		ElapsedMS: elapsed.Milliseconds(),
		Metrics:   map[string]float64{},
	}
	for _, n := range seen {
		res.Received += n
		if n > 1 {
			res.Duplicates += n - 1
		}
	}
	res.Missing = total - len(seen)
	if secs := elapsed.Seconds(); secs > 0 {
		res.PerSecond = float64(total) / secs
	}
	if res.Metrics, err = metricTotals(reg); err != nil {
		return fail(stderr, "bench", err)
	}

	if !*keep {
		if err := s.engine.DeleteQueue(ctx, url); err != nil {
			s.logger.Warn("bench_queue_cleanup_failed", slog.String("queue", url), slog.Any("err", err))
		}
	}
	if err := writeJSON(stdout, res); err != nil {
		return fail(stderr, "bench", err)
	}
	if res.Missing != 0 || res.Duplicates != 0 {
		return 1
	}
	return 0
}

// runBench returns how often each body was received. Consumers delete what
// they receive and stop once the expected number of distinct bodies arrived.
func runBench(ctx context.Context, svc lqs.QueueService, url string, producers, messages, consumers int) (map[string]int, error) {
	total := producers * messages
	var (
		mu   sync.Mutex
		seen = make(map[string]int, total)
		done = make(chan struct{})
	)
	if total == 0 {
		close(done)
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < messages; i++ {
				body := fmt.Sprintf("p%d-m%d", p, i)
				if _, err := svc.SendMessage(gctx, url, []byte(body)); err != nil {
					return fmt.Errorf("producer %d: %w", p, err)
				}
			}
			return nil
		})
	}
	for c := 0; c < consumers; c++ {
		g.Go(func() error {
			idle := time.NewTimer(0)
			defer idle.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				msg, ok, err := svc.ReceiveMessage(gctx, url)
				if err != nil {
					return fmt.Errorf("consumer %d: %w", c, err)
				}
				if !ok {
					idle.Reset(time.Millisecond)
					select {
					case <-done:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					case <-idle.C:
					}
					continue
				}
				if err := svc.DeleteMessage(gctx, url, msg.ReceiptHandle); err != nil {
					return fmt.Errorf("consumer %d: %w", c, err)
				}
				mu.Lock()
				seen[string(msg.Body)]++
				if len(seen) == total {
					select {
					case <-done:
					default:
						close(done)
					}
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return seen, nil
}

// metricTotals sums every counter family of reg across its label values.
func metricTotals(reg prometheus.Gatherer) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
		}
	}
	return out, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, tracing bool, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", wrapTracingHandler(tracing, "metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", slog.Any("err", err))
		}
	}()
	logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
