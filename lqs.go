package lqs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/lqs/internal/config"
	"github.com/nuetzliches/lqs/internal/durablelog"
	"github.com/nuetzliches/lqs/internal/metrics"
	"github.com/nuetzliches/lqs/internal/queue"
	"github.com/nuetzliches/lqs/internal/registry"
	"github.com/nuetzliches/lqs/internal/secrets"
)

type (
	// Message is a received message. ReceiptHandle identifies this delivery
	// and is what DeleteMessage and InvalidateNow expect.
	Message = queue.Message
	Config  = config.Config
)

var (
	ErrQueueNotFound    = queue.ErrQueueNotFound
	ErrInvalidQueueName = queue.ErrInvalidQueueName
	// ErrStorage wraps every file, database and lock failure.
	ErrStorage     = queue.ErrStorage
	ErrLockTimeout = durablelog.ErrLockTimeout
	ErrClosed      = registry.ErrClosed
)

// QueueService is the queue API. Queue urls are the queue names.
type QueueService interface {
	SendMessage(ctx context.Context, queueURL string, body []byte) (string, error)
	// ReceiveMessage returns at most one message; ok is false when no
	// message is visible.
	ReceiveMessage(ctx context.Context, queueURL string) (msg Message, ok bool, err error)
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error
	CreateQueue(ctx context.Context, name string) (string, error)
	DeleteQueue(ctx context.Context, queueURL string) error
	ListQueues(ctx context.Context) ([]string, error)
	GetQueueURL(ctx context.Context, name string) (string, error)
	InvalidateNow(ctx context.Context, queueURL, receiptHandle string) error
	Close() error
}

var _ QueueService = (*Engine)(nil)

// Engine implements QueueService over one storage backend.
type Engine struct {
	*registry.Registry

	id      string
	backend string
	metrics *metrics.Metrics
}

type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	nowFn      func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the engine metrics with reg. Without it the
// collectors are kept but not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithNowFunc replaces the clock of the durable backends, whose expiry is
// evaluated against stored receive times.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) { o.nowFn = now }
}

// Open validates cfg and returns an engine on the configured backend.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lqs: %w", err)
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	id := uuid.NewString()
	logger := o.logger.With(slog.String("engine_id", id), slog.String("backend", cfg.Backend))
	m := metrics.New(o.registerer, cfg.Backend)

	qopts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithLockTimeout(cfg.LockTimeout),
		queue.WithExpiryObserver(m.Expired),
	}
	if o.nowFn != nil {
		qopts = append(qopts, queue.WithNowFunc(o.nowFn))
	}

	backend, err := openBackend(ctx, cfg, qopts)
	if err != nil {
		return nil, fmt.Errorf("lqs: open %s backend: %w", cfg.Backend, err)
	}

	ropts := []registry.Option{registry.WithLogger(logger), registry.WithMetrics(m)}
	if o.tracer != nil {
		ropts = append(ropts, registry.WithTracerProvider(o.tracer))
	}
	return &Engine{
		Registry: registry.New(backend, ropts...),
		id:       id,
		backend:  cfg.Backend,
		metrics:  m,
	}, nil
}

func openBackend(ctx context.Context, cfg Config, opts []queue.Option) (queue.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return queue.NewMemoryBackend(cfg.VisibilityTimeout, opts...), nil
	case config.BackendFile:
		return queue.NewFileBackend(cfg.RootDir, cfg.VisibilityTimeout, opts...)
	case config.BackendSQLite:
		return queue.NewSQLiteBackend(cfg.SQLitePath, cfg.VisibilityTimeout, opts...)
	case config.BackendPostgres:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dsn, err := secrets.Resolve(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres dsn: %w", err)
		}
		return queue.NewPostgresBackend(dsn, cfg.VisibilityTimeout, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// ID identifies this engine instance in logs and traces.
func (e *Engine) ID() string { return e.id }

// Backend returns the configured backend kind.
func (e *Engine) Backend() string { return e.backend }

// Metrics returns the engine's Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config { return config.Default() }

// ConfigFromEnv returns DefaultConfig overlaid with the LQS_* environment
// variables.
func ConfigFromEnv() (Config, error) { return config.FromEnv(config.Default(), nil) }
