package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/lqs"
	"github.com/nuetzliches/lqs/internal/config"
)

// engineFlags are shared by every command that opens an engine. Flags left
// unset fall back to the LQS_* environment, then to the defaults.
type engineFlags struct {
	backend           *string
	root              *string
	db                *string
	postgresDSN       *string
	visibilityTimeout *time.Duration
	lockTimeout       *time.Duration
	logLevel          *string
	logOutput         *string
	logFile           *string
	dotenv            *string
}

func addEngineFlags(fs *flag.FlagSet) *engineFlags {
	def := config.Default()
	return &engineFlags{
		backend:           fs.String("backend", def.Backend, "storage backend (memory|file|sqlite|postgres)"),
		root:              fs.String("root", def.RootDir, "queue root directory (file backend)"),
		db:                fs.String("db", def.SQLitePath, "path to sqlite db file (sqlite backend)"),
		postgresDSN:       fs.String("postgres-dsn", "", "postgres dsn (postgres backend)"),
		visibilityTimeout: fs.Duration("visibility-timeout", def.VisibilityTimeout, "visibility timeout of received messages"),
		lockTimeout:       fs.Duration("lock-timeout", def.LockTimeout, "bound for file lock acquisition"),
		logLevel:          fs.String("log-level", def.LogLevel, "log level (debug|info|warn|error)"),
		logOutput:         fs.String("log-output", "stderr", "log destination (stderr|stdout|file)"),
		logFile:           fs.String("log-file", "", "log file path for --log-output file"),
		dotenv:            fs.String("dotenv", "", "load environment variables from file (dev only)"),
	}
}

// resolve builds the engine config: defaults, then environment, then the
// flags given on the command line.
func (f *engineFlags) resolve(fs *flag.FlagSet) (config.Config, error) {
	if p := strings.TrimSpace(*f.dotenv); p != "" {
		if err := config.LoadDotenv(p); err != nil {
			return config.Config{}, fmt.Errorf("dotenv: %w", err)
		}
	}
	cfg, err := config.FromEnv(config.Default(), nil)
	if err != nil {
		return config.Config{}, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "backend":
			cfg.Backend = strings.ToLower(strings.TrimSpace(*f.backend))
		case "root":
			cfg.RootDir = *f.root
		case "db":
			cfg.SQLitePath = *f.db
		case "postgres-dsn":
			cfg.PostgresDSN = *f.postgresDSN
		case "visibility-timeout":
			cfg.VisibilityTimeout = *f.visibilityTimeout
		case "lock-timeout":
			cfg.LockTimeout = *f.lockTimeout
		case "log-level":
			cfg.LogLevel = *f.logLevel
		}
	})
	return cfg, cfg.Validate()
}

type session struct {
	engine  *lqs.Engine
	logger  *slog.Logger
	tracing bool
	close   func()
}

type logSink struct {
	output string
	path   string
}

func openSession(ctx context.Context, cfg config.Config, sink logSink, stdout, stderr io.Writer, extra ...lqs.Option) (*session, error) {
	logger, logCloser, err := newLogger(cfg.LogLevel, sink.output, sink.path, stdout, stderr)
	if err != nil {
		return nil, err
	}
	closeLog := func() {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	opts := append([]lqs.Option{lqs.WithLogger(logger)}, extra...)
	var shutdown []func(context.Context) error
	if cfg.Tracing.Endpoint != "" {
		tp, err := initTracing(ctx, cfg.Tracing, uuid.NewString(), func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			closeLog()
			return nil, fmt.Errorf("tracing: %w", err)
		}
		opts = append(opts, lqs.WithTracerProvider(tp))
		shutdown = append(shutdown, tp.Shutdown)
		logger.Debug("tracing_enabled", slog.String("endpoint", cfg.Tracing.Endpoint))
	}

	eng, err := lqs.Open(ctx, cfg, opts...)
	if err != nil {
		for _, fn := range shutdown {
			_ = fn(context.Background())
		}
		closeLog()
		return nil, err
	}
	return &session{
		engine:  eng,
		logger:  logger,
		tracing: len(shutdown) > 0,
		close: func() {
			if err := eng.Close(); err != nil {
				logger.Error("engine_close_failed", slog.Any("err", err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, fn := range shutdown {
				_ = fn(ctx)
			}
			closeLog()
		},
	}, nil
}

// commandSetup parses args and opens a session. A non-zero code means the
// command must exit with it.
func commandSetup(ctx context.Context, fs *flag.FlagSet, ef *engineFlags, args []string, stdout, stderr io.Writer, extra ...lqs.Option) (*session, int) {
	if err := fs.Parse(args); err != nil {
		return nil, 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "%s: unexpected positional arguments\n", fs.Name())
		return nil, 2
	}
	cfg, err := ef.resolve(fs)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", fs.Name(), err)
		return nil, 2
	}
	s, err := openSession(ctx, cfg, logSink{output: *ef.logOutput, path: *ef.logFile}, stdout, stderr, extra...)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", fs.Name(), err)
		return nil, 1
	}
	return s, 0
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func writeJSON(stdout io.Writer, v any) error {
	return json.NewEncoder(stdout).Encode(v)
}

func fail(stderr io.Writer, cmd string, err error) int {
	fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
	if errors.Is(err, lqs.ErrQueueNotFound) || errors.Is(err, lqs.ErrInvalidQueueName) {
		return 3
	}
	return 1
}

func requireFlag(stderr io.Writer, cmd, name, value string) bool {
	if strings.TrimSpace(value) == "" {
		fmt.Fprintf(stderr, "%s: --%s is required\n", cmd, name)
		return false
	}
	return true
}

type queuePayload struct {
	QueueURL string `json:"queue_url"`
}

func queueCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "queue: missing subcommand (create|delete|list|url)")
		return 2
	}
	sub := args[0]
	cmd := "queue " + sub
	fs := newFlagSet(cmd, stderr)
	ef := addEngineFlags(fs)
	name := fs.String("name", "", "queue name")

	switch sub {
	case "create", "delete", "url", "list":
	default:
		fmt.Fprintf(stderr, "queue: unknown subcommand %q\n", sub)
		return 2
	}

	s, code := commandSetup(ctx, fs, ef, args[1:], stdout, stderr)
	if s == nil {
		return code
	}
	defer s.close()

	if sub != "list" && !requireFlag(stderr, cmd, "name", *name) {
		return 2
	}

	var err error
	switch sub {
	case "create":
		var url string
		if url, err = s.engine.CreateQueue(ctx, *name); err == nil {
			err = writeJSON(stdout, queuePayload{QueueURL: url})
		}
	case "delete":
		if err = s.engine.DeleteQueue(ctx, *name); err == nil {
			err = writeJSON(stdout, map[string]any{"deleted": *name})
		}
	case "url":
		var url string
		if url, err = s.engine.GetQueueURL(ctx, *name); err == nil {
			err = writeJSON(stdout, queuePayload{QueueURL: url})
		}
	case "list":
		var urls []string
		if urls, err = s.engine.ListQueues(ctx); err == nil {
			if urls == nil {
				urls = []string{}
			}
			err = writeJSON(stdout, map[string]any{"queue_urls": urls})
		}
	}
	if err != nil {
		return fail(stderr, cmd, err)
	}
	return 0
}

func sendCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("send", stderr)
	ef := addEngineFlags(fs)
	queueName := fs.String("queue", "", "queue url")
	body := fs.String("body", "", "message body")

	s, code := commandSetup(ctx, fs, ef, args, stdout, stderr)
	if s == nil {
		return code
	}
	defer s.close()
	if !requireFlag(stderr, "send", "queue", *queueName) {
		return 2
	}

	id, err := s.engine.SendMessage(ctx, *queueName, []byte(*body))
	if err != nil {
		return fail(stderr, "send", err)
	}
	if err := writeJSON(stdout, map[string]string{"message_id": id}); err != nil {
		return fail(stderr, "send", err)
	}
	return 0
}

type receivePayload struct {
	MessageID     string `json:"message_id,omitempty"`
	Body          string `json:"body,omitempty"`
	ReceiptHandle string `json:"receipt_handle,omitempty"`
	Empty         bool   `json:"empty,omitempty"`
}

func receiveCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receive", stderr)
	ef := addEngineFlags(fs)
	queueName := fs.String("queue", "", "queue url")

	s, code := commandSetup(ctx, fs, ef, args, stdout, stderr)
	if s == nil {
		return code
	}
	defer s.close()
	if !requireFlag(stderr, "receive", "queue", *queueName) {
		return 2
	}

	msg, ok, err := s.engine.ReceiveMessage(ctx, *queueName)
	if err != nil {
		return fail(stderr, "receive", err)
	}
	payload := receivePayload{Empty: true}
	if ok {
		payload = receivePayload{
			MessageID:     msg.ID,
			Body:          string(msg.Body),
			ReceiptHandle: msg.ReceiptHandle,
		}
	}
	if err := writeJSON(stdout, payload); err != nil {
		return fail(stderr, "receive", err)
	}
	return 0
}

func ackCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return handleCmd(ctx, "ack", args, stdout, stderr, func(e *lqs.Engine, queueURL, handle string) error {
		return e.DeleteMessage(ctx, queueURL, handle)
	})
}

func expireCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return handleCmd(ctx, "expire", args, stdout, stderr, func(e *lqs.Engine, queueURL, handle string) error {
		return e.InvalidateNow(ctx, queueURL, handle)
	})
}

func handleCmd(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer, fn func(e *lqs.Engine, queueURL, handle string) error) int {
	fs := newFlagSet(cmd, stderr)
	ef := addEngineFlags(fs)
	queueName := fs.String("queue", "", "queue url")
	handle := fs.String("handle", "", "receipt handle")

	s, code := commandSetup(ctx, fs, ef, args, stdout, stderr)
	if s == nil {
		return code
	}
	defer s.close()
	if !requireFlag(stderr, cmd, "queue", *queueName) || !requireFlag(stderr, cmd, "handle", *handle) {
		return 2
	}

	if err := fn(s.engine, *queueName, *handle); err != nil {
		return fail(stderr, cmd, err)
	}
	if err := writeJSON(stdout, map[string]string{"queue_url": *queueName, "receipt_handle": *handle}); err != nil {
		return fail(stderr, cmd, err)
	}
	return 0
}
