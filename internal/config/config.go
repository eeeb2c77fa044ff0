// Package config holds the engine configuration and its environment
// bindings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Environment variables read by FromEnv.
const (
	EnvBackend           = "LQS_BACKEND"
	EnvVisibilityTimeout = "LQS_VISIBILITY_TIMEOUT"
	EnvRootDir           = "LQS_ROOT_DIR"
	EnvSQLitePath        = "LQS_SQLITE_PATH"
	EnvPostgresDSN       = "LQS_POSTGRES_DSN"
	EnvLockTimeout       = "LQS_LOCK_TIMEOUT"
	EnvLogLevel          = "LQS_LOG_LEVEL"
	EnvTracingEndpoint   = "LQS_TRACING_ENDPOINT"
	EnvTracingInsecure   = "LQS_TRACING_INSECURE"
)

type Config struct {
	Backend string
	// VisibilityTimeout applies uniformly to every queue of the engine.
	VisibilityTimeout time.Duration
	// RootDir is the directory holding one subdirectory per queue (file
	// backend).
	RootDir    string
	SQLitePath string
	// PostgresDSN is a connection string or an env:NAME / file:PATH
	// reference to one.
	PostgresDSN string
	// LockTimeout bounds every file lock acquisition and busy database
	// retry.
	LockTimeout time.Duration
	LogLevel    string
	Tracing     TracingConfig
}

type TracingConfig struct {
	// Endpoint is an OTLP/HTTP collector URL. Empty disables tracing.
	Endpoint string
	Insecure bool
}

func Default() Config {
	return Config{
		Backend:           BackendMemory,
		VisibilityTimeout: 30 * time.Second,
		RootDir:           "./.data/queues",
		SQLitePath:        "./.data/lqs.db",
		LockTimeout:       10 * time.Second,
		LogLevel:          "info",
	}
}

// FromEnv overlays the LQS_* variables found through lookup onto base.
// Durations are given in whole seconds. A nil lookup reads the process
// environment.
func FromEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := base
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvBackend); ok {
		cfg.Backend = strings.ToLower(v)
	}
	if v, ok := get(EnvRootDir); ok {
		cfg.RootDir = v
	}
	if v, ok := get(EnvSQLitePath); ok {
		cfg.SQLitePath = v
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := get(EnvTracingEndpoint); ok {
		cfg.Tracing.Endpoint = v
	}

	var errs []error
	if v, ok := get(EnvVisibilityTimeout); ok {
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvVisibilityTimeout, err))
		}
		cfg.VisibilityTimeout = d
	}
	if v, ok := get(EnvLockTimeout); ok {
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvLockTimeout, err))
		}
		cfg.LockTimeout = d
	}
	if v, ok := get(EnvTracingInsecure); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTracingInsecure, err))
		}
		cfg.Tracing.Insecure = b
	}
	if len(errs) > 0 {
		return base, errors.Join(errs...)
	}
	return cfg, nil
}

// parseSeconds accepts whole or fractional seconds ("30", "0.5") as well as
// Go duration strings ("1m30s").
func parseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(c.RootDir) == "" {
			errs = append(errs, errors.New("file backend requires a root directory"))
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("sqlite backend requires a database path"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres backend requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want memory, file, sqlite or postgres)", c.Backend))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("visibility timeout must be positive, got %s", c.VisibilityTimeout))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock timeout must not be negative, got %s", c.LockTimeout))
	}
	return errors.Join(errs...)
}
