// Package durablelog implements the flat-file primitives used by the durable
// queue backend: a combined process-local and OS-level advisory lock, atomic
// read-modify-write operations over line-oriented record files, and small
// lock-protected counter files.
package durablelog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrLockTimeout reports that a lock could not be acquired before the
	// locker timeout elapsed.
	ErrLockTimeout = errors.New("durablelog: lock timeout")

	errLockBusy = errors.New("durablelog: lock busy")
)

const lockSuffix = ".lock"

// Locker hands out exclusive locks keyed by file path. Every lock combines a
// process-local mutex with an advisory lock on a sibling "<path>.lock" file so
// that goroutines of one process and other processes sharing the same
// directory are excluded alike.
type Locker struct {
	timeout time.Duration

	mu    sync.Mutex
	paths map[string]*pathLock
}

type pathLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker returns a Locker whose acquisitions give up after timeout. A
// non-positive timeout means acquisitions are bounded only by the context.
func NewLocker(timeout time.Duration) *Locker {
	return &Locker{
		timeout: timeout,
		paths:   make(map[string]*pathLock),
	}
}

// Lock acquires the exclusive lock for path and returns the function that
// releases it. The lock file is created next to path; a missing parent
// directory surfaces as an error wrapping fs.ErrNotExist.
func (l *Locker) Lock(ctx context.Context, path string) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	key := filepath.Clean(path)
	pl := l.ref(key)
	select {
	case pl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, l.timeoutErr(ctx, path)
	}

	f, err := os.OpenFile(key+lockSuffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-pl.sem
		l.unref(key)
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := tryLockFile(f)
		if err == nil || errors.Is(err, errLockBusy) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b))
	if err != nil {
		_ = f.Close()
		<-pl.sem
		l.unref(key)
		if errors.Is(err, errLockBusy) || ctx.Err() != nil {
			return nil, l.timeoutErr(ctx, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unlockFile(f)
			_ = f.Close()
			<-pl.sem
			l.unref(key)
		})
	}, nil
}

func (l *Locker) ref(key string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.paths[key]
	if pl == nil {
		pl = &pathLock{sem: make(chan struct{}, 1)}
		l.paths[key] = pl
	}
	pl.refs++
	return pl
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.paths[key]
	if pl == nil {
		return
	}
	pl.refs--
	if pl.refs <= 0 {
		delete(l.paths, key)
	}
}

func (l *Locker) timeoutErr(ctx context.Context, path string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s", ErrLockTimeout, path)
}
