package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nuetzliches/lqs/internal/durablelog"
)

// On-disk layout of one queue below the backend root:
//
//	<root>/<name>/messages   visible records, head first
//	<root>/<name>/inflight   in-flight records
//	<root>/<name>/counters   next message id, next receipt handle
//	<root>/<name>/semaphore  admitted operation count
//
// plus "*.lock" siblings used by the durablelog locker.
const (
	fileMessages  = "messages"
	fileInFlight  = "inflight"
	fileCounters  = "counters"
	fileSemaphore = "semaphore"
	fileQueueLock = "queue"
	fileRootLock  = ".registry"
	trashPrefix   = ".trash-"
)

// FileBackend stores every queue as a directory of flat record files. All
// mutations are guarded by durablelog locks, so several processes may share
// one root directory.
type FileBackend struct {
	root    string
	timeout time.Duration
	opts    options
	locker  *durablelog.Locker
	log     *durablelog.Log
}

func NewFileBackend(root string, visibilityTimeout time.Duration, opts ...Option) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("empty queue root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storageErr("create root", err)
	}
	o := applyOptions(opts)
	locker := durablelog.NewLocker(o.lockWait)
	return &FileBackend{
		root:    root,
		timeout: visibilityTimeout,
		opts:    o,
		locker:  locker,
		log:     durablelog.NewLog(locker),
	}, nil
}

func (b *FileBackend) Kind() string { return "file" }

func (b *FileBackend) Open(ctx context.Context, name string, create bool) (Store, Gate, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, nil, err
	}
	dir := filepath.Join(b.root, name)
	if create {
		if err := b.create(ctx, dir); err != nil {
			return nil, nil, err
		}
	} else if _, err := os.Stat(filepath.Join(dir, fileSemaphore)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrQueueNotFound
		}
		return nil, nil, storageErr("stat queue", err)
	}
	return b.newStore(name, dir), b.newGate(dir), nil
}

func (b *FileBackend) create(ctx context.Context, dir string) error {
	unlock, err := b.locker.Lock(ctx, filepath.Join(b.root, fileRootLock))
	if err != nil {
		return storageErr("lock root", err)
	}
	defer unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storageErr("create queue", err)
	}
	for _, name := range []string{fileMessages, fileInFlight, fileCounters, fileSemaphore} {
		if err := durablelog.CreateFile(filepath.Join(dir, name)); err != nil {
			return storageErr("create queue", err)
		}
	}
	_, closed, err := durablelog.NewSemaphore(b.locker, filepath.Join(dir, fileSemaphore)).Count(ctx)
	if err != nil {
		return storageErr("create queue", err)
	}
	if closed {
		return ErrQueueDeleting
	}
	return nil
}

// Destroy moves the queue directory aside before removing it, so concurrent
// lookups by name see either the whole queue or nothing.
func (b *FileBackend) Destroy(ctx context.Context, name string) error {
	unlock, err := b.locker.Lock(ctx, filepath.Join(b.root, fileRootLock))
	if err != nil {
		return storageErr("lock root", err)
	}
	defer unlock()

	dir := filepath.Join(b.root, name)
	trash := filepath.Join(b.root, trashPrefix+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return storageErr("destroy queue", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return storageErr("destroy queue", err)
	}
	return nil
}

func (b *FileBackend) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, storageErr("list queues", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || ValidateQueueName(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.root, e.Name(), fileSemaphore)); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) newStore(name, dir string) *FileStore {
	return &FileStore{
		name:     name,
		dir:      dir,
		timeout:  b.timeout,
		opts:     b.opts,
		locker:   b.locker,
		log:      b.log,
		ids:      NewFileIDs(b.locker, filepath.Join(dir, fileCounters)),
		messages: filepath.Join(dir, fileMessages),
		inFlight: filepath.Join(dir, fileInFlight),
	}
}

func (b *FileBackend) newGate(dir string) *fileGate {
	return &fileGate{
		dir:    dir,
		sem:    durablelog.NewSemaphore(b.locker, filepath.Join(dir, fileSemaphore)),
		logger: b.opts.logger,
		poll:   b.opts.drainPoll,
	}
}

// FileStore is one queue of a FileBackend. Expiry is lazy: every Send,
// Receive and Delete first sweeps in-flight records older than the
// visibility timeout back to the head of the mailbox.
//
// State transitions that touch both record files run under the queue lock
// and write the destination before removing from the source, so a crash
// may duplicate a message but never loses one.
type FileStore struct {
	name     string
	dir      string
	timeout  time.Duration
	opts     options
	locker   *durablelog.Locker
	log      *durablelog.Log
	ids      IDGenerator
	messages string
	inFlight string
}

func (s *FileStore) Send(ctx context.Context, body []byte) (string, error) {
	if err := s.withQueueLock(ctx, "send", s.sweepLocked); err != nil {
		return "", err
	}
	id, err := s.ids.NextMessageID(ctx)
	if err != nil {
		return "", s.mapErr("send", err)
	}
	if err := s.log.Append(ctx, s.messages, durablelog.Record{ID: id, Body: body}); err != nil {
		return "", s.mapErr("send", err)
	}
	return id, nil
}

func (s *FileStore) Receive(ctx context.Context) (Message, bool, error) {
	var (
		msg Message
		ok  bool
	)
	err := s.withQueueLock(ctx, "receive", func(ctx context.Context) error {
		if err := s.sweepLocked(ctx); err != nil {
			return err
		}
		visible, err := s.log.ReadAll(ctx, s.messages)
		if err != nil {
			return err
		}
		if len(visible) == 0 {
			return nil
		}
		handle, err := s.ids.NextReceiptHandle(ctx)
		if err != nil {
			return err
		}
		head := visible[0]
		head.ReceiptHandle = handle
		head.InFlightSince = s.opts.nowFn()
		if err := s.log.Append(ctx, s.inFlight, head); err != nil {
			return err
		}
		if _, err := s.log.ExtractMatching(ctx, s.messages, func(r durablelog.Record) bool {
			return r.ID == head.ID
		}); err != nil {
			return err
		}
		msg = Message{ID: head.ID, Body: head.Body, ReceiptHandle: handle}
		ok = true
		return nil
	})
	return msg, ok, err
}

func (s *FileStore) Delete(ctx context.Context, receiptHandle string) (bool, error) {
	if receiptHandle == "" {
		return false, nil
	}
	var deleted bool
	err := s.withQueueLock(ctx, "delete", func(ctx context.Context) error {
		if err := s.sweepLocked(ctx); err != nil {
			return err
		}
		removed, err := s.log.ExtractMatching(ctx, s.inFlight, func(r durablelog.Record) bool {
			return r.ReceiptHandle == receiptHandle
		})
		deleted = len(removed) > 0
		return err
	})
	return deleted, err
}

func (s *FileStore) Expire(ctx context.Context, receiptHandle string) (bool, error) {
	if receiptHandle == "" {
		return false, nil
	}
	var expired bool
	err := s.withQueueLock(ctx, "expire", func(ctx context.Context) error {
		n, err := s.requeueLocked(ctx, func(r durablelog.Record) bool {
			return r.ReceiptHandle == receiptHandle
		})
		expired = n > 0
		return err
	})
	return expired, err
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) sweepLocked(ctx context.Context) error {
	now := s.opts.nowFn()
	n, err := s.requeueLocked(ctx, func(r durablelog.Record) bool {
		return now.Sub(r.InFlightSince) >= s.timeout
	})
	if err != nil {
		return err
	}
	if n > 0 {
		s.opts.logger.Debug("message_expired", slog.String("queue", s.name), slog.Int("count", n))
		s.opts.expired(s.name, n)
	}
	return nil
}

// requeueLocked moves the in-flight records accepted by match to the head of
// the mailbox as if each had timed out in receive order: the most recently
// received record ends up first.
func (s *FileStore) requeueLocked(ctx context.Context, match func(durablelog.Record) bool) (int, error) {
	records, err := s.log.ReadAll(ctx, s.inFlight)
	if err != nil {
		return 0, err
	}
	var (
		back    []durablelog.Record
		handles = make(map[string]struct{})
	)
	for i := len(records) - 1; i >= 0; i-- {
		if r := records[i]; match(r) {
			back = append(back, r.Visible())
			handles[r.ReceiptHandle] = struct{}{}
		}
	}
	if len(back) == 0 {
		return 0, nil
	}
	if err := s.log.Prepend(ctx, s.messages, back...); err != nil {
		return 0, err
	}
	if _, err := s.log.ExtractMatching(ctx, s.inFlight, func(r durablelog.Record) bool {
		_, ok := handles[r.ReceiptHandle]
		return ok
	}); err != nil {
		return 0, err
	}
	return len(back), nil
}

func (s *FileStore) withQueueLock(ctx context.Context, op string, fn func(context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, filepath.Join(s.dir, fileQueueLock))
	if err != nil {
		return s.mapErr(op, err)
	}
	defer unlock()
	if err := fn(ctx); err != nil {
		return s.mapErr(op, err)
	}
	return nil
}

func (s *FileStore) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return ErrQueueNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return storageErr(fmt.Sprintf("file %s %s", op, s.name), err)
	}
}

// fileGate keeps the admission count in the queue's semaphore file so that
// every process sharing the directory takes part in drain-before-delete.
type fileGate struct {
	dir    string
	sem    *durablelog.Semaphore
	logger *slog.Logger
	poll   time.Duration
}

func (g *fileGate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Increment(ctx); err != nil {
		if errors.Is(err, durablelog.ErrSemaphoreClosed) || errors.Is(err, fs.ErrNotExist) {
			return nil, ErrQueueNotFound
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, storageErr("gate acquire", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := g.sem.Decrement(context.Background()); err != nil {
				g.logger.Error("storage_error",
					slog.String("op", "gate_release"),
					slog.String("dir", g.dir),
					slog.Any("err", err),
				)
			}
		})
	}, nil
}

// Drain closes the semaphore and waits for its count to reach zero. Writes to
// the semaphore file wake the waiter through fsnotify; a backoff-paced
// re-check covers platforms where events are unavailable or coalesced.
func (g *fileGate) Drain(ctx context.Context) error {
	remaining, err := g.sem.Close(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return storageErr("gate drain", err)
	}
	if remaining == 0 {
		return nil
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	w, err := fsnotify.NewWatcher()
	if err == nil {
		defer w.Close()
		if err := w.Add(g.dir); err == nil {
			events, errs = w.Events, w.Errors
		} else {
			g.logger.Warn("drain_watch_disabled", slog.String("dir", g.dir), slog.Any("err", err))
		}
	} else {
		g.logger.Warn("drain_watch_disabled", slog.String("dir", g.dir), slog.Any("err", err))
	}
	return g.waitDrained(ctx, events, errs)
}

// waitDrained re-checks the semaphore on every event naming it and on a
// backoff-paced timer until its count reaches zero. Watch errors are logged
// and waiting continues.
func (g *fileGate) waitDrained(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = g.poll
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != fileSemaphore {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				g.logger.Warn("drain_watch_error", slog.String("dir", g.dir), slog.Any("err", err))
			}
			continue
		case <-timer.C:
			timer.Reset(b.NextBackOff())
		}

		count, _, err := g.sem.Count(ctx)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return storageErr("gate drain", err)
		}
		if count == 0 {
			return nil
		}
	}
}
