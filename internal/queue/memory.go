package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one queue in process memory. Every Receive arms a timer
// that returns the message to the head of the mailbox when the visibility
// timeout elapses; Delete and Expire stop it.
type MemoryStore struct {
	name    string
	timeout time.Duration
	ids     IDGenerator
	opts    options

	mu       sync.Mutex
	mailbox  []Message
	inFlight map[string]*inFlightEntry
	closed   bool
}

type inFlightEntry struct {
	msg   Message
	since time.Time
	timer *time.Timer
}

func NewMemoryStore(name string, visibilityTimeout time.Duration, opts ...Option) *MemoryStore {
	return newMemoryStore(name, visibilityTimeout, applyOptions(opts))
}

func newMemoryStore(name string, visibilityTimeout time.Duration, o options) *MemoryStore {
	if visibilityTimeout < 0 {
		visibilityTimeout = 0
	}
	return &MemoryStore{
		name:     name,
		timeout:  visibilityTimeout,
		ids:      &CounterIDs{},
		opts:     o,
		inFlight: make(map[string]*inFlightEntry),
	}
}

func (s *MemoryStore) Send(ctx context.Context, body []byte) (string, error) {
	id, err := s.ids.NextMessageID(ctx)
	if err != nil {
		return "", err
	}
	msg := Message{ID: id, Body: append([]byte(nil), body...)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrQueueNotFound
	}
	s.mailbox = append(s.mailbox, msg)
	return id, nil
}

func (s *MemoryStore) Receive(ctx context.Context) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrQueueNotFound
	}
	if len(s.mailbox) == 0 {
		return Message{}, false, nil
	}

	handle, err := s.ids.NextReceiptHandle(ctx)
	if err != nil {
		return Message{}, false, err
	}
	msg := s.mailbox[0]
	s.mailbox[0] = Message{}
	s.mailbox = s.mailbox[1:]
	msg.ReceiptHandle = handle

	entry := &inFlightEntry{msg: msg, since: s.opts.nowFn()}
	entry.timer = time.AfterFunc(s.timeout, func() { s.timeoutElapsed(handle) })
	s.inFlight[handle] = entry
	return msg, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, receiptHandle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrQueueNotFound
	}
	entry, ok := s.inFlight[receiptHandle]
	if !ok {
		return false, nil
	}
	entry.timer.Stop()
	delete(s.inFlight, receiptHandle)
	return true, nil
}

func (s *MemoryStore) Expire(_ context.Context, receiptHandle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrQueueNotFound
	}
	return s.requeueLocked(receiptHandle), nil
}

// Close stops every pending timer and drops all messages.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, entry := range s.inFlight {
		entry.timer.Stop()
		delete(s.inFlight, handle)
	}
	s.mailbox = nil
	s.closed = true
	return nil
}

// Len returns the number of visible and in-flight messages.
func (s *MemoryStore) Len() (visible, inFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox), len(s.inFlight)
}

func (s *MemoryStore) timeoutElapsed(handle string) {
	s.mu.Lock()
	requeued := !s.closed && s.requeueLocked(handle)
	s.mu.Unlock()
	if requeued {
		s.opts.expired(s.name, 1)
	}
}

func (s *MemoryStore) requeueLocked(handle string) bool {
	entry, ok := s.inFlight[handle]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.inFlight, handle)

	msg := entry.msg
	msg.ReceiptHandle = ""
	s.mailbox = append(s.mailbox, Message{})
	copy(s.mailbox[1:], s.mailbox)
	s.mailbox[0] = msg
	return true
}

// MemoryBackend creates MemoryStores. Its queues live only as long as the
// registry holding them, so Open without create and List find nothing.
type MemoryBackend struct {
	timeout time.Duration
	opts    options
}

func NewMemoryBackend(visibilityTimeout time.Duration, opts ...Option) *MemoryBackend {
	return &MemoryBackend{timeout: visibilityTimeout, opts: applyOptions(opts)}
}

func (b *MemoryBackend) Kind() string { return "memory" }

func (b *MemoryBackend) Open(_ context.Context, name string, create bool) (Store, Gate, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, nil, err
	}
	if !create {
		return nil, nil, ErrQueueNotFound
	}
	return newMemoryStore(name, b.timeout, b.opts), newCountGate(), nil
}

func (b *MemoryBackend) Destroy(context.Context, string) error { return nil }

func (b *MemoryBackend) List(context.Context) ([]string, error) { return nil, nil }

func (b *MemoryBackend) Close() error { return nil }
