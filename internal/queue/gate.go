package queue

import (
	"context"
	"sync"
)

// countGate is the process-local Gate. The last release after Drain closes
// drained, so Drain blocks without polling.
type countGate struct {
	mu      sync.Mutex
	active  int
	closed  bool
	drained chan struct{}
}

func newCountGate() *countGate {
	return &countGate{drained: make(chan struct{})}
}

func (g *countGate) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrQueueNotFound
	}
	g.active++
	var once sync.Once
	return func() { once.Do(g.release) }, nil
}

func (g *countGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.closed && g.active == 0 {
		close(g.drained)
	}
}

func (g *countGate) Drain(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		if g.active == 0 {
			close(g.drained)
		}
	}
	drained := g.drained
	g.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of admitted operations.
func (g *countGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
