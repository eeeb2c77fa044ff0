package queue

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/nuetzliches/lqs/internal/durablelog"
)

// IDGenerator issues message ids and receipt handles. Every call returns a
// value never returned before by the same generator.
type IDGenerator interface {
	NextMessageID(ctx context.Context) (string, error)
	NextReceiptHandle(ctx context.Context) (string, error)
}

// CounterIDs is the in-memory generator: two independent counters starting
// at zero. Uniqueness holds for the lifetime of the value.
type CounterIDs struct {
	messages atomic.Uint64
	handles  atomic.Uint64
}

func (g *CounterIDs) NextMessageID(context.Context) (string, error) {
	return strconv.FormatUint(g.messages.Add(1)-1, 10), nil
}

func (g *CounterIDs) NextReceiptHandle(context.Context) (string, error) {
	return strconv.FormatUint(g.handles.Add(1)-1, 10), nil
}

const (
	counterSlotMessage = iota
	counterSlotHandle
	counterSlots
)

// FileIDs persists both counters in a lock-protected file, so processes
// sharing a queue directory never observe duplicate values.
type FileIDs struct {
	counters *durablelog.Counters
}

func NewFileIDs(locker *durablelog.Locker, path string) *FileIDs {
	return &FileIDs{counters: durablelog.NewCounters(locker, path, counterSlots)}
}

func (g *FileIDs) NextMessageID(ctx context.Context) (string, error) {
	return g.next(ctx, counterSlotMessage)
}

func (g *FileIDs) NextReceiptHandle(ctx context.Context) (string, error) {
	return g.next(ctx, counterSlotHandle)
}

func (g *FileIDs) next(ctx context.Context, slot int) (string, error) {
	v, err := g.counters.Next(ctx, slot)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(v, 10), nil
}
