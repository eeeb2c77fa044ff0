package durablelog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrSemaphoreClosed reports an admission attempt on a semaphore whose owner
// has started tearing the resource down.
var ErrSemaphoreClosed = errors.New("durablelog: semaphore closed")

const semaphoreClosedMark = "closed"

// Semaphore is a reference count persisted in a file so that processes
// sharing a directory can observe each other's admitted operations. The file
// holds "<count>" or "<count> closed".
type Semaphore struct {
	locker *Locker
	path   string
}

func NewSemaphore(locker *Locker, path string) *Semaphore {
	return &Semaphore{locker: locker, path: path}
}

// Increment admits one holder. It fails with ErrSemaphoreClosed once Close
// was called and with an error wrapping fs.ErrNotExist when the file is gone.
func (s *Semaphore) Increment(ctx context.Context) error {
	return s.update(ctx, func(count int, closed bool) (int, bool, error) {
		if closed {
			return count, closed, ErrSemaphoreClosed
		}
		return count + 1, closed, nil
	})
}

// Decrement releases one holder.
func (s *Semaphore) Decrement(ctx context.Context) error {
	return s.update(ctx, func(count int, closed bool) (int, bool, error) {
		if count > 0 {
			count--
		}
		return count, closed, nil
	})
}

// Close rejects further admissions and returns the number of holders still
// admitted.
func (s *Semaphore) Close(ctx context.Context) (int, error) {
	var remaining int
	err := s.update(ctx, func(count int, _ bool) (int, bool, error) {
		remaining = count
		return count, true, nil
	})
	return remaining, err
}

// Count returns the number of admitted holders and whether the semaphore is
// closed.
func (s *Semaphore) Count(ctx context.Context) (int, bool, error) {
	unlock, err := s.locker.Lock(ctx, s.path)
	if err != nil {
		return 0, false, err
	}
	defer unlock()
	return s.read()
}

func (s *Semaphore) update(ctx context.Context, fn func(count int, closed bool) (int, bool, error)) error {
	unlock, err := s.locker.Lock(ctx, s.path)
	if err != nil {
		return err
	}
	defer unlock()

	count, closed, err := s.read()
	if err != nil {
		return err
	}
	next, nextClosed, err := fn(count, closed)
	if err != nil {
		return err
	}
	if next == count && nextClosed == closed {
		return nil
	}
	line := strconv.Itoa(next)
	if nextClosed {
		line += " " + semaphoreClosedMark
	}
	return writeFileAtomic(s.path, []byte(line+"\n"))
}

func (s *Semaphore) read() (int, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", s.path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false, nil
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 0 {
		return 0, false, fmt.Errorf("%w: %s", ErrCorruptRecord, s.path)
	}
	closed := len(fields) > 1 && fields[1] == semaphoreClosedMark
	return count, closed, nil
}
