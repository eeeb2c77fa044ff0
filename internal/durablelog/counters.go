package durablelog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Counters is a file of monotonically increasing counters, one per line.
// Missing lines read as zero.
type Counters struct {
	locker *Locker
	path   string
	slots  int
}

func NewCounters(locker *Locker, path string, slots int) *Counters {
	return &Counters{locker: locker, path: path, slots: slots}
}

// Next returns the current value of slot and persists its increment.
func (c *Counters) Next(ctx context.Context, slot int) (uint64, error) {
	if slot < 0 || slot >= c.slots {
		return 0, fmt.Errorf("counters %s: slot %d out of range", c.path, slot)
	}
	unlock, err := c.locker.Lock(ctx, c.path)
	if err != nil {
		return 0, err
	}
	defer unlock()

	values, err := c.read()
	if err != nil {
		return 0, err
	}
	cur := values[slot]
	values[slot]++
	if err := c.write(values); err != nil {
		return 0, err
	}
	return cur, nil
}

func (c *Counters) read() ([]uint64, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.path, err)
	}
	values := make([]uint64, c.slots)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := 0; i < len(lines) && i < c.slots; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		v, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d", ErrCorruptRecord, c.path, i+1)
		}
		values[i] = v
	}
	return values, nil
}

func (c *Counters) write(values []uint64) error {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(strconv.FormatUint(v, 10))
		b.WriteByte('\n')
	}
	return writeFileAtomic(c.path, []byte(b.String()))
}
