package durablelog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Log performs atomic operations over record files. Each operation holds the
// file's lock for its whole read-modify-write cycle.
type Log struct {
	locker *Locker
}

func NewLog(locker *Locker) *Log {
	return &Log{locker: locker}
}

// ReadAll returns every record of path in file order.
func (l *Log) ReadAll(ctx context.Context, path string) ([]Record, error) {
	unlock, err := l.locker.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return readRecords(path)
}

// ExtractMatching removes the records accepted by match from path and returns
// them. The file is rewritten with the remaining records only.
func (l *Log) ExtractMatching(ctx context.Context, path string, match func(Record) bool) ([]Record, error) {
	unlock, err := l.locker.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	var matched, kept []Record
	for _, r := range records {
		if match(r) {
			matched = append(matched, r)
		} else {
			kept = append(kept, r)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	if err := writeFileAtomic(path, encodeRecords(kept)); err != nil {
		return nil, err
	}
	return matched, nil
}

// Append adds records to the end of path. The remainder of an earlier
// interrupted append is cut off first so the new records start on a line of
// their own.
func (l *Log) Append(ctx context.Context, path string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	unlock, err := l.locker.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	end, err := trimTornTail(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if _, err := f.WriteAt(encodeRecords(records), end); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// Prepend adds records to the beginning of path, keeping their order.
func (l *Log) Prepend(ctx context.Context, path string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	unlock, err := l.locker.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := readRecords(path)
	if err != nil {
		return err
	}
	out := make([]Record, 0, len(records)+len(existing))
	out = append(out, records...)
	out = append(out, existing...)
	return writeFileAtomic(path, encodeRecords(out))
}

// trimTornTail truncates f after its last newline when it does not end with
// one and returns the offset new records are written at.
func trimTornTail(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return size, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
		return 0, err
	}
	end := int64(bytes.LastIndexByte(data, '\n') + 1)
	if err := f.Truncate(end); err != nil {
		return 0, err
	}
	return end, nil
}

func readRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

// writeFileAtomic replaces path through a synced temp file and a rename, so
// readers observe either the old or the new content. Callers hold the lock
// of path, which makes the fixed temp name safe.
func writeFileAtomic(path string, data []byte) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// CreateFile creates an empty file at path unless it already exists.
func CreateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}
