package durablelog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "messages")
	if err := CreateFile(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	return NewLog(NewLocker(2 * time.Second)), path
}

func TestLog_AppendPrependExtract(t *testing.T) {
	l, path := newTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, path, Record{ID: "0", Body: []byte("a")}, Record{ID: "1", Body: []byte("b")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	since := time.UnixMilli(1_700_000_000_000)
	if err := l.Prepend(ctx, path, Record{ID: "2", Body: []byte("c:\nd"), ReceiptHandle: "7", InFlightSince: since}); err != nil {
		t.Fatalf("prepend: %v", err)
	}

	got, err := l.ReadAll(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records=%d, want 3", len(got))
	}
	if got[0].ID != "2" || got[1].ID != "0" || got[2].ID != "1" {
		t.Fatalf("order=%s,%s,%s, want 2,0,1", got[0].ID, got[1].ID, got[2].ID)
	}
	if string(got[0].Body) != "c:\nd" {
		t.Fatalf("body=%q, want %q", got[0].Body, "c:\nd")
	}
	if got[0].ReceiptHandle != "7" || !got[0].InFlightSince.Equal(since) {
		t.Fatalf("in-flight fields=%q/%s", got[0].ReceiptHandle, got[0].InFlightSince)
	}
	if got[1].InFlight() {
		t.Fatalf("record 0 should be visible")
	}

	matched, err := l.ExtractMatching(ctx, path, func(r Record) bool { return r.ID != "0" })
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("matched=%d, want 2", len(matched))
	}
	rest, err := l.ReadAll(ctx, path)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "0" {
		t.Fatalf("rest=%v, want only 0", rest)
	}
}

func TestLog_ExtractNoMatchLeavesFile(t *testing.T) {
	l, path := newTestLog(t)
	ctx := context.Background()
	if err := l.Append(ctx, path, Record{ID: "0", Body: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, _ := os.Stat(path)

	matched, err := l.ExtractMatching(ctx, path, func(Record) bool { return false })
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(matched) != 0 {
		t.Fatalf("matched=%d, want 0", len(matched))
	}
	after, _ := os.Stat(path)
	if !os.SameFile(before, after) {
		t.Fatalf("file should not be rewritten when nothing matches")
	}
}

func TestLog_IgnoresTornTrailingLine(t *testing.T) {
	l, path := newTestLog(t)
	if err := os.WriteFile(path, []byte("0:0::YQ==\n1:0::Y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := l.ReadAll(context.Background(), path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].ID != "0" {
		t.Fatalf("records=%v, want only 0", got)
	}
}

func TestLog_AppendAfterTornLine(t *testing.T) {
	for _, torn := range []string{"0:0::YQ==\n1:0::Y", "1:0::Y"} {
		l, path := newTestLog(t)
		ctx := context.Background()
		if err := os.WriteFile(path, []byte(torn), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Append(ctx, path, Record{ID: "2", Body: []byte("b")}); err != nil {
			t.Fatalf("append after %q: %v", torn, err)
		}
		got, err := l.ReadAll(ctx, path)
		if err != nil {
			t.Fatalf("read after %q: %v", torn, err)
		}
		if len(got) == 0 || got[len(got)-1].ID != "2" || string(got[len(got)-1].Body) != "b" {
			t.Fatalf("torn %q: records=%v, want appended record 2 last", torn, got)
		}
		if torn[0] == '0' && (len(got) != 2 || got[0].ID != "0") {
			t.Fatalf("torn %q: records=%v, want 0 and 2", torn, got)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read file: %v", err)
		}
		if bytes.Contains(data, []byte("1:0::Y")) {
			t.Fatalf("torn remainder kept in %q", data)
		}
	}
}

func TestLog_CorruptRecord(t *testing.T) {
	l, path := newTestLog(t)
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := l.ReadAll(context.Background(), path)
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("err=%v, want ErrCorruptRecord", err)
	}
}

func TestLog_MissingFile(t *testing.T) {
	l := NewLog(NewLocker(time.Second))
	_, err := l.ReadAll(context.Background(), filepath.Join(t.TempDir(), "gone", "messages"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestLog_ConcurrentAppendsKeepEveryRecord(t *testing.T) {
	l, path := newTestLog(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := string(rune('a'+w)) + "-" + string(rune('0'+i%10))
				if err := l.Append(ctx, path, Record{ID: id, Body: []byte("x")}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := l.ReadAll(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("records=%d, want %d", len(got), writers*perWriter)
	}
}
