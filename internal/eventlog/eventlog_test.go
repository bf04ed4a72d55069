package eventlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

func testRecord(provider string, id uint16) *model.TraceRecord {
	return &model.TraceRecord{
		Provider:  provider,
		EventID:   id,
		Level:     model.LevelInformational,
		Keywords:  0x10,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, int(id)*1000, time.UTC),
		Payload: model.Payload{
			{Name: "path", Value: "/tmp/x"},
			{Name: "count", Value: uint64(id)},
		},
	}
}

func readAll(t *testing.T, l *Log, after uint64) []model.TraceRecord {
	t.Helper()
	var out []model.TraceRecord
	if err := l.ReadFrom(after, func(r model.TraceRecord) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	return out
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "events.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	var last uint64
	for i := 1; i <= 5; i++ {
		rec := testRecord("Kernel-File", uint16(i))
		seq, err := l.Append(rec)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if seq <= last {
			t.Fatalf("sequence did not advance: last=%d seq=%d", last, seq)
		}
		if rec.Sequence != seq {
			t.Fatalf("record sequence=%d, want %d", rec.Sequence, seq)
		}
		last = seq
	}
	if got := l.Pending(); got != 5 {
		t.Fatalf("Pending=%d, want 5", got)
	}
	if got := l.LastSequence(); got != last {
		t.Fatalf("LastSequence=%d, want %d", got, last)
	}
}

func TestReplayAfterRestartWithoutTrim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := l.Append(testRecord("Kernel-Process", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })

	got := readAll(t, l2, l2.Trimmed())
	if len(got) != 4 {
		t.Fatalf("replayed %d records, want 4", len(got))
	}
	for i, r := range got {
		if r.Sequence != uint64(i+1) || r.EventID != uint16(i+1) {
			t.Fatalf("record %d: seq=%d id=%d", i, r.Sequence, r.EventID)
		}
		if r.Provider != "Kernel-Process" {
			t.Fatalf("record %d provider=%q", i, r.Provider)
		}
		if v, ok := r.Payload.Get("path"); !ok || v != "/tmp/x" {
			t.Fatalf("record %d payload path=%v", i, v)
		}
		want := time.Date(2026, 3, 1, 12, 0, 0, (i+1)*1000, time.UTC)
		if !r.Timestamp.Equal(want) {
			t.Fatalf("record %d timestamp=%v, want %v", i, r.Timestamp, want)
		}
	}

	seq, err := l2.Append(testRecord("Kernel-Process", 5))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 5 {
		t.Fatalf("seq after reopen=%d, want 5", seq)
	}
}

func TestTrimIsDurableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 6; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.TrimTo(4); err != nil {
		t.Fatalf("TrimTo: %v", err)
	}
	if err := l.TrimTo(2); err != nil {
		t.Fatalf("TrimTo backwards: %v", err)
	}
	if got := l.Trimmed(); got != 4 {
		t.Fatalf("Trimmed=%d, want 4", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })

	got := readAll(t, l2, l2.Trimmed())
	if len(got) != 2 || got[0].Sequence != 5 || got[1].Sequence != 6 {
		t.Fatalf("replay after trim=%v, want seq 5,6", sequences(got))
	}
}

func TestTrimSyncsDirectory(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "events.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	orig := syncDir
	t.Cleanup(func() { syncDir = orig })
	var synced []string
	syncDir = func(d string) error {
		synced = append(synced, d)
		return orig(d)
	}
	if err := l.TrimTo(1); err != nil {
		t.Fatalf("TrimTo: %v", err)
	}
	if len(synced) == 0 || synced[0] != dir {
		t.Fatalf("synced=%v, want %s", synced, dir)
	}

	syncDir = func(string) error { return errors.New("disk gone") }
	if err := l.TrimTo(2); err == nil {
		t.Fatal("TrimTo succeeded although the directory sync failed")
	}
	if got := l.Trimmed(); got != 1 {
		t.Fatalf("Trimmed=%d after failed trim, want 1", got)
	}
}

func TestTrimEverythingTruncatesAndKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.TrimTo(3); err != nil {
		t.Fatalf("TrimTo: %v", err)
	}
	if got := l.Size(); got != 0 {
		t.Fatalf("Size after full trim=%d, want 0", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })
	seq, err := l2.Append(testRecord("p", 4))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 4 {
		t.Fatalf("seq after full trim=%d, want 4", seq)
	}
}

func TestCompactionKeepsPendingFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{CompactThreshold: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	for i := 1; i <= 10; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	before := l.Size()
	if err := l.TrimTo(7); err != nil {
		t.Fatalf("TrimTo: %v", err)
	}
	if l.Size() >= before {
		t.Fatalf("Size=%d not reduced from %d", l.Size(), before)
	}
	if _, err := l.Append(testRecord("p", 11)); err != nil {
		t.Fatalf("Append after compact: %v", err)
	}

	got := readAll(t, l, l.Trimmed())
	want := []uint64{8, 9, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("records=%v, want %v", sequences(got), want)
	}
	for i := range want {
		if got[i].Sequence != want[i] {
			t.Fatalf("records=%v, want %v", sequences(got), want)
		}
	}
}

func TestOpenDropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash in the middle of writing a third frame.
	frame, err := encodeFrame(3, testRecord("p", 3))
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for torn write: %v", err)
	}
	if _, err := f.Write(frame[:len(frame)/2]); err != nil {
		t.Fatalf("torn write: %v", err)
	}
	_ = f.Close()

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })

	got := readAll(t, l2, 0)
	if len(got) != 2 {
		t.Fatalf("replayed %v, want seq 1,2", sequences(got))
	}
	seq, err := l2.Append(testRecord("p", 3))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 3 {
		t.Fatalf("seq=%d, want 3", seq)
	}
	if got := readAll(t, l2, 0); len(got) != 3 {
		t.Fatalf("replayed %v after append, want 3 records", sequences(got))
	}
}

func TestOpenStopsAtCorruptFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(testRecord("p", uint16(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	size := l.Size()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[size-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })
	if got := readAll(t, l2, 0); len(got) != 2 {
		t.Fatalf("replayed %v, want seq 1,2", sequences(got))
	}
}

func TestClosedLogRejectsOperations(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "events.log"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := l.Append(testRecord("p", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append err=%v, want ErrClosed", err)
	}
	if err := l.TrimTo(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("TrimTo err=%v, want ErrClosed", err)
	}
}

func sequences(recs []model.TraceRecord) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Sequence
	}
	return out
}
