package filesink

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

func batchOf(from, n int) model.Batch {
	var b model.Batch
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, model.TraceRecord{
			Sequence:  uint64(from + i),
			Provider:  "Microsoft-Windows-Kernel-Network",
			EventID:   12,
			Level:     model.LevelInformational,
			Timestamp: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
			Payload:   model.Payload{{Name: "size", Value: 1500}, {Name: "daddr", Value: "10.0.0.1"}},
		})
	}
	return b
}

func newTestSink(t *testing.T, opts Options, at *time.Time) *Sink {
	t.Helper()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	s, err := New(opts, Credentials{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if at != nil {
		s.now = func() time.Time { return *at }
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func write(t *testing.T, s *Sink, b model.Batch) {
	t.Helper()
	ok, err := s.Write(context.Background(), b)
	if err != nil || !ok {
		t.Fatalf("Write: ok=%v err=%v", ok, err)
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func readLines(t *testing.T, r io.Reader) []line {
	t.Helper()
	var out []line
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		out = append(out, l)
	}
	return out
}

func TestWriteJSONLines(t *testing.T) {
	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	s := newTestSink(t, Options{}, &at)
	write(t, s, batchOf(1, 3))
	write(t, s, batchOf(4, 2))

	f, err := os.Open(filepath.Join(s.opts.Directory, "2025-03-04_000.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines := readLines(t, f)
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5", len(lines))
	}
	first := lines[0]
	if first.SequenceNo != 1 || first.Level != "Informational" || first.ProviderName != "Microsoft-Windows-Kernel-Network" {
		t.Fatalf("first line = %+v", first)
	}
	if !strings.HasPrefix(first.TimeStamp, "2025-03-04T05:06:07") {
		t.Fatalf("timestamp = %q", first.TimeStamp)
	}
}

func TestReopenAppendsOrStartsNewFile(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	s := newTestSink(t, Options{Directory: dir}, &at)
	write(t, s, batchOf(1, 1))
	s.Close(context.Background())

	s = newTestSink(t, Options{Directory: dir}, &at)
	write(t, s, batchOf(2, 1))
	s.Close(context.Background())
	if got := listDir(t, dir); len(got) != 1 {
		t.Fatalf("files after append restart = %v", got)
	}

	s = newTestSink(t, Options{Directory: dir, NewFileOnStartup: true}, &at)
	write(t, s, batchOf(3, 1))
	s.Close(context.Background())
	want := []string{"2025-03-04_000.jsonl", "2025-03-04_001.jsonl"}
	if got := listDir(t, dir); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", got, want)
	}
}

func TestRollsBySizeAndCompresses(t *testing.T) {
	for _, codec := range []string{CompressGzip, CompressZstd, CompressLZ4} {
		t.Run(codec, func(t *testing.T) {
			at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
			s := newTestSink(t, Options{FileSizeLimitKB: 1, Compression: codec, MaxFileCount: 100}, &at)
			for i := 0; i < 6; i++ {
				write(t, s, batchOf(i*4+1, 4))
			}

			rolled := filepath.Join(s.opts.Directory, "2025-03-04_000.jsonl"+codecSuffix[codec])
			f, err := os.Open(rolled)
			if err != nil {
				t.Fatalf("rolled file missing: %v (dir %v)", err, listDir(t, s.opts.Directory))
			}
			defer f.Close()
			var r io.Reader
			switch codec {
			case CompressGzip:
				gr, err := gzip.NewReader(f)
				if err != nil {
					t.Fatalf("gzip reader: %v", err)
				}
				r = gr
			case CompressZstd:
				zr, err := zstd.NewReader(f)
				if err != nil {
					t.Fatalf("zstd reader: %v", err)
				}
				defer zr.Close()
				r = zr
			case CompressLZ4:
				r = lz4.NewReader(f)
			}
			lines := readLines(t, r)
			if len(lines) == 0 || lines[0].SequenceNo != 1 {
				t.Fatalf("rolled content = %+v", lines)
			}
			if _, err := os.Stat(filepath.Join(s.opts.Directory, "2025-03-04_000.jsonl")); !os.IsNotExist(err) {
				t.Fatalf("uncompressed rolled file still present: %v", err)
			}
		})
	}
}

func TestRollsByPeriod(t *testing.T) {
	at := time.Date(2025, 3, 4, 23, 59, 0, 0, time.UTC)
	s := newTestSink(t, Options{}, &at)
	write(t, s, batchOf(1, 1))
	at = at.Add(2 * time.Minute)
	write(t, s, batchOf(2, 1))

	want := []string{"2025-03-04_000.jsonl", "2025-03-05_000.jsonl"}
	if got := listDir(t, s.opts.Directory); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", got, want)
	}
}

func TestPrunesBeyondMaxFileCount(t *testing.T) {
	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	s := newTestSink(t, Options{FileSizeLimitKB: 1, MaxFileCount: 2}, &at)
	for i := 0; i < 12; i++ {
		write(t, s, batchOf(i*4+1, 4))
	}
	got := listDir(t, s.opts.Directory)
	if len(got) != 2 {
		t.Fatalf("files = %v, want 2", got)
	}
	if got[1] != filepath.Base(s.path) {
		t.Fatalf("current file %s was pruned: %v", filepath.Base(s.path), got)
	}
}

func TestFactoryValidatesOptions(t *testing.T) {
	f := Factory()
	ctx := context.Background()
	_, err := f.Create(ctx, sinkParams(`{"directory": "`+t.TempDir()+`", "compression": "brotli"}`))
	if err == nil {
		t.Fatal("expected error for unknown compression")
	}
	_, err = f.Create(ctx, sinkParams(`{"fileExtension": "log"}`))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	s, err := f.Create(ctx, sinkParams(`{
		// comments are allowed
		"directory": "`+t.TempDir()+`",
		"fileExtension": "log",
	}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close(ctx)
	if ext := s.(*Sink).opts.FileExtension; ext != ".log" {
		t.Fatalf("extension = %q", ext)
	}
}

func TestWriteAfterClose(t *testing.T) {
	s := newTestSink(t, Options{}, nil)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ok, err := s.Write(context.Background(), batchOf(1, 1)); ok || err == nil {
		t.Fatalf("Write after Close: ok=%v err=%v", ok, err)
	}
}

func sinkParams(options string) sink.CreateParams {
	return sink.CreateParams{Name: "disk", Options: json.RawMessage(options)}
}
