package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingUploader struct {
	mu       sync.Mutex
	paths    []string
	failures int
}

func (u *recordingUploader) UploadFile(_ context.Context, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return errors.New("transient")
	}
	u.paths = append(u.paths, localPath)
	return nil
}

func (u *recordingUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

func writeRolled(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	var out []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(n), 0644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
		out = append(out, p)
	}
	return out
}

func TestNew_Disabled(t *testing.T) {
	t.Parallel()

	a, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if a != nil {
		t.Fatal("expected nil archiver without a bucket")
	}
}

func TestArchiver_UploadsAndPrunes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeRolled(t, dir, "a.jsonl.zst", "b.jsonl.zst", "c.jsonl.zst")
	u := &recordingUploader{failures: 1}
	a := NewWithUploader(u, Config{KeepLocal: 1, RetryDelay: time.Millisecond}, nil)

	for _, f := range files {
		if !a.Submit(f) {
			t.Fatalf("Submit(%s) rejected", f)
		}
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := u.uploaded(); len(got) != 3 || got[0] != files[0] {
		t.Fatalf("uploaded = %v", got)
	}
	for i, f := range files {
		_, err := os.Stat(f)
		if kept := err == nil; kept != (i == 2) {
			t.Errorf("%s kept=%v", filepath.Base(f), kept)
		}
	}
	if a.Submit(files[2]) {
		t.Fatal("Submit accepted after Stop")
	}
}

func TestArchiver_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := writeRolled(t, dir, "x.jsonl")
	u := &recordingUploader{failures: 5}
	a := NewWithUploader(u, Config{Attempts: 2, RetryDelay: time.Millisecond, KeepLocal: 1}, nil)
	defer a.Stop(context.Background())

	if err := a.RunOnce(context.Background(), files[0]); err == nil {
		t.Fatal("expected upload error")
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Fatalf("failed upload removed the local file: %v", err)
	}
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightUpload(t *testing.T) {
	t.Parallel()

	uploader := &blockingUploader{started: make(chan struct{})}
	a := NewWithUploader(uploader, Config{Attempts: 1}, nil)
	a.Submit(filepath.Join(t.TempDir(), "rolled.jsonl"))

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Stop(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Stop error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; upload likely not canceled")
	}
}
