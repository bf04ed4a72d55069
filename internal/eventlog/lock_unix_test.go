//go:build unix

package eventlog

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if _, err := Open(path, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open err=%v, want ErrLocked", err)
	}
}
