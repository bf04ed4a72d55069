package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/tracepush/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755

	// DefaultCompactThreshold is the size of the trimmed prefix that triggers
	// a rewrite of the log file.
	DefaultCompactThreshold = 8 << 20
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("eventlog: closed")

// Options tune a Log.
type Options struct {
	// CompactThreshold is the number of trimmed bytes at the head of the file
	// that triggers compaction. Zero uses DefaultCompactThreshold.
	CompactThreshold int64
	// NoLock skips the exclusive lock on the log file.
	NoLock bool
}

type frameRef struct {
	seq uint64
	end int64
}

// Log is a durable append-only record of trace events that have not yet been
// delivered. Frames are length-prefixed and checksummed; the last delivered
// sequence is kept in a sidecar file that is replaced atomically.
type Log struct {
	mu        sync.Mutex
	path      string
	trimPath  string
	file      *os.File
	unlock    func()
	threshold int64

	size    int64
	head    int64 // offset of the first untrimmed frame
	frames  []frameRef
	nextSeq uint64
	trimmed uint64
	readers int
}

// Open creates or opens the log at path. A torn or corrupt tail is cut off,
// and frames at or below the trim pointer are compacted away.
func Open(path string, opts Options) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("eventlog: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}

	unlock := func() {}
	if !opts.NoLock {
		u, err := lockFile(path + ".lock")
		if err != nil {
			return nil, err
		}
		unlock = u
	}

	l, err := open(path, opts)
	if err != nil {
		unlock()
		return nil, err
	}
	l.unlock = unlock
	return l, nil
}

func open(path string, opts Options) (*Log, error) {
	trimPath := path + ".trim"
	trimmed, err := readTrimmed(trimPath)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}

	l := &Log{
		path:      path,
		trimPath:  trimPath,
		file:      f,
		threshold: opts.CompactThreshold,
		trimmed:   trimmed,
	}
	if l.threshold <= 0 {
		l.threshold = DefaultCompactThreshold
	}

	var maxSeq uint64
	valid, err := scanFrames(f, -1, func(seq uint64, end int64, _ []byte) error {
		if seq > maxSeq {
			maxSeq = seq
		}
		if seq <= trimmed {
			l.head = end
			return nil
		}
		l.frames = append(l.frames, frameRef{seq: seq, end: end})
		return nil
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("eventlog: stat: %w", err)
	}
	if info.Size() > valid {
		log.Printf("eventlog: dropping %d bytes of torn tail in %s", info.Size()-valid, path)
		if err := f.Truncate(valid); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("eventlog: truncate tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("eventlog: sync tail: %w", err)
		}
	}
	l.size = valid

	l.nextSeq = maxSeq + 1
	if trimmed+1 > l.nextSeq {
		l.nextSeq = trimmed + 1
	}

	if l.head > 0 {
		if err := l.compactLocked(); err != nil {
			_ = l.file.Close()
			return nil, err
		}
	}
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		_ = l.file.Close()
		return nil, fmt.Errorf("eventlog: seek: %w", err)
	}
	return l, nil
}

// Append durably writes rec, assigns its sequence number and returns it.
// The record is synced to disk before Append returns.
func (l *Log) Append(rec *model.TraceRecord) (uint64, error) {
	if rec == nil {
		return 0, errors.New("eventlog: nil record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, ErrClosed
	}

	seq := l.nextSeq
	rec.Sequence = seq
	frame, err := encodeFrame(seq, rec)
	if err != nil {
		rec.Sequence = 0
		return 0, err
	}

	if _, err := l.file.Write(frame); err != nil {
		rec.Sequence = 0
		l.rollbackLocked()
		return 0, fmt.Errorf("eventlog: write frame: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		rec.Sequence = 0
		l.rollbackLocked()
		return 0, fmt.Errorf("eventlog: sync frame: %w", err)
	}

	l.nextSeq++
	l.size += int64(len(frame))
	l.frames = append(l.frames, frameRef{seq: seq, end: l.size})
	return seq, nil
}

// rollbackLocked cuts a partially written frame so later appends stay aligned.
func (l *Log) rollbackLocked() {
	if err := l.file.Truncate(l.size); err != nil {
		log.Printf("eventlog: rollback truncate: %v", err)
		return
	}
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		log.Printf("eventlog: rollback seek: %v", err)
	}
}

// ReadFrom calls fn, in sequence order, for every retained record whose
// sequence is greater than after. It reads a snapshot of the file taken
// when the call starts.
func (l *Log) ReadFrom(after uint64, fn func(model.TraceRecord) error) error {
	if fn == nil {
		return errors.New("eventlog: read callback is nil")
	}

	l.mu.Lock()
	if l.file == nil {
		l.mu.Unlock()
		return ErrClosed
	}
	path := l.path
	limit := l.size
	l.readers++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.readers--
		l.mu.Unlock()
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("eventlog: open for read: %w", err)
	}
	defer f.Close()

	_, err = scanFrames(f, limit, func(seq uint64, _ int64, payload []byte) error {
		if seq <= after {
			return nil
		}
		rec, derr := decodeRecord(payload)
		if derr != nil {
			return derr
		}
		rec.Sequence = seq
		return fn(rec)
	})
	return err
}

// TrimTo marks every record with sequence <= seq as delivered. The trim
// pointer is durable before TrimTo returns.
func (l *Log) TrimTo(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if seq <= l.trimmed {
		return nil
	}
	if seq >= l.nextSeq {
		return fmt.Errorf("eventlog: trim %d beyond last sequence %d", seq, l.nextSeq-1)
	}

	if err := writeTrimmed(l.trimPath, seq); err != nil {
		return err
	}
	l.trimmed = seq

	n := 0
	for n < len(l.frames) && l.frames[n].seq <= seq {
		l.head = l.frames[n].end
		n++
	}
	l.frames = append(l.frames[:0], l.frames[n:]...)

	if l.readers > 0 {
		return nil
	}
	if len(l.frames) == 0 || l.head >= l.threshold {
		if err := l.compactLocked(); err != nil {
			// The trim pointer is already durable; reclaiming space can wait.
			log.Printf("eventlog: compact: %v", err)
		}
	}
	return nil
}

// Trimmed returns the highest delivered sequence number.
func (l *Log) Trimmed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimmed
}

// LastSequence returns the sequence of the most recently appended record,
// or the trim pointer when nothing newer was appended.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Pending returns the number of appended records not yet trimmed.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Size returns the current size of the log file in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close closes the log file and releases its lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if l.unlock != nil {
		l.unlock()
		l.unlock = nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: close: %w", err)
	}
	return nil
}

// compactLocked drops the trimmed head of the file. When nothing is pending
// the file is truncated in place; otherwise the tail is copied to a new file
// that replaces the old one.
func (l *Log) compactLocked() error {
	if l.head == 0 {
		return nil
	}
	if len(l.frames) == 0 {
		if err := l.file.Truncate(0); err != nil {
			return fmt.Errorf("eventlog: truncate: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("eventlog: sync truncate: %w", err)
		}
		if _, err := l.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("eventlog: seek: %w", err)
		}
		l.size, l.head = 0, 0
		return nil
	}

	tmpPath := l.path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return fmt.Errorf("eventlog: open compact tmp: %w", err)
	}
	src := io.NewSectionReader(l.file, l.head, l.size-l.head)
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("eventlog: compact copy: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("eventlog: compact sync: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("eventlog: compact rename: %w", err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		log.Printf("eventlog: sync dir: %v", err)
	}

	_ = l.file.Close()
	l.file = dst
	shift := l.head
	for i := range l.frames {
		l.frames[i].end -= shift
	}
	l.size -= shift
	l.head = 0
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		return fmt.Errorf("eventlog: seek: %w", err)
	}
	return nil
}

func readTrimmed(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventlog: read trim file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("eventlog: parse trim seq: %w", err)
	}
	return seq, nil
}

func writeTrimmed(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("eventlog: open trim tmp: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatUint(seq, 10) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("eventlog: write trim tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("eventlog: sync trim tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("eventlog: close trim tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("eventlog: rename trim file: %w", err)
	}
	// The rename is only durable once the directory entry is.
	if err := syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("eventlog: sync trim dir: %w", err)
	}
	return nil
}

// syncDir is replaced in tests.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
