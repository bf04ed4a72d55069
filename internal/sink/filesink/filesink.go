// Package filesink writes batches as JSON lines to size- and time-rolled
// files, optionally compressing and archiving rolled files.
package filesink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/tracepush/internal/archive"
	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// Type is the sink type identifier in sink profiles.
const Type = "RollingFileSink"

var errClosed = errors.New("filesink: closed")

// Factory returns the registry factory for rolling file sinks.
func Factory() sink.Factory {
	return sink.FactoryFunc(func(ctx context.Context, p sink.CreateParams) (sink.Sink, error) {
		var opts Options
		if err := sink.DecodeOptions(p.Options, &opts); err != nil {
			return nil, err
		}
		var creds Credentials
		if err := sink.DecodeOptions(p.Credentials, &creds); err != nil {
			return nil, err
		}
		opts.name = p.Name
		return New(opts, creds, p.Logger)
	})
}

// line is the JSON shape of one record in a file.
type line struct {
	SequenceNo   uint64        `json:"sequenceNo"`
	ProviderName string        `json:"providerName"`
	ID           uint16        `json:"id"`
	Keywords     uint64        `json:"keywords"`
	Level        string        `json:"level"`
	Opcode       uint8         `json:"opcode"`
	OpcodeName   string        `json:"opcodeName"`
	TaskName     string        `json:"taskName"`
	TimeStamp    string        `json:"timeStamp"`
	ProcessID    uint32        `json:"processId,omitempty"`
	ThreadID     uint32        `json:"threadId,omitempty"`
	Payload      model.Payload `json:"payload"`
}

// Sink is a rolling JSON-lines file sink.
type Sink struct {
	sink.Lifecycle

	opts     Options
	logger   *log.Logger
	archiver *archive.Archiver
	now      func() time.Time

	mu      sync.Mutex
	closed  bool
	buf     bytes.Buffer
	file    *os.File
	path    string
	period  string
	counter int
	size    int64
}

// New creates the directory and opens the sink. The first file is opened
// lazily on the first write.
func New(opts Options, creds Credentials, logger *log.Logger) (*Sink, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(opts.Directory, 0755); err != nil {
		return nil, fmt.Errorf("filesink: create directory: %w", err)
	}
	arch, err := archive.New(opts.archiveConfig(creds), logger)
	if err != nil {
		return nil, fmt.Errorf("filesink: %w", err)
	}
	return &Sink{
		opts:     opts,
		logger:   logger,
		archiver: arch,
		now:      time.Now,
	}, nil
}

// Write appends the batch to the current file and syncs it.
func (s *Sink) Write(ctx context.Context, batch model.Batch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errClosed
	}

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	for _, r := range batch.Records {
		if err := enc.Encode(toLine(r)); err != nil {
			return false, fmt.Errorf("filesink: encode record %d: %w", r.Sequence, err)
		}
	}

	if err := s.rollIfNeeded(int64(s.buf.Len())); err != nil {
		return false, err
	}
	n, err := s.file.Write(s.buf.Bytes())
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		// Drop the partial tail so a retried batch is not duplicated.
		if terr := s.file.Truncate(s.size); terr != nil {
			s.logger.Printf("filesink: truncate %s: %v", s.path, terr)
		}
		return false, fmt.Errorf("filesink: write %s: %w", s.path, err)
	}
	s.size += int64(n)
	return true, nil
}

// Close closes the current file and drains pending archive uploads until
// ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	if s.archiver != nil {
		if aerr := s.archiver.Stop(ctx); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

func toLine(r model.TraceRecord) line {
	return line{
		SequenceNo:   r.Sequence,
		ProviderName: r.Provider,
		ID:           r.EventID,
		Keywords:     r.Keywords,
		Level:        model.LevelName(r.Level),
		Opcode:       r.Opcode,
		OpcodeName:   r.OpcodeName,
		TaskName:     r.TaskName,
		TimeStamp:    r.Timestamp.Format(time.RFC3339Nano),
		ProcessID:    r.ProcessID,
		ThreadID:     r.ThreadID,
		Payload:      r.Payload,
	}
}

func (s *Sink) clock() time.Time {
	if s.opts.UseLocalTime {
		return s.now().Local()
	}
	return s.now().UTC()
}

// rollIfNeeded makes sure a file is open that can take n more bytes. A file
// that is still empty takes any batch.
func (s *Sink) rollIfNeeded(n int64) error {
	period := s.clock().Format(s.opts.FileNameFormat)
	limit := int64(s.opts.FileSizeLimitKB) * 1024

	switch {
	case s.file == nil:
		return s.openFirst(period)
	case period != s.period:
		return s.roll(period, 0)
	case s.size > 0 && s.size+n > limit:
		return s.roll(period, s.counter+1)
	}
	return nil
}

func (s *Sink) openFirst(period string) error {
	latest, found := s.latestCounter(period)
	if !found {
		return s.open(period, 0)
	}
	if s.opts.NewFileOnStartup {
		return s.open(period, latest+1)
	}
	path := s.fileName(period, latest)
	if _, err := os.Stat(path); err != nil {
		// The latest file was already rolled and compressed.
		return s.open(period, latest+1)
	}
	return s.open(period, latest)
}

func (s *Sink) roll(period string, counter int) error {
	rolled := s.path
	if err := s.file.Close(); err != nil {
		s.logger.Printf("filesink: close %s: %v", rolled, err)
	}
	s.file = nil

	kept, err := compressFile(rolled, s.opts.Compression)
	if err != nil {
		s.logger.Printf("%v", err)
	}
	if s.archiver != nil {
		s.archiver.Submit(kept)
	} else if err := s.prune(); err != nil {
		s.logger.Printf("filesink: prune: %v", err)
	}
	return s.open(period, counter)
}

func (s *Sink) open(period string, counter int) error {
	path := s.fileName(period, counter)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("filesink: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("filesink: stat %s: %w", path, err)
	}
	s.file, s.path, s.period, s.counter, s.size = f, path, period, counter, info.Size()
	return nil
}

func (s *Sink) fileName(period string, counter int) string {
	return filepath.Join(s.opts.Directory, fmt.Sprintf("%s_%03d%s", period, counter, s.opts.FileExtension))
}

// latestCounter finds the highest counter used for period, rolled or not.
func (s *Sink) latestCounter(period string) (int, bool) {
	entries, err := os.ReadDir(s.opts.Directory)
	if err != nil {
		return 0, false
	}
	prefix := period + "_"
	best, found := 0, false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		i := strings.Index(rest, s.opts.FileExtension)
		if i <= 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return best, found
}

// prune removes the oldest sink files beyond MaxFileCount, counting the
// current file.
func (s *Sink) prune() error {
	entries, err := os.ReadDir(s.opts.Directory)
	if err != nil {
		return err
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !s.ownsFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{path: filepath.Join(s.opts.Directory, e.Name()), mod: info.ModTime()})
	}
	// the file about to be opened counts against the limit
	excess := len(files) + 1 - s.opts.MaxFileCount
	if excess <= 0 {
		return nil
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path < files[j].path
		}
		return files[i].mod.Before(files[j].mod)
	})
	for _, f := range files[:excess] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Sink) ownsFile(name string) bool {
	if strings.HasSuffix(name, s.opts.FileExtension) {
		return true
	}
	for _, suffix := range codecSuffix {
		if strings.HasSuffix(name, s.opts.FileExtension+suffix) {
			return true
		}
	}
	return false
}
