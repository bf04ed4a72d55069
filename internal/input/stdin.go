package input

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"

	"github.com/tinytelemetry/tracepush/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin lines.
	DefaultStdinBuffer = 4096

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for the stdin input.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// StdinInput reads JSON trace lines from stdin.
type StdinInput struct {
	ch     chan model.IngestEnvelope
	cancel context.CancelFunc
}

// NewStdinInput creates a StdinInput that reads from stdin in a background goroutine.
func NewStdinInput(ctx context.Context, conf ...StdinConfig) *StdinInput {
	return newStdinInputWithReader(ctx, os.Stdin, conf...)
}

func newStdinInputWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinInput {
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinInput{
		ch:     make(chan model.IngestEnvelope, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinInput) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	// The scan blocks, so it runs on its own goroutine and hands lines over;
	// cancellation is observed here without waiting for the next line.
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				log.Printf("input: stdin line exceeded max size (%d bytes), stopping stdin input", maxLineSize)
				return
			}
			log.Printf("input: stdin scanner error: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case s.ch <- model.IngestEnvelope{Source: s.Name(), Line: line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinInput) Lines() <-chan model.IngestEnvelope { return s.ch }
func (s *StdinInput) Stop()                              { s.cancel() }
func (s *StdinInput) Name() string                       { return "stdin" }
