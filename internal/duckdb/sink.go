package duckdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// SinkType is the sink type identifier in sink profiles.
const SinkType = "DuckDBSink"

var errSinkClosed = errors.New("duckdb: sink closed")

// SinkOptions configures a DuckDB sink.
type SinkOptions struct {
	Path           string `json:"path"`
	RetentionDays  int    `json:"retentionDays"`
	QueryTimeoutMS int    `json:"queryTimeoutMs"`
}

func (o *SinkOptions) normalize() error {
	if o.RetentionDays < 0 {
		return fmt.Errorf("duckdb: retentionDays is negative")
	}
	if o.QueryTimeoutMS < 0 {
		return fmt.Errorf("duckdb: queryTimeoutMs is negative")
	}
	if o.QueryTimeoutMS == 0 {
		o.QueryTimeoutMS = 30000
	}
	return nil
}

// SinkFactory returns the registry factory for DuckDB sinks.
func SinkFactory() sink.Factory {
	return sink.FactoryFunc(func(ctx context.Context, p sink.CreateParams) (sink.Sink, error) {
		var opts SinkOptions
		if err := sink.DecodeOptions(p.Options, &opts); err != nil {
			return nil, err
		}
		return NewSink(opts, p.Logger)
	})
}

// Sink stores batches in trace_events.
type Sink struct {
	sink.Lifecycle

	store   *Store
	cleaner *RetentionCleaner
	logger  *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewSink opens the database at opts.Path and starts the retention cleaner.
// An empty path keeps events in memory.
func NewSink(opts SinkOptions, logger *log.Logger) (*Sink, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	store, err := NewStore(opts.Path, time.Duration(opts.QueryTimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &Sink{
		store:   store,
		cleaner: NewRetentionCleaner(store, opts.RetentionDays, logger),
		logger:  logger,
	}, nil
}

// Store exposes the underlying store for queries.
func (s *Sink) Store() *Store { return s.store }

// Write inserts the whole batch or nothing.
func (s *Sink) Write(ctx context.Context, batch model.Batch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errSinkClosed
	}
	st, err := s.store.InsertBatch(ctx, batch)
	if err != nil {
		return false, err
	}
	if st.Skipped > 0 {
		s.logger.Printf("duckdb: skipped %d already stored events in batch %d-%d",
			st.Skipped, batch.MinSequence(), batch.MaxSequence())
	}
	return true, nil
}

// Close stops the retention cleaner and closes the database.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cleaner != nil {
		s.cleaner.Stop()
		st := s.cleaner.Stats()
		s.logger.Printf("duckdb: retention ran %d times, deleted %d events", st.Runs, st.Deleted)
	}
	return s.store.Close()
}
