package batcher

import (
	"context"
	"errors"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// Config bounds the batches a Batcher emits.
type Config struct {
	// BatchSize is the record count that triggers an immediate batch.
	BatchSize int
	// MaxWriteDelay is the longest a record waits before its batch is
	// emitted. Zero or negative disables the time trigger.
	MaxWriteDelay time.Duration
}

// Batcher groups records into size- or time-bounded batches. A single Run
// goroutine owns the pending batch; Flush is served by that goroutine too,
// so a flush never races with a size or time trigger.
type Batcher struct {
	cfg     Config
	flushCh chan chan struct{}
	done    chan struct{}
}

// ErrStopped is returned by Flush once Run has returned.
var ErrStopped = errors.New("batcher: stopped")

// New creates a Batcher. Run must be called to start it.
func New(cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultBatchSize
	}
	return &Batcher{
		cfg:     cfg,
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run consumes in until it is closed or ctx is cancelled and writes batches
// to out. When in is closed the pending partial batch is emitted before out
// is closed. When ctx is cancelled the pending batch is discarded; its
// records are still in the durable log.
func (b *Batcher) Run(ctx context.Context, in <-chan model.TraceRecord, out chan<- model.Batch) {
	defer close(b.done)
	defer close(out)

	var (
		pending []model.TraceRecord
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	emit := func() bool {
		stopTimer()
		if len(pending) == 0 {
			return true
		}
		batch := model.Batch{Records: pending}
		pending = make([]model.TraceRecord, 0, b.cfg.BatchSize)
		select {
		case out <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	pending = make([]model.TraceRecord, 0, b.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case rec, ok := <-in:
			if !ok {
				emit()
				return
			}
			pending = append(pending, rec)
			if len(pending) >= b.cfg.BatchSize {
				if !emit() {
					return
				}
				continue
			}
			if timerC == nil && b.cfg.MaxWriteDelay > 0 {
				if timer == nil {
					timer = time.NewTimer(b.cfg.MaxWriteDelay)
				} else {
					timer.Reset(b.cfg.MaxWriteDelay)
				}
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			if !emit() {
				return
			}

		case ack := <-b.flushCh:
			ok := emit()
			close(ack)
			if !ok {
				return
			}
		}
	}
}

// Flush emits the pending partial batch, if any, and returns once it has
// been handed to the output channel.
func (b *Batcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushCh <- ack:
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}
