package duckdb

import (
	"context"
	"log"
	"sync"
	"time"
)

// retentionInterval is the pause between cleanup passes.
const retentionInterval = time.Hour

// RetentionStats describes the cleanup passes run so far.
type RetentionStats struct {
	Runs    int
	Deleted int64
	LastRun time.Time
	LastErr error
}

// RetentionCleaner deletes events whose timestamp is older than the
// retention window. A pass that is running when Stop is called is
// cancelled.
type RetentionCleaner struct {
	store  *Store
	window time.Duration
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats RetentionStats
}

// NewRetentionCleaner runs one pass to catch up after downtime, then keeps
// running hourly until Stop. It returns nil when retentionDays is 0.
func NewRetentionCleaner(store *Store, retentionDays int, logger *log.Logger) *RetentionCleaner {
	if retentionDays <= 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &RetentionCleaner{
		store:  store,
		window: time.Duration(retentionDays) * 24 * time.Hour,
		logger: logger,
		cancel: cancel,
	}
	rc.pass(ctx)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rc.pass(ctx)
			}
		}
	}()
	return rc
}

func (rc *RetentionCleaner) pass(ctx context.Context) {
	cutoff := time.Now().Add(-rc.window)
	n, err := rc.store.DeleteBefore(ctx, cutoff)

	rc.mu.Lock()
	rc.stats.Runs++
	rc.stats.LastRun = time.Now()
	rc.stats.LastErr = err
	rc.stats.Deleted += n
	rc.mu.Unlock()

	switch {
	case err != nil && ctx.Err() == nil:
		rc.logger.Printf("duckdb: retention cleanup: %v", err)
	case n > 0:
		rc.logger.Printf("duckdb: retention cleanup deleted %d events before %s", n, cutoff.UTC().Format(time.RFC3339))
	}
}

// Stats returns a copy of the pass counters.
func (rc *RetentionCleaner) Stats() RetentionStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

// Stop cancels the cleaner and waits for it. Safe on a nil cleaner and safe
// to call more than once.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.cancel()
	rc.wg.Wait()
}
