package batcher

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

func rec(seq uint64) model.TraceRecord {
	return model.TraceRecord{Sequence: seq, Provider: "test"}
}

func start(t *testing.T, cfg Config) (*Batcher, chan model.TraceRecord, chan model.Batch, context.CancelFunc) {
	t.Helper()
	b := New(cfg)
	in := make(chan model.TraceRecord)
	out := make(chan model.Batch, 64)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx, in, out)
	t.Cleanup(func() {
		cancel()
		<-b.Done()
	})
	return b, in, out, cancel
}

func collect(out <-chan model.Batch) []model.Batch {
	var batches []model.Batch
	for b := range out {
		batches = append(batches, b)
	}
	return batches
}

func TestSizeTriggeredBatchesPreserveOrder(t *testing.T) {
	for _, tc := range []struct {
		n, k int
	}{
		{n: 0, k: 3},
		{n: 1, k: 3},
		{n: 9, k: 3},
		{n: 10, k: 3},
		{n: 17, k: 5},
		{n: 4, k: 1},
	} {
		_, in, out, _ := start(t, Config{BatchSize: tc.k})
		for i := 1; i <= tc.n; i++ {
			in <- rec(uint64(i))
		}
		close(in)
		batches := collect(out)

		var next uint64 = 1
		for i, b := range batches {
			if b.Len() == 0 {
				t.Fatalf("n=%d k=%d: batch %d is empty", tc.n, tc.k, i)
			}
			if i < len(batches)-1 && b.Len() != tc.k {
				t.Fatalf("n=%d k=%d: batch %d size=%d, want %d", tc.n, tc.k, i, b.Len(), tc.k)
			}
			if b.Len() > tc.k {
				t.Fatalf("n=%d k=%d: batch %d size=%d exceeds k", tc.n, tc.k, i, b.Len())
			}
			for _, r := range b.Records {
				if r.Sequence != next {
					t.Fatalf("n=%d k=%d: got seq %d, want %d", tc.n, tc.k, r.Sequence, next)
				}
				next++
			}
		}
		if next-1 != uint64(tc.n) {
			t.Fatalf("n=%d k=%d: emitted %d records", tc.n, tc.k, next-1)
		}
	}
}

func TestDelayTriggeredBatch(t *testing.T) {
	const delay = 100 * time.Millisecond
	_, in, out, _ := start(t, Config{BatchSize: 3, MaxWriteDelay: delay})

	for i := 1; i <= 3; i++ {
		in <- rec(uint64(i))
	}
	select {
	case b := <-out:
		if b.Len() != 3 || b.MinSequence() != 1 || b.MaxSequence() != 3 {
			t.Fatalf("batch1=%v, want r1..r3", b.Records)
		}
	case <-time.After(delay / 2):
		t.Fatal("batch1 not emitted immediately on size trigger")
	}

	time.Sleep(delay + delay/5)
	sent := time.Now()
	in <- rec(4)
	in <- rec(5)

	select {
	case b := <-out:
		if elapsed := time.Since(sent); elapsed < delay*8/10 {
			t.Fatalf("batch2 emitted after %v, before the write delay", elapsed)
		}
		if b.Len() != 2 || b.MinSequence() != 4 || b.MaxSequence() != 5 {
			t.Fatalf("batch2=%v, want r4,r5", b.Records)
		}
	case <-time.After(5 * delay):
		t.Fatal("batch2 not emitted after the write delay")
	}
}

func TestIdleBatcherEmitsNothing(t *testing.T) {
	_, _, out, _ := start(t, Config{BatchSize: 3, MaxWriteDelay: 20 * time.Millisecond})
	select {
	case b := <-out:
		t.Fatalf("idle batcher emitted %v", b.Records)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFlushEmitsPartialBatchOnce(t *testing.T) {
	b, in, out, _ := start(t, Config{BatchSize: 10, MaxWriteDelay: time.Hour})
	in <- rec(1)
	in <- rec(2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := <-out
	if got.Len() != 2 || got.MinSequence() != 1 || got.MaxSequence() != 2 {
		t.Fatalf("flushed batch=%v, want r1,r2", got.Records)
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	select {
	case extra := <-out:
		t.Fatalf("empty flush emitted %v", extra.Records)
	default:
	}

	in <- rec(3)
	close(in)
	rest := collect(out)
	if len(rest) != 1 || rest[0].Len() != 1 || rest[0].MinSequence() != 3 {
		t.Fatalf("final batches=%v, want [r3]", rest)
	}
}

func TestFlushAfterStopFails(t *testing.T) {
	b, in, out, _ := start(t, Config{BatchSize: 2})
	close(in)
	collect(out)
	if err := b.Flush(context.Background()); err != ErrStopped {
		t.Fatalf("Flush err=%v, want ErrStopped", err)
	}
}

func TestInterleavedTimeoutsNeverDropOrDuplicate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	_, in, out, _ := start(t, Config{BatchSize: 4, MaxWriteDelay: 3 * time.Millisecond})

	const n = 200
	go func() {
		for i := 1; i <= n; i++ {
			in <- rec(uint64(i))
			if rng.Intn(5) == 0 {
				time.Sleep(time.Duration(rng.Intn(6)) * time.Millisecond)
			}
		}
		close(in)
	}()

	seen := make(map[uint64]bool, n)
	var next uint64 = 1
	for b := range out {
		if b.Len() == 0 {
			t.Fatal("empty batch emitted")
		}
		if b.Len() > 4 {
			t.Fatalf("batch size %d exceeds 4", b.Len())
		}
		for _, r := range b.Records {
			if seen[r.Sequence] {
				t.Fatalf("seq %d emitted twice", r.Sequence)
			}
			if r.Sequence != next {
				t.Fatalf("got seq %d, want %d", r.Sequence, next)
			}
			seen[r.Sequence] = true
			next++
		}
	}
	if len(seen) != n {
		t.Fatalf("emitted %d records, want %d", len(seen), n)
	}
}
