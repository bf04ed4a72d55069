package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// inflight follows the batches handed to the sinks. Each sink is fed from
// its own queue, so a sink that keeps retrying only holds back the trim
// point while the others keep receiving batches. The log is trimmed over
// the longest prefix of batches that met the success policy.
type inflight struct {
	p       *Processor
	r       *run
	results chan sink.Delivery

	// batches in sequence order; res.Outcomes holds OutcomePending for a
	// queued batch and OutcomeDelivered once a sink accepted it.
	flights []*flight
	bySeq   map[uint64]*flight
}

type flight struct {
	batch model.Batch
	res   sink.Result
	since time.Time
}

func newInflight(p *Processor, r *run) *inflight {
	return &inflight{
		p:       p,
		r:       r,
		results: make(chan sink.Delivery, 256),
		bySeq:   make(map[uint64]*flight),
	}
}

func (t *inflight) add(b model.Batch) {
	f := &flight{
		batch: b,
		res: sink.Result{
			Outcomes: make(map[string]sink.Outcome),
			Errors:   make(map[string]error),
		},
		since: time.Now(),
	}
	t.flights = append(t.flights, f)
	t.bySeq[b.MaxSequence()] = f
}

// pump queues every batch a sink has not seen yet, oldest first. A sink
// whose queue is full is skipped until it settles a batch, which keeps its
// batches in order.
func (t *inflight) pump(ctx context.Context, targets []string) {
	for _, name := range targets {
		for _, f := range t.flights {
			// A sink that failed and was replaced under the same name
			// starts over.
			if o, ok := f.res.Outcomes[name]; ok && o != sink.OutcomeFailed {
				continue
			}
			if !t.r.holder.Offer(ctx, name, f.batch, t.results) {
				break
			}
			f.res.Outcomes[name] = sink.OutcomePending
		}
	}
}

func (t *inflight) settle(d sink.Delivery) {
	f := t.bySeq[d.Seq]
	if f == nil {
		return
	}
	switch d.Outcome {
	case sink.OutcomeDelivered:
		f.res.Outcomes[d.Sink] = sink.OutcomeDelivered
		delete(f.res.Errors, d.Sink)
	case sink.OutcomeFailed:
		// The sink no longer counts toward the policy.
		f.res.Outcomes[d.Sink] = sink.OutcomeFailed
		f.res.Errors[d.Sink] = d.Err
	default:
		// Queued again if the sink is still configured.
		delete(f.res.Outcomes, d.Sink)
		if d.Err != nil {
			f.res.Errors[d.Sink] = d.Err
		}
	}
}

// done reports whether f met the success policy. Under PolicyAll every
// current target must have accepted it.
func (t *inflight) done(f *flight, targets []string) bool {
	policy := t.r.holder.Policy()
	if policy == sink.PolicyAll {
		for _, name := range targets {
			if f.res.Outcomes[name] != sink.OutcomeDelivered {
				return false
			}
		}
	}
	for _, o := range f.res.Outcomes {
		if o == sink.OutcomeDelivered {
			return true
		}
	}
	return false
}

// advance trims the log past the delivered prefix.
func (t *inflight) advance(ctx context.Context, targets []string) {
	n := 0
	for n < len(t.flights) && t.done(t.flights[n], targets) {
		delete(t.bySeq, t.flights[n].batch.MaxSequence())
		n++
	}
	if n == 0 {
		return
	}
	seq := t.flights[n-1].batch.MaxSequence()
	t.flights = append(t.flights[:0], t.flights[n:]...)
	t.p.batches.Add(uint64(n))
	t.p.trim(ctx, t.r, seq)
	t.r.markDispatched(seq)
}

// stalled logs the oldest undelivered batch, at most every ten seconds.
func (t *inflight) stalled(targets []string) {
	if len(t.flights) == 0 {
		return
	}
	f := t.flights[0]
	if time.Since(f.since) < t.p.cfg.NoSinkRetry {
		return
	}
	now := time.Now().UnixNano()
	last := t.p.lastNoSinkLog.Load()
	if now-last < int64(10*time.Second) || !t.p.lastNoSinkLog.CompareAndSwap(last, now) {
		return
	}
	if len(targets) == 0 {
		log.Printf("pipeline: batch %d-%d not delivered (no active sinks), retrying every %s",
			f.batch.MinSequence(), f.batch.MaxSequence(), t.p.cfg.NoSinkRetry)
		return
	}
	log.Printf("pipeline: batch %d-%d not delivered (%s), %d batches waiting",
		f.batch.MinSequence(), f.batch.MaxSequence(), describe(f.res), len(t.flights))
}

func (t *inflight) abandon() {
	if len(t.flights) == 0 {
		return
	}
	first, last := t.flights[0].batch, t.flights[len(t.flights)-1].batch
	log.Printf("pipeline: abandoned %d batches (%d-%d)", len(t.flights), first.MinSequence(), last.MaxSequence())
}
