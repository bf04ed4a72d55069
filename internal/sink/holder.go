package sink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// SuccessPolicy decides when a dispatched batch counts as delivered.
type SuccessPolicy int

const (
	// PolicyAll requires every sink that is not terminally failed to accept
	// the batch, and at least one sink to have done so.
	PolicyAll SuccessPolicy = iota
	// PolicyAny requires at least one sink to accept the batch.
	PolicyAny
)

// ParseSuccessPolicy parses "all" or "any".
func ParseSuccessPolicy(s string) (SuccessPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return PolicyAll, nil
	case "any":
		return PolicyAny, nil
	}
	return PolicyAll, fmt.Errorf("sink: unknown success policy %q", s)
}

func (p SuccessPolicy) String() string {
	if p == PolicyAny {
		return "any"
	}
	return "all"
}

// Outcome is the result of dispatching one batch to one sink.
type Outcome int

const (
	// OutcomePending means the batch is queued and the sink has not answered.
	OutcomePending Outcome = iota
	// OutcomeDelivered means the sink accepted the batch.
	OutcomeDelivered
	// OutcomeFailed means the sink is terminally failed; it is excluded
	// from the success policy.
	OutcomeFailed
	// OutcomeAbandoned means the write was cancelled before it settled.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "pending"
	}
}

// Result holds the per-sink outcomes of one Dispatch call.
type Result struct {
	Outcomes map[string]Outcome
	Errors   map[string]error
}

// Delivery is the outcome of one batch on one sink. Seq is the batch's
// highest sequence.
type Delivery struct {
	Sink    string
	Seq     uint64
	Outcome Outcome
	Err     error
}

// Delivered applies policy to the outcomes.
func (r Result) Delivered(policy SuccessPolicy) bool {
	delivered := 0
	for _, o := range r.Outcomes {
		switch o {
		case OutcomeDelivered:
			delivered++
		case OutcomeAbandoned, OutcomePending:
			if policy == PolicyAll {
				return false
			}
		}
	}
	return delivered > 0
}

// Config configures a Holder.
type Config struct {
	Registry     *Registry
	Backoff      BackoffPolicy
	WriteTimeout time.Duration
	CloseTimeout time.Duration
	Policy       SuccessPolicy
	// QueueDepth bounds the batches queued per sink.
	QueueDepth int
}

// Holder owns the configured sinks. Each sink is driven by its own
// supervisor goroutine which retries failed writes and reports status
// transitions back to the holder over a channel.
type Holder struct {
	cfg Config

	// swapMu is held shared while batches are queued and exclusively while
	// an entry is replaced, so no batch is queued to a retiring sink.
	swapMu sync.RWMutex

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	reports chan report
	done    chan struct{}
	loopWg  sync.WaitGroup
}

type entry struct {
	profile model.SinkProfile
	sink    Sink
	policy  BackoffPolicy
	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	exited  chan struct{}

	// guarded by Holder.mu
	status model.SinkStatus
	failed bool
}

type job struct {
	ctx    context.Context
	batch  model.Batch
	result chan<- Delivery
}

// settle reports the job's outcome unless nobody waits for it anymore.
func (j *job) settle(name string, o Outcome, err error) {
	select {
	case j.result <- Delivery{Sink: name, Seq: j.batch.MaxSequence(), Outcome: o, Err: err}:
	case <-j.ctx.Done():
	}
}

type report struct {
	e       *entry
	status  model.SinkStatus
	failed  bool
	job     *job
	outcome Outcome
	err     error
}

// NewHolder returns an empty holder.
func NewHolder(cfg Config) *Holder {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = model.DefaultSinkCloseTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	h := &Holder{
		cfg:     cfg,
		entries: make(map[string]*entry),
		reports: make(chan report, 64),
		done:    make(chan struct{}),
	}
	h.loopWg.Add(1)
	go h.statusLoop()
	return h
}

// Policy returns the holder's success policy.
func (h *Holder) Policy() SuccessPolicy {
	return h.cfg.Policy
}

func (h *Holder) statusLoop() {
	defer h.loopWg.Done()
	for {
		select {
		case r := <-h.reports:
			h.mu.Lock()
			r.e.status = r.status
			if r.failed {
				r.e.failed = true
			}
			h.mu.Unlock()
			if r.job != nil {
				r.job.settle(r.e.profile.Name, r.outcome, r.err)
			}
		case <-h.done:
			return
		}
	}
}

func (h *Holder) send(r report) {
	select {
	case h.reports <- r:
	case <-h.done:
		if r.job != nil {
			r.job.settle(r.e.profile.Name, OutcomeAbandoned, ErrClosed)
		}
	}
}

// Set adds the sink described by p, or replaces the sink of the same name.
// The old instance finishes the batches already queued to it and is closed
// before the replacement is created. An identical profile for a healthy
// sink is a no-op. A factory error leaves a failed entry for status
// reporting and is returned.
func (h *Holder) Set(ctx context.Context, p model.SinkProfile) error {
	factory, err := h.cfg.Registry.Lookup(p.SinkType)
	if err != nil {
		return err
	}

	h.swapMu.Lock()
	defer h.swapMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	old := h.entries[p.Name]
	if old != nil && !old.failed && old.profile.Equal(p) {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if old != nil {
		h.retire(old)
	}

	e, err := h.create(ctx, factory, p)
	h.mu.Lock()
	h.entries[p.Name] = e
	h.mu.Unlock()
	if err != nil {
		log.Printf("sink: create %s (%s): %v", p.Name, p.SinkType, err)
		return fmt.Errorf("sink: create %s: %w", p.Name, err)
	}

	go h.supervise(e)
	log.Printf("sink: %s (%s) active", p.Name, p.SinkType)
	return nil
}

// Remove retires and closes the named sink.
func (h *Holder) Remove(ctx context.Context, name string) error {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()

	h.mu.Lock()
	e, ok := h.entries[name]
	if ok {
		delete(h.entries, name)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("sink: no sink named %q", name)
	}
	h.retire(e)
	return nil
}

// UpdateAll makes the holder's sinks match profiles: missing sinks are
// added, changed or failed ones are replaced and absent ones removed.
// Every profile is attempted; the errors are joined.
func (h *Holder) UpdateAll(ctx context.Context, profiles []model.SinkProfile) error {
	want := make(map[string]bool, len(profiles))
	var errs []error
	for _, p := range profiles {
		want[p.Name] = true
		if err := h.Set(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range h.Names() {
		if !want[name] {
			if err := h.Remove(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Offer queues batch to the named sink without waiting for room. The
// outcome is sent on results once the sink settles the batch, or dropped
// when ctx ends first. Offer reports false when the sink is unknown,
// failed or closed, or when its queue is full.
func (h *Holder) Offer(ctx context.Context, name string, batch model.Batch, results chan<- Delivery) bool {
	h.swapMu.RLock()
	defer h.swapMu.RUnlock()

	h.mu.Lock()
	e := h.entries[name]
	ok := !h.closed && e != nil && e.sink != nil && !e.failed
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.jobs <- job{ctx: ctx, batch: batch, result: results}:
		return true
	default:
		return false
	}
}

// Dispatch hands batch to every active sink and waits for the outcomes.
// Unlike Offer it waits for queue room. Under PolicyAny it returns as soon
// as one sink has accepted the batch. When ctx ends first the unsettled
// sinks are reported as abandoned.
func (h *Holder) Dispatch(ctx context.Context, batch model.Batch) Result {
	res := Result{
		Outcomes: make(map[string]Outcome),
		Errors:   make(map[string]error),
	}

	h.swapMu.RLock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.swapMu.RUnlock()
		return res
	}
	targets := h.targetsLocked()
	h.mu.Unlock()

	results := make(chan Delivery, len(targets))
	sent := 0
	for _, e := range targets {
		select {
		case e.jobs <- job{ctx: ctx, batch: batch, result: results}:
			res.Outcomes[e.profile.Name] = OutcomePending
			sent++
		case <-ctx.Done():
			res.Outcomes[e.profile.Name] = OutcomeAbandoned
			res.Errors[e.profile.Name] = ctx.Err()
		}
	}
	h.swapMu.RUnlock()

	for i := 0; i < sent; i++ {
		select {
		case d := <-results:
			res.Outcomes[d.Sink] = d.Outcome
			if d.Err != nil {
				res.Errors[d.Sink] = d.Err
			}
			if h.cfg.Policy == PolicyAny && d.Outcome == OutcomeDelivered {
				return res
			}
		case <-ctx.Done():
			for name, o := range res.Outcomes {
				if o == OutcomePending {
					res.Outcomes[name] = OutcomeAbandoned
					res.Errors[name] = ctx.Err()
				}
			}
			return res
		}
	}
	return res
}

// targetsLocked returns the entries that can accept writes, sorted by name.
func (h *Holder) targetsLocked() []*entry {
	targets := make([]*entry, 0, len(h.entries))
	for _, e := range h.entries {
		if e.sink != nil && !e.failed {
			targets = append(targets, e)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].profile.Name < targets[j].profile.Name })
	return targets
}

// Status returns the profile and status of every sink, including failed
// ones. Credentials are removed from the profiles.
func (h *Holder) Status() map[string]model.SinkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]model.SinkState, len(h.entries))
	for name, e := range h.entries {
		st := e.status
		if st.RetryStartTime != nil {
			t := *st.RetryStartTime
			st.RetryStartTime = &t
		}
		if st.NextRetryTime != nil {
			t := *st.NextRetryTime
			st.NextRetryTime = &t
		}
		out[name] = model.SinkState{Profile: e.profile.Redacted(), Status: st}
	}
	return out
}

// Names returns the configured sink names in sorted order.
func (h *Holder) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.entries))
	for name := range h.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Targets returns the names of the sinks that can accept writes, sorted.
func (h *Holder) Targets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	targets := h.targetsLocked()
	names := make([]string, len(targets))
	for i, e := range targets {
		names[i] = e.profile.Name
	}
	return names
}

// Active returns the number of sinks that can accept writes.
func (h *Holder) Active() int {
	return len(h.Targets())
}

// Close retires every sink. Each close error is logged and does not stop
// the remaining sinks from closing; all of them are returned joined.
func (h *Holder) Close(ctx context.Context) error {
	h.swapMu.Lock()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.swapMu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*entry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, e := range entries {
		g.Go(func() error {
			if err := h.retire(e); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	h.swapMu.Unlock()

	close(h.done)
	h.loopWg.Wait()
	return errors.Join(errs...)
}

func (h *Holder) create(ctx context.Context, factory Factory, p model.SinkProfile) (e *entry, err error) {
	e = &entry{
		profile: p,
		policy:  h.cfg.Backoff.WithOverride(p.Retry),
		jobs:    make(chan job, h.cfg.QueueDepth),
		exited:  make(chan struct{}),
		status:  model.SinkStatus{State: model.SinkActive},
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("factory panic: %v", rec)
		}
		if err != nil {
			e.sink = nil
			e.failed = true
			e.status = model.SinkStatus{State: model.SinkFailed, LastError: err.Error()}
			e.cancel()
			close(e.exited)
		}
	}()

	logger := log.New(log.Writer(), fmt.Sprintf("sink[%s]: ", p.Name), log.Flags())
	s, err := factory.Create(ctx, CreateParams{
		Name:        p.Name,
		Options:     p.Options,
		Credentials: p.Credentials,
		Logger:      logger,
	})
	if err != nil {
		return e, err
	}
	if s == nil {
		return e, errors.New("factory returned no sink")
	}
	e.sink = s
	return e, nil
}

// retire stops queueing to e, waits a bounded time for its queued batches,
// abandons whatever is still in flight and closes the sink.
func (h *Holder) retire(e *entry) error {
	if e.sink == nil {
		return nil
	}
	close(e.jobs)

	timeout := h.cfg.CloseTimeout
	select {
	case <-e.exited:
	case <-time.After(timeout):
		log.Printf("sink: %s did not drain within %s, abandoning in-flight writes", e.profile.Name, timeout)
		e.cancel()
		select {
		case <-e.exited:
		case <-time.After(timeout):
			log.Printf("sink: %s supervisor still busy after cancel", e.profile.Name)
		}
	}
	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := safeClose(ctx, e.sink); err != nil {
		log.Printf("sink: close %s: %v", e.profile.Name, err)
		return fmt.Errorf("sink: close %s: %w", e.profile.Name, err)
	}
	return nil
}

// supervise owns the write loop of one sink.
func (h *Holder) supervise(e *entry) {
	defer close(e.exited)

	h.mu.Lock()
	st := e.status
	h.mu.Unlock()

	failed := false
	sinkDone := e.sink.Done()
	for {
		select {
		case j, ok := <-e.jobs:
			if !ok {
				return
			}
			if failed {
				h.send(report{e: e, status: st, failed: true, job: &j, outcome: OutcomeFailed, err: ErrSinkFailed})
				continue
			}
			failed = h.runJob(e, &st, j, sinkDone)
			if failed {
				sinkDone = nil
			}

		case <-sinkDone:
			sinkDone = nil
			failed = true
			h.markTerminated(e, &st)
		}
	}
}

func (h *Holder) markTerminated(e *entry, st *model.SinkStatus) {
	msg := "sink terminated"
	if err := e.sink.Err(); err != nil {
		msg = err.Error()
	}
	st.State = model.SinkFailed
	st.LastError = msg
	st.NextRetryTime = nil
	log.Printf("sink: %s terminated: %s", e.profile.Name, msg)
	h.send(report{e: e, status: *st, failed: true})
}

// runJob writes one batch until it is accepted, the retry policy is
// exhausted, or the write is abandoned. It reports whether the sink is now
// terminally failed.
func (h *Holder) runJob(e *entry, st *model.SinkStatus, j job, sinkDone <-chan struct{}) bool {
	for {
		ok, err := h.write(e, j)
		if ok && err == nil {
			st.State = model.SinkActive
			st.LastError = ""
			st.RetryCount = 0
			st.RetryStartTime = nil
			st.NextRetryTime = nil
			st.Delivered++
			st.LastSequence = j.batch.MaxSequence()
			h.send(report{e: e, status: *st, job: &j, outcome: OutcomeDelivered})
			return false
		}
		if j.ctx.Err() != nil || e.ctx.Err() != nil {
			log.Printf("sink: %s abandoned batch %d-%d", e.profile.Name, j.batch.MinSequence(), j.batch.MaxSequence())
			h.send(report{e: e, status: *st, job: &j, outcome: OutcomeAbandoned, err: context.Canceled})
			return false
		}
		if err == nil {
			err = errors.New("batch rejected")
		}

		now := time.Now()
		if st.RetryStartTime == nil {
			st.RetryStartTime = &now
		}
		st.RetryCount++
		st.LastError = err.Error()

		if e.policy.Exhausted(st.RetryCount) {
			st.State = model.SinkFailed
			st.NextRetryTime = nil
			log.Printf("sink: %s failed after %d attempts: %v", e.profile.Name, st.RetryCount, err)
			h.send(report{e: e, status: *st, failed: true, job: &j, outcome: OutcomeFailed, err: err})
			return true
		}

		delay := e.policy.Delay(st.RetryCount)
		next := now.Add(delay)
		st.State = model.SinkRetrying
		st.NextRetryTime = &next
		log.Printf("sink: %s write failed (attempt %d), retrying in %s: %v", e.profile.Name, st.RetryCount, delay, err)
		h.send(report{e: e, status: *st})

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-j.ctx.Done():
			t.Stop()
			h.send(report{e: e, status: *st, job: &j, outcome: OutcomeAbandoned, err: j.ctx.Err()})
			return false
		case <-e.ctx.Done():
			t.Stop()
			h.send(report{e: e, status: *st, job: &j, outcome: OutcomeAbandoned, err: e.ctx.Err()})
			return false
		case <-sinkDone:
			t.Stop()
			h.markTerminated(e, st)
			h.send(report{e: e, status: *st, failed: true, job: &j, outcome: OutcomeFailed, err: ErrSinkFailed})
			return true
		}
	}
}

func (h *Holder) write(e *entry, j job) (ok bool, err error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if h.cfg.WriteTimeout > 0 {
		ctx, cancel = context.WithTimeout(j.ctx, h.cfg.WriteTimeout)
	} else {
		ctx, cancel = context.WithCancel(j.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("write panic: %v", rec)
		}
	}()
	return e.sink.Write(ctx, j.batch)
}

func safeClose(ctx context.Context, s Sink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("close panic: %v", rec)
		}
	}()
	return s.Close(ctx)
}
