package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/tracepush/internal/batcher"
	"github.com/tinytelemetry/tracepush/internal/eventlog"
	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/sink"
)

// Config configures a Processor.
type Config struct {
	LogPath     string
	LogOptions  eventlog.Options
	Batch       batcher.Config
	StagingSize int
	QueueFull   QueueFullPolicy
	// StopGrace bounds how long Stop waits for in-flight batches.
	StopGrace time.Duration
	// NoSinkRetry is the interval at which batches nobody accepted are
	// offered again.
	NoSinkRetry time.Duration
	// MaxInFlight bounds the batches handed to the sinks and not yet
	// trimmed. Once reached, the batcher waits.
	MaxInFlight int
	// TrimRetry schedules retries of a failed trim.
	TrimRetry sink.BackoffPolicy
	// ReconfigureWait bounds how long UpdateSinks waits for the batches
	// already formed to be dispatched to the old sinks.
	ReconfigureWait time.Duration
	Holder          sink.Config
}

func (c *Config) applyDefaults() {
	if c.StagingSize <= 0 {
		c.StagingSize = model.DefaultStagingSize
	}
	if c.StopGrace <= 0 {
		c.StopGrace = model.DefaultStopGrace
	}
	if c.NoSinkRetry <= 0 {
		c.NoSinkRetry = model.DefaultNoSinkRetry
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = model.DefaultMaxInFlight
	}
	if c.TrimRetry == (sink.BackoffPolicy{}) {
		c.TrimRetry = sink.BackoffPolicy{
			Base:        100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
			MaxAttempts: model.DefaultTrimRetryAttempts,
		}
	}
	if c.ReconfigureWait <= 0 {
		c.ReconfigureWait = c.StopGrace
	}
}

// Settings is the pipeline configuration applied at Start.
type Settings struct {
	Providers []model.ProviderSetting
	Filter    model.FilterSource
	Sinks     []model.SinkProfile
}

// Processor moves trace records from a source through the durable log and
// the batcher to the sink holder. Records are trimmed from the log only
// after a batch containing them is delivered, so records that were not
// delivered before a stop are replayed on the next Start.
type Processor struct {
	cfg    Config
	source model.TraceSource

	// opMu serializes Start, Stop and the reconfiguration operations.
	opMu  sync.Mutex
	state atomic.Int32
	cur   atomic.Pointer[run]

	providers []model.ProviderSetting
	filter    model.FilterSource

	received  atomic.Uint64
	appended  atomic.Uint64
	dropped   atomic.Uint64
	queueFull atomic.Uint64
	batches   atomic.Uint64

	lastQueueFullLog atomic.Int64
	lastNoSinkLog    atomic.Int64
}

// run holds the resources of one Start..Stop cycle.
type run struct {
	log     *eventlog.Log
	holder  *sink.Holder
	batcher *batcher.Batcher
	sub     model.TraceSubscription
	cancel  context.CancelFunc

	inMu      sync.RWMutex
	inClosed  bool
	staging   chan model.TraceRecord
	quit      chan struct{}
	closeOnce sync.Once

	batchIn chan model.TraceRecord
	out     chan model.Batch

	wg      sync.WaitGroup
	running chan struct{} // closed when the run's goroutines have exited
	stopped chan struct{} // closed when the run is fully stopped

	dispMu     sync.Mutex
	dispatched uint64
	dispCh     chan struct{}

	fatalOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// New returns a stopped Processor reading from source.
func New(cfg Config, source model.TraceSource) *Processor {
	cfg.applyDefaults()
	return &Processor{cfg: cfg, source: source}
}

// State returns the current lifecycle phase.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Start opens the durable log, creates the sinks, replays undelivered
// records and subscribes to the source. Sink creation failures are
// reported through the sink status and do not fail Start. Any other
// failure leaves the processor stopped with nothing running.
func (p *Processor) Start(ctx context.Context, s Settings) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}
	if err := p.start(ctx, s); err != nil {
		p.state.Store(int32(StateStopped))
		return err
	}
	p.state.Store(int32(StateRunning))
	return nil
}

func (p *Processor) start(ctx context.Context, s Settings) error {
	if diags := p.source.TestFilter(s.Filter.Source); len(diags) > 0 {
		return &FilterError{Diagnostics: diags}
	}

	lg, err := eventlog.Open(p.cfg.LogPath, p.cfg.LogOptions)
	if err != nil {
		return fmt.Errorf("pipeline: open log: %w", err)
	}

	holder := sink.NewHolder(p.cfg.Holder)
	if err := holder.UpdateAll(ctx, s.Sinks); err != nil {
		log.Printf("pipeline: some sinks failed to start: %v", err)
	}

	if diags := p.source.SetFilter(s.Filter.Source); len(diags) > 0 {
		p.abortStart(holder, lg)
		return &FilterError{Diagnostics: diags}
	}
	p.filter = s.Filter
	if err := p.applyProviders(s.Providers); err != nil {
		p.disableProviders()
		p.abortStart(holder, lg)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		log:        lg,
		holder:     holder,
		batcher:    batcher.New(p.cfg.Batch),
		cancel:     cancel,
		staging:    make(chan model.TraceRecord, p.cfg.StagingSize),
		quit:       make(chan struct{}),
		batchIn:    make(chan model.TraceRecord),
		out:        make(chan model.Batch),
		running:    make(chan struct{}),
		stopped:    make(chan struct{}),
		dispatched: lg.Trimmed(),
		dispCh:     make(chan struct{}),
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.batcher.Run(runCtx, r.batchIn, r.out)
	}()
	go func() {
		defer r.wg.Done()
		p.ingestLoop(runCtx, r)
	}()
	go func() {
		defer r.wg.Done()
		p.dispatchLoop(runCtx, r)
	}()
	go func() {
		r.wg.Wait()
		close(r.running)
	}()

	sub, err := p.source.Subscribe(func(rec model.TraceRecord) { p.onRecord(r, rec) })
	if err != nil {
		r.closeInput()
		cancel()
		<-r.running
		p.disableProviders()
		p.abortStart(holder, lg)
		return fmt.Errorf("pipeline: subscribe: %w", err)
	}
	r.sub = sub
	p.cur.Store(r)
	log.Printf("pipeline: started (%d pending records, %d sinks)", lg.Pending(), len(s.Sinks))
	return nil
}

func (p *Processor) abortStart(holder *sink.Holder, lg *eventlog.Log) {
	closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.StopGrace)
	defer cancel()
	if err := holder.Close(closeCtx); err != nil {
		log.Printf("pipeline: close sinks: %v", err)
	}
	if err := lg.Close(); err != nil {
		log.Printf("pipeline: close log: %v", err)
	}
}

// onRecord runs on the source's goroutine.
func (p *Processor) onRecord(r *run, rec model.TraceRecord) {
	p.received.Add(1)

	r.inMu.RLock()
	defer r.inMu.RUnlock()
	if r.inClosed {
		p.dropped.Add(1)
		return
	}
	select {
	case r.staging <- rec:
		return
	default:
	}

	p.queueFull.Add(1)
	now := time.Now().UnixNano()
	last := p.lastQueueFullLog.Load()
	if now-last >= int64(10*time.Second) && p.lastQueueFullLog.CompareAndSwap(last, now) {
		log.Printf("pipeline: staging queue full (%d records, policy %s)", cap(r.staging), p.cfg.QueueFull)
	}
	if p.cfg.QueueFull == QueueDrop {
		p.dropped.Add(1)
		return
	}
	select {
	case r.staging <- rec:
	case <-r.quit:
		p.dropped.Add(1)
	}
}

// closeInput stops accepting records. Callbacks blocked on a full queue
// give up and count their record as dropped.
func (r *run) closeInput() {
	r.closeOnce.Do(func() {
		close(r.quit)
		r.inMu.Lock()
		r.inClosed = true
		close(r.staging)
		r.inMu.Unlock()
	})
}

// ingestLoop replays the undelivered records, then appends every staged
// record to the log before handing it to the batcher. Closing batchIn on
// return makes the batcher emit its partial batch. Once ctx ends the
// staged records are still appended, so they are replayed by the next run.
func (p *Processor) ingestLoop(ctx context.Context, r *run) {
	defer close(r.batchIn)

	replayed := 0
	err := r.log.ReadFrom(r.log.Trimmed(), func(rec model.TraceRecord) error {
		select {
		case r.batchIn <- rec:
			replayed++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.fail(r, fmt.Errorf("pipeline: replay: %w", err))
		return
	}
	if replayed > 0 {
		log.Printf("pipeline: replayed %d undelivered records", replayed)
	}

	for rec := range r.staging {
		if _, err := r.log.Append(&rec); err != nil {
			p.fail(r, fmt.Errorf("pipeline: append: %w", err))
			return
		}
		p.appended.Add(1)
		if ctx.Err() != nil {
			continue
		}
		select {
		case r.batchIn <- rec:
		case <-ctx.Done():
		}
	}
}

// dispatchLoop hands each batch to the sinks as soon as it is formed and
// trims the log as batches are delivered. It returns once the batcher is
// done and every batch is delivered, or when ctx ends.
func (p *Processor) dispatchLoop(ctx context.Context, r *run) {
	t := newInflight(p, r)
	tick := time.NewTicker(p.cfg.NoSinkRetry)
	defer tick.Stop()

	in := r.out
	for in != nil || len(t.flights) > 0 {
		feed := in
		if len(t.flights) >= p.cfg.MaxInFlight {
			feed = nil
		}
		select {
		case b, ok := <-feed:
			if !ok {
				in = nil
				continue
			}
			t.add(b)
			t.pump(ctx, r.holder.Targets())

		case d := <-t.results:
			t.settle(d)
			targets := r.holder.Targets()
			t.advance(ctx, targets)
			t.pump(ctx, targets)

		case <-tick.C:
			targets := r.holder.Targets()
			t.advance(ctx, targets)
			t.pump(ctx, targets)
			t.stalled(targets)

		case <-ctx.Done():
			t.abandon()
			if in != nil {
				// Let the batcher exit; the records stay in the log.
				for range in {
				}
			}
			return
		}
	}
}

func describe(res sink.Result) string {
	names := make([]string, 0, len(res.Outcomes)+len(res.Errors))
	for name := range res.Outcomes {
		names = append(names, name)
	}
	for name := range res.Errors {
		if _, ok := res.Outcomes[name]; !ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "not queued"
	}
	sort.Strings(names)
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		o, ok := res.Outcomes[name]
		if !ok {
			o = sink.OutcomeAbandoned
		}
		out += name + "=" + o.String()
		if err := res.Errors[name]; err != nil {
			out += ": " + err.Error()
		}
	}
	return out
}

// trim advances the log's trim pointer. A trim that keeps failing is
// logged and skipped; the next delivered batch trims past it, and at worst
// the records are delivered again after a restart.
func (p *Processor) trim(ctx context.Context, r *run, seq uint64) {
	for attempt := 1; ; attempt++ {
		err := r.log.TrimTo(seq)
		if err == nil {
			return
		}
		if errors.Is(err, eventlog.ErrClosed) || p.cfg.TrimRetry.Exhausted(attempt) {
			log.Printf("pipeline: trim to %d: %v", seq, err)
			return
		}
		select {
		case <-time.After(p.cfg.TrimRetry.Delay(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

func (r *run) markDispatched(seq uint64) {
	r.dispMu.Lock()
	if seq > r.dispatched {
		r.dispatched = seq
	}
	close(r.dispCh)
	r.dispCh = make(chan struct{})
	r.dispMu.Unlock()
}

// waitDispatched blocks until every record up to seq has been delivered.
func (r *run) waitDispatched(ctx context.Context, seq uint64) error {
	for {
		r.dispMu.Lock()
		done := r.dispatched >= seq
		ch := r.dispCh
		r.dispMu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-r.running:
			return ErrNotRunning
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Processor) fail(r *run, err error) {
	r.fatalOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		log.Printf("pipeline: fatal: %v", err)
		go func() {
			p.opMu.Lock()
			defer p.opMu.Unlock()
			if p.cur.Load() == r && p.State() != StateStopped {
				p.stopLocked(context.Background(), r)
			}
		}()
	})
}

// Stop unsubscribes from the source, flushes the pending batch and waits up
// to the stop grace for in-flight writes. Writes still running after that
// are abandoned and their records stay in the log.
func (p *Processor) Stop(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	r := p.cur.Load()
	if r == nil || p.State() == StateStopped {
		return ErrNotRunning
	}
	p.stopLocked(ctx, r)
	return nil
}

func (p *Processor) stopLocked(ctx context.Context, r *run) {
	p.state.Store(int32(StateStopping))
	r.sub.Unsubscribe()
	r.closeInput()

	grace := time.NewTimer(p.cfg.StopGrace)
	select {
	case <-r.running:
	case <-grace.C:
		log.Printf("pipeline: stop grace of %s elapsed, abandoning in-flight writes", p.cfg.StopGrace)
	case <-ctx.Done():
		log.Printf("pipeline: stop cancelled, abandoning in-flight writes")
	}
	grace.Stop()
	r.cancel()
	<-r.running

	closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.StopGrace)
	if err := r.holder.Close(closeCtx); err != nil {
		log.Printf("pipeline: close sinks: %v", err)
	}
	cancel()
	p.disableProviders()
	if err := r.log.Close(); err != nil {
		log.Printf("pipeline: close log: %v", err)
	}

	p.state.Store(int32(StateStopped))
	close(r.stopped)
	log.Printf("pipeline: stopped (%d records pending)", r.log.Pending())
}

// Done is closed when the current run stops, whether by Stop or by a fatal
// error. It is nil before the first Start.
func (p *Processor) Done() <-chan struct{} {
	if r := p.cur.Load(); r != nil {
		return r.stopped
	}
	return nil
}

// Err returns the fatal error that stopped the current run, if any.
func (p *Processor) Err() error {
	r := p.cur.Load()
	if r == nil {
		return nil
	}
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (p *Processor) applyProviders(want []model.ProviderSetting) error {
	keep := make(map[string]bool, len(want))
	for _, ps := range want {
		if err := p.source.EnableProvider(ps); err != nil {
			return fmt.Errorf("pipeline: enable provider %s: %w", ps.Name, err)
		}
		keep[ps.Name] = true
	}
	for _, ps := range p.providers {
		if keep[ps.Name] {
			continue
		}
		if err := p.source.DisableProvider(ps.Name); err != nil {
			return fmt.Errorf("pipeline: disable provider %s: %w", ps.Name, err)
		}
	}
	p.providers = append([]model.ProviderSetting(nil), want...)
	return nil
}

func (p *Processor) disableProviders() {
	for _, ps := range p.providers {
		if err := p.source.DisableProvider(ps.Name); err != nil {
			log.Printf("pipeline: disable provider %s: %v", ps.Name, err)
		}
	}
	p.providers = nil
}

// reconfigure runs fn in the Reconfiguring state.
func (p *Processor) reconfigure(fn func(r *run) error) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateReconfiguring)) {
		return ErrNotRunning
	}
	defer p.state.CompareAndSwap(int32(StateReconfiguring), int32(StateRunning))
	return fn(p.cur.Load())
}

// UpdateProviders enables the given providers and disables the rest.
func (p *Processor) UpdateProviders(ctx context.Context, providers []model.ProviderSetting) error {
	return p.reconfigure(func(*run) error {
		return p.applyProviders(providers)
	})
}

// ApplyFilter compiles and installs fs. A filter that does not compile is
// rejected with a *FilterError and the running filter is kept.
func (p *Processor) ApplyFilter(ctx context.Context, fs model.FilterSource) error {
	return p.reconfigure(func(*run) error {
		if diags := p.source.SetFilter(fs.Source); len(diags) > 0 {
			return &FilterError{Diagnostics: diags}
		}
		p.filter = fs
		return nil
	})
}

// TestFilter compiles source without installing it.
func (p *Processor) TestFilter(source string) []model.Diagnostic {
	return p.source.TestFilter(source)
}

// UpdateSinks replaces the sink set. Batches formed before the call are
// delivered to the old sinks, bounded by the reconfigure wait; the next
// batch goes to the new set.
func (p *Processor) UpdateSinks(ctx context.Context, profiles []model.SinkProfile) error {
	return p.reconfigure(func(r *run) error {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ReconfigureWait)
		defer cancel()
		if err := r.batcher.Flush(waitCtx); err != nil && !errors.Is(err, batcher.ErrStopped) {
			log.Printf("pipeline: flush before sink update: %v", err)
		}
		if err := r.waitDispatched(waitCtx, r.log.LastSequence()); err != nil {
			log.Printf("pipeline: sink update did not wait for in-flight batches: %v", err)
		}
		return r.holder.UpdateAll(ctx, profiles)
	})
}

// Flush emits the pending partial batch.
func (p *Processor) Flush(ctx context.Context) error {
	r := p.cur.Load()
	if r == nil || p.State() == StateStopped {
		return ErrNotRunning
	}
	return r.batcher.Flush(ctx)
}

// Providers returns the providers applied by the last Start or update.
func (p *Processor) Providers() []model.ProviderSetting {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return append([]model.ProviderSetting(nil), p.providers...)
}

// Filter returns the filter applied by the last Start or ApplyFilter.
func (p *Processor) Filter() model.FilterSource {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.filter
}

// SinkStatus returns the status of every sink of the current run.
func (p *Processor) SinkStatus() map[string]model.SinkState {
	r := p.cur.Load()
	if r == nil {
		return map[string]model.SinkState{}
	}
	return r.holder.Status()
}

// Stats returns the processor counters.
func (p *Processor) Stats() model.PipelineStats {
	st := model.PipelineStats{
		Received:        p.received.Load(),
		Appended:        p.appended.Load(),
		Dropped:         p.dropped.Load(),
		QueueFullEvents: p.queueFull.Load(),
		DeliveredBatch:  p.batches.Load(),
	}
	if r := p.cur.Load(); r != nil {
		st.Staged = len(r.staging)
		st.LastSequence = r.log.LastSequence()
		st.Trimmed = r.log.Trimmed()
	}
	return st
}
