package tracesource

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/tracepush/internal/filter"
	"github.com/tinytelemetry/tracepush/internal/model"
)

// Stats are counters for lines seen by a Source.
type Stats struct {
	Lines     uint64
	Malformed uint64
	Gated     uint64
	Filtered  uint64
	Delivered uint64
}

// Source turns JSON trace lines into trace records for the enabled
// providers. Records of providers that are not enabled, or that fail the
// compiled filter, are discarded; records that arrive while nobody is
// subscribed are discarded too.
type Source struct {
	mu        sync.RWMutex
	providers map[string]model.ProviderSetting
	subs      map[uint64]func(model.TraceRecord)
	nextSub   uint64

	pred atomic.Pointer[filter.Predicate]

	lines     atomic.Uint64
	malformed atomic.Uint64
	gated     atomic.Uint64
	filtered  atomic.Uint64
	delivered atomic.Uint64

	lastMalformedLog atomic.Int64
}

// New returns a Source with no providers enabled and no filter.
func New() *Source {
	s := &Source{
		providers: make(map[string]model.ProviderSetting),
		subs:      make(map[uint64]func(model.TraceRecord)),
	}
	accept := filter.Predicate(filter.AcceptAll)
	s.pred.Store(&accept)
	return s
}

// Run consumes lines until the channel closes or ctx ends.
func (s *Source) Run(ctx context.Context, lines <-chan model.IngestEnvelope) {
	var p fastjson.Parser
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-lines:
			if !ok {
				return
			}
			s.handleLine(&p, env)
		}
	}
}

func (s *Source) handleLine(p *fastjson.Parser, env model.IngestEnvelope) {
	s.lines.Add(1)
	rec, err := parseRecord(p, env.Line)
	if err != nil {
		s.malformed.Add(1)
		now := time.Now().UnixNano()
		last := s.lastMalformedLog.Load()
		if now-last >= int64(10*time.Second) && s.lastMalformedLog.CompareAndSwap(last, now) {
			log.Printf("tracesource: dropping malformed %s line%s: %v", env.Source, peerSuffix(env.Peer), err)
		}
		return
	}
	s.Deliver(rec)
}

func peerSuffix(peer string) string {
	if peer == "" {
		return ""
	}
	return " from " + peer
}

// Deliver gates rec by provider and filter and hands it to subscribers.
func (s *Source) Deliver(rec model.TraceRecord) {
	s.mu.RLock()
	setting, enabled := s.providers[rec.Provider]
	var subs []func(model.TraceRecord)
	if enabled {
		subs = make([]func(model.TraceRecord), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
	}
	s.mu.RUnlock()

	if !enabled || !setting.Matches(&rec) {
		s.gated.Add(1)
		return
	}
	if pred := s.pred.Load(); pred != nil && !(*pred)(&rec) {
		s.filtered.Add(1)
		return
	}
	if len(subs) == 0 {
		return
	}
	s.delivered.Add(1)
	for _, fn := range subs {
		fn(rec)
	}
}

// EnableProvider enables or updates a provider.
func (s *Source) EnableProvider(p model.ProviderSetting) error {
	if p.Name == "" {
		return errors.New("tracesource: provider name is empty")
	}
	s.mu.Lock()
	s.providers[p.Name] = p
	s.mu.Unlock()
	return nil
}

// DisableProvider disables a provider. Disabling an unknown provider is a no-op.
func (s *Source) DisableProvider(name string) error {
	s.mu.Lock()
	delete(s.providers, name)
	s.mu.Unlock()
	return nil
}

// EnabledProviders returns the enabled providers sorted by name.
func (s *Source) EnabledProviders() []model.ProviderSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ProviderSetting, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetFilter compiles and installs source. On diagnostics the previous
// filter stays in place.
func (s *Source) SetFilter(source string) []model.Diagnostic {
	pred, diags := filter.Compile(source)
	if len(diags) > 0 {
		return diags
	}
	s.pred.Store(&pred)
	return nil
}

// TestFilter compiles source without installing it.
func (s *Source) TestFilter(source string) []model.Diagnostic {
	return filter.Test(source)
}

type subscription struct {
	s    *Source
	id   uint64
	once sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.mu.Lock()
		delete(sub.s.subs, sub.id)
		sub.s.mu.Unlock()
	})
}

// Subscribe registers fn for every retained record. fn runs on the
// source's goroutine and may still be called once after Unsubscribe
// returns if a delivery was already under way.
func (s *Source) Subscribe(fn func(model.TraceRecord)) (model.TraceSubscription, error) {
	if fn == nil {
		return nil, errors.New("tracesource: subscribe callback is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.subs[s.nextSub] = fn
	return &subscription{s: s, id: s.nextSub}, nil
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		Lines:     s.lines.Load(),
		Malformed: s.malformed.Load(),
		Gated:     s.gated.Load(),
		Filtered:  s.filtered.Load(),
		Delivered: s.delivered.Load(),
	}
}
