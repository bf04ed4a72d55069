package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/tinytelemetry/tracepush/internal/model"
)

var (
	// ErrUnknownType is returned when no factory is registered for a sink type.
	ErrUnknownType = errors.New("sink: unknown sink type")
	// ErrSinkFailed is reported for writes to a sink in the failed state.
	ErrSinkFailed = errors.New("sink: sink failed")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("sink: holder closed")
)

// Sink is a downstream consumer of batches.
//
// Write reports false or an error when the batch was not accepted; the
// holder retries it. Done is closed when the sink terminates on its own
// and Err then reports why.
type Sink interface {
	Write(ctx context.Context, batch model.Batch) (bool, error)
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// CreateParams carries everything a factory needs to build a sink.
type CreateParams struct {
	Name        string
	Options     json.RawMessage
	Credentials json.RawMessage
	Logger      *log.Logger
}

// Factory builds sinks of one type.
type Factory interface {
	Create(ctx context.Context, p CreateParams) (Sink, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, p CreateParams) (Sink, error)

// Create implements Factory.
func (f FactoryFunc) Create(ctx context.Context, p CreateParams) (Sink, error) {
	return f(ctx, p)
}

// Registry maps sink type identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for sinkType. Registering a type twice is an error.
func (r *Registry) Register(sinkType string, f Factory) error {
	if sinkType == "" || f == nil {
		return errors.New("sink: register requires a type and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[sinkType]; ok {
		return fmt.Errorf("sink: type %q already registered", sinkType)
	}
	r.factories[sinkType] = f
	return nil
}

// Lookup returns the factory for sinkType.
func (r *Registry) Lookup(sinkType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[sinkType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, sinkType)
	}
	return f, nil
}

// Types returns the registered sink types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks that a profile names a registered type.
func (r *Registry) Validate(p model.SinkProfile) error {
	if p.Name == "" {
		return errors.New("sink: profile name is empty")
	}
	if _, err := r.Lookup(p.SinkType); err != nil {
		return err
	}
	return nil
}

// DecodeOptions unmarshals an options or credentials blob into v. Comments
// and trailing commas are accepted. An empty blob leaves v untouched.
func DecodeOptions(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(raw), v); err != nil {
		return fmt.Errorf("sink: decode options: %w", err)
	}
	return nil
}

// Lifecycle implements the Done and Err half of Sink. Sinks embed it and
// call Terminate when they stop on their own.
type Lifecycle struct {
	once sync.Once
	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (l *Lifecycle) init() {
	l.mu.Lock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	l.mu.Unlock()
}

// Done is closed once Terminate has been called.
func (l *Lifecycle) Done() <-chan struct{} {
	l.init()
	return l.done
}

// Err returns the error passed to Terminate.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Terminate records err and closes Done. Only the first call has effect.
func (l *Lifecycle) Terminate(err error) {
	l.init()
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}
