package input

import (
	"context"
	"testing"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

type fakeInput struct {
	name    string
	lines   chan model.IngestEnvelope
	stopped chan struct{}
}

func newFakeInput(name string, buffer int) *fakeInput {
	return &fakeInput{
		name:    name,
		lines:   make(chan model.IngestEnvelope, buffer),
		stopped: make(chan struct{}),
	}
}

func (s *fakeInput) Lines() <-chan model.IngestEnvelope { return s.lines }
func (s *fakeInput) Name() string                       { return s.name }

func (s *fakeInput) Stop() {
	select {
	case <-s.stopped:
		return
	default:
		close(s.stopped)
		close(s.lines)
	}
}

func TestMultiplexer_ForwardsFromAllInputs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeInput("a", 2)
	b := newFakeInput("b", 2)

	mux := NewMultiplexer(ctx, []Input{a, b}, 16)
	mux.Start()
	defer mux.Stop()

	a.lines <- model.IngestEnvelope{Source: "a", Line: `{"provider":"alpha"}`}
	b.lines <- model.IngestEnvelope{Source: "b", Line: `{"provider":"beta"}`}
	a.lines <- model.IngestEnvelope{Source: "a", Line: ""}
	a.Stop()
	b.Stop()

	got := map[string]bool{}
	for env := range mux.Lines() {
		got[env.Source] = true
	}
	if len(got) != 2 || !got["a"] || !got["b"] {
		t.Fatalf("forwarded sources=%v, want a and b", got)
	}
}

func TestMultiplexer_StopInvokesInputStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := newFakeInput("x", 1)
	mux := NewMultiplexer(ctx, []Input{in}, 8)
	mux.Start()
	mux.Stop()

	select {
	case <-in.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected input Stop() to be called")
	}
	if names := mux.Names(); len(names) != 1 || names[0] != "x" {
		t.Fatalf("Names=%v", names)
	}
}

func TestMultiplexer_NoInputsClosesOutput(t *testing.T) {
	mux := NewMultiplexer(context.Background(), nil, 1)
	mux.Start()
	if _, ok := <-mux.Lines(); ok {
		t.Fatal("expected closed output with no inputs")
	}
}
