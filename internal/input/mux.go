package input

import (
	"context"
	"sync"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// DefaultMuxBuffer is the default channel buffer size for the multiplexer.
const DefaultMuxBuffer = 4096

// Multiplexer merges several inputs into a single read-only stream.
type Multiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc

	inputs []Input
	lines  chan model.IngestEnvelope

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMultiplexer returns a multiplexer over inputs. Start must be called.
func NewMultiplexer(parent context.Context, inputs []Input, buffer int) *Multiplexer {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &Multiplexer{
		ctx:    ctx,
		cancel: cancel,
		inputs: inputs,
		lines:  make(chan model.IngestEnvelope, buffer),
	}
}

// Start begins forwarding. The output closes once every input has closed.
func (m *Multiplexer) Start() {
	m.startOnce.Do(func() {
		if len(m.inputs) == 0 {
			m.closeOutput()
			return
		}

		for _, in := range m.inputs {
			m.wg.Add(1)
			go m.forward(in)
		}

		go func() {
			m.wg.Wait()
			m.closeOutput()
		}()
	})
}

// Stop stops every input and closes the output.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		for _, in := range m.inputs {
			in.Stop()
		}
		m.wg.Wait()
		m.closeOutput()
	})
}

// Names returns the names of the merged inputs.
func (m *Multiplexer) Names() []string {
	names := make([]string, 0, len(m.inputs))
	for _, in := range m.inputs {
		names = append(names, in.Name())
	}
	return names
}

// Lines returns the merged stream.
func (m *Multiplexer) Lines() <-chan model.IngestEnvelope {
	return m.lines
}

func (m *Multiplexer) forward(in Input) {
	defer m.wg.Done()

	lines := in.Lines()
	for {
		select {
		case <-m.ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line.Line == "" {
				continue
			}
			select {
			case m.lines <- line:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *Multiplexer) closeOutput() {
	m.closeOnce.Do(func() {
		close(m.lines)
	})
}
