package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// State is the lifecycle phase of a Processor.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconfiguring
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotRunning is returned by operations that need a running pipeline.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrAlreadyRunning is returned by Start on a started pipeline.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// FilterError rejects a filter that does not compile.
type FilterError struct {
	Diagnostics []model.Diagnostic
}

func (e *FilterError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "pipeline: invalid filter"
	}
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.Message)
	}
	return "pipeline: invalid filter: " + strings.Join(msgs, "; ")
}

// QueueFullPolicy decides what happens to a record that arrives while the
// staging queue is full.
type QueueFullPolicy int

const (
	// QueueBlock makes the source callback wait for room.
	QueueBlock QueueFullPolicy = iota
	// QueueDrop discards the record and counts it.
	QueueDrop
)

// ParseQueueFullPolicy parses "block" or "drop".
func ParseQueueFullPolicy(s string) (QueueFullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return QueueBlock, nil
	case "drop":
		return QueueDrop, nil
	}
	return QueueBlock, fmt.Errorf("pipeline: unknown queue-full policy %q", s)
}

func (q QueueFullPolicy) String() string {
	if q == QueueDrop {
		return "drop"
	}
	return "block"
}
