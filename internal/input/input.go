package input

import (
	"log"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/tcpserver"
)

// Input is a producer of raw trace lines (TCP, stdin).
type Input interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of trace lines
	Stop()                              // graceful shutdown
	Name() string                       // "tcp", "stdin"
}

// TCPInput wraps a tcpserver.Server as an Input.
type TCPInput struct {
	server *tcpserver.Server
}

// NewTCPInput creates a TCPInput from an already-started TCP server.
func NewTCPInput(server *tcpserver.Server) *TCPInput {
	return &TCPInput{server: server}
}

func (t *TCPInput) Lines() <-chan model.IngestEnvelope { return t.server.Lines() }
func (t *TCPInput) Name() string                       { return "tcp" }
func (t *TCPInput) Addr() string                       { return t.server.Addr() }

// Stop shuts the server down and logs its connection counters.
func (t *TCPInput) Stop() {
	_ = t.server.Stop()
	st := t.server.Stats()
	log.Printf("input: tcp closed after %d connections (%d refused), %d lines, %d oversize drops",
		st.Accepted, st.Rejected, st.Lines, st.Oversize)
}
