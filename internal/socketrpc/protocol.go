package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server is the local control channel of the agent. Every
// control event is a method of the same name; params are the event data
// and the result is the event's model.ControlReply.
//
//   Method                    Params                     Result
//   ──────────────────────    ────────────────────────   ──────────────────
//   Start, Stop, Reset        (none)                     ControlReply
//   GetState                  (none)                     ControlReply with state
//   SetControlOptions         ControlOptions             ControlReply
//   SetEmptyFilterTemplate    FilterSource               ControlReply
//   TestFilter                FilterSource or (none)     ControlReply with diagnostics
//   ApplyOptions              AgentOptions               ControlReply
//   InstallCertificate        PEM string                 ControlReply
//   StartLiveView             SinkProfile                ControlReply
//   StopLiveView              (none)                     ControlReply
//   State                     (none)                     AgentState (not queued)
//
// A negative acknowledgement is still a result; only transport failures are
// errors.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32603  Internal error (marshal failure)
//   -32000  Application error (queue full, machine stopped, timeout)

// MethodState reads the latest state snapshot without queueing an event.
const MethodState = "State"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/tracepush/tracepush.sock, falling back to
// ~/.local/state/tracepush/tracepush.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tracepush", "tracepush.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/tracepush.sock"
	}
	return filepath.Join(home, ".local", "state", "tracepush", "tracepush.sock")
}
