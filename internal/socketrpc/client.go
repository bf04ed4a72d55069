package socketrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// DefaultCallTimeout bounds one round trip. Control events wait for the
// machine to handle them, so it is longer than a plain read needs.
const DefaultCallTimeout = 30 * time.Second

// Client is the local control channel client. Calls are serialized over one
// connection; the agent answers them in order.
type Client struct {
	// CallTimeout bounds each call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	enc    *json.Encoder
	lastID int
}

// Dial connects to the agent socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial %s: %w", socketPath, err)
	}
	return &Client{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}, nil
}

// Close closes the connection. Pending calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	req := Request{JSONRPC: "2.0", ID: c.lastID, Method: method, Params: params}

	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("socketrpc: %s: %w", method, err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("socketrpc: %s: send: %w", method, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("socketrpc: %s: connection closed by agent", method)
		}
		return nil, fmt.Errorf("socketrpc: %s: read: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("socketrpc: %s: response id %d, want %d", method, resp.ID, req.ID)
	}
	return resp.Result, nil
}

// Control sends a control event and returns its reply. A negative
// acknowledgement is a reply, not an error. data may be nil.
func (c *Client) Control(event string, data []byte) (model.ControlReply, error) {
	var reply model.ControlReply
	raw, err := c.roundTrip(event, data)
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, fmt.Errorf("socketrpc: %s: decode reply: %w", event, err)
	}
	return reply, nil
}

// State returns the agent's latest state snapshot.
func (c *Client) State() (model.AgentState, error) {
	var st model.AgentState
	raw, err := c.roundTrip(MethodState, nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("socketrpc: state: decode: %w", err)
	}
	return st, nil
}
