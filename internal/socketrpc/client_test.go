package socketrpc_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
	"github.com/tinytelemetry/tracepush/internal/socketrpc"
)

// mockController records control events and replies like the control machine.
type mockController struct {
	mu     sync.Mutex
	events []string
	data   []string
	block  chan struct{}
}

func (m *mockController) Request(ctx context.Context, name, _ string, data []byte) (model.ControlReply, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return model.ControlReply{}, ctx.Err()
		}
	}
	m.mu.Lock()
	m.events = append(m.events, name)
	m.data = append(m.data, string(data))
	m.mu.Unlock()

	switch name {
	case model.EventStart:
		return model.ControlReply{Event: name, OK: false, Error: "control: pipeline already running"}, nil
	case model.EventTestFilter:
		return model.ControlReply{Event: name, OK: true, Diagnostics: []model.Diagnostic{{Message: "unknown name foo"}}}, nil
	}
	return model.ControlReply{Event: name, OK: true, Message: "ok"}, nil
}

func (m *mockController) State() model.AgentState {
	return model.AgentState{Host: "host1", Running: true, Phase: "Running"}
}

func startTestServer(t *testing.T, ctl socketrpc.Controller) (string, *socketrpc.Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, ctl)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return sockPath, srv
}

func TestRoundtrip(t *testing.T) {
	ctl := &mockController{}
	sockPath, srv := startTestServer(t, ctl)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	t.Run("State", func(t *testing.T) {
		st, err := client.State()
		if err != nil {
			t.Fatal(err)
		}
		if st.Host != "host1" || !st.Running {
			t.Fatalf("unexpected state: %+v", st)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		reply, err := client.Control(model.EventStop, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reply.OK || reply.Event != model.EventStop {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	})

	t.Run("NegativeAck", func(t *testing.T) {
		reply, err := client.Control(model.EventStart, nil)
		if err != nil {
			t.Fatalf("negative ack returned an error: %v", err)
		}
		if reply.OK || reply.Error == "" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	})

	t.Run("TestFilter", func(t *testing.T) {
		reply, err := client.Control(model.EventTestFilter, []byte(`{"filterSource":"foo"}`))
		if err != nil {
			t.Fatal(err)
		}
		if len(reply.Diagnostics) != 1 {
			t.Fatalf("unexpected diagnostics: %+v", reply.Diagnostics)
		}
	})

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if got := ctl.data[len(ctl.data)-1]; got != `{"filterSource":"foo"}` {
		t.Fatalf("event data = %q", got)
	}
}

func TestMethodNotFound(t *testing.T) {
	sockPath, srv := startTestServer(t, &mockController{})
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Control("Explode", nil); err == nil {
		t.Fatal("expected error for unknown event")
	}
	// The connection stays usable after an error.
	if _, err := client.State(); err != nil {
		t.Fatalf("State after error: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	_, err := socketrpc.Dial(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if err == nil {
		t.Fatal("expected error dialing nonexistent socket")
	}
}

func TestServerStopCleansSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "cleanup.sock")
	srv := socketrpc.NewServer(sockPath, &mockController{})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.Stop()

	// Socket file should be removed.
	if _, err := socketrpc.Dial(sockPath); err == nil {
		t.Fatal("expected dial to fail after server stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "idempotent.sock")
	srv := socketrpc.NewServer(sockPath, &mockController{})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv.Stop()
	srv.Stop()
}

func TestSecondServerRefused(t *testing.T) {
	sockPath, srv := startTestServer(t, &mockController{})
	defer srv.Stop()

	other := socketrpc.NewServer(sockPath, &mockController{})
	if err := other.Start(); err == nil {
		other.Stop()
		t.Fatal("second server started on a live socket")
	}
}

func TestStopCancelsPendingRequest(t *testing.T) {
	ctl := &mockController{block: make(chan struct{})}
	sockPath, srv := startTestServer(t, ctl)
	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, callErr := client.Control(model.EventStop, nil)
		done <- callErr
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Stop()

	select {
	case callErr := <-done:
		if callErr == nil {
			t.Fatal("expected pending call to fail after server stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client call hung after server stop")
	}
}
