package tcpserver

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("")
	if got := s.Addr(); got != DefaultAddr {
		t.Fatalf("Addr() = %q, want %q", got, DefaultAddr)
	}
}

func TestNewServer_UsesConfiguredAddressAndBuffers(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", ServerConfig{
		LineChannelSize: 64,
		MaxLineSize:     2048,
	})

	if got := s.Addr(); got != "0.0.0.0:5000" {
		t.Fatalf("Addr() = %q, want %q", got, "0.0.0.0:5000")
	}
	if got := cap(s.lineChan); got != 64 {
		t.Fatalf("line channel cap = %d, want %d", got, 64)
	}
	if got := s.conf.MaxLineSize; got != 2048 {
		t.Fatalf("max line size = %d, want %d", got, 2048)
	}
}

func TestServer_ReceivesLinesAndStopsWithOpenConnection(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("{\"provider\":\"a\"}\n\n{\"provider\":\"b\"}\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for i, want := range []string{`{"provider":"a"}`, `{"provider":"b"}`} {
		select {
		case env := <-s.Lines():
			if env.Line != want || env.Source != "tcp" || env.Peer == "" {
				t.Fatalf("line %d = %+v, want %q", i, env, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}

	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an open connection")
	}
	if _, ok := <-s.Lines(); ok {
		t.Fatal("expected closed line channel after Stop")
	}
}

func TestServer_RefusesConnectionsOverLimit(t *testing.T) {
	s := NewServer("127.0.0.1:0", ServerConfig{MaxConns: 1})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	first, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	waitFor(t, func() bool { return s.Stats().Active == 1 })

	second, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection was served")
	}
	if got := s.Stats().Rejected; got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}

func TestServer_DropsConnectionOnOversizeLine(t *testing.T) {
	s := NewServer("127.0.0.1:0", ServerConfig{MaxLineSize: 16})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	payload := "{\"id\":1}\r\n" + strings.Repeat("x", 64) + "\n{\"id\":2}\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case env := <-s.Lines():
		if env.Line != `{"id":1}` {
			t.Fatalf("line = %q, want CR stripped", env.Line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first line")
	}
	waitFor(t, func() bool { return s.Stats().Oversize == 1 && s.Stats().Active == 0 })
	select {
	case env := <-s.Lines():
		t.Fatalf("line after oversize = %q", env.Line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_ClosesIdleConnections(t *testing.T) {
	s := NewServer("127.0.0.1:0", ServerConfig{IdleTimeout: 50 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
		t.Fatal("idle connection stayed open")
	}
}

func TestReadLine(t *testing.T) {
	t.Parallel()

	r := bufio.NewReaderSize(strings.NewReader("a\r\n\nbb\ntail"), 16)
	want := []string{"a", "", "bb", "tail"}
	for i, w := range want {
		got, err := readLine(r, 8)
		if got != w {
			t.Fatalf("line %d = %q, want %q", i, got, w)
		}
		if i < len(want)-1 && err != nil {
			t.Fatalf("line %d err = %v", i, err)
		}
	}
	if _, err := readLine(bufio.NewReaderSize(strings.NewReader(strings.Repeat("y", 40)+"\n"), 16), 8); err != errLineTooLong {
		t.Fatalf("long line err = %v, want errLineTooLong", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
