// Package tcpserver accepts newline-delimited JSON trace records from local
// producers over TCP.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/tracepush/internal/model"
)

const (
	// DefaultAddr is the loopback address trace producers connect to.
	DefaultAddr = "127.0.0.1:4700"

	// DefaultLineChannelSize is the default buffer of the line channel.
	DefaultLineChannelSize = 4096

	// DefaultMaxLineSize is the longest accepted trace line in bytes.
	DefaultMaxLineSize = 1024 * 1024

	// DefaultMaxConns bounds concurrently served producers.
	DefaultMaxConns = 64
)

// ServerConfig holds tunable parameters for the TCP server. Zero values
// select the defaults; a zero IdleTimeout never times out a connection.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
	MaxConns        int
	IdleTimeout     time.Duration
}

// Stats counts connection and line activity since Start.
type Stats struct {
	Accepted int64
	Rejected int64
	Active   int64
	Lines    int64
	Oversize int64
}

// Server listens for trace producers. Each accepted connection is read line
// by line; blank lines are skipped and a line over MaxLineSize drops the
// connection.
type Server struct {
	addr     string
	conf     ServerConfig
	listener net.Listener
	lineChan chan model.IngestEnvelope
	conns    *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	accepted atomic.Int64
	rejected atomic.Int64
	active   atomic.Int64
	lines    atomic.Int64
	oversize atomic.Int64
}

// NewServer creates a new TCP server. An empty addr uses DefaultAddr.
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	var c ServerConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.LineChannelSize <= 0 {
		c.LineChannelSize = DefaultLineChannelSize
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		conf:     c,
		lineChan: make(chan model.IngestEnvelope, c.LineChannelSize),
		conns:    semaphore.NewWeighted(int64(c.MaxConns)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens and begins accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("tcpserver: accept: %v", err)
			continue
		}
		if !s.conns.TryAcquire(1) {
			s.rejected.Add(1)
			log.Printf("tcpserver: refusing %s: %d connections already open", conn.RemoteAddr(), s.conf.MaxConns)
			_ = conn.Close()
			continue
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	s.active.Add(1)
	defer func() {
		_ = conn.Close()
		s.active.Add(-1)
		s.conns.Release(1)
		s.wg.Done()
	}()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		if s.conf.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.conf.IdleTimeout))
		}
		line, err := readLine(r, s.conf.MaxLineSize)
		if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			s.lines.Add(1)
			select {
			case s.lineChan <- model.IngestEnvelope{Source: "tcp", Peer: peer, Line: line}:
			case <-s.ctx.Done():
				return
			}
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, errLineTooLong):
			s.oversize.Add(1)
			log.Printf("tcpserver: dropped %s: line exceeds %d bytes", peer, s.conf.MaxLineSize)
		case errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
		case isTimeout(err):
			log.Printf("tcpserver: closing idle connection %s", peer)
		case !errors.Is(err, io.EOF):
			log.Printf("tcpserver: read from %s: %v", peer, err)
		}
		return
	}
}

// Stop closes the listener and every open connection, waits for the
// handlers, then closes the line channel.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		close(s.lineChan)
	})
	return nil
}

// Lines returns the channel of received trace lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Active:   s.active.Load(),
		Lines:    s.lines.Load(),
		Oversize: s.oversize.Load(),
	}
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
