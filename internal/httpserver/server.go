package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/tracepush/internal/control"
	"github.com/tinytelemetry/tracepush/internal/model"
)

// maxEventBody bounds the data of one control event.
const maxEventBody = 1 << 20

// Controller is the narrow control machine contract required by the HTTP API.
type Controller interface {
	Request(ctx context.Context, name, id string, data []byte) (model.ControlReply, error)
	State() model.AgentState
}

// Server provides the HTTP control channel and a server-sent event stream of
// state snapshots. It implements control.Publisher for the stream.
type Server struct {
	addr      string
	ctl       Controller
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	// RequestTimeout bounds how long a control request waits for its reply.
	RequestTimeout time.Duration
	// Heartbeat is the interval of keep-alive events on idle streams.
	Heartbeat time.Duration

	mu   sync.Mutex
	subs map[chan model.AgentState]struct{}
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, ctl Controller) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:           addr,
		ctl:            ctl,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		RequestTimeout: 30 * time.Second,
		Heartbeat:      15 * time.Second,
		subs:           make(map[chan model.AgentState]struct{}),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/state", s.handleState)
	r.GET("/api/state/stream", s.handleStream)
	r.POST("/api/control/:event", s.handleControl)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server. Open state streams end when
// the base context is cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// PublishState hands st to every stream subscriber. A subscriber that has
// not consumed the previous snapshot gets it replaced.
func (s *Server) PublishState(_ context.Context, st model.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return nil
}

// PublishReply implements control.Publisher. Replies go back on the request
// that carried the event, so nothing is streamed.
func (s *Server) PublishReply(context.Context, model.ControlReply) error {
	return nil
}

func (s *Server) subscribe() chan model.AgentState {
	ch := make(chan model.AgentState, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan model.AgentState) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func (s *Server) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.ctl.State()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"running": st.Running,
		"phase":   st.Phase,
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.State())
}

func (s *Server) handleStream(c *gin.Context) {
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("state", s.ctl.State())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st := <-ch:
			c.SSEvent("state", st)
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
		}
		return true
	})
}

func (s *Server) handleControl(c *gin.Context) {
	event := c.Param("event")
	if !model.IsControlEvent(event) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown control event " + event})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event data too large"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.RequestTimeout)
	defer cancel()

	reply, err := s.ctl.Request(ctx, event, c.Query("id"), data)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if !reply.OK {
		c.JSON(http.StatusUnprocessableEntity, reply)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, control.ErrQueueFull), errors.Is(err, control.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		log.Printf("httpserver: control request: %v", err)
		return http.StatusInternalServerError
	}
}
