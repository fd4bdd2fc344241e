// Package health serves the keep-alive HTTP endpoints that hosting platforms
// poll to keep the process awake.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

const component = "health"

var ErrAlreadyRunning = errors.New("keep-alive server already running")

// Status is the body of GET /health.
type Status struct {
	Status    string    `json:"status"`
	Ready     bool      `json:"ready"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id,omitempty"`
}

type Server struct {
	addr    string
	runID   string
	ready   func() bool
	started time.Time
	engine  *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer builds a server for addr. ready reports whether the WhatsApp
// connection is open; it may be nil.
func NewServer(addr, runID string, ready func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:    addr,
		runID:   runID,
		ready:   ready,
		started: time.Now(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "oncerelay is running")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status())
	})
	r.GET("/ready", func(c *gin.Context) {
		if !s.isReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})
	return r
}

func (s *Server) isReady() bool {
	return s.ready != nil && s.ready()
}

func (s *Server) status() Status {
	return Status{
		Status:    "ok",
		Ready:     s.isReady(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		StartedAt: s.started,
		RunID:     s.runID,
	}
}

// Handler exposes the routes without listening.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the address and serves in the background. Bind errors are
// returned; a second call returns ErrAlreadyRunning.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.srv, s.listener = srv, ln

	logger.InfoCF(component, "Keep-alive server listening", map[string]any{"addr": ln.Addr().String()})
	logger.Go(component, func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF(component, "Keep-alive server stopped", map[string]any{"error": err.Error()})
		}
	})
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
