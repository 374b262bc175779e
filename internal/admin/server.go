// Package admin serves a RESP command endpoint for inspecting and driving a
// running pcdsync instance with any Redis client.
package admin

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"
)

var log = logrus.WithField("prefix", "admin")

// Config holds admin endpoint configuration
type Config struct {
	Addr string

	// CommandTimeout bounds commands that call the proof service or the
	// Keeper.
	CommandTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:6390",
		CommandTimeout: 2 * time.Minute,
	}
}

// Server accepts RESP connections and dispatches their commands to a
// Handler. Commands from one connection run in order; connections run
// concurrently.
type Server struct {
	cfg     *Config
	handler *Handler

	mu       sync.Mutex
	server   *redcon.Server
	listener net.Listener

	clients atomic.Int64
}

// session is attached to each connection with SetContext.
type session struct {
	remote   string
	since    time.Time
	commands int
}

func NewServer(cfg *Config, handler *Handler) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{cfg: cfg, handler: handler}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := redcon.NewServer(ln.Addr().String(), s.serveConn, s.accept, s.closed)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	log.WithField("addr", ln.Addr().String()).Info("Admin endpoint listening")
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

func (s *Server) accept(conn redcon.Conn) bool {
	conn.SetContext(&session{remote: conn.RemoteAddr(), since: time.Now()})
	s.clients.Add(1)
	metrics.RecordConnection(1)
	log.WithField("remote", conn.RemoteAddr()).Debug("Client connected")
	return true
}

func (s *Server) closed(conn redcon.Conn, err error) {
	s.clients.Add(-1)
	metrics.RecordConnection(-1)

	fields := logrus.Fields{"remote": conn.RemoteAddr()}
	if sess, ok := conn.Context().(*session); ok {
		fields["commands"] = sess.commands
		fields["duration"] = time.Since(sess.since).Round(time.Millisecond)
	}
	if err != nil {
		fields["error"] = err
	}
	log.WithFields(fields).Debug("Client disconnected")
}

// serveConn runs cmd and then every command already buffered behind it.
func (s *Server) serveConn(conn redcon.Conn, cmd redcon.Command) {
	ctx := context.Background()
	s.dispatch(ctx, conn, cmd.Args)
	for _, queued := range conn.ReadPipeline() {
		s.dispatch(ctx, conn, queued.Args)
	}
}

func (s *Server) dispatch(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	if sess, ok := conn.Context().(*session); ok {
		sess.commands++
	}
	s.handler.ExecuteBytes(ctx, conn, args[0], args[1:])
}
