package sxnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/route"
)

// Default session timing.
const (
	DefaultInitialDelay      = time.Second
	DefaultBroadcastInterval = 200 * time.Millisecond
	DefaultLineCap           = 60
	DefaultDebounce          = 300 * time.Millisecond

	// writeTimeout bounds a single line write to a TCP client.
	writeTimeout = 10 * time.Second
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures session behaviour.
type Options struct {
	// InitialDelay is the grace period before a session's first broadcast.
	InitialDelay time.Duration

	// BroadcastInterval is the period of the change broadcast.
	BroadcastInterval time.Duration

	// LineCap is the soft length limit of an accumulated broadcast line.
	LineCap int

	// Debounce suppresses a line identical to the previous one sent less
	// than this long ago.
	Debounce time.Duration

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = DefaultBroadcastInterval
	}
	if o.LineCap <= 0 {
		o.LineCap = DefaultLineCap
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server accepts SXnet clients and runs one Session per connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Server struct {
	reg    *bus.Registry
	routes *route.Engine
	opts   Options

	counter atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewServer creates a server.
//
// Parameters:
//   - reg: Bus registry shared by all sessions
//   - routes: Route engine for REQ commands; nil disables route requests
//   - opts: Session timing; zero fields take the defaults
func NewServer(reg *bus.Registry, routes *route.Engine, opts Options) *Server {
	return &Server{
		reg:      reg,
		routes:   routes,
		opts:     opts.withDefaults(),
		sessions: make(map[*Session]struct{}),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for session lifecycle messages.
func (s *Server) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

func (s *Server) log() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// ListenAndServe listens on addr and serves until ctx is cancelled or
// Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil when ctx is cancelled
// and ErrServerClosed after Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log().Info("sxnet server listening", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, NewStreamConn(conn, writeTimeout))
		}()
	}
}

// ServeConn runs a session on conn and blocks until it ends. The
// connection is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn LineConn) {
	id := int(s.counter.Add(1) - 1)
	sess := newSession(s, id, conn)

	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	s.log().Info("sxnet client connected", "session", id, "remote", conn.RemoteAddr())
	sess.run(ctx)
	s.log().Info("sxnet client disconnected", "session", id, "remote", conn.RemoteAddr())
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections, terminates every session and waits
// for the TCP sessions to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range sessions {
		sess.terminate()
	}
	s.wg.Wait()
	return err
}
