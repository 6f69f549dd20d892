// Package server accepts relay connections and runs one Session per
// connection against a shared hub.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/message"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configures a Server.
type Options struct {
	EchoSelf       bool
	LagPolicy      LagPolicy
	MaxMessageSize int
	// WriteTimeout bounds a single frame write; zero disables it.
	WriteTimeout time.Duration
	// IdleTimeout disconnects peers that send nothing for this long; zero disables it.
	IdleTimeout    time.Duration
	RateLimit      RateLimit
	AllowedOrigins []string
	// Observer receives session lifecycle events in addition to the log.
	Observer Observer
	Logger   zerolog.Logger
}

// Server runs relay sessions for any number of listeners. All sessions share
// the hub passed to New.
type Server struct {
	hub      *hub.Hub
	opts     Options
	logger   zerolog.Logger
	observer Observer
	origins  *originPolicy
	upgrader websocket.Upgrader

	rateLimit atomic.Pointer[RateLimit]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	sessions  map[*Session]struct{}
	listeners map[net.Listener]struct{}
}

// New creates a Server publishing into h.
func New(h *hub.Hub, opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = message.DefaultMaxFrameSize
	}

	var observer Observer = LogObserver{Logger: opts.Logger}
	if opts.Observer != nil {
		observer = multiObserver{observer, opts.Observer}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:       h,
		opts:      opts,
		logger:    opts.Logger,
		observer:  observer,
		origins:   newOriginPolicy(opts.AllowedOrigins, opts.Logger),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*Session]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	rl := opts.RateLimit
	s.rateLimit.Store(&rl)
	return s
}

// Listen binds a TCP listener on addr. Failures are reported as *BindError.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// Hub returns the hub shared by all sessions.
func (s *Server) Hub() *hub.Hub { return s.hub }

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetRateLimit replaces the throttling applied to sessions opened afterwards.
func (s *Server) SetRateLimit(rl RateLimit) {
	s.rateLimit.Store(&rl)
}

// Serve accepts connections from ln until ctx is done, ln is closed or the
// server shuts down. Each connection runs in its own goroutine; Serve never
// waits on a session. Accept errors are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			s.logger.Error().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		c := NewStreamConn(conn, s.opts.MaxMessageSize, s.opts.WriteTimeout, s.opts.IdleTimeout)
		if !s.goServe(c) {
			_ = conn.Close()
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// goServe runs conn in a new goroutine. It reports false during shutdown.
func (s *Server) goServe(conn Conn) bool {
	sess, ok := s.startSession(conn)
	if !ok {
		return false
	}
	go s.runSession(sess)
	return true
}

// ServeConn runs a session for conn and blocks until it ends, returning the
// terminal cause.
func (s *Server) ServeConn(conn Conn) error {
	sess, ok := s.startSession(conn)
	if !ok {
		_ = conn.Close()
		return ErrServerClosed
	}
	return s.runSession(sess)
}

func (s *Server) startSession(conn Conn) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false
	}

	sess := NewSession(conn, s.hub, SessionOptions{
		EchoSelf:  s.opts.EchoSelf,
		LagPolicy: s.opts.LagPolicy,
		Limiter:   newRateLimiter(*s.rateLimit.Load()),
		Logger:    s.logger,
	})
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return sess, true
}

func (s *Server) runSession(sess *Session) error {
	defer s.wg.Done()

	info := sess.Info()
	s.observer.SessionOpened(info)

	err := sess.Run(s.ctx)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	s.observer.SessionClosed(info, err)
	return err
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, tears down every session and waits for their
// goroutines until ctx expires. The hub itself is left open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	s.logger.Info().Int("sessions", count).Msg("shutting down relay")
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn().Err(err).Msg("error closing listener")
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("relay shutdown completed")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("relay shutdown timed out; some sessions may still be running")
		return ctx.Err()
	}
}
