// Package server manages individual relay sessions, running the inbound and
// outbound duties of each connection until either side terminates.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/message"
)

// SessionInfo identifies a session to observers.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	Transport  string
}

// Observer is notified when sessions open and close.
type Observer interface {
	SessionOpened(info SessionInfo)
	SessionClosed(info SessionInfo, cause error)
}

// SessionOptions configures the behaviour of a single session.
type SessionOptions struct {
	// EchoSelf delivers the session's own messages back to it.
	EchoSelf  bool
	LagPolicy LagPolicy
	// Limiter throttles inbound messages; nil disables throttling.
	Limiter *rate.Limiter
	Logger  zerolog.Logger
}

// Session owns one accepted connection and its hub subscription. It is
// Active until the first duty observes a terminal condition, then Closed.
type Session struct {
	id      string
	conn    Conn
	hub     *hub.Hub
	sub     *hub.Subscription
	opts    SessionOptions
	logger  zerolog.Logger
	closeMu sync.Once
	closed  chan struct{}
}

// NewSession subscribes to h and wraps conn. The subscription starts at the
// current publish cursor, so nothing published before this call is delivered.
func NewSession(conn Conn, h *hub.Hub, opts SessionOptions) *Session {
	id := uuid.NewString()
	return &Session{
		id:   id,
		conn: conn,
		hub:  h,
		sub:  h.Subscribe(),
		opts: opts,
		logger: opts.Logger.With().
			Str("session_id", id).
			Str("remote", conn.RemoteAddr()).
			Str("transport", conn.Transport()).
			Logger(),
		closed: make(chan struct{}),
	}
}

// ID returns the session identifier used to tag published messages.
func (s *Session) ID() string { return s.id }

// Info describes the session for observers.
func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.id, RemoteAddr: s.conn.RemoteAddr(), Transport: s.conn.Transport()}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close tears the session down: it closes the transport and drops the
// subscription. Only the first call has an effect.
func (s *Session) Close() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.sub.Close()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("error closing connection")
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Run executes the inbound and outbound duties concurrently and returns the
// cause that ended the session. ErrPeerClosed means a clean disconnect.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, s.Close)
	defer stop()

	g.Go(func() error { return s.inbound(gctx) })
	g.Go(func() error { return s.outbound(gctx) })
	return g.Wait()
}

// inbound decodes frames from the peer and publishes them to the hub.
func (s *Session) inbound(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return s.readError(ctx, err)
		}

		msg, err := message.Decode(frame)
		if err != nil {
			return err
		}

		if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
			s.logger.Warn().Msg("rate limit exceeded; discarding message")
			continue
		}
		msg.Origin = s.id

		if _, err := s.hub.Publish(msg); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
}

func (s *Session) readError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	case errors.Is(err, message.ErrFrameTooLarge), errors.Is(err, ErrIdleTimeout):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case s.isClosed():
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
}

// outbound delivers hub messages to the peer.
func (s *Session) outbound(ctx context.Context) error {
	for {
		msg, err := s.sub.Receive(ctx)
		if err != nil {
			var lagged *hub.LaggedError
			if errors.As(err, &lagged) && s.opts.LagPolicy == LagResync {
				s.logger.Warn().Uint64("skipped", lagged.Skipped).Msg("subscriber lagged; resynchronizing")
				continue
			}
			if errors.Is(err, hub.ErrClosed) && s.isClosed() {
				return ErrSessionClosed
			}
			return err
		}

		if msg.Origin == s.id && !s.opts.EchoSelf {
			continue
		}

		frame, err := message.Encode(msg)
		if err != nil {
			return err
		}
		if err := s.conn.WriteFrame(frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.isClosed() {
				return ErrSessionClosed
			}
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}
}
