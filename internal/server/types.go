// Package server defines the session error taxonomy and small helpers shared
// by the listener, sessions and the WebSocket gateway.
package server

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPeerClosed reports a clean end of stream from the peer.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrWriteFailed reports that a frame could not be delivered to the peer.
	ErrWriteFailed = errors.New("write failed")
	// ErrReadFailed reports a transport failure while reading from the peer.
	ErrReadFailed = errors.New("read failed")
	// ErrIdleTimeout reports that the peer sent nothing within the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrSessionClosed reports that the session was closed locally.
	ErrSessionClosed = errors.New("session closed")
	// ErrServerClosed is returned when a connection arrives during shutdown.
	ErrServerClosed = errors.New("server closed")
)

// BindError reports a failure to bind the listen address. It is fatal at startup.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// LagPolicy decides what a session does when its subscription lags behind
// the hub backlog.
type LagPolicy int

const (
	// LagResync logs the skipped count and continues from the oldest retained message.
	LagResync LagPolicy = iota
	// LagDisconnect terminates the session.
	LagDisconnect
)

// ParseLagPolicy maps "resync" and "disconnect" to a LagPolicy.
func ParseLagPolicy(s string) (LagPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "resync":
		return LagResync, nil
	case "disconnect":
		return LagDisconnect, nil
	default:
		return LagResync, fmt.Errorf("unknown lag policy %q", s)
	}
}

func (p LagPolicy) String() string {
	if p == LagDisconnect {
		return "disconnect"
	}
	return "resync"
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "io: read/write on closed pipe")
}
