package server

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// LogObserver reports session lifecycle events to a zerolog logger.
type LogObserver struct {
	Logger zerolog.Logger
}

// SessionOpened logs a connect event.
func (o LogObserver) SessionOpened(info SessionInfo) {
	o.event(o.Logger.Info(), info).Msg("client connected")
}

// SessionClosed logs a disconnect event. Clean disconnects are logged at info
// level, failures at warn level with the cause attached.
func (o LogObserver) SessionClosed(info SessionInfo, cause error) {
	if isCleanClose(cause) {
		o.event(o.Logger.Info(), info).Msg("client disconnected")
		return
	}
	o.event(o.Logger.Warn(), info).Err(cause).Msg("client disconnected with error")
}

func (o LogObserver) event(e *zerolog.Event, info SessionInfo) *zerolog.Event {
	return e.Str("session_id", info.ID).Str("remote", info.RemoteAddr).Str("transport", info.Transport)
}

func isCleanClose(err error) bool {
	return err == nil ||
		errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled)
}

type multiObserver []Observer

func (m multiObserver) SessionOpened(info SessionInfo) {
	for _, o := range m {
		o.SessionOpened(info)
	}
}

func (m multiObserver) SessionClosed(info SessionInfo, cause error) {
	for _, o := range m {
		o.SessionClosed(info, cause)
	}
}
