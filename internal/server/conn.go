// Package server adapts concrete transports to the frame-oriented Conn used
// by sessions.
package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/message"
)

// Conn is a bidirectional, ordered transport carrying one message per frame.
// ReadFrame and WriteFrame may be called concurrently with each other but
// neither may be called concurrently with itself.
type Conn interface {
	// ReadFrame returns the next frame. io.EOF signals a clean close by the peer.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one encoded frame, delimiter included.
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
	// Transport names the transport for logging, e.g. "tcp" or "websocket".
	Transport() string
}

// streamConn frames a byte stream such as TCP by newlines.
type streamConn struct {
	conn         net.Conn
	reader       *message.Reader
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// NewStreamConn wraps a stream connection. Zero timeouts disable the
// corresponding deadline.
func NewStreamConn(conn net.Conn, maxFrame int, writeTimeout, idleTimeout time.Duration) Conn {
	return &streamConn{
		conn:         conn,
		reader:       message.NewReader(conn, maxFrame),
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return nil, err
		}
	}
	frame, err := c.reader.ReadFrame()
	if isTimeout(err) {
		return nil, ErrIdleTimeout
	}
	return frame, err
}

func (c *streamConn) WriteFrame(frame []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *streamConn) Close() error       { return c.conn.Close() }
func (c *streamConn) RemoteAddr() string { return addrString(c.conn.RemoteAddr()) }
func (c *streamConn) Transport() string  { return "tcp" }

// wsConn carries one message per WebSocket text frame, without the newline
// delimiter.
type wsConn struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// NewWebSocketConn wraps an upgraded WebSocket connection. addr overrides the
// socket address, which is useful behind proxies.
func NewWebSocketConn(conn *websocket.Conn, addr string, maxFrame int, writeTimeout, idleTimeout time.Duration) Conn {
	if maxFrame <= 0 {
		maxFrame = message.DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrame))
	// Clear deadlines inherited from the HTTP server.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	if addr == "" {
		addr = addrString(conn.RemoteAddr())
	}
	return &wsConn{conn: conn, addr: addr, writeTimeout: writeTimeout, idleTimeout: idleTimeout}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		if c.idleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return nil, err
			}
		}
		_, data, err := c.conn.ReadMessage()
		switch {
		case err == nil:
		case errors.Is(err, websocket.ErrReadLimit):
			return nil, message.ErrFrameTooLarge
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure):
			return nil, io.EOF
		case isTimeout(err):
			return nil, ErrIdleTimeout
		default:
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(frame, []byte{message.Delimiter}))
}

func (c *wsConn) Close() error {
	// WriteControl may run concurrently with WriteFrame.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string { return c.addr }
func (c *wsConn) Transport() string  { return "websocket" }

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
