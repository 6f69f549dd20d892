package server_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/message"
	"github.com/Tyrowin/relay/internal/server"
)

const testOrigin = "http://localhost:8080"

var errFakeClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory server.Conn driven by channels.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	gate   chan struct{}
	failW  error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	if c.failW != nil {
		return c.failW
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return errFakeClosed
		}
	}
	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.closed:
		return errFakeClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake:1" }
func (c *fakeConn) Transport() string  { return "fake" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send queues an encoded message for the session to read.
func (c *fakeConn) send(t *testing.T, m message.Message) {
	t.Helper()
	frame, err := message.Encode(m)
	require.NoError(t, err)
	c.in <- frame
}

// expectMessage waits for the next frame written by the session.
func (c *fakeConn) expectMessage(t *testing.T) message.Message {
	t.Helper()
	select {
	case frame := <-c.out:
		m, err := message.Decode(frame)
		require.NoError(t, err)
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return message.Message{}
	}
}

// expectNoMessage asserts that nothing is written within d.
func (c *fakeConn) expectNoMessage(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-c.out:
		t.Fatalf("unexpected outbound frame %q", frame)
	case <-time.After(d):
	}
}

// runSession starts s.Run in the background and returns its result channel.
func runSession(ctx context.Context, s *server.Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

// recordingObserver captures session lifecycle events.
type recordingObserver struct {
	opened chan server.SessionInfo
	closed chan closedEvent
}

type closedEvent struct {
	info  server.SessionInfo
	cause error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		opened: make(chan server.SessionInfo, 64),
		closed: make(chan closedEvent, 64),
	}
}

func (o *recordingObserver) SessionOpened(info server.SessionInfo) { o.opened <- info }
func (o *recordingObserver) SessionClosed(info server.SessionInfo, cause error) {
	o.closed <- closedEvent{info: info, cause: cause}
}

func (o *recordingObserver) waitOpened(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.opened:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d sessions opened", i, n)
		}
	}
}

func (o *recordingObserver) waitClosed(t *testing.T) closedEvent {
	t.Helper()
	select {
	case ev := <-o.closed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no session closed")
		return closedEvent{}
	}
}

// relayFixture runs a Server on a loopback TCP listener.
type relayFixture struct {
	hub      *hub.Hub
	server   *server.Server
	observer *recordingObserver
	addr     string
}

func newRelayFixture(t *testing.T, capacity int, opts server.Options) *relayFixture {
	t.Helper()

	obs := newRecordingObserver()
	opts.Observer = obs
	opts.Logger = zerolog.Nop()
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{testOrigin}
	}

	h := hub.New(capacity)
	srv := server.New(h, opts)

	ln, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
		<-served
		h.Close()
	})

	return &relayFixture{hub: h, server: srv, observer: obs, addr: ln.Addr().String()}
}

// tcpClient is a line-oriented test peer.
type tcpClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (f *relayFixture) dial(t *testing.T) *tcpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", f.addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &tcpClient{conn: conn, reader: bufio.NewReader(conn)}
}

// dialN connects n clients and waits until all their sessions are subscribed.
func (f *relayFixture) dialN(t *testing.T, n int) []*tcpClient {
	t.Helper()
	clients := make([]*tcpClient, n)
	for i := range clients {
		clients[i] = f.dial(t)
	}
	f.observer.waitOpened(t, n)
	return clients
}

func (c *tcpClient) sendLine(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *tcpClient) send(t *testing.T, m message.Message) {
	t.Helper()
	frame, err := message.Encode(m)
	require.NoError(t, err)
	_, err = c.conn.Write(frame)
	require.NoError(t, err)
}

func (c *tcpClient) receive(t *testing.T) message.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	m, err := message.Decode(line)
	require.NoError(t, err)
	return m
}

// expectNothing asserts that no line arrives within d.
func (c *tcpClient) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.reader.ReadBytes('\n')
	require.Error(t, err, "unexpected line %q", line)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// expectClosed asserts the server closed the connection.
func (c *tcpClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.reader.ReadBytes('\n')
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
}

// connectWebSocket dials the gateway with the allowed test origin.
func connectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}
