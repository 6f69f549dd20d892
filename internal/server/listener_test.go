package server_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/message"
	"github.com/Tyrowin/relay/internal/server"
)

// TestTwoClientScenario verifies session 2 receives session 1's message and session 1 sees nothing.
func TestTwoClientScenario(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{})
	clients := f.dialN(t, 2)

	clients[0].sendLine(t, `{"author":"a","text":"hi"}`)

	got := clients[1].receive(t)
	assert.Equal(t, "a", got.Author)
	assert.Equal(t, "hi", got.Text)

	clients[0].expectNothing(t, 200*time.Millisecond)
}

// TestFanOutOrderAcrossClients verifies every connected client receives all messages in publish order.
func TestFanOutOrderAcrossClients(t *testing.T) {
	const (
		numClients  = 4
		numMessages = 8
	)
	f := newRelayFixture(t, numMessages, server.Options{})
	clients := f.dialN(t, numClients)
	publisher := clients[0]

	for i := 0; i < numMessages; i++ {
		publisher.send(t, message.Message{Author: "pub", Text: fmt.Sprintf("message %d", i)})
	}

	var wg sync.WaitGroup
	for _, c := range clients[1:] {
		wg.Add(1)
		go func(c *tcpClient) {
			defer wg.Done()
			for i := 0; i < numMessages; i++ {
				assert.Equal(t, fmt.Sprintf("message %d", i), c.receive(t).Text)
			}
		}(c)
	}
	wg.Wait()

	publisher.expectNothing(t, 100*time.Millisecond)
}

// TestMalformedLineClosesOnlyOffender verifies a bad frame terminates just the originating session.
func TestMalformedLineClosesOnlyOffender(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{})
	clients := f.dialN(t, 3)

	clients[0].sendLine(t, "not json")
	clients[0].expectClosed(t)

	ev := f.observer.waitClosed(t)
	assert.ErrorIs(t, ev.cause, message.ErrMalformedMessage)

	clients[1].send(t, message.Message{Author: "b", Text: "unaffected"})
	assert.Equal(t, "unaffected", clients[2].receive(t).Text)
}

// TestPeerHangupIsIsolated verifies a disconnecting client does not disturb the others.
func TestPeerHangupIsIsolated(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{})
	clients := f.dialN(t, 3)

	require.NoError(t, clients[0].conn.Close())

	ev := f.observer.waitClosed(t)
	assert.True(t, errors.Is(ev.cause, server.ErrPeerClosed) || errors.Is(ev.cause, server.ErrReadFailed),
		"unexpected cause %v", ev.cause)

	clients[1].send(t, message.Message{Author: "b", Text: "after hangup"})
	assert.Equal(t, "after hangup", clients[2].receive(t).Text)
	assert.Eventually(t, func() bool { return f.server.SessionCount() == 2 }, time.Second, 10*time.Millisecond)
}

// TestPartialLinesAreBuffered verifies a frame split across writes is decoded once complete.
func TestPartialLinesAreBuffered(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{})
	clients := f.dialN(t, 2)

	_, err := clients[0].conn.Write([]byte(`{"author":"a",`))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	clients[1].expectNothing(t, 50*time.Millisecond)

	_, err = clients[0].conn.Write([]byte(`"text":"split"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "split", clients[1].receive(t).Text)
}

// TestEchoSelfOverTCP verifies each message reaches its author exactly once when echo is enabled.
func TestEchoSelfOverTCP(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{EchoSelf: true})
	clients := f.dialN(t, 2)

	clients[0].send(t, message.Message{Author: "a", Text: "mine"})

	assert.Equal(t, "mine", clients[0].receive(t).Text)
	assert.Equal(t, "mine", clients[1].receive(t).Text)
	clients[0].expectNothing(t, 100*time.Millisecond)
}

// TestOversizedFrameCloses verifies frames beyond the limit terminate the session.
func TestOversizedFrameCloses(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{MaxMessageSize: 64})
	clients := f.dialN(t, 1)

	clients[0].send(t, message.Message{Author: "a", Text: string(make([]byte, 200))})
	clients[0].expectClosed(t)

	ev := f.observer.waitClosed(t)
	assert.ErrorIs(t, ev.cause, message.ErrFrameTooLarge)
}

// TestIdleTimeout verifies silent peers are disconnected when an idle timeout is configured.
func TestIdleTimeout(t *testing.T) {
	f := newRelayFixture(t, 10, server.Options{IdleTimeout: 100 * time.Millisecond})
	clients := f.dialN(t, 1)

	clients[0].expectClosed(t)
	ev := f.observer.waitClosed(t)
	assert.ErrorIs(t, ev.cause, server.ErrIdleTimeout)
}

// TestShutdownClosesSessions verifies graceful shutdown ends every session and stops accepting.
func TestShutdownClosesSessions(t *testing.T) {
	obs := newRecordingObserver()
	h := hub.New(10)
	defer h.Close()
	srv := server.New(h, server.Options{Observer: obs, Logger: zerolog.Nop()})

	ln, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), ln) }()

	f := &relayFixture{hub: h, server: srv, observer: obs, addr: ln.Addr().String()}
	clients := f.dialN(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	for _, c := range clients {
		c.expectClosed(t)
	}
	assert.Equal(t, 0, srv.SessionCount())

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_, err = net.DialTimeout("tcp", f.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")

	ln2, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background(), ln2), server.ErrServerClosed)
}

// TestListenBindFailure verifies bind errors are reported as BindError.
func TestListenBindFailure(t *testing.T) {
	ln, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = server.Listen(context.Background(), ln.Addr().String())
	require.Error(t, err)

	var bindErr *server.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, ln.Addr().String(), bindErr.Addr)
}

// flakyListener fails the first few Accept calls.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, errors.New("too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

// TestAcceptErrorsAreRetried verifies the accept loop survives transient accept failures.
func TestAcceptErrorsAreRetried(t *testing.T) {
	obs := newRecordingObserver()
	h := hub.New(10)
	defer h.Close()
	srv := server.New(h, server.Options{Observer: obs, Logger: zerolog.Nop()})

	inner, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, failures: 3}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	f := &relayFixture{hub: h, server: srv, observer: obs, addr: inner.Addr().String()}
	f.dialN(t, 1)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, srv.Shutdown(shutdownCtx))
}
