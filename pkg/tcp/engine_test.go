package tcp

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danlaine/rawtcp/pkg/rawip/rawiptest"
)

func newTestEngine(t *testing.T, fabric *rawiptest.Fabric, ip net.IP, seed int64) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	resolve := func(remote net.IP) (net.IP, error) { return ip, nil }
	e := New(ctx, fabric.Conn(ip), resolve, WithRand(rand.New(rand.NewSource(seed))))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestEngineHandshakeEchoAndClose(t *testing.T) {
	fabric := rawiptest.NewFabric()
	serverIP := net.ParseIP("10.1.1.1")
	clientIP := net.ParseIP("10.1.1.2")

	server := newTestEngine(t, fabric, serverIP, 1)
	client := newTestEngine(t, fabric, clientIP, 2)

	listener, err := server.Listen(serverIP, 9000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptedCh := make(chan SockID, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		id, err := server.Accept(ctx, listener)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- id
	}()

	clientConn, err := client.Connect(ctx, serverIP, 9000)
	require.NoError(t, err)

	var serverConn SockID
	select {
	case serverConn = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept failed: %v", err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}

	require.NoError(t, client.Send(ctx, clientConn, []byte("ping")))

	buf := make([]byte, 16)
	n, err := server.Receive(ctx, serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, server.Send(ctx, serverConn, []byte("pong")))
	n, err = client.Receive(ctx, clientConn, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	// The client's Close only returns once the server's own FIN arrives, so
	// it runs alongside the server's half of the teardown.
	clientCloseErrCh := make(chan error, 1)
	go func() { clientCloseErrCh <- client.Close(ctx, clientConn) }()

	n, err = server.Receive(ctx, serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "server should observe peer close as a zero-byte read")

	require.NoError(t, server.Close(ctx, serverConn))

	select {
	case err := <-clientCloseErrCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("client close timed out")
	}
}

func TestEngineRetransmitsUnackedDataAfterLoss(t *testing.T) {
	fabric := rawiptest.NewFabric()
	serverIP := net.ParseIP("10.2.1.1")
	clientIP := net.ParseIP("10.2.1.2")

	var dropNextData bool
	fabric.Filter = func(src, dst net.IP, data []byte) bool {
		seg, ok := DecodeSegment(data)
		if ok && dropNextData && len(seg.Payload) > 0 {
			dropNextData = false
			return false
		}
		return true
	}

	server := newTestEngine(t, fabric, serverIP, 3)
	client := newTestEngine(t, fabric, clientIP, 4)

	listener, err := server.Listen(serverIP, 9001)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptedCh := make(chan SockID, 1)
	go func() {
		id, err := server.Accept(ctx, listener)
		require.NoError(t, err)
		acceptedCh <- id
	}()

	clientConn, err := client.Connect(ctx, serverIP, 9001)
	require.NoError(t, err)
	serverConn := <-acceptedCh

	dropNextData = true
	require.NoError(t, client.Send(ctx, clientConn, []byte("lost-then-found")))

	buf := make([]byte, 32)
	n, err := server.Receive(ctx, serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, "lost-then-found", string(buf[:n]))
}

// TestEngineSendResumesAfterWindowFull guards against the window-full
// backpressure deadlock: Send must park when the peer's advertised window
// is exhausted and resume once the peer's ACKs (processed by the receiving
// engine and drained by its Receive calls) credit window back, rather than
// blocking forever on a never-published Acked event.
func TestEngineSendResumesAfterWindowFull(t *testing.T) {
	fabric := rawiptest.NewFabric()
	serverIP := net.ParseIP("10.4.1.1")
	clientIP := net.ParseIP("10.4.1.2")

	server := newTestEngine(t, fabric, serverIP, 5)
	client := newTestEngine(t, fabric, clientIP, 6)

	listener, err := server.Listen(serverIP, 9002)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	acceptedCh := make(chan SockID, 1)
	go func() {
		id, err := server.Accept(ctx, listener)
		require.NoError(t, err)
		acceptedCh <- id
	}()

	clientConn, err := client.Connect(ctx, serverIP, 9002)
	require.NoError(t, err)
	serverConn := <-acceptedCh

	payload := make([]byte, 2*SocketBufferSize+37)
	for i := range payload {
		payload[i] = byte(i)
	}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- client.Send(ctx, clientConn, payload) }()

	received := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(received) < len(payload) {
		n, err := server.Receive(ctx, serverConn, buf)
		require.NoError(t, err)
		require.NotZero(t, n, "receive returned 0 before the full payload arrived")
		received = append(received, buf[:n]...)
	}
	require.Equal(t, payload, received)

	select {
	case err := <-sendErrCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Send never returned -- window-full backpressure deadlocked")
	}
}
