package tcp

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newOpenTestEngine() *Engine {
	return &Engine{
		table:  newSocketTable(),
		events: newEventBus(),
		rnd:    newRandSource(rand.New(rand.NewSource(42))),
	}
}

func TestHandleListenSpawnsSynRcvdChild(t *testing.T) {
	e := newOpenTestEngine()
	conn := &recordingConn{}
	e.conn = conn
	listenerID := NewSockID(net.ParseIP("10.0.0.1"), net.IPv4zero, 80, 0)
	listener := newSocket(listenerID, Listen, conn)
	e.table.insert(listenerID, listener)

	peer := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 54321)
	seg := NewSegment(54321, 80, 1000, 0, SYN, 14600, nil)
	e.handleListen(context.Background(), listener, peer, seg)

	child, ok := e.table.get(peer)
	require.True(t, ok)
	require.Equal(t, SynRcvd, child.Status)
	require.Equal(t, uint32(1001), child.Recv.Next)
	require.NotNil(t, child.ListeningSocket)
	require.Equal(t, listenerID, *child.ListeningSocket)
	require.Len(t, conn.sent, 1) // the SYN|ACK reply
}

func TestHandleListenIgnoresNonSYN(t *testing.T) {
	e := newOpenTestEngine()
	listenerID := NewSockID(net.ParseIP("10.0.0.1"), net.IPv4zero, 80, 0)
	listener := newSocket(listenerID, Listen, &recordingConn{})
	e.table.insert(listenerID, listener)

	peer := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 54321)
	seg := NewSegment(54321, 80, 1000, 0, ACK, 14600, nil)
	e.handleListen(context.Background(), listener, peer, seg)

	_, ok := e.table.get(peer)
	require.False(t, ok)
}

func TestHandleSynRcvdCompletesHandshakeAndQueuesOnListener(t *testing.T) {
	e := newOpenTestEngine()
	listenerID := NewSockID(net.ParseIP("10.0.0.1"), net.IPv4zero, 80, 0)
	listener := newSocket(listenerID, Listen, &recordingConn{})
	e.table.insert(listenerID, listener)

	childID := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 54321)
	child := newSocket(childID, SynRcvd, &recordingConn{})
	child.Send.Next = 2001
	child.ListeningSocket = &listenerID
	e.table.insert(childID, child)

	done := make(chan bool, 1)
	go func() { done <- e.events.wait(listenerID, ConnectionCompleted) }()
	time.Sleep(10 * time.Millisecond)

	seg := NewSegment(54321, 80, 1001, 2001, ACK, 14600, nil)
	e.handleSynRcvd(context.Background(), child, seg)

	require.Equal(t, Established, child.Status)
	require.Equal(t, []SockID{childID}, listener.ConnectedConnectionQueue)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ConnectionCompleted never published to listener")
	}
}

func TestHandleSynSentCompletesHandshakeAndAcks(t *testing.T) {
	e := newOpenTestEngine()
	conn := &recordingConn{}
	id := NewSockID(net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"), 54321, 80)
	s := newSocket(id, SynSent, conn)
	s.Send.InitialSeq = 5000
	s.Send.UnackedSeq = 5000
	s.Send.Next = 5001
	e.table.insert(id, s)

	done := make(chan bool, 1)
	go func() { done <- e.events.wait(id, ConnectionCompleted) }()
	time.Sleep(10 * time.Millisecond)

	seg := NewSegment(80, 54321, 9000, 5001, SYN|ACK, 14600, nil)
	e.handleSynSent(context.Background(), s, seg)

	require.Equal(t, Established, s.Status)
	require.Equal(t, uint32(9001), s.Recv.Next)
	require.Len(t, conn.sent, 1) // final ACK of the handshake

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ConnectionCompleted never published")
	}
}

func TestHandleSynSentRSTAbortsConnection(t *testing.T) {
	e := newOpenTestEngine()
	id := NewSockID(net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"), 54321, 80)
	s := newSocket(id, SynSent, &recordingConn{})
	e.table.insert(id, s)

	done := make(chan bool, 1)
	go func() { done <- e.events.wait(id, ConnectionClosed) }()
	time.Sleep(10 * time.Millisecond)

	seg := NewSegment(80, 54321, 0, 0, RST, 0, nil)
	e.handleSynSent(context.Background(), s, seg)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ConnectionClosed never published")
	}
	_, ok := e.table.get(id)
	require.False(t, ok)
}
