package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	sent [][]byte
}

func (c *recordingConn) Send(dst net.IP, ipPacket []byte) (int, error) {
	c.sent = append(c.sent, append([]byte(nil), ipPacket...))
	return len(ipPacket), nil
}
func (c *recordingConn) Receive() (net.IP, net.IP, []byte, error) { select {} }
func (c *recordingConn) Close() error                             { return nil }

func newTestSocket(conn *recordingConn) *Socket {
	id := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 54321)
	return newSocket(id, Established, conn)
}

func TestSendSegmentQueuesForRetransmissionUnlessBareACK(t *testing.T) {
	conn := &recordingConn{}
	s := newTestSocket(conn)

	_, err := s.sendSegment(1, 1, ACK, nil)
	require.NoError(t, err)
	require.Empty(t, s.RetransmissionQueue)

	_, err = s.sendSegment(1, 1, ACK, []byte("data"))
	require.NoError(t, err)
	require.Len(t, s.RetransmissionQueue, 1)

	_, err = s.sendSegment(5, 1, SYN, nil)
	require.NoError(t, err)
	require.Len(t, s.RetransmissionQueue, 2)
}

func TestWriteRecvInOrder(t *testing.T) {
	s := newTestSocket(&recordingConn{})
	s.Recv.Next = 100

	n := s.writeRecv(100, []byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(s.RecvBuffer[:5]))
}

func TestWriteRecvRejectsOutOfWindow(t *testing.T) {
	s := newTestSocket(&recordingConn{})
	s.Recv.Next = 100
	s.Recv.Window = 0 // buffer full

	n := s.writeRecv(100, []byte("hello"))
	require.Equal(t, 0, n)
}

func TestDrainRecvShiftsBuffer(t *testing.T) {
	s := newTestSocket(&recordingConn{})
	s.Recv.Next = 100
	s.writeRecv(100, []byte("hello world"))
	s.Recv.Window -= 11

	buf := make([]byte, 5)
	n := s.drainRecv(buf)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.Equal(t, SocketBufferSize-6, int(s.Recv.Window))

	n = s.drainRecv(buf)
	require.Equal(t, 5, n)
	require.Equal(t, " worl", string(buf[:5]))
}

func TestResendEntryUsesCurrentAckAndWindow(t *testing.T) {
	conn := &recordingConn{}
	s := newTestSocket(conn)
	s.Recv.Next = 42
	s.Recv.Window = 1000

	_, err := s.resendEntry(RetransmissionEntry{Seq: 1, Flags: ACK, Payload: []byte("x"), LastTxTime: now(), TxCount: 1})
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)

	decoded, ok := DecodeSegment(conn.sent[0])
	require.True(t, ok)
	require.Equal(t, uint32(42), decoded.Ack)
	require.Equal(t, uint16(1000), decoded.Window)
}

func TestNowFuncIsOverridable(t *testing.T) {
	fixed := time.Unix(0, 0)
	old := nowFunc
	defer func() { nowFunc = old }()
	nowFunc = func() time.Time { return fixed }
	require.Equal(t, fixed, now())
}
