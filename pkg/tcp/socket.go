package tcp

import (
	"time"

	"github.com/rs/xid"

	"github.com/danlaine/rawtcp/pkg/rawip"
)

// SocketBufferSize is the fixed capacity, in bytes, of both the send and
// receive buffers of every socket.
const SocketBufferSize = 14600

// MSS is the maximum number of payload bytes Send will place in a single
// segment.
const MSS = 1460

// SendParams tracks the sender side of a connection (SND.* in RFC 793
// terms).
type SendParams struct {
	InitialSeq uint32 // ISS
	UnackedSeq uint32 // SND.UNA
	Next       uint32 // SND.NXT
	Window     uint16 // peer's advertised receive window
}

// RecvParams tracks the receiver side of a connection.
type RecvParams struct {
	InitialSeq uint32 // IRS
	Next       uint32 // RCV.NXT
	Tail       uint32 // highest contiguous-or-placed byte seen
	Window     uint16 // bytes still free in our receive buffer
}

// RetransmissionEntry is one outstanding, potentially-unacked segment.
type RetransmissionEntry struct {
	Seq        uint32
	Flags      Flags
	Payload    []byte
	LastTxTime time.Time
	TxCount    int
}

// Socket is the per-connection transmission control block. All mutation of
// a Socket happens while the owning SocketTable's write lock is held; it
// has no lock of its own; there is no finer-grained per-socket lock.
type Socket struct {
	ID xid.ID // short id used only for log/metric correlation

	LocalAddr, RemoteAddr    addr4
	LocalPort, RemotePort    uint16
	Send                     SendParams
	Recv                     RecvParams
	Status                   Status
	SendBuffer, RecvBuffer   []byte
	RetransmissionQueue      []RetransmissionEntry
	ConnectedConnectionQueue []SockID
	ListeningSocket          *SockID

	conn rawip.Conn
}

func newSocket(id SockID, status Status, conn rawip.Conn) *Socket {
	return &Socket{
		ID:         xid.New(),
		LocalAddr:  id.LocalAddr,
		RemoteAddr: id.RemoteAddr,
		LocalPort:  id.LocalPort,
		RemotePort: id.RemotePort,
		Send:       SendParams{Window: SocketBufferSize},
		Recv:       RecvParams{Window: SocketBufferSize},
		Status:     status,
		SendBuffer: make([]byte, SocketBufferSize),
		RecvBuffer: make([]byte, SocketBufferSize),
		conn:       conn,
	}
}

// SockID returns the 4-tuple identifying this socket.
func (s *Socket) SockID() SockID {
	return SockID{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LocalPort: s.LocalPort, RemotePort: s.RemotePort}
}

// receivedLen is the number of unread bytes sitting in RecvBuffer.
func (s *Socket) receivedLen() int {
	return len(s.RecvBuffer) - int(s.Recv.Window)
}

// advanceRecvTail grows Recv.Tail to at least Recv.Next. It preserves the
// recv.next <= recv.tail invariant when Next is advanced outside the
// ordinary data path, e.g. consuming a FIN.
func (s *Socket) advanceRecvTail() {
	if seqLess(s.Recv.Tail, s.Recv.Next) {
		s.Recv.Tail = s.Recv.Next
	}
}

// sendSegment builds, checksums and transmits a segment, enqueueing it for
// retransmission unless it is a bare ACK.
func (s *Socket) sendSegment(seq, ack uint32, flags Flags, payload []byte) (int, error) {
	seg := NewSegment(s.LocalPort, s.RemotePort, seq, ack, flags, s.Recv.Window, payload)
	raw := seg.Encode(s.LocalAddr.IP(), s.RemoteAddr.IP())

	n, err := s.conn.Send(s.RemoteAddr.IP(), raw)
	if err != nil {
		return n, errWrapIO(err)
	}

	if len(payload) > 0 || !flags.OnlyACK() {
		s.RetransmissionQueue = append(s.RetransmissionQueue, RetransmissionEntry{
			Seq:        seq,
			Flags:      flags,
			Payload:    append([]byte(nil), payload...),
			LastTxTime: now(),
			TxCount:    1,
		})
	}
	return n, nil
}

// resendEntry retransmits e verbatim (same seq/flags/payload, current ack
// and window) and returns the number of bytes written.
func (s *Socket) resendEntry(e RetransmissionEntry) (int, error) {
	seg := NewSegment(s.LocalPort, s.RemotePort, e.Seq, s.Recv.Next, e.Flags, s.Recv.Window, e.Payload)
	raw := seg.Encode(s.LocalAddr.IP(), s.RemoteAddr.IP())
	n, err := s.conn.Send(s.RemoteAddr.IP(), raw)
	if err != nil {
		return n, errWrapIO(err)
	}
	return n, nil
}

// writeRecv places payload starting at seq into RecvBuffer. It returns the
// number of bytes actually copied (0 if the segment doesn't fit, in which
// case the caller must drop it and let the peer retransmit).
func (s *Socket) writeRecv(seq uint32, payload []byte) int {
	offset := s.receivedLen() + int(seq-s.Recv.Next)
	if offset < 0 || offset >= len(s.RecvBuffer) {
		return 0
	}
	n := len(payload)
	if room := len(s.RecvBuffer) - offset; n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	copy(s.RecvBuffer[offset:offset+n], payload[:n])
	return n
}

// drainRecv copies up to len(buf) unread bytes out of RecvBuffer, shifts
// the remainder to the front, and credits the window.
func (s *Socket) drainRecv(buf []byte) int {
	received := s.receivedLen()
	n := len(buf)
	if n > received {
		n = received
	}
	copy(buf[:n], s.RecvBuffer[:n])
	copy(s.RecvBuffer, s.RecvBuffer[n:])
	s.Recv.Window += uint16(n)
	return n
}

var nowFunc = time.Now

func now() time.Time { return nowFunc() }

func errWrapIO(err error) error {
	return wrapf(ErrIO, err, "raw send failed")
}
