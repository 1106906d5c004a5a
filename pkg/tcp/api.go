package tcp

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/danlaine/rawtcp/pkg/rawip"
)

// portRangeLo/portRangeHi bound the ephemeral local ports Connect assigns.
const (
	portRangeLo = 40000
	portRangeHi = 60000
)

// ResolveSourceFunc resolves the local IPv4 address that should be used to
// reach remote, e.g. by parsing `ip route get <remote>` (see pkg/netroute).
type ResolveSourceFunc func(remote net.IP) (net.IP, error)

// Engine is the top-level library handle: one raw IP socket, one socket
// table, one event bus, and the two supervised background goroutines
// (dispatcher and retransmission timer) that drive them. An Engine is
// shareable across goroutines; Listen/Accept/Connect/Send/Receive/Close
// may all be called concurrently.
type Engine struct {
	id uuid.UUID

	conn          rawip.Conn
	resolveSource ResolveSourceFunc
	table         *SocketTable
	events        *eventBus
	rnd           *randSource

	group  *dgroup.Group
	cancel context.CancelFunc
}

// Option configures an Engine constructed by New.
type Option func(*Engine)

// WithRand overrides the engine's source of randomness (initial sequence
// numbers, ephemeral port selection), for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rnd = newRandSource(r) }
}

// New constructs an Engine bound to conn, starts the receive dispatcher and
// retransmission timer goroutines, and returns immediately.
func New(ctx context.Context, conn rawip.Conn, resolveSource ResolveSourceFunc, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		id:            uuid.New(),
		conn:          conn,
		resolveSource: resolveSource,
		table:         newSocketTable(),
		events:        newEventBus(),
		rnd:           newRandSource(rand.New(rand.NewSource(time.Now().UnixNano()))),
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	dlog.Infof(ctx, "starting tcp engine %s", e.id)
	e.group = dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	e.group.Go("dispatch", e.dispatchLoop)
	e.group.Go("retransmit", e.retransmitLoop)
	return e
}

// Shutdown cancels the dispatcher and retransmission timer goroutines,
// closes the raw IP connection so the dispatcher's pending Receive returns,
// and waits for both goroutines to exit. It also closes the event bus, so
// callers parked in Accept/Connect/Send/Receive/Close return
// context.Canceled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	_ = e.conn.Close()
	e.events.close()
	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen creates a listening socket bound to (localIP, localPort).
func (e *Engine) Listen(localIP net.IP, localPort uint16) (SockID, error) {
	id := NewSockID(localIP, net.IPv4zero, localPort, 0)
	s := newSocket(id, Listen, e.conn)
	e.table.insert(id, s)
	return id, nil
}

// Accept blocks until a connection completes its handshake on the listener
// sockID, then returns the accepted connection's SockID.
func (e *Engine) Accept(ctx context.Context, sockID SockID) (SockID, error) {
	for {
		child, ok := e.popConnected(sockID)
		if ok {
			return child, nil
		}
		if !e.events.wait(sockID, ConnectionCompleted) {
			return SockID{}, context.Canceled
		}
	}
}

func (e *Engine) popConnected(listenerID SockID) (SockID, bool) {
	var (
		child SockID
		ok    bool
	)
	e.table.withLock(func() {
		l, present := e.table.sockets[listenerID]
		if !present || len(l.ConnectedConnectionQueue) == 0 {
			return
		}
		child = l.ConnectedConnectionQueue[0]
		l.ConnectedConnectionQueue = l.ConnectedConnectionQueue[1:]
		ok = true
	})
	return child, ok
}

// Connect resolves a local address, performs the active-open handshake
// against (remoteIP, remotePort) and blocks until it completes.
func (e *Engine) Connect(ctx context.Context, remoteIP net.IP, remotePort uint16) (SockID, error) {
	localIP, err := e.resolveSource(remoteIP)
	if err != nil {
		return SockID{}, errors.Wrap(ErrAddressResolutionFailed, err.Error())
	}

	var (
		id SockID
		s  *Socket
	)
	e.table.withLock(func() {
		for attempt := 0; attempt < portRangeHi-portRangeLo; attempt++ {
			port := uint16(portRangeLo + e.rnd.intn(portRangeHi-portRangeLo))
			candidate := NewSockID(localIP, remoteIP, port, remotePort)
			if _, exists := e.table.sockets[candidate]; exists {
				continue
			}
			id = candidate
			break
		}
	})
	if id == (SockID{}) {
		return SockID{}, ErrNoAvailablePort
	}

	e.table.withLock(func() {
		s = newSocket(id, SynSent, e.conn)
		iss := e.rnd.initialSeq()
		s.Send.InitialSeq = iss
		s.Send.UnackedSeq = iss
		s.Send.Next = iss + 1
		e.table.sockets[id] = s
		_, _ = s.sendSegment(iss, 0, SYN, nil)
	})

	dlog.Debugf(ctx, "CON %s connecting", id)
	if !e.events.wait(id, ConnectionCompleted) {
		return SockID{}, context.Canceled
	}
	return id, nil
}

// Send writes all of buf to the connection sockID, blocking on backpressure
// from the peer's advertised window as needed. It returns once every byte
// has been handed to the raw-IP transport, which is not the same as every
// byte having been acknowledged.
func (e *Engine) Send(ctx context.Context, sockID SockID, buf []byte) error {
	cursor := 0
	for cursor < len(buf) {
		var n int
		e.table.withLock(func() {
			s, ok := e.table.sockets[sockID]
			if !ok {
				return
			}
			n = sendable(s, len(buf)-cursor)
		})

		if n == 0 {
			if _, ok := e.table.get(sockID); !ok {
				return ErrNoSuchSocket
			}
			if !e.events.wait(sockID, Acked) {
				return context.Canceled
			}
			continue
		}

		var sendErr error
		e.table.withLock(func() {
			s, ok := e.table.sockets[sockID]
			if !ok {
				sendErr = ErrNoSuchSocket
				return
			}
			// Window may have shrunk while we didn't hold the lock;
			// recompute against current state before committing bytes.
			n = sendable(s, len(buf)-cursor)
			if n == 0 {
				return
			}
			_, sendErr = s.sendSegment(s.Send.Next, s.Recv.Next, ACK, buf[cursor:cursor+n])
			if sendErr == nil {
				s.Send.Next += uint32(n)
				s.Send.Window -= uint16(n)
			}
		})
		if sendErr != nil {
			return sendErr
		}
		if n == 0 {
			continue
		}
		cursor += n
		time.Sleep(time.Millisecond)
	}
	return nil
}

func sendable(s *Socket, remaining int) int {
	n := remaining
	if n > MSS {
		n = MSS
	}
	if w := int(s.Send.Window); n > w {
		n = w
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Receive blocks until at least one byte is available (or the connection
// has reached a terminal, peer-closed state), copies as much as fits into
// buf, and returns the number of bytes copied. A return of 0 means the
// peer has closed its side of the connection.
func (e *Engine) Receive(ctx context.Context, sockID SockID, buf []byte) (int, error) {
	for {
		var (
			n       int
			ok      bool
			waiting bool
		)
		e.table.withLock(func() {
			s, present := e.table.sockets[sockID]
			if !present {
				return
			}
			ok = true
			if s.receivedLen() > 0 {
				n = s.drainRecv(buf)
				return
			}
			switch s.Status {
			case CloseWait, LastAck, TimeWait:
				// peer closed and nothing left buffered: n stays 0
			default:
				waiting = true
			}
		})
		if !ok {
			return 0, ErrNoSuchSocket
		}
		if !waiting {
			return n, nil
		}
		if !e.events.wait(sockID, DataArrived) {
			return 0, context.Canceled
		}
	}
}

// Close performs an active close of sockID: sends FIN|ACK, transitions
// through the appropriate teardown states, waits for the peer's final ACK
// (or, for listeners, removes the socket immediately) and removes the
// socket from the table.
func (e *Engine) Close(ctx context.Context, sockID SockID) error {
	var (
		status   Status
		terminal bool
	)
	e.table.withLock(func() {
		s, ok := e.table.sockets[sockID]
		if !ok {
			terminal = true
			return
		}
		status = s.Status
		switch status {
		case Listen:
			delete(e.table.sockets, sockID)
			terminal = true
			return
		case Established:
			_, _ = s.sendSegment(s.Send.Next, s.Recv.Next, FIN|ACK, nil)
			s.Send.Next++
			s.Status = FinWait1
		case CloseWait:
			_, _ = s.sendSegment(s.Send.Next, s.Recv.Next, FIN|ACK, nil)
			s.Send.Next++
			s.Status = LastAck
		default:
			// Already mid-teardown or closed; nothing more to send.
		}
	})
	if terminal {
		return nil
	}

	if !e.events.wait(sockID, ConnectionClosed) {
		return context.Canceled
	}
	e.table.remove(sockID)
	return nil
}

// SocketSnapshot is a point-in-time, lock-free copy of one socket's
// observable state, for metrics and diagnostics consumers that must not
// hold the engine's table lock.
type SocketSnapshot struct {
	ID                   string
	Local, Remote        string
	State                string
	SendWindow           uint16
	RecvWindow           uint16
	RetransmitQueueDepth int
}

// Snapshot returns a SocketSnapshot for every socket currently in the
// table.
func (e *Engine) Snapshot() []SocketSnapshot {
	sockets := e.table.snapshot()
	out := make([]SocketSnapshot, 0, len(sockets))
	for _, s := range sockets {
		id := s.SockID()
		out = append(out, SocketSnapshot{
			ID:                   s.ID.String(),
			Local:                id.LocalAddr.String(),
			Remote:               id.RemoteAddr.String(),
			State:                s.Status.String(),
			SendWindow:           s.Send.Window,
			RecvWindow:           s.Recv.Window,
			RetransmitQueueDepth: len(s.RetransmissionQueue),
		})
	}
	return out
}
