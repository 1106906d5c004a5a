package tcp

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// handleListen implements the passive-open side of the three-way handshake.
// A bare SYN spawns a fresh socket in SynRcvd and replies SYN|ACK; anything
// else addressed to a listener is ignored. peer is the concrete 4-tuple the
// dispatcher derived from the IP header (listener.RemoteAddr itself is the
// wildcard 0.0.0.0 and carries no usable peer address).
func (e *Engine) handleListen(ctx context.Context, listener *Socket, peer SockID, seg *Segment) {
	if !seg.Flags.Has(SYN) || seg.Flags.Has(ACK) {
		return
	}

	child := newSocket(peer, SynRcvd, e.conn)

	iss := e.rnd.initialSeq()
	child.Send.InitialSeq = iss
	child.Send.UnackedSeq = iss
	child.Send.Next = iss + 1
	child.Recv.InitialSeq = seg.Seq
	child.Recv.Next = seg.Seq + 1
	child.Recv.Tail = child.Recv.Next
	child.Send.Window = seg.Window
	child.ListeningSocket = new(SockID)
	*child.ListeningSocket = listener.SockID()

	childID := child.SockID()
	e.table.sockets[childID] = child

	if _, err := child.sendSegment(iss, child.Recv.Next, SYN|ACK, nil); err != nil {
		dlog.Errorf(ctx, "listener %s: send SYN|ACK to %s: %v", listener.SockID(), childID, err)
		delete(e.table.sockets, childID)
		return
	}
	dlog.Debugf(ctx, "listener %s: accepted SYN from %s, now SYN-RCVD", listener.SockID(), childID)
}

// handleSynRcvd completes the passive-open handshake: the expected ACK
// (bearing no data) moves the socket to Established and queues it on its
// listener for Accept to pick up. A RST or a repeated SYN is treated as a
// reset and removes the half-open socket.
func (e *Engine) handleSynRcvd(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) || seg.Flags.Has(SYN) {
		delete(e.table.sockets, s.SockID())
		return
	}
	if !seg.Flags.Has(ACK) || seg.Ack != s.Send.Next {
		return
	}
	s.Send.UnackedSeq = seg.Ack
	s.Status = Established
	clearAcked(s, seg.Ack)

	if s.ListeningSocket != nil {
		if l, ok := e.table.sockets[*s.ListeningSocket]; ok {
			l.ConnectedConnectionQueue = append(l.ConnectedConnectionQueue, s.SockID())
			e.events.publish(*s.ListeningSocket, ConnectionCompleted)
		}
	}
	dlog.Debugf(ctx, "socket %s established (passive)", s.SockID())
}

// handleSynSent implements the active-open side: a SYN|ACK matching our ISS
// completes the handshake (we reply with a bare ACK and go Established); a
// bare SYN (simultaneous open) is out of scope.
func (e *Engine) handleSynSent(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		delete(e.table.sockets, s.SockID())
		e.events.publish(s.SockID(), ConnectionClosed)
		return
	}
	if !seg.Flags.Has(SYN) || !seg.Flags.Has(ACK) || seg.Ack != s.Send.Next {
		return
	}

	s.Send.UnackedSeq = seg.Ack
	s.Recv.InitialSeq = seg.Seq
	s.Recv.Next = seg.Seq + 1
	s.Recv.Tail = s.Recv.Next
	s.Send.Window = seg.Window
	s.Status = Established
	clearAcked(s, seg.Ack)

	if _, err := s.sendSegment(s.Send.Next, s.Recv.Next, ACK, nil); err != nil {
		dlog.Errorf(ctx, "socket %s: send final handshake ACK: %v", s.SockID(), err)
	}
	e.events.publish(s.SockID(), ConnectionCompleted)
	dlog.Debugf(ctx, "socket %s established (active)", s.SockID())
}

// clearAcked drops every retransmission-queue entry whose ending sequence
// number is covered by ack and returns the total payload bytes those
// entries carried, to be credited back onto the send window.
func clearAcked(s *Socket, ack uint32) uint16 {
	var credited uint16
	kept := s.RetransmissionQueue[:0]
	for _, e := range s.RetransmissionQueue {
		end := e.Seq + uint32(len(e.Payload))
		if e.Flags.Has(SYN) || e.Flags.Has(FIN) {
			end++
		}
		if seqLess(end, ack+1) {
			credited += uint16(len(e.Payload))
			continue
		}
		kept = append(kept, e)
	}
	s.RetransmissionQueue = kept
	return credited
}

// seqLess reports whether a precedes b in sequence-number space, ignoring
// wraparound (connections in this implementation never run long enough to
// wrap a 32-bit sequence space).
func seqLess(a, b uint32) bool { return a < b }
