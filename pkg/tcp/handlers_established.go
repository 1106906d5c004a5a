package tcp

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// handleEstablished is the data-transfer workhorse: it folds incoming ACKs
// into the send side, places in-window payload bytes into the receive
// buffer, and reacts to a peer-initiated FIN by moving to CloseWait.
// Segments without ACK (other than RST) are dropped.
func (e *Engine) handleEstablished(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		s.Status = Closed
		delete(e.table.sockets, s.SockID())
		e.events.publish(s.SockID(), ConnectionClosed)
		return
	}
	if !seg.Flags.Has(ACK) {
		return
	}

	if processAck(s, seg) {
		e.events.publish(s.SockID(), Acked)
	}

	if len(seg.Payload) > 0 {
		n := s.writeRecv(seg.Seq, seg.Payload)
		if n > 0 {
			end := seg.Seq + uint32(n)
			if seqLess(s.Recv.Tail, end) {
				s.Recv.Tail = end
			}
			// Only an in-order arrival closes the gap at Recv.Next; out-of-
			// order bytes sit placed in the buffer but stay undelivered
			// until the missing prefix shows up, per the contiguous-only
			// delivery contract.
			if seg.Seq == s.Recv.Next {
				advanced := s.Recv.Tail - s.Recv.Next
				s.Recv.Next = s.Recv.Tail
				if s.Recv.Window >= uint16(advanced) {
					s.Recv.Window -= uint16(advanced)
				} else {
					s.Recv.Window = 0
				}
			}
			if _, err := s.sendSegment(s.Send.Next, s.Recv.Next, ACK, nil); err != nil {
				dlog.Errorf(ctx, "socket %s: ack data: %v", s.SockID(), err)
			}
			e.events.publish(s.SockID(), DataArrived)
		}
	}

	if seg.Flags.Has(FIN) {
		s.Recv.Next++
		s.advanceRecvTail()
		s.Status = CloseWait
		if _, err := s.sendSegment(s.Send.Next, s.Recv.Next, ACK, nil); err != nil {
			dlog.Errorf(ctx, "socket %s: ack peer FIN: %v", s.SockID(), err)
		}
		e.events.publish(s.SockID(), DataArrived)
		dlog.Debugf(ctx, "socket %s: peer closed, now CLOSE-WAIT", s.SockID())
	}
}

// handleFinWait1 waits for our own FIN to be acked, moving to FinWait2 once
// it is. A FIN from the peer, whether or not the same segment also acks our
// FIN, is acked and ends the connection at once; Closing and TimeWait are
// never entered (see the status docs).
func (e *Engine) handleFinWait1(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		finish(e, s)
		return
	}
	if processAck(s, seg) {
		e.events.publish(s.SockID(), Acked)
	}
	ourFinAcked := seg.Flags.Has(ACK) && seg.Ack == s.Send.Next

	if seg.Flags.Has(FIN) {
		s.Recv.Next++
		s.advanceRecvTail()
		if _, err := s.sendSegment(s.Send.Next, s.Recv.Next, ACK, nil); err != nil {
			dlog.Errorf(ctx, "socket %s: ack peer FIN during FIN-WAIT-1: %v", s.SockID(), err)
		}
		finish(e, s)
		return
	}

	if ourFinAcked {
		s.Status = FinWait2
	}
}

// handleFinWait2 waits for the peer's FIN once our own has already been
// acked; on receipt it acks the FIN and the connection is fully torn down.
func (e *Engine) handleFinWait2(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		finish(e, s)
		return
	}
	if processAck(s, seg) {
		e.events.publish(s.SockID(), Acked)
	}
	if !seg.Flags.Has(FIN) {
		return
	}
	s.Recv.Next++
	s.advanceRecvTail()
	if _, err := s.sendSegment(s.Send.Next, s.Recv.Next, ACK, nil); err != nil {
		dlog.Errorf(ctx, "socket %s: ack peer FIN during FIN-WAIT-2: %v", s.SockID(), err)
	}
	finish(e, s)
}

// handleCloseWait is mostly passive: the peer has already sent its FIN and
// is waiting on us to Close. Stray segments just get their ACKs processed;
// the actual FIN we send happens in Engine.Close, not here.
func (e *Engine) handleCloseWait(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		finish(e, s)
		return
	}
	if processAck(s, seg) {
		e.events.publish(s.SockID(), Acked)
	}
}

// handleLastAck waits for the peer's ACK of our own FIN, which finishes the
// passive-close teardown.
func (e *Engine) handleLastAck(ctx context.Context, s *Socket, seg *Segment) {
	if seg.Flags.Has(RST) {
		finish(e, s)
		return
	}
	if seg.Flags.Has(ACK) && seg.Ack == s.Send.Next {
		finish(e, s)
	}
}

// processAck folds an incoming ACK into the send side: if
// send.unackedSeq < ack <= send.next, it advances SND.UNA to ack and
// credits the send window by the payload size of every retransmission-queue
// entry that ack now covers. It reports whether SND.UNA actually advanced,
// so callers can publish an Acked event. Acks beyond send.next and
// duplicate acks are both dropped silently.
func processAck(s *Socket, seg *Segment) bool {
	if !seg.Flags.Has(ACK) {
		return false
	}
	ack := seg.Ack
	if !seqLess(s.Send.UnackedSeq, ack) || seqLess(s.Send.Next, ack) {
		return false
	}
	s.Send.UnackedSeq = ack
	s.Send.Window += clearAcked(s, ack)
	return true
}

// finish marks s Closed, removes it from the table and wakes anyone parked
// in Close/Receive waiting on it.
func finish(e *Engine, s *Socket) {
	s.Status = Closed
	delete(e.table.sockets, s.SockID())
	e.events.publish(s.SockID(), ConnectionClosed)
}
