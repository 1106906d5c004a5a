package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
)

// retransmitTick is the polling interval of the retransmission timer.
const retransmitTick = 500 * time.Millisecond

// retransmitTimeout is how long an unacked segment is given before it is
// resent.
const retransmitTimeout = 3 * time.Second

// maxRetransmits is the number of times one segment is transmitted,
// counting the original send, before the connection is given up on and
// removed from the table.
const maxRetransmits = 5

// retransmitLoop walks every socket's retransmission queue once per tick
// and, per entry: drops it if it has since been acked, leaves it alone if
// it hasn't aged past retransmitTimeout yet, resends it and bumps its
// transmission counter if it has, or gives up and tears the connection down
// if it has already been transmitted maxRetransmits times (the original
// send included).
func (e *Engine) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(retransmitTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.retransmitOnce(ctx)
		}
	}
}

func (e *Engine) retransmitOnce(ctx context.Context) {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()

	for id, s := range e.table.sockets {
		if len(s.RetransmissionQueue) == 0 {
			continue
		}
		s.RetransmissionQueue = e.processRetransmissionQueue(ctx, id, s)
	}
}

// processRetransmissionQueue must be called with the table's write lock
// held. It returns the surviving queue for s after acting on every entry.
func (e *Engine) processRetransmissionQueue(ctx context.Context, id SockID, s *Socket) []RetransmissionEntry {
	kept := s.RetransmissionQueue[:0]
	gaveUp := false

	for _, entry := range s.RetransmissionQueue {
		if gaveUp {
			break
		}

		end := entry.Seq + uint32(len(entry.Payload))
		if entry.Flags.Has(SYN) || entry.Flags.Has(FIN) {
			end++
		}
		if seqLess(end, s.Send.UnackedSeq+1) {
			// Already acked since it was queued; credit the window back and
			// wake anyone parked waiting for room to send.
			s.Send.Window += uint16(len(entry.Payload))
			e.events.publish(id, Acked)
			continue
		}

		if now().Sub(entry.LastTxTime) < retransmitTimeout {
			kept = append(kept, entry)
			continue
		}

		if entry.TxCount >= maxRetransmits {
			dlog.Errorf(ctx, "socket %s: giving up after %d transmissions of seq %d", id, entry.TxCount, entry.Seq)
			delete(e.table.sockets, id)
			e.events.publish(id, ConnectionClosed)
			gaveUp = true
			continue
		}

		if _, err := s.resendEntry(entry); err != nil {
			dlog.Errorf(ctx, "socket %s: retransmit seq %d: %v", id, entry.Seq, err)
			kept = append(kept, entry)
			continue
		}
		entry.LastTxTime = now()
		entry.TxCount++
		kept = append(kept, entry)
	}

	if gaveUp {
		return nil
	}
	return kept
}
