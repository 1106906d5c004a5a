package tcp

import (
	"context"
	"errors"
	"net"

	"github.com/datawire/dlib/dlog"
)

// dispatchLoop is the Engine's sole reader of the raw IP connection. It
// decodes each inbound packet into a Segment, finds the socket it belongs
// to (exact 4-tuple, falling back to a wildcard listener), verifies the
// checksum, and hands the segment to the state-specific handler for that
// socket's current Status. Returning a non-nil error brings down the whole
// supervised group (dgroup), so only Receive's own terminal errors (socket
// closed) are allowed to propagate; anything else is logged and skipped.
func (e *Engine) dispatchLoop(ctx context.Context) error {
	for {
		src, dst, raw, err := e.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			dlog.Errorf(ctx, "raw IP receive: %v", err)
			continue
		}
		if dst.To4() == nil {
			dlog.Debugf(ctx, "dropping segment from %s with no destination address", src)
			continue
		}

		seg, ok := DecodeSegment(raw)
		if !ok {
			dlog.Debugf(ctx, "dropping malformed segment from %s", src)
			continue
		}
		if !VerifyChecksum(raw, dst, src) {
			dlog.Debugf(ctx, "dropping segment with bad checksum from %s:%d", src, seg.SrcPort)
			continue
		}

		id := NewSockID(dst, src, seg.DstPort, seg.SrcPort)
		e.handleSegment(ctx, id, seg)
	}
}

// handleSegment looks sockID up in the table and dispatches to the handler
// for its current Status, holding the table's write lock for the duration
// (the handler mutates Socket fields in place). id carries
// the concrete 4-tuple the dispatcher derived from the IP header, which
// matters for Listen handling: the looked-up socket's own RemoteAddr is the
// wildcard 0.0.0.0, but id.RemoteAddr is the peer that actually sent seg.
func (e *Engine) handleSegment(ctx context.Context, id SockID, seg *Segment) {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()

	s, ok := e.table.sockets[id]
	if !ok {
		if w, wok := e.table.sockets[id.wildcard()]; wok {
			s, ok = w, true
		}
	}
	if !ok {
		dlog.Debugf(ctx, "no socket for %s, dropping", id)
		return
	}

	switch s.Status {
	case Listen:
		e.handleListen(ctx, s, id, seg)
	case SynSent:
		e.handleSynSent(ctx, s, seg)
	case SynRcvd:
		e.handleSynRcvd(ctx, s, seg)
	case Established:
		e.handleEstablished(ctx, s, seg)
	case FinWait1:
		e.handleFinWait1(ctx, s, seg)
	case FinWait2:
		e.handleFinWait2(ctx, s, seg)
	case CloseWait:
		e.handleCloseWait(ctx, s, seg)
	case LastAck:
		e.handleLastAck(ctx, s, seg)
	default:
		dlog.Debugf(ctx, "socket %s in state %s has no handler, dropping", id, s.Status)
	}
}
