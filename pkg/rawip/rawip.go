// Package rawip defines the injectable raw-IPv4 transport primitive that
// the tcp engine sends and receives segments through, plus a production
// Linux implementation backed by an AF_INET/SOCK_RAW socket.
package rawip

import "net"

// Conn is the raw-IP send/receive primitive: send an IPv4 packet to a
// destination, and receive the next inbound packet's source, destination,
// and TCP segment bytes. Bundled into one interface because a single raw
// socket provides both directions.
//
// Implementations need not be safe for concurrent Send and Receive calls
// from unrelated goroutines beyond what the underlying socket already
// guarantees; the tcp engine only ever calls Receive from its single
// dispatcher goroutine, while Send may be called concurrently by any
// number of caller and timer goroutines.
type Conn interface {
	// Send writes an IPv4 packet (a TCP segment in this library's case,
	// but Conn deals in opaque bytes) addressed to dst.
	Send(dst net.IP, ipPacket []byte) (int, error)

	// Receive blocks until the next inbound TCP segment arrives and
	// returns its source and destination addresses along with the raw
	// TCP segment bytes (IP header already stripped).
	Receive() (src, dst net.IP, tcpSegment []byte, err error)

	// Close releases the underlying socket. Receive must return an error
	// promptly after Close is called from another goroutine.
	Close() error
}
