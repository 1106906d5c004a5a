package tcp

import (
	"fmt"
	"net"
)

// addr4 is a comparable, map-key-friendly stand-in for a net.IP restricted
// to its 4-byte form.
type addr4 [4]byte

func toAddr4(ip net.IP) addr4 {
	var a addr4
	v4 := ip.To4()
	copy(a[:], v4)
	return a
}

func (a addr4) IP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3])
}

func (a addr4) String() string {
	return a.IP().String()
}

// SockID identifies a socket by its 4-tuple. Listening sockets use the
// wildcard remote (0.0.0.0:0). SockID is a plain comparable struct so it
// can be used directly as a map key in the socket table.
type SockID struct {
	LocalAddr  addr4
	RemoteAddr addr4
	LocalPort  uint16
	RemotePort uint16
}

// NewSockID builds a SockID from the supplied addresses and ports.
func NewSockID(localAddr, remoteAddr net.IP, localPort, remotePort uint16) SockID {
	return SockID{
		LocalAddr:  toAddr4(localAddr),
		RemoteAddr: toAddr4(remoteAddr),
		LocalPort:  localPort,
		RemotePort: remotePort,
	}
}

// wildcard returns the listener lookup key that corresponds to id: same
// local address/port, remote wiped to 0.0.0.0:0.
func (id SockID) wildcard() SockID {
	return SockID{LocalAddr: id.LocalAddr, LocalPort: id.LocalPort}
}

func (id SockID) String() string {
	return fmt.Sprintf("%s:%d-%s:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}
