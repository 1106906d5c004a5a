//go:build linux

package rawip

import (
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// recvBufBytes sizes the kernel socket receive buffer generously enough
// that a burst of segments across many multiplexed connections doesn't
// get dropped by the kernel before the dispatcher goroutine can drain it.
const recvBufBytes = 4 << 20

// ipConn is the production Conn backed by a Linux AF_INET/SOCK_RAW socket
// bound to IPPROTO_TCP. The kernel builds the IP header on send (no
// IP_HDRINCL), so Send only ever supplies the TCP segment bytes; Receive
// strips the IPv4 header that ReadMsgIP hands back and returns only the
// TCP segment bytes.
type ipConn struct {
	pconn net.PacketConn
	ip    *net.IPConn

	closeOnce sync.Once
}

// NewConn opens a raw IP socket for TCP (protocol 6) and returns a Conn.
// The caller needs CAP_NET_RAW (or root) for this to succeed.
func NewConn() (Conn, error) {
	pconn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, errors.Wrap(err, "open raw IP socket")
	}
	ipc := pconn.(*net.IPConn)

	if fd := netfd.GetFdFromConn(ipc); fd >= 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufBytes)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
	}

	return &ipConn{pconn: pconn, ip: ipc}, nil
}

func (c *ipConn) Send(dst net.IP, ipPacket []byte) (int, error) {
	n, err := c.ip.WriteToIP(ipPacket, &net.IPAddr{IP: dst})
	if err != nil {
		return n, errors.Wrap(err, "raw IP send")
	}
	return n, nil
}

func (c *ipConn) Receive() (src, dst net.IP, tcpSegment []byte, err error) {
	buf := make([]byte, 65535)
	oob := make([]byte, 64)
	n, oobn, _, addr, err := c.ip.ReadMsgIP(buf, oob)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "raw IP receive")
	}
	dst = parseDstFromOOB(oob[:oobn])
	pkt := buf[:n]
	if len(pkt) >= 20 {
		if hl := int(pkt[0]&0x0f) * 4; hl >= 20 && hl <= len(pkt) {
			pkt = pkt[hl:]
		}
	}
	return addr.IP, dst, append([]byte(nil), pkt...), nil
}

func (c *ipConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.pconn.Close() })
	return err
}

// parseDstFromOOB extracts the destination address carried in IP_PKTINFO
// ancillary data, returning nil when it is unavailable (some kernels/paths
// don't populate it); the tcp dispatcher drops packets whose destination
// address is nil.
func parseDstFromOOB(oob []byte) net.IP {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for _, m := range msgs {
		if m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO && len(m.Data) >= 12 {
			return net.IPv4(m.Data[4], m.Data[5], m.Data[6], m.Data[7])
		}
	}
	return nil
}
