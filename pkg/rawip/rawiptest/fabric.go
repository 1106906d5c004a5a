// Package rawiptest provides an in-memory rawip.Conn fabric so tests
// can feed crafted segments between engines and observe responses
// without touching real network hardware.
package rawiptest

import (
	"net"
	"sync"

	"github.com/danlaine/rawtcp/pkg/rawip"
)

type packet struct {
	src, dst net.IP
	data     []byte
}

// Fabric is a shared switchboard: every Conn created from the same Fabric
// can reach every other Conn bound to an IP registered on the fabric.
// Delivery is asynchronous (buffered channel) but lossless unless the test
// explicitly drops a packet via a Filter.
type Fabric struct {
	mu    sync.Mutex
	nodes map[string]*Conn

	// Filter, if set, is consulted before every delivery; returning false
	// drops the packet (simulating loss for retransmission tests).
	Filter func(src, dst net.IP, data []byte) bool
}

func NewFabric() *Fabric {
	return &Fabric{nodes: make(map[string]*Conn)}
}

// Conn returns a rawip.Conn bound to ip on this fabric, creating it if
// necessary. Conns are not safe to fetch concurrently with themselves
// being closed, but that matches the real rawip.Conn's contract.
func (f *Fabric) Conn(ip net.IP) *Conn {
	key := ip.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.nodes[key]; ok {
		return c
	}
	c := &Conn{
		fabric: f,
		ip:     ip,
		inbox:  make(chan packet, 4096),
		closed: make(chan struct{}),
	}
	f.nodes[key] = c
	return c
}

func (f *Fabric) deliver(dst net.IP, p packet) {
	f.mu.Lock()
	c, ok := f.nodes[dst.String()]
	f.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.inbox <- p:
	case <-c.closed:
	}
}

// Conn is one fabric-attached endpoint, implementing rawip.Conn.
type Conn struct {
	fabric *Fabric
	ip     net.IP
	inbox  chan packet

	closeOnce sync.Once
	closed    chan struct{}
}

var _ rawip.Conn = (*Conn)(nil)

func (c *Conn) Send(dst net.IP, ipPacket []byte) (int, error) {
	if c.fabric.Filter != nil && !c.fabric.Filter(c.ip, dst, ipPacket) {
		return len(ipPacket), nil // simulated loss: sender believes it sent fine
	}
	cp := append([]byte(nil), ipPacket...)
	c.fabric.deliver(dst, packet{src: c.ip, dst: dst, data: cp})
	return len(ipPacket), nil
}

func (c *Conn) Receive() (src, dst net.IP, tcpSegment []byte, err error) {
	select {
	case p := <-c.inbox:
		return p.src, p.dst, p.data, nil
	case <-c.closed:
		return nil, nil, nil, net.ErrClosed
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
