package tcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSockIDWildcard(t *testing.T) {
	id := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 54321)
	wc := id.wildcard()

	require.Equal(t, id.LocalAddr, wc.LocalAddr)
	require.Equal(t, id.LocalPort, wc.LocalPort)
	require.Equal(t, addr4{}, wc.RemoteAddr)
	require.Equal(t, uint16(0), wc.RemotePort)
}

func TestSockIDComparable(t *testing.T) {
	a := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 1234)
	b := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 1234)
	c := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 1235)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	m := map[SockID]int{a: 1}
	_, ok := m[b]
	require.True(t, ok)
}

func TestSockIDString(t *testing.T) {
	id := NewSockID(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 80, 1234)
	require.Equal(t, "10.0.0.1:80-10.0.0.2:1234", id.String())
}
