package tcp

import (
	"encoding/binary"
	"net"
)

// HeaderLen is the fixed size of a bare TCP header (no options); data
// offset is always 5, i.e. 5 32-bit words.
const HeaderLen = 20

const dataOffset5 = 5 << 4

// Segment is a decoded TCP segment: a 20-byte header plus payload.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Payload  []byte
}

// NewSegment builds a segment with sane defaults (data offset 5, no
// options, no urgent pointer).
func NewSegment(srcPort, dstPort uint16, seq, ack uint32, flags Flags, window uint16, payload []byte) *Segment {
	return &Segment{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
		Payload: payload,
	}
}

// Encode serializes the segment to wire bytes and fills in the checksum
// field using the IPv4 pseudo-header for (localAddr, remoteAddr).
func (s *Segment) Encode(localAddr, remoteAddr net.IP) []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], s.Seq)
	binary.BigEndian.PutUint32(buf[8:12], s.Ack)
	buf[12] = dataOffset5
	buf[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	// buf[16:18] checksum, filled below
	binary.BigEndian.PutUint16(buf[18:20], s.Urgent)
	copy(buf[HeaderLen:], s.Payload)

	s.Checksum = pseudoHeaderChecksum(localAddr, remoteAddr, buf)
	binary.BigEndian.PutUint16(buf[16:18], s.Checksum)
	return buf
}

// DecodeSegment parses wire bytes into a Segment. It does not validate the
// checksum; call VerifyChecksum separately (the dispatcher needs the
// decoded segment available even when the checksum is ultimately invalid,
// purely for logging).
func DecodeSegment(b []byte) (*Segment, bool) {
	if len(b) < HeaderLen {
		return nil, false
	}
	off := int(b[12]>>4) * 4
	if off < HeaderLen || off > len(b) {
		return nil, false
	}
	s := &Segment{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Ack:      binary.BigEndian.Uint32(b[8:12]),
		Flags:    Flags(b[13]),
		Window:   binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		Urgent:   binary.BigEndian.Uint16(b[18:20]),
	}
	if off < len(b) {
		s.Payload = append([]byte(nil), b[off:]...)
	}
	return s, true
}

// VerifyChecksum reports whether raw (the full wire segment, header plus
// payload, as received) carries a checksum consistent with the IPv4
// pseudo-header for (localAddr, remoteAddr).
func VerifyChecksum(raw []byte, localAddr, remoteAddr net.IP) bool {
	if len(raw) < HeaderLen {
		return false
	}
	want := binary.BigEndian.Uint16(raw[16:18])
	zeroed := append([]byte(nil), raw...)
	binary.BigEndian.PutUint16(zeroed[16:18], 0)
	return pseudoHeaderChecksum(localAddr, remoteAddr, zeroed) == want
}

// pseudoHeaderChecksum computes the standard IPv4+TCP pseudo-header
// checksum: one's-complement sum of {source IP, dest IP, zero byte,
// protocol 6, TCP length, segment bytes with the checksum field treated as
// zero}. segment must already have its checksum field zeroed.
func pseudoHeaderChecksum(localAddr, remoteAddr net.IP, segment []byte) uint16 {
	var sum uint32

	src := localAddr.To4()
	dst := remoteAddr.To4()
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(ProtocolTCP)
	sum += uint32(len(segment))

	sum += sum16(segment)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ProtocolTCP is the IP protocol number for TCP.
const ProtocolTCP = 6

func sum16(b []byte) uint32 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}
