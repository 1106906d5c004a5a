package tcp

import "strings"

// Flags is the set of control bits carried in byte 13 of a TCP header.
type Flags uint8

const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
	ECE
	CWR
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// OnlyACK reports whether ACK is the only control bit set.
func (f Flags) OnlyACK() bool {
	return f == ACK
}

func (f Flags) String() string {
	var b strings.Builder
	add := func(name string, bit Flags) {
		if f.Has(bit) {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(name)
		}
	}
	add("SYN", SYN)
	add("ACK", ACK)
	add("FIN", FIN)
	add("RST", RST)
	add("PSH", PSH)
	add("URG", URG)
	add("ECE", ECE)
	add("CWR", CWR)
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
