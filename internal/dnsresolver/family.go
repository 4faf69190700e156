package dnsresolver

import (
	"net"

	"github.com/dunmore-labs/zyproxy/internal/dnswire"
)

// Family selects which resource record type a Resolve call is asking for. The spec requires
// separate A and AAAA resolution rather than a single combined lookup.
type Family uint8

const (
	V4 Family = iota
	V6
)

// String implements fmt.Stringer for compact logging.
func (f Family) String() string {
	if f == V6 {
		return "AAAA"
	}
	return "A"
}

func (f Family) qtype() uint16 {
	if f == V6 {
		return dnswire.TypeAAAA
	}
	return dnswire.TypeA
}

// zeroAddr is the sentinel "failed" address handed back to a Resolve callback: the all-zero
// address for the requested family.
func (f Family) zeroAddr() net.IP {
	if f == V6 {
		return net.IPv6zero
	}
	return net.IPv4zero
}
