// Package addr implements the address/destination model: a 4-byte IPv4
// address plus port with value equality and a stable hash, and the
// weighted destination records the router balances across.
package addr

import (
	"fmt"
	"hash/fnv"
	"net"
)

// SockAddr is an IPv4 address and port, compared and hashed by value.
type SockAddr struct {
	IP   [4]byte
	Port uint16
}

// NewSockAddr resolves host (a DNS name or dotted-quad) and builds a SockAddr.
func NewSockAddr(host string, port uint16) (SockAddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return SockAddr{}, fmt.Errorf("resolve %q: %w", host, err)
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return SockAddr{}, fmt.Errorf("resolve %q: no IPv4 address found", host)
		}
	}

	v4 := ip.To4()
	if v4 == nil {
		return SockAddr{}, fmt.Errorf("%q is not an IPv4 address", host)
	}

	var sa SockAddr
	copy(sa.IP[:], v4)
	sa.Port = port
	return sa, nil
}

// Equal reports whether two addresses refer to the same endpoint.
func (a SockAddr) Equal(b SockAddr) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// Hash returns the 32-bit FNV-1a hash of the address bytes only (not the
// port), used as the client-source hint for the SOURCE policy.
func (a SockAddr) Hash() uint32 {
	h := fnv.New32a()
	h.Write(a.IP[:])
	return h.Sum32()
}

// TCPAddr converts to the standard library representation.
func (a SockAddr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(a.IP[:]), Port: int(a.Port)}
}

func (a SockAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// FromTCPAddr builds a SockAddr from a resolved *net.TCPAddr, truncating to
// IPv4. Used to turn an accepted client's remote address into a hash hint.
func FromTCPAddr(t *net.TCPAddr) (SockAddr, bool) {
	v4 := t.IP.To4()
	if v4 == nil {
		return SockAddr{}, false
	}
	var sa SockAddr
	copy(sa.IP[:], v4)
	sa.Port = uint16(t.Port)
	return sa, true
}
