package rdma

import (
	"encoding/binary"
	"fmt"
	"net"
)

// GIDSize is the length of a global adapter address in bytes
const GIDSize = 16

// GID is a 128-bit global adapter address kept as raw network-order bytes.
type GID [GIDSize]byte

// SubnetPrefix returns the upper 64 bits of the GID
func (g GID) SubnetPrefix() uint64 {
	return binary.BigEndian.Uint64(g[0:8])
}

// InterfaceID returns the lower 64 bits of the GID
func (g GID) InterfaceID() uint64 {
	return binary.BigEndian.Uint64(g[8:16])
}

// IsZero reports whether every byte of the GID is zero
func (g GID) IsZero() bool {
	return g == GID{}
}

// isIPv4Mapped checks for the ::ffff:A.B.C.D layout used by RoCEv2 GIDs
func (g GID) isIPv4Mapped() bool {
	for _, b := range g[:10] {
		if b != 0 {
			return false
		}
	}
	return g[10] == 0xff && g[11] == 0xff
}

// String renders the GID as an IPv6 address. IPv4-mapped GIDs keep the
// ::ffff: prefix so they stay distinguishable from plain IPv4 addresses.
func (g GID) String() string {
	if g.isIPv4Mapped() {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", g[12], g[13], g[14], g[15])
	}
	return net.IP(g[:]).String()
}

// ParseGID parses the textual IPv6 (or IPv4-mapped) form of a GID
func ParseGID(s string) (GID, error) {
	var g GID
	ip := net.ParseIP(s)
	if ip == nil {
		return g, fmt.Errorf("invalid GID %q", s)
	}
	copy(g[:], ip.To16())
	return g, nil
}

// GIDFromInterfaceID builds a link-local GID (fe80::/64) around an interface ID
func GIDFromInterfaceID(id uint64) GID {
	var g GID
	binary.BigEndian.PutUint64(g[0:8], 0xfe80000000000000)
	binary.BigEndian.PutUint64(g[8:16], id)
	return g
}
