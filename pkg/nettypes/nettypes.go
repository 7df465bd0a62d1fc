// Package nettypes provides the address value types shared by the network
// model and the rule compiler: MAC addresses and version-tagged IP addresses.
//
// Both types are small comparable values, so they can be used directly as map
// keys and compared with ==.
package nettypes

import (
	"fmt"
	"net"

	"github.com/overnet-network/overnet/pkg/util"
)

// MACLen is the size of a MAC address in bytes.
const MACLen = 6

// MAC is an Ethernet address.
type MAC [MACLen]byte

// Well-known MAC constants and masks.
var (
	// BroadcastMAC is the all-ones broadcast address.
	BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// AllZeroesMAC is the all-zero address used for default FDB entries.
	AllZeroesMAC = MAC{}
	// MulticastMACMask selects only the group bit of the first octet.
	MulticastMACMask = MAC{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	// SingleMACMask matches one exact address.
	SingleMACMask = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// ParseMAC parses the usual colon-separated MAC address notation.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != MACLen {
		return MAC{}, util.NewParseError("MAC address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// String formats the address as lowercase colon-separated hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// HardwareAddr converts to the stdlib representation.
func (m MAC) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, MACLen)
	copy(hw, m[:])
	return hw
}

// Mask returns the address with mask applied byte-wise.
func (m MAC) Mask(mask MAC) MAC {
	var out MAC
	for i := range m {
		out[i] = m[i] & mask[i]
	}
	return out
}

// ============================================================================
// IP addresses
// ============================================================================

// IPv is the IP protocol version.
type IPv int

// IP protocol versions.
const (
	IPv4 IPv = 4
	IPv6 IPv = 6
)

// Len returns the address length in bytes for the version.
func (v IPv) Len() int {
	if v == IPv4 {
		return 4
	}
	return 16
}

func (v IPv) String() string {
	return fmt.Sprintf("IPv%d", int(v))
}

// IP is a version-tagged IP address. The bytes array holds the address
// left-aligned: 4 bytes for IPv4, 16 for IPv6.
type IP struct {
	V     IPv
	Bytes [16]byte
}

// ParseIP parses an IPv4 or IPv6 address in its canonical textual form.
func ParseIP(s string) (IP, error) {
	parsed := net.ParseIP(s)
	if parsed == nil {
		return IP{}, util.NewParseError("IP address", s)
	}
	var ip IP
	if v4 := parsed.To4(); v4 != nil {
		ip.V = IPv4
		copy(ip.Bytes[:4], v4)
	} else {
		ip.V = IPv6
		copy(ip.Bytes[:], parsed.To16())
	}
	return ip, nil
}

// MustParseIP is ParseIP for static addresses; it panics on bad input.
func MustParseIP(s string) IP {
	ip, err := ParseIP(s)
	if err != nil {
		panic(err)
	}
	return ip
}

// String formats the address canonically for its version.
func (ip IP) String() string {
	return ip.NetIP().String()
}

// NetIP converts to the stdlib representation.
func (ip IP) NetIP() net.IP {
	if ip.V == IPv4 {
		return net.IPv4(ip.Bytes[0], ip.Bytes[1], ip.Bytes[2], ip.Bytes[3])
	}
	out := make(net.IP, 16)
	copy(out, ip.Bytes[:])
	return out
}

// SameVersion reports whether both addresses use the same IP version.
func (ip IP) SameVersion(other IP) bool {
	return ip.V == other.V
}

// IsZero reports whether the address is the zero value (no address set).
func (ip IP) IsZero() bool {
	return ip == IP{}
}

// Masks for exact-address matches.
var (
	SingleIPv4Mask = mustMask(IPv4, 32)
	SingleIPv6Mask = mustMask(IPv6, 128)
)

func mustMask(v IPv, prefix int) IP {
	ip, err := MaskFromPrefix(v, prefix)
	if err != nil {
		panic(err)
	}
	return ip
}

// MaskFromPrefix returns the netmask of the given prefix length as an
// address value.
func MaskFromPrefix(v IPv, prefix int) (IP, error) {
	if !PrefixValid(v, prefix) {
		return IP{}, util.NewParseError("prefix length", fmt.Sprintf("/%d", prefix))
	}
	ip := IP{V: v}
	for i := 0; prefix > 0; i++ {
		bits := prefix
		if bits > 8 {
			bits = 8
		}
		ip.Bytes[i] = ^byte(0) << (8 - bits)
		prefix -= 8
	}
	return ip, nil
}

// PrefixValid reports whether a prefix length makes sense for the version.
func PrefixValid(v IPv, prefix int) bool {
	return prefix >= 0 && prefix <= v.Len()*8
}

// MaskValid reports whether the address is a contiguous prefix mask for its
// version.
func (ip IP) MaskValid() bool {
	seenZero := false
	for i := 0; i < ip.V.Len(); i++ {
		b := ip.Bytes[i]
		if seenZero {
			if b != 0 {
				return false
			}
			continue
		}
		switch b {
		case 0xFF:
			continue
		case 0xFE, 0xFC, 0xF8, 0xF0, 0xE0, 0xC0, 0x80, 0x00:
			seenZero = true
		default:
			return false
		}
	}
	return true
}

// PrefixLen returns the number of leading one bits in a mask.
func (ip IP) PrefixLen() int {
	prefix := 0
	for i := 0; i < ip.V.Len(); i++ {
		for j := 7; j >= 0; j-- {
			if ip.Bytes[i]&(1<<uint(j)) != 0 {
				prefix++
			}
		}
	}
	return prefix
}
