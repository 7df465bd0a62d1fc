// Package rules compiles abstract match/action rules into TC flower filters.
//
// A Ruleset is bound to one interface and one chain inside a parent qdisc.
// It contains priority blocks; each block pins a match schema (targets and
// masks). Within a block, rules with distinct masked keys merge into shared
// flower filters; rules with identical keys are ordered by sub-priority and
// packed as one action list inside a single filter.
//
// The package also provides the broadcast replicator, which spreads
// replication actions over a chain of filters, 31 actions plus an
// unconditional continue per filter.
package rules

import (
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
)

// Reserved interface ruleset priorities. These divide an interface's ruleset
// between the policers, the static bridge classification and the source
// filter, and are properties of the model, not of any network type.
const (
	IfPrioPolicing uint16 = 0xFF00
	IfPrioMatch    uint16 = 0xFF01
	IfPrioFallback uint16 = 0xFF02
	IfPrioSource   uint16 = 0xFF03
)

// SbridgeIfSubprio orders static-bridge classification rules after any
// user rules packed into the same flower filter.
const SbridgeIfSubprio uint32 = 0xFFFFFF00

// VRSubprio is the sub-priority at which virt rules commit.
const VRSubprio uint32 = 0

// Virt rule priority window (VRPrioMax exclusive).
const (
	VRPrioMin uint16 = 0
	VRPrioMax uint16 = 0x8000
)

// MaxMatches is the maximum number of match targets per rule.
const MaxMatches = 4

// MaxMatchLen is the size of one match value in bytes.
const MaxMatchLen = 16

// ActMax is the kernel's limit on actions per filter.
const ActMax = 32

// Env carries what every kernel-writing helper needs: the connection and
// the decommit-disable flag. The owning context toggles DisableDecommit when
// kernel state should be retained during teardown.
type Env struct {
	Conn            nl.Conn
	DisableDecommit bool
}

// ============================================================================
// Match targets and data
// ============================================================================

// Target selects the packet field a rule matches on.
type Target int

// Match targets.
const (
	MatchNone Target = iota
	MatchSrcMAC
	MatchDstMAC
	MatchSrcIPv4
	MatchDstIPv4
	MatchSrcIPv6
	MatchDstIPv6
	MatchEncKeyID
)

var targetNames = map[Target]string{
	MatchNone:     "none",
	MatchSrcMAC:   "src_mac",
	MatchDstMAC:   "dst_mac",
	MatchSrcIPv4:  "src_ipv4",
	MatchDstIPv4:  "dst_ipv4",
	MatchSrcIPv6:  "src_ipv6",
	MatchDstIPv6:  "dst_ipv6",
	MatchEncKeyID: "enc_key_id",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return "unknown"
}

// SupportsMasking reports whether the target takes a caller-supplied mask.
// Values of non-maskable targets are hard-zeroed beyond their semantic width.
func (t Target) SupportsMasking() bool {
	switch t {
	case MatchNone, MatchEncKeyID:
		return false
	}
	return true
}

// width returns the semantic width of a target's value in bytes.
func (t Target) width() int {
	switch t {
	case MatchNone:
		return 0
	case MatchSrcMAC, MatchDstMAC:
		return nettypes.MACLen
	case MatchSrcIPv4, MatchDstIPv4:
		return 4
	case MatchSrcIPv6, MatchDstIPv6:
		return 16
	case MatchEncKeyID:
		return 4
	}
	return 0
}

// MatchData is one match value or mask, left-aligned raw bytes.
type MatchData [MaxMatchLen]byte

// MatchMAC stores a MAC address as match data.
func MatchMAC(mac nettypes.MAC) MatchData {
	var d MatchData
	copy(d[:], mac[:])
	return d
}

// MatchIP stores an IP address as match data. IPv4 occupies the first four
// bytes.
func MatchIP(ip nettypes.IP) MatchData {
	var d MatchData
	copy(d[:], ip.Bytes[:ip.V.Len()])
	return d
}

// MatchEncID stores a tunnel key id as match data, big endian.
func MatchEncID(id uint32) MatchData {
	var d MatchData
	d[0] = byte(id >> 24)
	d[1] = byte(id >> 16)
	d[2] = byte(id >> 8)
	d[3] = byte(id)
	return d
}

// MAC reads the match data back as a MAC address.
func (d MatchData) MAC() nettypes.MAC {
	var m nettypes.MAC
	copy(m[:], d[:nettypes.MACLen])
	return m
}

// IP reads the match data back as an IP address of the given version.
func (d MatchData) IP(v nettypes.IPv) nettypes.IP {
	ip := nettypes.IP{V: v}
	copy(ip.Bytes[:], d[:v.Len()])
	return ip
}

// EncID reads the match data back as a tunnel key id.
func (d MatchData) EncID() uint32 {
	return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
}

// Key is a rule's full masked key tuple, comparable for flower deduplication.
type Key [MaxMatches]MatchData

// Schema is a priority block's match layout: which targets are matched and
// with which masks.
type Schema struct {
	Targets [MaxMatches]Target
	Masks   [MaxMatches]MatchData
}

// Equal reports whether two schemas have identical targets and masks.
func (s Schema) Equal(other Schema) bool {
	return s == other
}

// MaskKey applies the schema to a key: maskable targets are ANDed with
// their mask, non-maskable targets are hard-zeroed beyond their semantic
// width.
func (s *Schema) MaskKey(key *Key) {
	for i := 0; i < MaxMatches; i++ {
		t := s.Targets[i]
		if !t.SupportsMasking() {
			w := t.width()
			for j := w; j < MaxMatchLen; j++ {
				key[i][j] = 0
			}
			continue
		}
		for j := 0; j < MaxMatchLen; j++ {
			key[i][j] &= s.Masks[i][j]
		}
	}
}

// ============================================================================
// Actions
// ============================================================================

// ActionGen appends a rule's actions to a filter's action list.
type ActionGen func(acts *[]nl.Action)

// ActionDesc describes a sequence of TC actions generated on demand when the
// owning filter is re-emitted.
type ActionDesc struct {
	// Name tags the action for dumps.
	Name string
	// Count is the number of kernel action slots the sequence occupies.
	Count int
	// Gen appends exactly Count actions.
	Gen ActionGen
}

// DropAction is the gact shot verdict.
func DropAction() ActionDesc {
	return ActionDesc{
		Name:  "drop",
		Count: 1,
		Gen: func(acts *[]nl.Action) {
			*acts = append(*acts, nl.Gact{Verdict: nl.VerdictShot})
		},
	}
}
