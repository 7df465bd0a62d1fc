// Package nl defines the catalogue of kernel requests the network model
// needs: link management, qdisc setup, FDB entries and TC flower filters
// with their action lists.
//
// The catalogue is expressed as the Conn interface. The production
// implementation talks rtnetlink through github.com/vishvananda/netlink;
// the nltest subpackage provides a recording in-memory kernel for tests.
// All requests are synchronous: each one is acknowledged (or fails) before
// the next is issued.
package nl

import (
	"fmt"

	"github.com/overnet-network/overnet/pkg/nettypes"
)

// TC addressing constants.
const (
	// IngressParent is the pseudo-handle of the ingress qdisc.
	IngressParent uint32 = 0xFFFF0000
	// EgressRootHandle is the handle of the egress root qdisc (major 1).
	EgressRootHandle uint32 = 0x00010000
	// DefaultPrio is the priority used for fixed-function filters.
	DefaultPrio uint16 = 10
	// DefaultChain is the default TC chain.
	DefaultChain uint32 = 0
)

// VxlanAttrs describes a VXLAN link to create.
type VxlanAttrs struct {
	// Underlying names the physical device the tunnel binds to. Empty for
	// metadata-mode tunnels.
	Underlying string
	// Group is the multicast group, or nil.
	Group *nettypes.IP
	VNI   uint32
	Port  uint16
	// Learning enables kernel FDB learning.
	Learning bool
	// CollectMetadata puts the device in external (metadata) mode where
	// per-packet tunnel info comes from tunnel_key actions.
	CollectMetadata bool
	// IPVersion selects the address family of the underlay.
	IPVersion nettypes.IPv
}

// Conn is a synchronous connection to the kernel's rtnetlink service.
type Conn interface {
	// LinkDummyCreate creates a dummy device.
	LinkDummyCreate(name string) (If, error)
	// LinkBridgeCreate creates a Linux bridge device.
	LinkBridgeCreate(name string) (If, error)
	// LinkVlanCreate creates a VLAN child device on top of parent.
	LinkVlanCreate(name, parent string, vlanID uint16) (If, error)
	// LinkVxlanCreate creates a VXLAN device.
	LinkVxlanCreate(name string, attrs VxlanAttrs) (If, error)
	// LinkGeneveCreate creates a GENEVE device in metadata mode.
	LinkGeneveCreate(name string, port uint16) (If, error)
	// LinkVethCreate creates a veth pair.
	LinkVethCreate(name, peer string) (If, If, error)
	// LinkDelete removes a device.
	LinkDelete(ifindex int) error
	// LinkSetUp brings a device up.
	LinkSetUp(ifindex int) error
	// LinkSetMaster enslaves slave to master; master 0 releases it.
	LinkSetMaster(master, slave int) error
	// LinkGetMTU queries a device's MTU.
	LinkGetMTU(ifindex int) (int, error)
	// LinkIndex resolves a device name to its ifindex. Returns ErrNoIf if
	// no such device exists.
	LinkIndex(name string) (int, error)

	// QdiscIngressCreate installs the ingress qdisc on a device.
	QdiscIngressCreate(ifindex int) error
	// QdiscIngressDelete removes the ingress qdisc and its filters.
	QdiscIngressDelete(ifindex int) error
	// QdiscEgressCreate installs the egress root (prio) qdisc on a device.
	QdiscEgressCreate(ifindex int) error
	// QdiscEgressDelete removes the egress root qdisc and its filters.
	QdiscEgressDelete(ifindex int) error

	// FdbAdd appends a bridge FDB entry pointing mac at the remote ip.
	FdbAdd(ifindex int, mac nettypes.MAC, ip nettypes.IP) error
	// FdbDel removes a bridge FDB entry.
	FdbDel(ifindex int, mac nettypes.MAC, ip nettypes.IP) error

	// FilterApply creates (or, with f.Update, replaces) a flower filter.
	FilterApply(f *Flower) error
	// FilterDelete removes a flower filter.
	FilterDelete(sel FilterSel) error

	// Close releases the connection.
	Close() error
}

// FilterSel addresses one filter instance in the TC hierarchy.
type FilterSel struct {
	Ifindex int
	Parent  uint32
	Chain   uint32
	Prio    uint16
	Handle  uint32
}

func (s FilterSel) String() string {
	return fmt.Sprintf("ifindex=%d parent=0x%x chain=%d prio=0x%x handle=0x%x",
		s.Ifindex, s.Parent, s.Chain, s.Prio, s.Handle)
}

// MACMatch is a masked MAC key.
type MACMatch struct {
	Value nettypes.MAC
	Mask  nettypes.MAC
}

// IPMatch is a masked IP key. Value and mask share the IP version.
type IPMatch struct {
	Value nettypes.IP
	Mask  nettypes.IP
}

// FlowerKeys is the typed key set of a flower filter. Nil fields do not
// participate in the match.
type FlowerKeys struct {
	SrcMAC   *MACMatch
	DstMAC   *MACMatch
	SrcIP    *IPMatch
	DstIP    *IPMatch
	EthType  *uint16
	EncKeyID *uint32
}

// Flower is a flower filter: an addressed key set plus an ordered action
// list.
type Flower struct {
	FilterSel
	// Update replaces an existing instance instead of creating a new one.
	Update  bool
	Keys    FlowerKeys
	Actions []Action
}

// ============================================================================
// Actions
// ============================================================================

// Verdict is a gact/police packet verdict.
type Verdict int

// Verdicts.
const (
	VerdictShot Verdict = iota
	VerdictPipe
	VerdictContinue
)

func (v Verdict) String() string {
	switch v {
	case VerdictShot:
		return "shot"
	case VerdictPipe:
		return "pipe"
	case VerdictContinue:
		return "continue"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Action is one entry of a filter's action list.
type Action interface {
	actionName() string
}

// MirredIngressRedirect redirects the packet to a device's ingress.
type MirredIngressRedirect struct {
	Ifindex int
}

// MirredEgressRedirect redirects the packet to a device's egress.
type MirredEgressRedirect struct {
	Ifindex int
}

// MirredEgressMirror copies the packet to a device's egress and continues.
type MirredEgressMirror struct {
	Ifindex int
}

// TunnelKeySet attaches tunnel metadata for a metadata-mode device.
type TunnelKeySet struct {
	VNI uint32
	Src nettypes.IP
	Dst nettypes.IP
}

// Police rate-limits with a token bucket. Rates are bytes per second.
type Police struct {
	AvgRate        uint32
	Burst          uint32
	PeakRate       uint32
	MTU            uint32
	ConformVerdict Verdict
	ExceedVerdict  Verdict
}

// Gact terminates or continues classification with a verdict.
type Gact struct {
	Verdict Verdict
}

// GotoChain continues classification in another chain.
type GotoChain struct {
	Chain uint32
}

func (MirredIngressRedirect) actionName() string { return "mirred ingress redirect" }
func (MirredEgressRedirect) actionName() string  { return "mirred egress redirect" }
func (MirredEgressMirror) actionName() string    { return "mirred egress mirror" }
func (TunnelKeySet) actionName() string          { return "tunnel_key set" }
func (Police) actionName() string                { return "police" }
func (Gact) actionName() string                  { return "gact" }
func (GotoChain) actionName() string             { return "goto chain" }

func (a MirredIngressRedirect) String() string {
	return fmt.Sprintf("mirred ingress redirect dev %d", a.Ifindex)
}

func (a MirredEgressRedirect) String() string {
	return fmt.Sprintf("mirred egress redirect dev %d", a.Ifindex)
}

func (a MirredEgressMirror) String() string {
	return fmt.Sprintf("mirred egress mirror dev %d", a.Ifindex)
}

func (a TunnelKeySet) String() string {
	return fmt.Sprintf("tunnel_key set id %d src %s dst %s", a.VNI, a.Src, a.Dst)
}

func (a Police) String() string {
	return fmt.Sprintf("police rate %dBps burst %d", a.AvgRate, a.Burst)
}

func (a Gact) String() string {
	return "gact " + a.Verdict.String()
}

func (a GotoChain) String() string {
	return fmt.Sprintf("goto chain %d", a.Chain)
}
