package model

import (
	"github.com/overnet-network/overnet/pkg/bridge"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// Direction of traffic relative to a virt.
type Direction int

// Directions.
const (
	// DirIn is traffic the virt receives.
	DirIn Direction = iota
	// DirOut is traffic the virt sends.
	DirOut
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// QosRate is a bandwidth limit for one direction of a virt's interface.
type QosRate struct {
	// AvgRate is the sustained rate in bytes per second.
	AvgRate float64
	// BurstSize is the token bucket size in bytes.
	BurstSize uint32
	// BurstRate is the optional peak rate in bytes per second.
	BurstRate float64
}

// Virt is a virtual machine's network endpoint: any Linux interface
// participating in a virtual network through the attachment of its phys.
// Virts migrate between machines by being connected through a different
// phys.
type Virt struct {
	state   State
	name    objName
	network *Network

	connectedThrough *PhysAttachment
	committedTo      *PhysAttachment
	connectedIf      nl.If
	committedIf      nl.If

	attrMAC     *nettypes.MAC
	attrRateIn  *QosRate
	attrRateOut *QosRate

	// views are the remote-virt views other PAs hold of this virt.
	views []*RemoteVirt

	// Learning-switch committed state.
	lbridgeIf *bridge.LBridgeIf

	// Static-switch committed state.
	sbridgePhysIf *bridge.PhysIf
	sbridgeIf     *bridge.SBridgeIf
	sbridgeRoute  bridge.Route
	sbridgeMAC    bridge.MACEntry

	// Rulesets on the committed interface. The virt's egress is our
	// ingress and vice versa: rulesIn classifies traffic entering the host
	// from the virt, rulesOut classifies traffic leaving toward it.
	rulesIn  *rules.Ruleset
	rulesOut *rules.Ruleset

	vrPriosIn  map[uint16]*vrPrio
	vrPriosOut map[uint16]*vrPrio

	policingIn      *rules.Prio
	policingRuleIn  rules.Rule
	policingOut     *rules.Prio
	policingRuleOut rules.Rule
}

// NewVirt creates a virt as part of net.
func NewVirt(net *Network) (*Virt, error) {
	v := &Virt{
		network:    net,
		state:      StateNew,
		vrPriosIn:  make(map[uint16]*vrPrio),
		vrPriosOut: make(map[uint16]*vrPrio),
	}
	if err := v.name.set(net.virtNames, net.ctx.MkName("virt")); err != nil {
		return nil, net.ctx.retErr(err)
	}
	net.virts = append(net.virts, v)
	return v, nil
}

// SetName assigns a name unique among the network's virts.
func (v *Virt) SetName(name string) error {
	return v.network.ctx.retErr(v.name.set(v.network.virtNames, name))
}

// GetName returns the virt's name.
func (v *Virt) GetName() string {
	return v.name.str
}

// VirtByName finds a virt by name within the network.
func (n *Network) VirtByName(name string) *Virt {
	for _, v := range n.virts {
		if v.name.str == name {
			return v
		}
	}
	return nil
}

// Network returns the virt's network.
func (v *Virt) Network() *Network {
	return v.network
}

// MAC returns the virt's MAC attribute, or nil.
func (v *Virt) MAC() *nettypes.MAC {
	return v.attrMAC
}

// ConnectedThrough returns the attachment the virt is connected through, or
// nil.
func (v *Virt) ConnectedThrough() *PhysAttachment {
	return v.connectedThrough
}

// ConnectedIf returns the virt's interface handle as configured.
func (v *Virt) ConnectedIf() *nl.If {
	return &v.connectedIf
}

// CommittedIf returns the virt's interface handle as of the last commit.
func (v *Virt) CommittedIf() *nl.If {
	return &v.committedIf
}

// Connect associates the virt with a phys and the Linux interface on that
// phys which receives the virt's traffic.
func (v *Virt) Connect(phys *Phys, iface string) error {
	a := findOrCreateAttachment(phys, v.network)
	v.connectedIf.SetName(iface)
	v.Disconnect()
	v.connectedThrough = a
	renew(&v.state)
	a.connectedVirts = append(a.connectedVirts, v)
	return nil
}

// Disconnect detaches the virt from its phys. A disconnected virt no longer
// sends or receives traffic.
func (v *Virt) Disconnect() {
	if v.connectedThrough == nil {
		return
	}
	v.connectedThrough.connectedVirts = removeItem(v.connectedThrough.connectedVirts, v)
	v.connectedThrough = nil
	renew(&v.state)
}

// SetMAC sets the virt's MAC address.
func (v *Virt) SetMAC(mac nettypes.MAC) error {
	macCopy := mac
	v.attrMAC = &macCopy
	renew(&v.state)
	return nil
}

// ClearMAC removes the MAC attribute.
func (v *Virt) ClearMAC() error {
	v.attrMAC = nil
	renew(&v.state)
	return nil
}

// SetRateIn limits traffic the virt receives. The policer lands on the
// egress-side ruleset: traffic toward the virt egresses this host.
func (v *Virt) SetRateIn(rate QosRate) error {
	rateCopy := rate
	v.attrRateIn = &rateCopy
	renew(&v.state)
	return nil
}

// ClearRateIn removes the ingress rate limit.
func (v *Virt) ClearRateIn() error {
	v.attrRateIn = nil
	renew(&v.state)
	return nil
}

// SetRateOut limits traffic the virt sends.
func (v *Virt) SetRateOut(rate QosRate) error {
	rateCopy := rate
	v.attrRateOut = &rateCopy
	renew(&v.state)
	return nil
}

// ClearRateOut removes the egress rate limit.
func (v *Virt) ClearRateOut() error {
	v.attrRateOut = nil
	renew(&v.state)
	return nil
}

// GetRecommendedMTU calculates the MTU the virt's interface should use,
// derived from the phys interface's MTU minus the network's tunneling
// overhead. Based on the current connection, not the committed state; the
// phys interface must exist.
func (v *Virt) GetRecommendedMTU() (uint, error) {
	ctx := v.network.ctx
	if v.connectedThrough == nil {
		return 0, util.ErrNoIf
	}
	phys := v.connectedThrough.phys
	if phys.attrIface == nil {
		return 0, util.ErrNoIf
	}
	if err := ctx.ensureSocket(); err != nil {
		return 0, err
	}
	physIf := nl.NamedIf(*phys.attrIface)
	if err := physIf.Resolve(ctx.env.Conn); err != nil {
		return 0, err
	}
	mtu, err := ctx.env.Conn.LinkGetMTU(physIf.Index)
	if err != nil {
		return 0, err
	}
	return uint(mtu) - v.network.settings.ops.TunnelingOverhead(v.connectedThrough), nil
}

// Free deletes the virt and all its rules.
func (v *Virt) Free() {
	v.FreeAllRules()
	if v.state == StateNew {
		v.doFree()
	} else {
		v.state = StateDelete
	}
}

// doFree unregisters the virt from its network and attachment.
func (v *Virt) doFree() {
	v.doFreeAllRules()
	if v.connectedThrough != nil {
		v.connectedThrough.connectedVirts = removeItem(v.connectedThrough.connectedVirts, v)
		v.connectedThrough.freeIfPossible()
		v.connectedThrough = nil
	}
	v.network.virts = removeItem(v.network.virts, v)
	v.name.free()
}
