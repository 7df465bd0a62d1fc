package model

import (
	"github.com/overnet-network/overnet/pkg/bridge"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// Tunneling overhead components in bytes.
const (
	ethernetFrameLen = 14
	ipv4HeaderLen    = 20
	ipv6HeaderLen    = 40
	udpHeaderLen     = 8
	vxlanHeaderLen   = 8
	geneveHeaderLen  = 8
	vlanTagLen       = 4
)

// netOps is the per-network-type operations table. The commit engine drives
// these callbacks to realise the model in the kernel; the hints at each hook
// describe what a network type typically installs there.
type netOps interface {
	// Kind names the tunnel type for dumps ("vxlan/mcast", ...).
	Kind() string

	// CreatePA is called when the local machine connects to a network.
	// Build the local tunnel device and bridge (lbridge or sbridge).
	CreatePA(pa *PhysAttachment) error
	// DestroyPA tears down everything CreatePA built. All virts, remote
	// virts and remote PAs are already gone.
	DestroyPA(pa *PhysAttachment) error

	// AddVirt is called when a virt on the local machine joins the network.
	// Install the virt's rulesets and splice it into the local bridge.
	AddVirt(v *Virt) error
	// RemoveVirt reverts AddVirt.
	RemoveVirt(v *Virt) error

	// AddRemotePA is called for each pairing with another PA. Program
	// routing or replication toward the peer, or nothing if the network
	// needs no routing information.
	AddRemotePA(r *RemotePA) error
	// RemoveRemotePA reverts AddRemotePA. All its remote virts are gone.
	RemoveRemotePA(r *RemotePA) error

	// AddRemoteVirt is called per remote MAC; the remote PA was added
	// before. Install the destination-MAC match into the peer's route.
	AddRemoteVirt(r *RemoteVirt) error
	// RemoveRemoteVirt reverts AddRemoteVirt.
	RemoveRemoteVirt(r *RemoteVirt) error

	// ValidateNet, ValidatePA and ValidateVirt report kind-specific missing
	// or out-of-range attributes through the context's problem buffer.
	ValidateNet(n *Network)
	ValidatePA(pa *PhysAttachment)
	ValidateVirt(v *Virt)

	// TunnelingOverhead returns the encapsulation overhead in bytes for MTU
	// calculation.
	TunnelingOverhead(pa *PhysAttachment) uint
}

// baseOps provides the no-op defaults for hooks a network type does not
// need.
type baseOps struct{}

func (baseOps) AddRemotePA(*RemotePA) error            { return nil }
func (baseOps) RemoveRemotePA(*RemotePA) error         { return nil }
func (baseOps) AddRemoteVirt(*RemoteVirt) error        { return nil }
func (baseOps) RemoveRemoteVirt(*RemoteVirt) error     { return nil }
func (baseOps) ValidateNet(*Network)                   {}
func (baseOps) ValidatePA(*PhysAttachment)             {}
func (baseOps) ValidateVirt(*Virt)                     {}
func (baseOps) TunnelingOverhead(*PhysAttachment) uint { return 0 }

// validatePAIP reports a missing IP attribute on the PA's phys.
func validatePAIP(pa *PhysAttachment) {
	if pa.phys.attrIP == nil {
		pa.phys.ctx.report(ProblemPhysNoAttr,
			attrRef("ip"), physRef(pa.phys), netRef(pa.net))
	}
}

// validateVirtMAC reports a missing MAC attribute on the virt.
func validateVirtMAC(v *Virt) {
	if v.attrMAC == nil {
		v.network.ctx.report(ProblemVirtNoAttr,
			attrRef("mac"), virtRef(v), netRef(v.network))
	}
}

// validateVnetID reports a vnet id outside the 24-bit VNI range.
func validateVnetID(n *Network) {
	if n.vnetID >= 1<<24 {
		n.ctx.report(ProblemNetBadID, netRef(n), netIDRef(n.vnetID))
	}
}

// vxlanOverhead is the VXLAN/GENEVE overhead for the given underlay IP
// version; both carry an 8-byte header over UDP.
func vxlanOverhead(ipv int) uint {
	if ipv == 4 {
		return ethernetFrameLen + ipv4HeaderLen + udpHeaderLen + vxlanHeaderLen
	}
	return ethernetFrameLen + ipv6HeaderLen + udpHeaderLen + vxlanHeaderLen
}

// ============================================================================
// Shared ruleset plumbing
// ============================================================================

// prepareRulesets installs the ingress (and optionally egress) qdisc on
// iface and creates the corresponding rulesets, both starting at priority 1
// of the default chain.
func prepareRulesets(ctx *Context, iface *nl.If, wantOut bool) (in, out *rules.Ruleset, err error) {
	if wantOut {
		if err := ctx.env.Conn.QdiscEgressCreate(iface.Index); err != nil {
			return nil, nil, err
		}
		out = rules.NewRuleset(&ctx.env, iface, nl.EgressRootHandle, nl.DefaultChain, 1, 0xFFFE)
	}
	if err := ctx.env.Conn.QdiscIngressCreate(iface.Index); err != nil {
		if wantOut && !ctx.env.DisableDecommit {
			util.Inconsistent(&err, ctx.env.Conn.QdiscEgressDelete(iface.Index))
		}
		return nil, nil, err
	}
	in = rules.NewRuleset(&ctx.env, iface, nl.IngressParent, nl.DefaultChain, 1, 0xFFFE)
	return in, out, nil
}

// cleanupRulesets removes the qdiscs installed by prepareRulesets, taking
// all their filters with them.
func cleanupRulesets(ctx *Context, iface *nl.If, in, out *rules.Ruleset) error {
	var err error
	if out != nil {
		out.Free()
		if !ctx.env.DisableDecommit {
			util.Inconsistent(&err, ctx.env.Conn.QdiscEgressDelete(iface.Index))
		}
	}
	if in != nil {
		in.Free()
		if !ctx.env.DisableDecommit {
			util.Inconsistent(&err, ctx.env.Conn.QdiscIngressDelete(iface.Index))
		}
	}
	return err
}

// ============================================================================
// Linux-bridge backend, shared by direct, vlan and learning vxlan types
// ============================================================================

// lbridgeCreatePA creates a local bridge and connects the PA's tunnel
// interface to it.
func lbridgeCreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	br, err := bridge.NewLBridge(&ctx.env, ctx.MkName("iface"))
	if err != nil {
		return err
	}
	brIf, err := br.Add(&pa.tunnelIf)
	if err != nil {
		util.Inconsistent(&err, br.Free())
		return err
	}
	pa.lbridge = br
	pa.lbridgeIf = brIf
	return nil
}

// lbridgeDestroyPA removes the bridge and the PA's tunnel interface.
func lbridgeDestroyPA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	var err error
	util.Inconsistent(&err, pa.lbridgeIf.Remove())
	util.Inconsistent(&err, pa.lbridge.Free())
	pa.lbridge = nil
	pa.lbridgeIf = nil

	if !ctx.env.DisableDecommit {
		util.Inconsistent(&err, ctx.env.Conn.LinkDelete(pa.tunnelIf.Index))
	}
	pa.tunnelIf.Reset()
	return err
}

// lbridgeAddVirt prepares the virt's rulesets and enslaves its interface to
// the PA's bridge.
func lbridgeAddVirt(v *Virt) error {
	ctx := v.network.ctx
	pa := v.committedTo
	in, out, err := prepareRulesets(ctx, &v.committedIf, true)
	if err != nil {
		return err
	}
	v.rulesIn = in
	v.rulesOut = out

	brIf, err := pa.lbridge.Add(&v.committedIf)
	if err != nil {
		util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
		v.rulesIn = nil
		v.rulesOut = nil
		return err
	}
	v.lbridgeIf = brIf
	return nil
}

// lbridgeRemoveVirt reverts lbridgeAddVirt.
func lbridgeRemoveVirt(v *Virt) error {
	ctx := v.network.ctx
	var err error
	util.Inconsistent(&err, v.lbridgeIf.Remove())
	v.lbridgeIf = nil
	util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
	v.rulesIn = nil
	v.rulesOut = nil
	return err
}

// ============================================================================
// Static-bridge backend, shared by static vxlan and geneve
// ============================================================================

// sbridgeAddVirt connects a virt to the PA's static bridge: the virt's
// interface becomes an sbridge-if with a default route carrying the virt's
// MAC.
func sbridgeAddVirt(br *bridge.SBridge, v *Virt) error {
	ctx := v.network.ctx
	in, out, err := prepareRulesets(ctx, &v.committedIf, true)
	if err != nil {
		return err
	}
	v.rulesIn = in
	v.rulesOut = out

	physIf, err := bridge.NewPhysIf(&ctx.env, &v.committedIf, false, v.rulesIn)
	if err != nil {
		util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
		v.rulesIn = nil
		v.rulesOut = nil
		return err
	}
	v.sbridgePhysIf = physIf

	sbIf, err := br.AddIf(physIf, rules.MatchNone, rules.MatchData{})
	if err != nil {
		util.Inconsistent(&err, physIf.Free())
		util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
		return err
	}
	v.sbridgeIf = sbIf

	if err := sbIf.AddRouteDefault(&v.sbridgeRoute); err != nil {
		util.Inconsistent(&err, sbIf.Remove())
		util.Inconsistent(&err, physIf.Free())
		util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
		return err
	}

	if err := v.sbridgeRoute.AddMAC(&v.sbridgeMAC, *v.attrMAC); err != nil {
		util.Inconsistent(&err, v.sbridgeRoute.Remove())
		util.Inconsistent(&err, sbIf.Remove())
		util.Inconsistent(&err, physIf.Free())
		util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
		return err
	}
	return nil
}

// sbridgeRemoveVirt reverts sbridgeAddVirt.
func sbridgeRemoveVirt(v *Virt) error {
	ctx := v.network.ctx
	var err error
	util.Inconsistent(&err, v.sbridgeMAC.Remove())
	util.Inconsistent(&err, v.sbridgeRoute.Remove())
	util.Inconsistent(&err, v.sbridgeIf.Remove())
	util.Inconsistent(&err, v.sbridgePhysIf.Free())
	util.Inconsistent(&err, cleanupRulesets(ctx, &v.committedIf, v.rulesIn, v.rulesOut))
	v.sbridgeIf = nil
	v.sbridgePhysIf = nil
	v.rulesIn = nil
	v.rulesOut = nil
	v.sbridgeRoute = bridge.Route{}
	v.sbridgeMAC = bridge.MACEntry{}
	return err
}

// sbridgeAddStunnel connects a shared metadata tunnel to the PA's bridge,
// discriminated by the network's vnet id.
func sbridgeAddStunnel(br *bridge.SBridge, tunnel *bridge.PhysIf, net *Network) (*bridge.SBridgeIf, error) {
	return br.AddIf(tunnel, rules.MatchEncKeyID, rules.MatchEncID(net.vnetID))
}
