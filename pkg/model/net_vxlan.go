package model

import (
	"github.com/overnet-network/overnet/pkg/bridge"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// ============================================================================
// Multicast VXLAN
// ============================================================================

// vxlanMcastOps implements learning VXLAN networks joined to a multicast
// group. The network autoconfigures; no per-peer state is needed.
type vxlanMcastOps struct {
	baseOps
}

func (vxlanMcastOps) Kind() string { return "vxlan/mcast" }

// CreatePA creates a learning VXLAN device joined to the multicast group
// and bridges it.
func (vxlanMcastOps) CreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	s := pa.net.settings
	mcast := s.mcastIP
	tunnelIf, err := ctx.env.Conn.LinkVxlanCreate(ctx.MkName("iface"), nl.VxlanAttrs{
		Underlying: *pa.phys.attrIface,
		Group:      &mcast,
		VNI:        pa.net.vnetID,
		Port:       s.port,
		Learning:   true,
		IPVersion:  mcast.V,
	})
	if err != nil {
		return err
	}
	pa.tunnelIf = tunnelIf

	if err := lbridgeCreatePA(pa); err != nil {
		if delErr := ctx.env.Conn.LinkDelete(pa.tunnelIf.Index); delErr != nil {
			util.Inconsistent(&err, delErr)
		}
		pa.tunnelIf.Reset()
		return err
	}
	return nil
}

func (vxlanMcastOps) DestroyPA(pa *PhysAttachment) error { return lbridgeDestroyPA(pa) }
func (vxlanMcastOps) AddVirt(v *Virt) error              { return lbridgeAddVirt(v) }
func (vxlanMcastOps) RemoveVirt(v *Virt) error           { return lbridgeRemoveVirt(v) }

func (vxlanMcastOps) ValidateNet(n *Network) { validateVnetID(n) }

func (vxlanMcastOps) TunnelingOverhead(pa *PhysAttachment) uint {
	return vxlanOverhead(int(pa.net.settings.mcastIP.V))
}

// ============================================================================
// End-to-end VXLAN
// ============================================================================

// vxlanE2EOps implements learning VXLAN with one tunnel per endpoint: each
// remote phys gets an explicit all-zero-MAC FDB entry pointing at its IP, so
// unknown traffic floods to all known peers.
type vxlanE2EOps struct {
	baseOps
}

func (vxlanE2EOps) Kind() string { return "vxlan/e2e" }

// CreatePA creates the local learning VXLAN device bound to the phys's
// address and bridges it.
func (vxlanE2EOps) CreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	tunnelIf, err := ctx.env.Conn.LinkVxlanCreate(ctx.MkName("iface"), nl.VxlanAttrs{
		Underlying: *pa.phys.attrIface,
		VNI:        pa.net.vnetID,
		Port:       pa.net.settings.port,
		Learning:   true,
		IPVersion:  pa.phys.attrIP.V,
	})
	if err != nil {
		return err
	}
	pa.tunnelIf = tunnelIf

	if err := lbridgeCreatePA(pa); err != nil {
		if delErr := ctx.env.Conn.LinkDelete(pa.tunnelIf.Index); delErr != nil {
			util.Inconsistent(&err, delErr)
		}
		pa.tunnelIf.Reset()
		return err
	}
	return nil
}

func (vxlanE2EOps) DestroyPA(pa *PhysAttachment) error { return lbridgeDestroyPA(pa) }
func (vxlanE2EOps) AddVirt(v *Virt) error              { return lbridgeAddVirt(v) }
func (vxlanE2EOps) RemoveVirt(v *Virt) error           { return lbridgeRemoveVirt(v) }

// AddRemotePA floods broadcast traffic to the remote endpoint through a
// default FDB entry.
func (vxlanE2EOps) AddRemotePA(r *RemotePA) error {
	local := r.local
	return local.net.ctx.env.Conn.FdbAdd(
		local.tunnelIf.Index, nettypes.AllZeroesMAC, *r.remote.phys.attrIP)
}

// RemoveRemotePA tears the peer's FDB entry down.
func (vxlanE2EOps) RemoveRemotePA(r *RemotePA) error {
	local := r.local
	ctx := local.net.ctx
	if ctx.env.DisableDecommit {
		return nil
	}
	return ctx.env.Conn.FdbDel(
		local.tunnelIf.Index, nettypes.AllZeroesMAC, *r.remote.phys.attrIP)
}

func (vxlanE2EOps) ValidateNet(n *Network) { validateVnetID(n) }

func (vxlanE2EOps) ValidatePA(pa *PhysAttachment) { validatePAIP(pa) }

func (vxlanE2EOps) TunnelingOverhead(pa *PhysAttachment) uint {
	return vxlanOverhead(int(pa.phys.attrIP.V))
}

// ============================================================================
// Static VXLAN
// ============================================================================

// vxlanStaticOps implements statically-switched VXLAN: one shared
// metadata-mode tunnel per settings (reference-counted across networks) and
// a static bridge per PA. Routes carry set-tunnel-key metadata per remote
// endpoint and destination MACs are programmed explicitly.
type vxlanStaticOps struct {
	baseOps
}

func (vxlanStaticOps) Kind() string { return "vxlan/static" }

// useStunnel makes sure the settings' shared metadata tunnel exists and
// takes a reference to it.
func (vxlanStaticOps) useStunnel(pa *PhysAttachment) error {
	s := pa.net.settings
	ctx := s.ctx
	st := &s.stunnel
	if st.refcount == 0 {
		tunnel, err := ctx.env.Conn.LinkVxlanCreate(ctx.MkName("iface"), nl.VxlanAttrs{
			Port:            s.port,
			CollectMetadata: true,
			IPVersion:       pa.phys.attrIP.V,
		})
		if err != nil {
			return err
		}
		st.tunnel = tunnel
		if err := stunnelFinish(ctx, st); err != nil {
			return err
		}
	}
	st.refcount++
	return nil
}

// CreatePA takes the shared tunnel and builds the PA's static bridge around
// it.
func (ops vxlanStaticOps) CreatePA(pa *PhysAttachment) error {
	if err := ops.useStunnel(pa); err != nil {
		return err
	}
	return stunnelCreatePA(pa)
}

// DestroyPA reverts CreatePA, releasing the shared tunnel.
func (vxlanStaticOps) DestroyPA(pa *PhysAttachment) error {
	return stunnelDestroyPA(pa)
}

func (vxlanStaticOps) AddVirt(v *Virt) error {
	return sbridgeAddVirt(v.committedTo.sbridge, v)
}

func (vxlanStaticOps) RemoveVirt(v *Virt) error {
	return sbridgeRemoveVirt(v)
}

// AddRemotePA inserts the route to the peer, tagging traffic with the
// network's VNI and the endpoint addresses.
func (vxlanStaticOps) AddRemotePA(r *RemotePA) error {
	r.sbridgeRoute.TunnelAction = tunnelMetadataAction(r)
	return r.local.sbridgeIf.AddRoute(&r.sbridgeRoute)
}

func (vxlanStaticOps) RemoveRemotePA(r *RemotePA) error {
	return r.sbridgeRoute.Remove()
}

// AddRemoteVirt programs the remote virt's MAC into the peer's route.
func (vxlanStaticOps) AddRemoteVirt(r *RemoteVirt) error {
	return r.pa.sbridgeRoute.AddMAC(&r.sbridgeMAC, *r.virt.attrMAC)
}

func (vxlanStaticOps) RemoveRemoteVirt(r *RemoteVirt) error {
	return r.sbridgeMAC.Remove()
}

func (vxlanStaticOps) ValidateNet(n *Network) { validateVnetID(n) }

func (vxlanStaticOps) ValidatePA(pa *PhysAttachment) { validatePAIP(pa) }

func (vxlanStaticOps) ValidateVirt(v *Virt) { validateVirtMAC(v) }

func (vxlanStaticOps) TunnelingOverhead(pa *PhysAttachment) uint {
	return vxlanOverhead(int(pa.phys.attrIP.V))
}

// ============================================================================
// Shared-tunnel plumbing, used by static VXLAN and GENEVE
// ============================================================================

// stunnelFinish brings a freshly created shared tunnel up and prepares its
// ingress ruleset and static-bridge wrapper.
func stunnelFinish(ctx *Context, st *stunnel) error {
	cleanupLink := func(prev error) error {
		if delErr := ctx.env.Conn.LinkDelete(st.tunnel.Index); delErr != nil {
			util.Inconsistent(&prev, delErr)
		}
		st.tunnel.Reset()
		return prev
	}
	if err := ctx.env.Conn.LinkSetUp(st.tunnel.Index); err != nil {
		return cleanupLink(err)
	}
	in, _, err := prepareRulesets(ctx, &st.tunnel, false)
	if err != nil {
		return cleanupLink(err)
	}
	st.rulesetIn = in

	physIf, err := bridge.NewPhysIf(&ctx.env, &st.tunnel, true, st.rulesetIn)
	if err != nil {
		return cleanupLink(err)
	}
	st.tunnelSbridge = physIf
	return nil
}

// releaseStunnel drops a reference to the shared tunnel, tearing it down at
// zero.
func releaseStunnel(s *Settings) error {
	st := &s.stunnel
	st.refcount--
	if st.refcount != 0 {
		return nil
	}
	ctx := s.ctx
	var err error
	util.Inconsistent(&err, st.tunnelSbridge.Free())
	if !ctx.env.DisableDecommit {
		util.Inconsistent(&err, ctx.env.Conn.LinkDelete(st.tunnel.Index))
	}
	st.rulesetIn = nil
	st.tunnelSbridge = nil
	st.tunnel.Reset()
	return err
}

// stunnelCreatePA builds the PA's static bridge and connects the shared
// tunnel to it, discriminated by the network's vnet id.
func stunnelCreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	s := pa.net.settings
	br, err := bridge.NewSBridge(&ctx.env, ctx.MkName("iface"))
	if err != nil {
		util.Inconsistent(&err, releaseStunnel(s))
		return err
	}
	pa.sbridge = br

	sbIf, err := sbridgeAddStunnel(br, s.stunnel.tunnelSbridge, pa.net)
	if err != nil {
		util.Inconsistent(&err, br.Free())
		util.Inconsistent(&err, releaseStunnel(s))
		pa.sbridge = nil
		return err
	}
	pa.sbridgeIf = sbIf
	return nil
}

// stunnelDestroyPA reverts stunnelCreatePA.
func stunnelDestroyPA(pa *PhysAttachment) error {
	var err error
	util.Inconsistent(&err, pa.sbridgeIf.Remove())
	util.Inconsistent(&err, pa.sbridge.Free())
	util.Inconsistent(&err, releaseStunnel(pa.net.settings))
	pa.sbridge = nil
	pa.sbridgeIf = nil
	return err
}

// tunnelMetadataAction generates the set-tunnel-key prelude carrying the
// network's VNI and the local/remote endpoint addresses.
func tunnelMetadataAction(r *RemotePA) rules.ActionDesc {
	return rules.ActionDesc{
		Name:  "tunnel metadata",
		Count: 1,
		Gen: func(acts *[]nl.Action) {
			*acts = append(*acts, nl.TunnelKeySet{
				VNI: r.local.net.vnetID,
				Src: *r.local.phys.attrIP,
				Dst: *r.remote.phys.attrIP,
			})
		},
	}
}
