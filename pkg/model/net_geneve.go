package model

// geneveOps implements statically-switched GENEVE networks. Same shape as
// static VXLAN: one shared metadata-mode device per settings plus a static
// bridge per PA, differing in the tunnel device kind and default UDP port.
type geneveOps struct {
	baseOps
}

func (geneveOps) Kind() string { return "geneve" }

// useStunnel makes sure the settings' shared GENEVE device exists and takes
// a reference to it.
func (geneveOps) useStunnel(pa *PhysAttachment) error {
	s := pa.net.settings
	ctx := s.ctx
	st := &s.stunnel
	if st.refcount == 0 {
		tunnel, err := ctx.env.Conn.LinkGeneveCreate(ctx.MkName("iface"), s.port)
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

// CreatePA takes the shared device and builds the PA's static bridge.
func (ops geneveOps) CreatePA(pa *PhysAttachment) error {
	if err := ops.useStunnel(pa); err != nil {
		return err
	}
	return stunnelCreatePA(pa)
}

// DestroyPA reverts CreatePA, releasing the shared device.
func (geneveOps) DestroyPA(pa *PhysAttachment) error {
	return stunnelDestroyPA(pa)
}

func (geneveOps) AddVirt(v *Virt) error {
	return sbridgeAddVirt(v.committedTo.sbridge, v)
}

func (geneveOps) RemoveVirt(v *Virt) error {
	return sbridgeRemoveVirt(v)
}

// AddRemotePA inserts the route to the peer with GENEVE tunnel metadata.
func (geneveOps) AddRemotePA(r *RemotePA) error {
	r.sbridgeRoute.TunnelAction = tunnelMetadataAction(r)
	return r.local.sbridgeIf.AddRoute(&r.sbridgeRoute)
}

func (geneveOps) RemoveRemotePA(r *RemotePA) error {
	return r.sbridgeRoute.Remove()
}

// AddRemoteVirt programs the remote virt's MAC into the peer's route.
func (geneveOps) AddRemoteVirt(r *RemoteVirt) error {
	return r.pa.sbridgeRoute.AddMAC(&r.sbridgeMAC, *r.virt.attrMAC)
}

func (geneveOps) RemoveRemoteVirt(r *RemoteVirt) error {
	return r.sbridgeMAC.Remove()
}

func (geneveOps) ValidateNet(n *Network) { validateVnetID(n) }

func (geneveOps) ValidatePA(pa *PhysAttachment) { validatePAIP(pa) }

func (geneveOps) ValidateVirt(v *Virt) { validateVirtMAC(v) }

// TunnelingOverhead accounts for the GENEVE base header over UDP.
func (geneveOps) TunnelingOverhead(pa *PhysAttachment) uint {
	if int(pa.phys.attrIP.V) == 4 {
		return ethernetFrameLen + ipv4HeaderLen + udpHeaderLen + geneveHeaderLen
	}
	return ethernetFrameLen + ipv6HeaderLen + udpHeaderLen + geneveHeaderLen
}
