package model

import (
	"github.com/overnet-network/overnet/pkg/bridge"
	"github.com/overnet-network/overnet/pkg/nl"
)

// PhysAttachment is the participation of one phys in one network. Only a
// single attachment exists for a (phys, network) pair; it appears exactly
// once in both owners' lists.
type PhysAttachment struct {
	state State

	net  *Network
	phys *Phys

	// explicitlyAttached is true iff Phys.Attach created or blessed this
	// attachment. An attachment that exists only because a virt was
	// connected through it is bookkeeping; committing it is a validation
	// error.
	explicitlyAttached bool

	connectedVirts []*Virt

	// remotePAs are the views this local PA holds of the other PAs in the
	// network; paViews are the views other PAs hold of this one.
	remotePAs []*RemotePA
	paViews   []*RemotePA

	// Kind-specific committed state.
	tunnelIf  nl.If
	lbridge   *bridge.LBridge
	lbridgeIf *bridge.LBridgeIf
	sbridge   *bridge.SBridge
	sbridgeIf *bridge.SBridgeIf
}

// RemotePA is a local PA's view of another PA in the same network, used to
// install routing and replication toward that peer. Views exist pairwise
// between all committed PAs of a network and live only between the commit
// phases of their local PA.
type RemotePA struct {
	local  *PhysAttachment
	remote *PhysAttachment

	remoteVirts []*RemoteVirt

	sbridgeRoute bridge.Route
}

// RemoteVirt is a local PA's view of a virt residing on a remote PA.
type RemoteVirt struct {
	pa   *RemotePA
	virt *Virt

	sbridgeMAC bridge.MACEntry
}

// Local returns the local-side attachment of the view.
func (r *RemotePA) Local() *PhysAttachment {
	return r.local
}

// Remote returns the viewed attachment.
func (r *RemotePA) Remote() *PhysAttachment {
	return r.remote
}

// View returns the remote-PA view this remote virt belongs to.
func (r *RemoteVirt) View() *RemotePA {
	return r.pa
}

// Virt returns the viewed virt.
func (r *RemoteVirt) Virt() *Virt {
	return r.virt
}

// Net returns the network of the attachment.
func (a *PhysAttachment) Net() *Network {
	return a.net
}

// Phys returns the phys of the attachment.
func (a *PhysAttachment) Phys() *Phys {
	return a.phys
}

// Explicit reports whether the attachment was explicitly made.
func (a *PhysAttachment) Explicit() bool {
	return a.explicitlyAttached
}

// TunnelIf returns the attachment's tunnel interface handle.
func (a *PhysAttachment) TunnelIf() *nl.If {
	return &a.tunnelIf
}

// findOrCreateAttachment returns the attachment for (phys, net), creating a
// bookkeeping one if none exists.
func findOrCreateAttachment(phys *Phys, net *Network) *PhysAttachment {
	for _, a := range phys.attachedTo {
		if a.net == net {
			return a
		}
	}
	a := &PhysAttachment{
		phys:  phys,
		net:   net,
		state: StateNew,
	}
	net.attached = append(net.attached, a)
	phys.attachedTo = append(phys.attachedTo, a)
	return a
}

// detach drops the explicit attachment and frees the PA when possible.
func (a *PhysAttachment) detach() {
	a.explicitlyAttached = false
	a.freeIfPossible()
}

// freeIfPossible frees the attachment once it is neither explicitly attached
// nor carrying virts. If virts remain, validation catches a commit of a
// non-explicit attachment; otherwise we wait for the virts to go away.
func (a *PhysAttachment) freeIfPossible() {
	if len(a.connectedVirts) == 0 && !a.explicitlyAttached {
		if a.state == StateNew {
			a.doFree()
		} else {
			a.state = StateDelete
		}
	}
}

// doFree unlinks the attachment from both owners.
func (a *PhysAttachment) doFree() {
	if len(a.connectedVirts) != 0 || a.explicitlyAttached {
		panic("freeing attachment still in use")
	}
	a.net.attached = removeItem(a.net.attached, a)
	a.phys.attachedTo = removeItem(a.phys.attachedTo, a)
}
