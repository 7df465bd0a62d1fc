package model

import (
	"github.com/overnet-network/overnet/pkg/nettypes"
)

// Phys represents one physical host of the fleet in the model. Physes
// participate in virtual networks through attachments; only the phys claimed
// local causes kernel state to be installed on this machine.
type Phys struct {
	state State
	ctx   *Context
	name  objName

	attachedTo []*PhysAttachment

	isLocal bool
	// committedAsLocal records whether the last commit actually realised
	// local kernel state for this phys.
	committedAsLocal bool

	attrIface *string
	attrIP    *nettypes.IP
}

// NewPhys creates a phys in the context.
func NewPhys(ctx *Context) (*Phys, error) {
	p := &Phys{ctx: ctx, state: StateNew}
	if err := p.name.set(ctx.physNames, ctx.MkName("phys")); err != nil {
		return nil, ctx.retErr(err)
	}
	ctx.physes = append(ctx.physes, p)
	return p, nil
}

// SetName assigns a name unique among the context's physes.
func (p *Phys) SetName(name string) error {
	return p.ctx.retErr(p.name.set(p.ctx.physNames, name))
}

// GetName returns the phys's name.
func (p *Phys) GetName() string {
	return p.name.str
}

// PhysByName finds a phys by name.
func (ctx *Context) PhysByName(name string) *Phys {
	for _, p := range ctx.physes {
		if p.name.str == name {
			return p
		}
	}
	return nil
}

// IsLocal reports whether this phys is claimed as the local machine.
func (p *Phys) IsLocal() bool {
	return p.isLocal
}

// Iface returns the phys's kernel interface name attribute, or nil.
func (p *Phys) Iface() *string {
	return p.attrIface
}

// IP returns the phys's IP attribute, or nil.
func (p *Phys) IP() *nettypes.IP {
	return p.attrIP
}

// Context returns the owning context.
func (p *Phys) Context() *Context {
	return p.ctx
}

// SetIface sets the kernel interface carrying this phys's traffic.
func (p *Phys) SetIface(iface string) error {
	if p.attrIface == nil || *p.attrIface != iface {
		renew(&p.state)
	}
	p.attrIface = &iface
	return nil
}

// ClearIface removes the interface attribute.
func (p *Phys) ClearIface() error {
	p.attrIface = nil
	return nil
}

// SetIP sets the phys's tunnel endpoint address.
func (p *Phys) SetIP(ip nettypes.IP) error {
	if p.attrIP == nil || *p.attrIP != ip {
		renew(&p.state)
	}
	ipCopy := ip
	p.attrIP = &ipCopy
	return nil
}

// ClearIP removes the IP attribute.
func (p *Phys) ClearIP() error {
	p.attrIP = nil
	return nil
}

// ClaimLocal configures this phys to be the local machine. Only rules
// related to virts on local physes enter the kernel tables.
func (p *Phys) ClaimLocal() error {
	if !p.isLocal {
		renew(&p.state)
		p.isLocal = true
	}
	return nil
}

// UnclaimLocal reverts ClaimLocal.
func (p *Phys) UnclaimLocal() error {
	if p.isLocal {
		renew(&p.state)
		p.isLocal = false
	}
	return nil
}

// Attach marks the phys as a participant in net. This must precede
// connecting any virts to net through this phys. One phys can attach to
// multiple networks.
func (p *Phys) Attach(net *Network) error {
	a := findOrCreateAttachment(p, net)
	if !a.explicitlyAttached {
		renew(&p.state)
	}
	a.explicitlyAttached = true
	return nil
}

// Detach reverts Attach. The attachment disappears once no virts are
// connected through it either.
func (p *Phys) Detach(net *Network) {
	for _, a := range p.attachedTo {
		if a.net == net {
			a.detach()
			return
		}
	}
}

// Free deletes the phys, disconnecting all virts connected through it.
func (p *Phys) Free() {
	for _, a := range snapshot(p.attachedTo) {
		for _, v := range snapshot(a.connectedVirts) {
			v.Disconnect()
		}
		a.detach()
	}
	if p.state == StateNew {
		p.doFree()
	} else {
		p.state = StateDelete
	}
}

// doFree unregisters the phys from the context.
func (p *Phys) doFree() {
	p.ctx.physes = removeItem(p.ctx.physes, p)
	p.name.free()
}
