package model

// Network is one virtual L2 network. Virts connect to it through the
// physical host connections (physes) attached to it. The network is defined
// by its settings (tunnel and switching method) and its vnet id (VLAN id,
// VNI, ...).
type Network struct {
	state    State
	ctx      *Context
	settings *Settings
	name     objName

	vnetID uint32

	virts     []*Virt
	attached  []*PhysAttachment
	virtNames *nameScope
}

// NewNetwork creates a virtual network with id vnetID, configured by
// settings. Multiple networks can share the same settings as long as they
// differ by vnet id.
func NewNetwork(s *Settings, vnetID uint32) (*Network, error) {
	ctx := s.ctx
	net := &Network{
		ctx:       ctx,
		state:     StateNew,
		settings:  s,
		vnetID:    vnetID,
		virtNames: newNameScope("virt"),
	}
	if err := net.name.set(ctx.netNames, ctx.MkName("net")); err != nil {
		return nil, ctx.retErr(err)
	}
	s.users = append(s.users, net)
	ctx.networks = append(ctx.networks, net)
	return net, nil
}

// SetName assigns a name unique among the context's networks.
func (n *Network) SetName(name string) error {
	return n.ctx.retErr(n.name.set(n.ctx.netNames, name))
}

// GetName returns the network's name.
func (n *Network) GetName() string {
	return n.name.str
}

// NetworkByName finds a network by name.
func (ctx *Context) NetworkByName(name string) *Network {
	for _, n := range ctx.networks {
		if n.name.str == name {
			return n
		}
	}
	return nil
}

// VnetID returns the network's tenant identifier.
func (n *Network) VnetID() uint32 {
	return n.vnetID
}

// Settings returns the settings bundle configuring the network.
func (n *Network) Settings() *Settings {
	return n.settings
}

// Context returns the owning context.
func (n *Network) Context() *Context {
	return n.ctx
}

// Virts returns the network's virts in insertion order.
func (n *Network) Virts() []*Virt {
	return snapshot(n.virts)
}

// Free deletes the network. All its virts are freed and all physes
// detached first.
func (n *Network) Free() {
	for _, v := range snapshot(n.virts) {
		v.Free()
	}
	for _, pa := range snapshot(n.attached) {
		pa.detach()
	}
	if n.state == StateNew {
		n.doFree()
	} else {
		n.state = StateDelete
	}
}

// doFree unregisters the network from its settings and context.
func (n *Network) doFree() {
	if len(n.attached) != 0 || len(n.virts) != 0 {
		panic("freeing network with attachments or virts")
	}
	n.ctx.networks = removeItem(n.ctx.networks, n)
	n.settings.users = removeItem(n.settings.users, n)
	n.name.free()
}
