package model

import (
	"github.com/overnet-network/overnet/pkg/util"
)

// directOps implements networks with no encapsulation: the phys's own
// interface is bridged directly.
type directOps struct {
	baseOps
}

func (directOps) Kind() string { return "direct" }

// CreatePA resolves the user-named interface and bridges it.
func (directOps) CreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	pa.tunnelIf.SetName(*pa.phys.attrIface)
	if err := pa.tunnelIf.Resolve(ctx.env.Conn); err != nil {
		return err
	}
	return lbridgeCreatePA(pa)
}

// DestroyPA removes the bridge. The phys interface itself is left alone
// apart from being unenslaved.
func (directOps) DestroyPA(pa *PhysAttachment) error {
	var err error
	util.Inconsistent(&err, pa.lbridgeIf.Remove())
	util.Inconsistent(&err, pa.lbridge.Free())
	pa.lbridge = nil
	pa.lbridgeIf = nil
	pa.tunnelIf.Reset()
	return err
}

func (directOps) AddVirt(v *Virt) error    { return lbridgeAddVirt(v) }
func (directOps) RemoveVirt(v *Virt) error { return lbridgeRemoveVirt(v) }
