package model

import (
	"github.com/overnet-network/overnet/pkg/util"
)

// vlanOps implements VLAN-tagged networks: a dedicated VLAN child interface
// per (phys, net) pair, bridged locally.
type vlanOps struct {
	baseOps
}

func (vlanOps) Kind() string { return "vlan" }

// CreatePA creates the VLAN interface tagged with the network's vnet id and
// bridges it.
func (vlanOps) CreatePA(pa *PhysAttachment) error {
	ctx := pa.net.ctx
	tunnelIf, err := ctx.env.Conn.LinkVlanCreate(
		ctx.MkName("iface"), *pa.phys.attrIface, uint16(pa.net.vnetID))
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

func (vlanOps) DestroyPA(pa *PhysAttachment) error { return lbridgeDestroyPA(pa) }
func (vlanOps) AddVirt(v *Virt) error              { return lbridgeAddVirt(v) }
func (vlanOps) RemoveVirt(v *Virt) error           { return lbridgeRemoveVirt(v) }

func (vlanOps) TunnelingOverhead(*PhysAttachment) uint { return vlanTagLen }
