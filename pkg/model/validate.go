package model

import (
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// Validate walks the configured model and checks for problems, invoking the
// callback for each one found. Returns nil if the model is clean, or
// ErrValidate.
func (ctx *Context) Validate(cb ProblemFn) error {
	ctx.problemFn = cb
	ctx.problemCount = 0
	ctx.inconsistent = false

	ctx.propagateStates()

	for _, net1 := range ctx.networks {
		if willDelete(net1.state) {
			continue
		}
		if shouldValidate(net1.state) {
			net1.settings.ops.ValidateNet(net1)
		}
		validateVirtsNet(net1)
		for _, net2 := range ctx.networks {
			if net1 != net2 && !willDelete(net2.state) {
				crossValidateNetworks(net1, net2)
			}
		}
	}

	for _, p := range ctx.physes {
		if willDelete(p.state) {
			continue
		}
		for _, a := range p.attachedTo {
			if !a.explicitlyAttached {
				reportUnattachedVirts(a)
				continue
			}
			if p.isLocal && p.attrIface == nil {
				ctx.report(ProblemPhysNoAttr,
					attrRef("iface"), physRef(p), netRef(a.net))
			}
			if shouldValidate(a.state) {
				a.net.settings.ops.ValidatePA(a)
			}
			validateVirtsPA(a)
		}
		for _, pOther := range ctx.physes {
			if p == pOther || willDelete(pOther.state) {
				continue
			}
			if p.attrIP != nil && pOther.attrIP != nil && *p.attrIP == *pOther.attrIP {
				ctx.report(ProblemPhysDupAttr,
					attrRef("ip"), physRef(p), physRef(pOther))
			}
		}
	}

	for _, n := range ctx.networks {
		for _, a := range n.attached {
			if a.phys.attrIP == nil || willDelete(a.phys.state) {
				continue
			}
			for _, aOther := range n.attached {
				if a == aOther {
					continue
				}
				if aOther.phys.attrIP == nil || willDelete(aOther.phys.state) {
					continue
				}
				if !a.phys.attrIP.SameVersion(*aOther.phys.attrIP) {
					ctx.report(ProblemPhysIncompatibleIPv,
						physRef(a.phys), physRef(aOther.phys), netRef(n))
				}
			}
		}
	}

	if ctx.problemCount != 0 {
		return util.ErrValidate
	}
	return nil
}

// propagateStates extends pending renewals downward before validation: a
// renewed phys or network renews its attachments, and a renewed attachment
// renews the virts connected through it.
func (ctx *Context) propagateStates() {
	for _, p := range ctx.physes {
		for _, pa := range p.attachedTo {
			propagate(&p.state, &pa.state)
		}
	}
	for _, n := range ctx.networks {
		for _, pa := range n.attached {
			propagate(&n.state, &pa.state)
		}
	}
	for _, n := range ctx.networks {
		for _, v := range n.virts {
			// Connected and committed attachment are interchangeable here:
			// if they differ the virt is renewed already.
			if v.connectedThrough != nil {
				propagate(&v.connectedThrough.state, &v.state)
			}
		}
	}
}

// reportUnattachedVirts reports every virt connected through an attachment
// the user never made explicitly.
func reportUnattachedVirts(a *PhysAttachment) {
	for _, v := range a.connectedVirts {
		if !shouldValidate(v.state) {
			continue
		}
		a.net.ctx.report(ProblemPhysNotAttached,
			virtRef(v), netRef(a.net), physRef(a.phys))
	}
}

// validateVirtsPA resolves local virts' interfaces and runs the network
// type's virt validation.
func validateVirtsPA(a *PhysAttachment) {
	for _, v := range a.connectedVirts {
		if !shouldValidate(v.state) {
			continue
		}
		if a.explicitlyAttached && a.phys.isLocal {
			if err := a.net.ctx.ensureSocket(); err != nil {
				a.net.ctx.report(ProblemNoNlsock)
			} else if err := v.connectedIf.Resolve(a.net.ctx.env.Conn); err != nil {
				a.net.ctx.report(ProblemVirtNoIf,
					ifRef(&v.connectedIf), virtRef(v))
			}
		}
		a.net.settings.ops.ValidateVirt(v)
	}
}

// validateVirtsNet checks MAC uniqueness within the network and the
// consistency of each virt's rule tables.
func validateVirtsNet(net *Network) {
	for _, v1 := range net.virts {
		if !shouldValidate(v1.state) {
			continue
		}
		validateRules(v1, v1.vrPriosIn)
		validateRules(v1, v1.vrPriosOut)
		if v1.attrMAC == nil {
			continue
		}
		for _, v2 := range net.virts {
			if v1 == v2 || !shouldValidate(v2.state) || v2.attrMAC == nil {
				continue
			}
			if *v1.attrMAC == *v2.attrMAC {
				net.ctx.report(ProblemVirtDupAttr,
					attrRef("mac"), virtRef(v1), virtRef(v2), netRef(net))
			}
		}
	}
}

// validateRules checks one direction table: within each priority all rules
// must share the match schema and have distinct masked keys.
func validateRules(v *Virt, prios map[uint16]*vrPrio) {
	ctx := v.network.ctx
	for _, prio := range sortedPrios(prios) {
		group := prios[prio]

		var first *VR
		incompatible := false
		for _, r := range group.rules {
			if first == nil {
				first = r
				continue
			}
			if first.targets != r.targets || first.masks != r.masks {
				ctx.report(ProblemVRIncompatibleMatch,
					vrRef(first), vrRef(r), virtRef(v))
				incompatible = true
				break
			}
		}
		if incompatible {
			continue
		}

		seen := make(map[rules.Key]*VR, len(group.rules))
		for _, r := range group.rules {
			key := r.maskedKey()
			if dup, ok := seen[key]; ok {
				ctx.report(ProblemVRDuplicateRule,
					vrRef(r), vrRef(dup), virtRef(v))
				break
			}
			seen[key] = r
		}
	}
}

// crossValidateNetworks rejects two networks sharing (nettype, vnet id) and
// mixed switching models sharing one UDP port on this host. The two checks
// are independent: the shared-tunnel port dedup does not excuse a duplicate
// id, nor the other way around.
func crossValidateNetworks(net1, net2 *Network) {
	s1 := net1.settings
	s2 := net2.settings

	if s1.netType == s2.netType && net1.vnetID == net2.vnetID {
		s1.ctx.report(ProblemNetDupID,
			netRef(net1), netRef(net2), netIDRef(net1.vnetID))
	}

	bothLocal := false
	for _, pa1 := range net1.attached {
		if !pa1.phys.isLocal {
			continue
		}
		for _, pa2 := range net2.attached {
			if pa2.phys.isLocal {
				bothLocal = true
			}
		}
	}
	if !bothLocal {
		return
	}
	if s1.netType == NetTypeVxlan && s2.netType == NetTypeVxlan &&
		s1.switchType == SwitchStaticE2E && s2.switchType != SwitchStaticE2E &&
		s1.port == s2.port {
		s1.ctx.report(ProblemNetBadNettype, netRef(net1), netRef(net2))
	}
}
