package model

import (
	"fmt"

	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// VRAction is the action a virt rule executes on match.
type VRAction struct {
	desc rules.ActionDesc
}

// VRActionDrop drops the matched packet. It is the only supported action.
var VRActionDrop = &VRAction{desc: rules.DropAction()}

// VR is one per-virt classifier rule: up to four match targets with values
// and masks, a priority within [0, 0x8000) and a direction. Rules sharing a
// (direction, priority) group must match against the same targets and masks.
type VR struct {
	state   State
	virt    *Virt
	dir     Direction
	prioNum uint16
	// committed records whether the rule currently backs a kernel filter.
	committed bool

	pos     int
	targets [rules.MaxMatches]rules.Target
	masks   [rules.MaxMatches]rules.MatchData
	rule    rules.Rule
}

// vrPrio groups a virt's rules of one (direction, priority).
type vrPrio struct {
	prioNum        uint16
	committedCount int
	committedPrio  *rules.Prio
	rules          []*VR
}

// NewVR creates an empty rule on virt with the given priority and direction.
func NewVR(virt *Virt, prio uint16, dir Direction) (*VR, error) {
	if prio >= rules.VRPrioMax {
		return nil, fmt.Errorf("%w: rule priority 0x%x out of range", util.ErrParse, prio)
	}
	prios := virt.vrPrios(dir)
	group, ok := prios[prio]
	if !ok {
		group = &vrPrio{prioNum: prio}
		prios[prio] = group
	}
	vr := &VR{
		state:   StateNew,
		virt:    virt,
		dir:     dir,
		prioNum: prio,
	}
	group.rules = append(group.rules, vr)
	return vr, nil
}

// vrPrios selects the priority table for a direction.
func (v *Virt) vrPrios(dir Direction) map[uint16]*vrPrio {
	if dir == DirIn {
		return v.vrPriosIn
	}
	return v.vrPriosOut
}

// Direction returns the rule's direction.
func (vr *VR) Direction() Direction {
	return vr.dir
}

// Prio returns the rule's priority.
func (vr *VR) Prio() uint16 {
	return vr.prioNum
}

// Free deletes the rule; committed rules are removed at the next commit.
func (vr *VR) Free() {
	if vr.state == StateNew {
		vr.doFree()
	} else {
		vr.state = StateDelete
	}
}

// doFree unlinks the rule from its priority group.
func (vr *VR) doFree() {
	group := vr.virt.vrPrios(vr.dir)[vr.prioNum]
	if group == nil {
		return
	}
	group.rules = removeItem(group.rules, vr)
	if len(group.rules) == 0 && group.committedCount == 0 {
		delete(vr.virt.vrPrios(vr.dir), vr.prioNum)
	}
}

// FreeAllRules deletes all rules of the virt.
func (v *Virt) FreeAllRules() {
	for _, prios := range []map[uint16]*vrPrio{v.vrPriosIn, v.vrPriosOut} {
		for _, group := range prios {
			for _, vr := range snapshot(group.rules) {
				vr.Free()
			}
		}
	}
}

// doFreeAllRules drops all rules regardless of state.
func (v *Virt) doFreeAllRules() {
	for _, prios := range []map[uint16]*vrPrio{v.vrPriosIn, v.vrPriosOut} {
		for _, group := range prios {
			for _, vr := range snapshot(group.rules) {
				vr.doFree()
			}
		}
	}
}

// ============================================================================
// Match appenders
// ============================================================================

// addMatch appends one match target. At most rules.MaxMatches targets per
// rule; further targets are rejected.
func (vr *VR) addMatch(target rules.Target, mask, value rules.MatchData, action *VRAction) error {
	if vr.pos >= rules.MaxMatches {
		return fmt.Errorf("%w: at most %d match targets per rule", util.ErrParse, rules.MaxMatches)
	}
	vr.targets[vr.pos] = target
	vr.masks[vr.pos] = mask
	vr.rule.Matches[vr.pos] = value
	vr.rule.Action = action.desc
	vr.pos++
	return nil
}

// AddMaskedSrcMAC matches the source MAC under the given mask.
func (vr *VR) AddMaskedSrcMAC(mask, value nettypes.MAC, action *VRAction) error {
	return vr.addMatch(rules.MatchSrcMAC, rules.MatchMAC(mask), rules.MatchMAC(value), action)
}

// AddSrcMAC matches the exact source MAC.
func (vr *VR) AddSrcMAC(value nettypes.MAC, action *VRAction) error {
	return vr.AddMaskedSrcMAC(nettypes.SingleMACMask, value, action)
}

// AddMaskedDstMAC matches the destination MAC under the given mask.
func (vr *VR) AddMaskedDstMAC(mask, value nettypes.MAC, action *VRAction) error {
	return vr.addMatch(rules.MatchDstMAC, rules.MatchMAC(mask), rules.MatchMAC(value), action)
}

// AddDstMAC matches the exact destination MAC.
func (vr *VR) AddDstMAC(value nettypes.MAC, action *VRAction) error {
	return vr.AddMaskedDstMAC(nettypes.SingleMACMask, value, action)
}

// checkIPMask enforces that mask and value agree on IP version and that the
// mask is a contiguous prefix.
func checkIPMask(mask, value nettypes.IP) error {
	if !mask.SameVersion(value) {
		return fmt.Errorf("%w: IP mask version does not match value", util.ErrParse)
	}
	if !mask.MaskValid() {
		return fmt.Errorf("%w: IP mask is not a prefix mask", util.ErrParse)
	}
	return nil
}

// ipTarget selects the match target for an IP version and direction side.
func ipTarget(v nettypes.IPv, src bool) rules.Target {
	switch {
	case v == nettypes.IPv4 && src:
		return rules.MatchSrcIPv4
	case v == nettypes.IPv4:
		return rules.MatchDstIPv4
	case src:
		return rules.MatchSrcIPv6
	default:
		return rules.MatchDstIPv6
	}
}

// AddMaskedSrcIP matches the source IP under the given prefix mask.
func (vr *VR) AddMaskedSrcIP(mask, value nettypes.IP, action *VRAction) error {
	if err := checkIPMask(mask, value); err != nil {
		return err
	}
	return vr.addMatch(ipTarget(value.V, true), rules.MatchIP(mask), rules.MatchIP(value), action)
}

// AddSrcIP matches the exact source IP.
func (vr *VR) AddSrcIP(value nettypes.IP, action *VRAction) error {
	return vr.AddMaskedSrcIP(singleIPMask(value.V), value, action)
}

// AddMaskedDstIP matches the destination IP under the given prefix mask.
func (vr *VR) AddMaskedDstIP(mask, value nettypes.IP, action *VRAction) error {
	if err := checkIPMask(mask, value); err != nil {
		return err
	}
	return vr.addMatch(ipTarget(value.V, false), rules.MatchIP(mask), rules.MatchIP(value), action)
}

// AddDstIP matches the exact destination IP.
func (vr *VR) AddDstIP(value nettypes.IP, action *VRAction) error {
	return vr.AddMaskedDstIP(singleIPMask(value.V), value, action)
}

func singleIPMask(v nettypes.IPv) nettypes.IP {
	if v == nettypes.IPv4 {
		return nettypes.SingleIPv4Mask
	}
	return nettypes.SingleIPv6Mask
}

// schema builds the rule's match layout for the rule compiler.
func (vr *VR) schema() rules.Schema {
	return rules.Schema{Targets: vr.targets, Masks: vr.masks}
}

// maskedKey returns the rule's key tuple masked with its own masks, for
// duplicate detection.
func (vr *VR) maskedKey() rules.Key {
	key := rules.Key(vr.rule.Matches)
	schema := vr.schema()
	schema.MaskKey(&key)
	return key
}

// ============================================================================
// Commit plumbing
// ============================================================================

// commitRules installs all NEW rules of one direction table.
func (v *Virt) commitRules(prios map[uint16]*vrPrio, dir Direction) error {
	for _, prio := range sortedPrios(prios) {
		group := prios[prio]
		for _, vr := range group.rules {
			if vr.state == StateNew {
				if err := v.commitVR(group, vr, dir); err != nil {
					return err
				}
			}
			ackState(&vr.state)
		}
	}
	return nil
}

// commitVR adds one rule to the virt's directional ruleset, defining the
// group's priority block on first use. The ingress attribute of the rule
// lands on the egress-side ruleset and vice versa.
func (v *Virt) commitVR(group *vrPrio, vr *VR, dir Direction) error {
	if group.committedCount == 0 {
		rs := v.rulesOut
		if dir == DirOut {
			rs = v.rulesIn
		}
		committed, err := rs.DefinePrio(group.prioNum, vr.schema())
		if err != nil {
			return err
		}
		group.committedPrio = committed
	}
	vr.rule.Subprio = rules.VRSubprio
	if err := group.committedPrio.Add(&vr.rule); err != nil {
		return err
	}
	vr.committed = true
	group.committedCount++
	return nil
}

// decommitRules removes committed rules of one direction table, freeing
// deleted rules and dropping the rest back to NEW. It runs only while the
// owning virt itself is decommitted, so every committed rule goes.
func (v *Virt) decommitRules(prios map[uint16]*vrPrio, dir Direction) error {
	var err error
	for _, prio := range sortedPrios(prios) {
		group := prios[prio]
		for _, vr := range snapshot(group.rules) {
			if vr.state == StateOK {
				vr.state = StateRenew
			}
			if ackDecommit(&vr.state) {
				if vr.committed {
					util.Inconsistent(&err, v.decommitVR(group, vr))
				}
				if vr.state == StateDelete {
					vr.doFree()
				}
			}
		}
	}
	return err
}

// decommitDeletedRules removes rules deleted individually while their virt
// stays committed.
func (v *Virt) decommitDeletedRules(ctx *Context) {
	for _, prios := range []map[uint16]*vrPrio{v.vrPriosIn, v.vrPriosOut} {
		for _, prio := range sortedPrios(prios) {
			group := prios[prio]
			for _, vr := range snapshot(group.rules) {
				if vr.state != StateDelete {
					continue
				}
				if vr.committed {
					markCommitErr(ctx, &v.state, virtRef(v), true, v.decommitVR(group, vr))
				}
				vr.doFree()
			}
		}
	}
}

// decommitVR removes one rule from the kernel, dropping the priority block
// once empty.
func (v *Virt) decommitVR(group *vrPrio, vr *VR) error {
	var err error
	util.Inconsistent(&err, vr.rule.Remove())
	vr.committed = false
	group.committedCount--
	if group.committedCount == 0 {
		util.Inconsistent(&err, group.committedPrio.Ruleset().RemovePrio(group.committedPrio))
		group.committedPrio = nil
	}
	return err
}

// sortedPrios returns the group priorities in ascending order, so the
// kernel request log is deterministic.
func sortedPrios(prios map[uint16]*vrPrio) []uint16 {
	out := make([]uint16, 0, len(prios))
	for prio := range prios {
		out = append(out, prio)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
