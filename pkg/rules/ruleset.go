package rules

import (
	"fmt"
	"sort"

	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/util"
)

// Ruleset holds the classifier rules of one interface within one chain of a
// parent qdisc. It reserves the priority window
// [prioStart, prioStart+prioCount) in that chain.
//
// Rules may share a priority only if they match against the same schema.
// Rules within one priority must have distinct masked keys, unless
// distinguished by sub-priority: equal keys pack into one flower filter as an
// ordered action list.
type Ruleset struct {
	env    *Env
	iface  *nl.If
	parent uint32
	chain  uint32

	prioStart uint16
	prioCount uint16

	prios map[uint16]*Prio
}

// Prio is one priority block of a ruleset, pinning a match schema.
type Prio struct {
	num     uint16
	parent  *Ruleset
	schema  Schema
	handles *IDAlloc
	flowers map[Key]*FlowerRule
}

// FlowerRule mirrors one TC flower filter instance in the kernel.
type FlowerRule struct {
	key    Key
	handle uint32
	// sources are the rules packed into this filter, ordered by sub-priority.
	sources []*Rule
}

// Rule is a single classifier rule. Fill in Matches, Subprio and Action
// before adding. The key is masked in place by Add.
type Rule struct {
	Matches [MaxMatches]MatchData
	Subprio uint32
	Action  ActionDesc

	prio *Prio
	fl   *FlowerRule
}

// NewRuleset creates a ruleset for iface bound to the given parent qdisc
// handle and chain, owning the priority window starting at prioStart.
func NewRuleset(env *Env, iface *nl.If, parent, chain uint32, prioStart, prioCount uint16) *Ruleset {
	return &Ruleset{
		env:       env,
		iface:     iface,
		parent:    parent,
		chain:     chain,
		prioStart: prioStart,
		prioCount: prioCount,
		prios:     make(map[uint16]*Prio),
	}
}

// Iface returns the interface the ruleset programs.
func (rs *Ruleset) Iface() *nl.If {
	return rs.iface
}

// DefinePrio creates a priority block with the given schema. Fails with
// ErrDuplicate if the priority is already defined.
func (rs *Ruleset) DefinePrio(num uint16, schema Schema) (*Prio, error) {
	if _, ok := rs.prios[num]; ok {
		return nil, util.NewDuplicateError("ruleset priority", fmt.Sprintf("0x%x", num))
	}
	p := &Prio{
		num:     num,
		parent:  rs,
		schema:  schema,
		handles: NewIDAlloc(1, 0xFFFF),
		flowers: make(map[Key]*FlowerRule),
	}
	rs.prios[num] = p
	return p, nil
}

// GetPrio returns an already-defined priority block, or nil.
func (rs *Ruleset) GetPrio(num uint16) *Prio {
	return rs.prios[num]
}

// RemovePrio drops an empty priority block.
func (rs *Ruleset) RemovePrio(p *Prio) error {
	if len(p.flowers) != 0 {
		return fmt.Errorf("%w: removing non-empty priority 0x%x", util.ErrInconsistent, p.num)
	}
	delete(rs.prios, p.num)
	return nil
}

// Free drops the ruleset. All priority blocks must be empty.
func (rs *Ruleset) Free() {
	for num, p := range rs.prios {
		if len(p.flowers) != 0 {
			panic(fmt.Sprintf("freeing ruleset with rules left at priority 0x%x", num))
		}
		delete(rs.prios, num)
	}
}

// Schema returns the priority block's match layout.
func (p *Prio) Schema() Schema {
	return p.schema
}

// Num returns the block's priority number.
func (p *Prio) Num() uint16 {
	return p.num
}

// Ruleset returns the block's owning ruleset.
func (p *Prio) Ruleset() *Ruleset {
	return p.parent
}

// Add inserts a rule into the priority block. The rule's key is masked with
// the block's schema, merged into a shared flower filter by key equality and
// ordered among its filter's sources by sub-priority. The filter is created
// or updated in the kernel before returning.
//
// Returns ErrDuplicate when a rule with the same key and sub-priority already
// exists, ErrNoMem when the handle range is exhausted, and a netlink error
// when the kernel rejects the filter.
func (p *Prio) Add(rule *Rule) error {
	rs := p.parent
	rule.prio = p
	key := Key(rule.Matches)
	p.schema.MaskKey(&key)
	rule.Matches = [MaxMatches]MatchData(key)
	util.Debugf(util.DebugRules, "ruleset_add(iface=%s, chain=%d, prio=0x%x)",
		rs.iface.Name, rs.chain, p.num)
	p.dumpRule(rule)

	fl, existed := p.flowers[key]
	if !existed {
		handle, ok := p.handles.Get()
		if !ok {
			return fmt.Errorf("%w: flower handles exhausted at priority 0x%x", util.ErrNoMem, p.num)
		}
		fl = &FlowerRule{key: key, handle: handle}
		p.flowers[key] = fl
	}

	// Insert sorted by sub-priority; equal sub-priorities collide.
	pos := sort.Search(len(fl.sources), func(i int) bool {
		return fl.sources[i].Subprio >= rule.Subprio
	})
	if pos < len(fl.sources) && fl.sources[pos].Subprio == rule.Subprio {
		if !existed {
			p.dropFlower(fl)
		}
		return util.NewDuplicateError("rule sub-priority", fmt.Sprintf("0x%x", rule.Subprio))
	}
	fl.sources = append(fl.sources, nil)
	copy(fl.sources[pos+1:], fl.sources[pos:])
	fl.sources[pos] = rule
	rule.fl = fl

	if err := p.flush(fl, existed); err != nil {
		fl.sources = append(fl.sources[:pos], fl.sources[pos+1:]...)
		rule.fl = nil
		if !existed {
			p.dropFlower(fl)
		}
		return err
	}
	return nil
}

// Remove unlinks a rule. If its filter still has sources it is re-emitted;
// otherwise the filter is deleted. A kernel failure after the rule was
// successfully added leaves the model inconsistent.
func (r *Rule) Remove() error {
	p := r.prio
	fl := r.fl
	rs := p.parent
	util.Debugf(util.DebugRules, "ruleset_remove(iface=%s, chain=%d, prio=0x%x, handle=0x%x)",
		rs.iface.Name, rs.chain, p.num, fl.handle)
	for i, src := range fl.sources {
		if src == r {
			fl.sources = append(fl.sources[:i], fl.sources[i+1:]...)
			break
		}
	}
	r.fl = nil

	if len(fl.sources) == 0 {
		return p.deleteFlower(fl)
	}
	if rs.env.DisableDecommit {
		return nil
	}
	if err := p.flush(fl, true); err != nil {
		return fmt.Errorf("%w: %v", util.ErrInconsistent, err)
	}
	return nil
}

// flush re-emits a flower filter to the kernel, as an update when the filter
// already exists there.
func (p *Prio) flush(fl *FlowerRule, update bool) error {
	rs := p.parent
	op := "fl_create"
	if update {
		op = "fl_update"
	}
	util.Debugf(util.DebugRules, "%s(handle=0x%x)", op, fl.handle)

	f := &nl.Flower{
		FilterSel: nl.FilterSel{
			Ifindex: rs.iface.Index,
			Parent:  rs.parent,
			Chain:   rs.chain,
			Prio:    p.num + rs.prioStart,
			Handle:  fl.handle,
		},
		Update: update,
		Keys:   p.schema.flowerKeys(fl.key),
	}
	total := 1
	for _, src := range fl.sources {
		if total+src.Action.Count > ActMax {
			panic("flower action list overflow")
		}
		src.Action.Gen(&f.Actions)
		total += src.Action.Count
	}
	return rs.env.Conn.FilterApply(f)
}

// deleteFlower removes a filter from the kernel (unless decommit is
// disabled) and releases its handle.
func (p *Prio) deleteFlower(fl *FlowerRule) error {
	rs := p.parent
	util.Debugf(util.DebugRules, "fl_delete(handle=0x%x)", fl.handle)
	if !rs.env.DisableDecommit {
		err := rs.env.Conn.FilterDelete(nl.FilterSel{
			Ifindex: rs.iface.Index,
			Parent:  rs.parent,
			Chain:   rs.chain,
			Prio:    p.num + rs.prioStart,
			Handle:  fl.handle,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", util.ErrInconsistent, err)
		}
	}
	p.dropFlower(fl)
	return nil
}

// dropFlower forgets a filter locally, without touching the kernel.
func (p *Prio) dropFlower(fl *FlowerRule) {
	p.handles.Return(fl.handle)
	delete(p.flowers, fl.key)
}

// flowerKeys translates a schema-shaped key into the kernel's typed key set.
func (s *Schema) flowerKeys(key Key) nl.FlowerKeys {
	var keys nl.FlowerKeys
	for i := 0; i < MaxMatches; i++ {
		switch s.Targets[i] {
		case MatchNone:
		case MatchSrcMAC:
			keys.SrcMAC = &nl.MACMatch{Value: key[i].MAC(), Mask: s.Masks[i].MAC()}
		case MatchDstMAC:
			keys.DstMAC = &nl.MACMatch{Value: key[i].MAC(), Mask: s.Masks[i].MAC()}
		case MatchSrcIPv4:
			keys.SrcIP = &nl.IPMatch{Value: key[i].IP(nettypes.IPv4), Mask: s.Masks[i].IP(nettypes.IPv4)}
		case MatchDstIPv4:
			keys.DstIP = &nl.IPMatch{Value: key[i].IP(nettypes.IPv4), Mask: s.Masks[i].IP(nettypes.IPv4)}
		case MatchSrcIPv6:
			keys.SrcIP = &nl.IPMatch{Value: key[i].IP(nettypes.IPv6), Mask: s.Masks[i].IP(nettypes.IPv6)}
		case MatchDstIPv6:
			keys.DstIP = &nl.IPMatch{Value: key[i].IP(nettypes.IPv6), Mask: s.Masks[i].IP(nettypes.IPv6)}
		case MatchEncKeyID:
			id := key[i].EncID()
			keys.EncKeyID = &id
		}
	}
	return keys
}

// dumpRule traces a rule's match values against the block's masks.
func (p *Prio) dumpRule(rule *Rule) {
	if !util.DebugEnabled(util.DebugRules) {
		return
	}
	for i := 0; i < MaxMatches; i++ {
		util.Debugf(util.DebugRules, " %3d: %x & %x",
			p.schema.Targets[i], rule.Matches[i], p.schema.Masks[i])
	}
}
