package rules

import (
	"fmt"

	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/util"
)

// mainRuleHandle is the handle shared by all broadcast filters; they are
// distinguished by priority within their chain.
const mainRuleHandle = 1

// Broadcast mirrors packets to a set of destinations. Because the kernel
// limits a filter's action list to ActMax entries and the last slot is
// reserved for an unconditional continue, each filter carries at most
// ActMax-1 action slots; longer destination sets overflow into additional
// filters at increasing priorities within the same chain.
type Broadcast struct {
	env      *Env
	iface    *nl.If
	chain    uint32
	freePrio uint16
	filters  []*BroadcastFilter
}

// BroadcastFilter is one filter of the broadcast chain.
type BroadcastFilter struct {
	owner     *Broadcast
	prio      uint16
	freeSlots int
	installed bool
	actions   [ActMax - 1]*BroadcastAction
}

// BroadcastAction is one replication entry, placed into a filter position by
// Add and released by Remove.
type BroadcastAction struct {
	filter *BroadcastFilter
	index  int
	desc   ActionDesc
}

// NewBroadcast creates a broadcast replicator emitting into the given chain
// of iface's ingress.
func NewBroadcast(env *Env, iface *nl.If, chain uint32) *Broadcast {
	return &Broadcast{env: env, iface: iface, chain: chain, freePrio: 1}
}

// Chain returns the TC chain the replicator occupies.
func (br *Broadcast) Chain() uint32 {
	return br.chain
}

// findFree locates the first filter with enough free action slots and a free
// position, allocating a new filter at the next priority when none fits.
func (br *Broadcast) findFree(slots int) (*BroadcastFilter, int) {
	for _, f := range br.filters {
		if f.freeSlots < slots {
			continue
		}
		for i := range f.actions {
			if f.actions[i] == nil {
				return f, i
			}
		}
		panic("broadcast filter has free slots but no free position")
	}
	f := &BroadcastFilter{owner: br, prio: br.freePrio, freeSlots: ActMax - 1}
	br.freePrio++
	br.filters = append(br.filters, f)
	return f, 0
}

// Add places a replication action into the chain and re-emits the owning
// filter.
func (br *Broadcast) Add(action *BroadcastAction, desc ActionDesc) error {
	f, index := br.findFree(desc.Count)
	f.freeSlots -= desc.Count
	f.actions[index] = action
	action.desc = desc
	action.filter = f
	action.index = index
	return f.flush()
}

// Remove releases a replication action's slots and re-emits the owning
// filter, unless decommit is disabled.
func (br *Broadcast) Remove(action *BroadcastAction) error {
	f := action.filter
	f.freeSlots += action.desc.Count
	f.actions[action.index] = nil
	if br.env.DisableDecommit {
		return nil
	}
	return f.flush()
}

// Free deletes the chain's filters from the kernel.
func (br *Broadcast) Free() error {
	var err error
	for _, f := range br.filters {
		if !br.env.DisableDecommit && f.installed {
			util.Inconsistent(&err, br.env.Conn.FilterDelete(nl.FilterSel{
				Ifindex: br.iface.Index,
				Parent:  nl.IngressParent,
				Chain:   br.chain,
				Prio:    f.prio,
				Handle:  mainRuleHandle,
			}))
		}
	}
	br.filters = nil
	return err
}

// flush re-emits a broadcast filter with its full action list followed by
// the reserved continue action.
func (f *BroadcastFilter) flush() error {
	br := f.owner
	flower := &nl.Flower{
		FilterSel: nl.FilterSel{
			Ifindex: br.iface.Index,
			Parent:  nl.IngressParent,
			Chain:   br.chain,
			Prio:    f.prio,
			Handle:  mainRuleHandle,
		},
		Update: f.installed,
	}
	total := 1
	for _, action := range f.actions {
		if action == nil {
			continue
		}
		if total+action.desc.Count > ActMax {
			return fmt.Errorf("%w: broadcast action list overflow", util.ErrNoMem)
		}
		action.desc.Gen(&flower.Actions)
		total += action.desc.Count
	}
	flower.Actions = append(flower.Actions, nl.Gact{Verdict: nl.VerdictContinue})
	if err := br.env.Conn.FilterApply(flower); err != nil {
		return err
	}
	f.installed = true
	return nil
}
