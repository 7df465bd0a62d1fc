package bridge

import (
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// SBridge is a static bridge: a dummy device whose ingress ruleset routes
// packets between the attached interfaces by destination MAC, with per-route
// tunnel-metadata tagging and broadcast replication. Since the bridge is not
// learning, each attached interface supplies the MAC addresses reachable
// through it.
type SBridge struct {
	env      *rules.Env
	bridgeIf nl.If

	rulesetMain *rules.Ruleset
	// forward is the single DST_MAC priority of the forwarding table.
	forward *rules.Prio

	ifs []*SBridgeIf
}

// PhysIf wraps an external interface (a tunnel or a virt's device) for use
// by static bridges. One PhysIf can be shared by the sbridge-ifs of several
// bridges; each takes its own broadcast chain id from the allocator.
type PhysIf struct {
	Iface *nl.If

	chainIDs      *rules.IDAlloc
	rulesMatchMAC *rules.Prio
	rulesFallback *rules.Prio
}

// SBridgeIf is one interface connected to a static bridge, optionally
// discriminated by an additional match (the tunnel key id for shared
// tunnels). It owns the outgoing routes associated with the interface.
type SBridgeIf struct {
	physIf          *PhysIf
	additionalMatch rules.Target
	additionalData  rules.MatchData

	bridge    *SBridge
	broadcast *rules.Broadcast
	chainID   uint32
	routes    []*Route
	owned     *CList

	ruleMatchBr  rules.Rule
	ruleFallback rules.Rule
}

// Route is one outgoing path from the bridge. Packets leaving through a
// shared metadata tunnel need per-destination tunnel metadata, so one
// sbridge-if can carry multiple routes.
type Route struct {
	// TunnelAction generates the actions that set tunnel metadata for this
	// route. A zero Count means no metadata prelude.
	TunnelAction rules.ActionDesc

	iface *SBridgeIf
	macs  []*MACEntry
	dest  *CList
}

// MACEntry is one destination MAC reachable through a route.
type MACEntry struct {
	route *Route
	mac   nettypes.MAC
	dest  *CList
}

// NewSBridge creates the dummy bridge device named name, installs its
// ingress qdisc and prepares the DST_MAC forwarding table.
func NewSBridge(env *rules.Env, name string) (*SBridge, error) {
	bridgeIf, err := env.Conn.LinkDummyCreate(name)
	if err != nil {
		return nil, err
	}
	cleanupIf := func(prev error) error {
		if delErr := env.Conn.LinkDelete(bridgeIf.Index); delErr != nil {
			util.Inconsistent(&prev, delErr)
		}
		return prev
	}
	if err := env.Conn.QdiscIngressCreate(bridgeIf.Index); err != nil {
		return nil, cleanupIf(err)
	}
	if err := env.Conn.LinkSetUp(bridgeIf.Index); err != nil {
		return nil, cleanupIf(err)
	}

	br := &SBridge{env: env, bridgeIf: bridgeIf}
	br.rulesetMain = rules.NewRuleset(env, &br.bridgeIf, nl.IngressParent,
		nl.DefaultChain, nl.DefaultPrio, 1)
	var schema rules.Schema
	schema.Targets[0] = rules.MatchDstMAC
	schema.Masks[0] = rules.MatchMAC(nettypes.SingleMACMask)
	forward, err := br.rulesetMain.DefinePrio(0, schema)
	if err != nil {
		return nil, cleanupIf(err)
	}
	br.forward = forward
	return br, nil
}

// BridgeIf returns the dummy device handle.
func (br *SBridge) BridgeIf() *nl.If {
	return &br.bridgeIf
}

// Free tears down the bridge device. All interfaces must be removed first.
func (br *SBridge) Free() error {
	if len(br.ifs) != 0 {
		panic("freeing static bridge with interfaces attached")
	}
	var err error
	if !br.env.DisableDecommit {
		util.Inconsistent(&err, br.env.Conn.LinkDelete(br.bridgeIf.Index))
	}
	br.forward = nil
	br.rulesetMain = nil
	return err
}

// NewPhysIf prepares an external interface for static bridging: defines the
// broadcast-match and fallback priorities on its ingress ruleset and brings
// the interface up. With matchVNI, both priorities discriminate on the
// tunnel key id, so several networks can share the interface.
func NewPhysIf(env *rules.Env, iface *nl.If, matchVNI bool, rulesIn *rules.Ruleset) (*PhysIf, error) {
	p := &PhysIf{
		Iface:    iface,
		chainIDs: rules.NewIDAlloc(1, 0xFFFF),
	}

	var matchSchema rules.Schema
	matchSchema.Targets[0] = rules.MatchDstMAC
	matchSchema.Masks[0] = rules.MatchMAC(nettypes.MulticastMACMask)
	if matchVNI {
		matchSchema.Targets[1] = rules.MatchEncKeyID
	}
	match, err := rulesIn.DefinePrio(rules.IfPrioMatch, matchSchema)
	if err != nil {
		return nil, err
	}
	p.rulesMatchMAC = match

	var fallbackSchema rules.Schema
	if matchVNI {
		fallbackSchema.Targets[0] = rules.MatchEncKeyID
	}
	fallback, err := rulesIn.DefinePrio(rules.IfPrioFallback, fallbackSchema)
	if err != nil {
		var out error
		util.Inconsistent(&out, rulesIn.RemovePrio(match))
		if out != nil {
			return nil, out
		}
		return nil, err
	}
	p.rulesFallback = fallback

	if err := env.Conn.LinkSetUp(iface.Index); err != nil {
		var out error
		util.Inconsistent(&out, rulesIn.RemovePrio(match))
		util.Inconsistent(&out, rulesIn.RemovePrio(fallback))
		if out != nil {
			return nil, out
		}
		return nil, err
	}
	return p, nil
}

// Free releases the phys-if bookkeeping.
func (p *PhysIf) Free() error {
	p.chainIDs = nil
	return nil
}

// AddIf connects an interface to the bridge. The classification rules are
// installed on the phys-if's ingress: broadcast traffic jumps to the
// interface's broadcast chain, everything else is redirected into the bridge
// device. Existing routes of the other interfaces are pulled into the new
// interface's broadcast chain.
func (br *SBridge) AddIf(physIf *PhysIf, additionalMatch rules.Target, additionalData rules.MatchData) (*SBridgeIf, error) {
	iface := &SBridgeIf{
		physIf:          physIf,
		additionalMatch: additionalMatch,
		additionalData:  additionalData,
		bridge:          br,
		owned:           NewCList(clOwner),
	}

	chainID, ok := physIf.chainIDs.Get()
	if !ok {
		return nil, util.ErrNoMem
	}
	iface.chainID = chainID
	iface.broadcast = rules.NewBroadcast(br.env, physIf.Iface, chainID)

	// The phys-if priorities must carry the discriminator layout this
	// interface expects.
	if physIf.rulesMatchMAC.Schema().Targets[1] != additionalMatch ||
		physIf.rulesFallback.Schema().Targets[0] != additionalMatch {
		panic("phys-if ruleset schema does not match interface discriminator")
	}

	// Sub-priorities are offset by the chain id so that several sbridge-ifs
	// sharing one phys-if (and thus one flower filter) stay distinct.
	matchBr := &iface.ruleMatchBr
	matchBr.Subprio = rules.SbridgeIfSubprio + chainID
	matchBr.Matches[0] = rules.MatchMAC(nettypes.BroadcastMAC)
	matchBr.Matches[1] = additionalData
	matchBr.Action = rules.ActionDesc{
		Name:  "goto broadcast chain",
		Count: 1,
		Gen: func(acts *[]nl.Action) {
			*acts = append(*acts, nl.GotoChain{Chain: iface.broadcast.Chain()})
		},
	}
	if err := physIf.rulesMatchMAC.Add(matchBr); err != nil {
		physIf.chainIDs.Return(chainID)
		return nil, err
	}

	fallback := &iface.ruleFallback
	fallback.Subprio = rules.SbridgeIfSubprio + chainID
	fallback.Matches[0] = additionalData
	fallback.Action = rules.ActionDesc{
		Name:  "redirect to bridge",
		Count: 1,
		Gen: func(acts *[]nl.Action) {
			*acts = append(*acts, nl.MirredIngressRedirect{Ifindex: br.bridgeIf.Index})
		},
	}
	if err := physIf.rulesFallback.Add(fallback); err != nil {
		var out error
		util.Inconsistent(&out, matchBr.Remove())
		physIf.chainIDs.Return(chainID)
		if out != nil {
			return nil, out
		}
		return nil, err
	}

	// Pull broadcast rules for routes already present on the bridge.
	for _, other := range br.ifs {
		for _, route := range other.routes {
			if err := ifBrMake(iface, route); err != nil {
				var out error
				util.Inconsistent(&out, matchBr.Remove())
				util.Inconsistent(&out, fallback.Remove())
				util.Inconsistent(&out, iface.owned.Flush())
				physIf.chainIDs.Return(chainID)
				if out != nil {
					return nil, out
				}
				return nil, err
			}
		}
	}

	br.ifs = append(br.ifs, iface)
	return iface, nil
}

// Remove disconnects an interface from the bridge. All its routes must be
// removed first.
func (iface *SBridgeIf) Remove() error {
	if len(iface.routes) != 0 {
		panic("removing sbridge interface with routes attached")
	}
	var err error
	util.Inconsistent(&err, iface.owned.Flush())
	util.Inconsistent(&err, iface.ruleMatchBr.Remove())
	util.Inconsistent(&err, iface.ruleFallback.Remove())
	iface.physIf.chainIDs.Return(iface.chainID)
	util.Inconsistent(&err, iface.broadcast.Free())

	br := iface.bridge
	for i, cur := range br.ifs {
		if cur == iface {
			br.ifs = append(br.ifs[:i], br.ifs[i+1:]...)
			break
		}
	}
	return err
}

// AddRoute registers an outgoing route on an interface and pushes its
// replication action onto every other interface's broadcast chain.
func (iface *SBridgeIf) AddRoute(route *Route) error {
	route.iface = iface
	route.dest = NewCList(clDest)

	for _, other := range iface.bridge.ifs {
		if other == iface {
			continue
		}
		if err := ifBrMake(other, route); err != nil {
			var out error
			util.Inconsistent(&out, route.dest.Flush())
			if out != nil {
				return out
			}
			return err
		}
	}

	iface.routes = append(iface.routes, route)
	return nil
}

// AddRouteDefault registers a route with no tunnel metadata.
func (iface *SBridgeIf) AddRouteDefault(route *Route) error {
	route.TunnelAction = rules.ActionDesc{}
	return iface.AddRoute(route)
}

// Remove tears the route down, flushing every replication rule that
// terminates at it. All MAC entries, which own the forwarding rules, must be
// removed first.
func (route *Route) Remove() error {
	if len(route.macs) != 0 {
		panic("removing sbridge route with MAC entries attached")
	}
	err := route.dest.Flush()
	iface := route.iface
	for i, cur := range iface.routes {
		if cur == route {
			iface.routes = append(iface.routes[:i], iface.routes[i+1:]...)
			break
		}
	}
	return err
}

// AddMAC inserts the destination-MAC forwarding rule sending mac through the
// route.
func (route *Route) AddMAC(entry *MACEntry, mac nettypes.MAC) error {
	entry.route = route
	entry.mac = mac
	entry.dest = NewCList(clDest)

	if err := brForwardMake(entry); err != nil {
		return err
	}
	route.macs = append(route.macs, entry)
	return nil
}

// Remove drops the MAC entry and its forwarding rule.
func (entry *MACEntry) Remove() error {
	route := entry.route
	for i, cur := range route.macs {
		if cur == entry {
			route.macs = append(route.macs[:i], route.macs[i+1:]...)
			break
		}
	}
	return entry.dest.Flush()
}

// ============================================================================
// Downstream rule constructors
// ============================================================================

// ifBrAction is a replication action on an sbridge-if's broadcast chain,
// co-owned by the emitting interface and the target route.
type ifBrAction struct {
	route  *Route
	action rules.BroadcastAction
}

// ifBrMake adds the replication action mirroring from's broadcast traffic
// out through to's interface, with to's tunnel metadata prelude.
func ifBrMake(from *SBridgeIf, to *Route) error {
	bra := &ifBrAction{route: to}
	desc := rules.ActionDesc{
		Name:  "broadcast replicate",
		Count: to.TunnelAction.Count + 1,
		Gen: func(acts *[]nl.Action) {
			if to.TunnelAction.Gen != nil {
				to.TunnelAction.Gen(acts)
			}
			*acts = append(*acts, nl.MirredEgressMirror{Ifindex: to.iface.physIf.Iface.Index})
		},
	}
	if err := from.broadcast.Add(&bra.action, desc); err != nil {
		return err
	}

	entry := NewCEntry(func() error {
		return from.broadcast.Remove(&bra.action)
	})
	to.dest.Add(entry)
	from.owned.Add(entry)
	return nil
}

// brForwardRule is a forwarding rule on the bridge device, owned by its MAC
// entry.
type brForwardRule struct {
	mac  *MACEntry
	rule rules.Rule
}

// brForwardMake installs the DST_MAC rule that sets the route's tunnel
// metadata and redirects to the route's interface.
func brForwardMake(mac *MACEntry) error {
	br := mac.route.iface.bridge
	fwd := &brForwardRule{mac: mac}
	fwd.rule.Subprio = 0
	fwd.rule.Matches[0] = rules.MatchMAC(mac.mac)
	tunnel := mac.route.TunnelAction
	fwd.rule.Action = rules.ActionDesc{
		Name:  "forward",
		Count: tunnel.Count + 1,
		Gen: func(acts *[]nl.Action) {
			if tunnel.Gen != nil {
				tunnel.Gen(acts)
			}
			*acts = append(*acts, nl.MirredEgressRedirect{Ifindex: mac.route.iface.physIf.Iface.Index})
		},
	}
	if err := br.forward.Add(&fwd.rule); err != nil {
		return err
	}
	mac.dest.Add(NewCEntry(func() error {
		return fwd.rule.Remove()
	}))
	return nil
}
