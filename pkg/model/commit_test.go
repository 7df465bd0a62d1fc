package model_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/overnet-network/overnet/pkg/model"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/nl/nltest"
	"github.com/overnet-network/overnet/pkg/util"
)

func mustCommit(t *testing.T, ctx *model.Context) {
	t.Helper()
	var problems []model.ProblemCode
	if err := ctx.Commit(collectProblems(&problems)); err != nil {
		t.Fatalf("Commit = %v (problems %v)", err, problems)
	}
}

// ============================================================================
// Three-phys, two-network VLAN scenario
// ============================================================================

// buildVlanFleet models three hosts a/b/c sharing an uplink device "out",
// two VLAN networks and five virts, with host a local.
func buildVlanFleet(t *testing.T, conn *nltest.Conn, ctx *model.Context) {
	t.Helper()
	conn.AddExisting("out", 1500)
	for _, tap := range []string{"tap1", "tap2", "tap3"} {
		conn.AddExisting(tap, 1500)
	}

	s, err := model.NewSettingsVlan(ctx)
	if err != nil {
		t.Fatalf("NewSettingsVlan: %v", err)
	}
	net1, _ := model.NewNetwork(s, 1)
	net1.SetName("net1")
	net2, _ := model.NewNetwork(s, 2)
	net2.SetName("net2")

	physes := map[string]*model.Phys{}
	for i, name := range []string{"a", "b", "c"} {
		p, _ := model.NewPhys(ctx)
		p.SetName(name)
		p.SetIface("out")
		p.SetIP(nettypes.MustParseIP("172.16.0." + string(rune('1'+i))))
		physes[name] = p
	}
	physes["a"].Attach(net1)
	physes["b"].Attach(net1)
	physes["c"].Attach(net1)
	physes["a"].Attach(net2)
	physes["b"].Attach(net2)

	connect := func(net *model.Network, phys, virtName, iface string) {
		v, err := model.NewVirt(net)
		if err != nil {
			t.Fatalf("NewVirt: %v", err)
		}
		v.SetName(virtName)
		if err := v.Connect(physes[phys], iface); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	connect(net1, "a", "v1", "tap1")
	connect(net1, "a", "v2", "tap2")
	connect(net1, "b", "v3", "remote-b1")
	connect(net1, "c", "v4", "remote-c1")
	connect(net2, "a", "v5", "tap3")
	connect(net2, "b", "v6", "remote-b2")

	physes["a"].ClaimLocal()
}

func TestCommit_VlanFleet(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	buildVlanFleet(t, conn, ctx)
	mustCommit(t, ctx)

	// One VLAN device per (local phys, net): ids 1 and 2 on top of "out".
	vlans := conn.LinksOfKind("vlan")
	if len(vlans) != 2 {
		t.Fatalf("vlan device count = %d, want 2", len(vlans))
	}
	ids := map[uint16]bool{}
	for _, l := range vlans {
		if l.Parent != "out" {
			t.Errorf("vlan parent = %q, want %q", l.Parent, "out")
		}
		ids[l.VlanID] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("vlan ids = %v, want {1, 2}", ids)
	}

	// Two bridges; net1's bridge carries the vlan device and taps 1+2,
	// net2's carries the other vlan device and tap 3.
	bridges := conn.LinksOfKind("bridge")
	if len(bridges) != 2 {
		t.Fatalf("bridge count = %d, want 2", len(bridges))
	}
	slaves := map[int]int{}
	for _, l := range conn.Links() {
		if l.Master != 0 {
			slaves[l.Master]++
		}
	}
	counts := []int{slaves[bridges[0].Index], slaves[bridges[1].Index]}
	if !(counts[0] == 3 && counts[1] == 2 || counts[0] == 2 && counts[1] == 3) {
		t.Errorf("bridge port counts = %v, want one with 3 and one with 2", counts)
	}

	// No vxlan tunnels.
	if n := len(conn.LinksOfKind("vxlan")); n != 0 {
		t.Errorf("vxlan devices = %d, want 0", n)
	}
}

func TestCommit_SecondCommitIsNoop(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	buildVlanFleet(t, conn, ctx)
	mustCommit(t, ctx)

	conn.ResetLog()
	mustCommit(t, ctx)
	if log := conn.Log(); len(log) != 0 {
		t.Errorf("second commit issued %d kernel writes: %v", len(log), log)
	}
}

func TestCommit_FreedVirtDecommits(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	buildVlanFleet(t, conn, ctx)
	mustCommit(t, ctx)

	// Free one local virt and commit: its bridge port is released.
	net1 := ctx.NetworkByName("net1")
	v := net1.VirtByName("v2")
	v.Free()
	mustCommit(t, ctx)

	tap := conn.LinkByName("tap2")
	if tap.Master != 0 {
		t.Error("tap2 should be unenslaved after its virt was freed")
	}
}

// ============================================================================
// Firewall rules scenario
// ============================================================================

func TestCommit_FirewallDropRules(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)
	conn.AddExisting("tap1", 1500)
	conn.AddExisting("tap2", 1500)

	s, _ := model.NewSettingsVxlanMcast(ctx, nettypes.MustParseIP("239.0.0.1"), 0)
	n, _ := model.NewNetwork(s, 100)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.SetIP(nettypes.MustParseIP("172.16.0.1"))
	p.Attach(n)
	p.ClaimLocal()

	v1, _ := model.NewVirt(n)
	v1.SetName("v1")
	v1.Connect(p, "tap1")
	v2, _ := model.NewVirt(n)
	v2.SetName("v2")
	v2.Connect(p, "tap2")

	inRule, _ := model.NewVR(v1, 0, model.DirIn)
	if err := inRule.AddSrcIP(nettypes.MustParseIP("192.168.99.2"), model.VRActionDrop); err != nil {
		t.Fatalf("AddSrcIP: %v", err)
	}
	outRule, _ := model.NewVR(v1, 0, model.DirOut)
	if err := outRule.AddDstIP(nettypes.MustParseIP("192.168.99.3"), model.VRActionDrop); err != nil {
		t.Fatalf("AddDstIP: %v", err)
	}

	mustCommit(t, ctx)

	tap1 := conn.LinkByName("tap1")

	// The "in" rule polices traffic toward the virt, which leaves this host
	// through the egress qdisc; the "out" rule sits on ingress.
	var egressDrop, ingressDrop *nl.Flower
	for _, f := range conn.FiltersOn(tap1.Index) {
		switch f.Parent {
		case nl.EgressRootHandle:
			if f.Keys.SrcIP != nil {
				egressDrop = f
			}
		case nl.IngressParent:
			if f.Keys.DstIP != nil {
				ingressDrop = f
			}
		}
	}

	if egressDrop == nil {
		t.Fatal("missing src-IP filter on the egress side")
	}
	if got := egressDrop.Keys.SrcIP.Value.String(); got != "192.168.99.2" {
		t.Errorf("src ip = %q, want %q", got, "192.168.99.2")
	}
	if gact, ok := egressDrop.Actions[0].(nl.Gact); !ok || gact.Verdict != nl.VerdictShot {
		t.Errorf("egress action = %v, want gact shot", egressDrop.Actions[0])
	}

	if ingressDrop == nil {
		t.Fatal("missing dst-IP filter on the ingress side")
	}
	if got := ingressDrop.Keys.DstIP.Value.String(); got != "192.168.99.3" {
		t.Errorf("dst ip = %q, want %q", got, "192.168.99.3")
	}
	if gact, ok := ingressDrop.Actions[0].(nl.Gact); !ok || gact.Verdict != nl.VerdictShot {
		t.Errorf("ingress action = %v, want gact shot", ingressDrop.Actions[0])
	}

	// No rules spill onto the other virt's interface.
	tap2 := conn.LinkByName("tap2")
	for _, f := range conn.FiltersOn(tap2.Index) {
		if f.Keys.SrcIP != nil || f.Keys.DstIP != nil {
			t.Errorf("unexpected IP filter on tap2: %v", f.Keys)
		}
	}
}

// ============================================================================
// Static VXLAN scenario
// ============================================================================

func TestCommit_StaticVxlanCrossHost(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("tap1", 1500)
	conn.AddExisting("tap2", 1500)

	s, _ := model.NewSettingsVxlanStatic(ctx, 4789)
	n, _ := model.NewNetwork(s, 100)

	macs := []nettypes.MAC{
		{0xaa, 0, 0, 0, 0, 1},
		{0xaa, 0, 0, 0, 0, 2},
	}
	ips := []string{"172.16.0.1", "172.16.0.2"}
	taps := []string{"tap1", "tap2"}
	for i := 0; i < 2; i++ {
		p, _ := model.NewPhys(ctx)
		p.SetIface("out")
		p.SetIP(nettypes.MustParseIP(ips[i]))
		p.Attach(n)
		p.ClaimLocal()
		v, _ := model.NewVirt(n)
		v.SetMAC(macs[i])
		v.Connect(p, taps[i])
	}

	mustCommit(t, ctx)

	// One shared metadata-mode VXLAN device.
	vxlans := conn.LinksOfKind("vxlan")
	if len(vxlans) != 1 {
		t.Fatalf("vxlan device count = %d, want 1", len(vxlans))
	}
	if !vxlans[0].Vxlan.CollectMetadata {
		t.Error("shared tunnel should be in metadata mode")
	}
	if vxlans[0].Vxlan.Port != 4789 {
		t.Errorf("tunnel port = %d, want 4789", vxlans[0].Vxlan.Port)
	}

	// One static bridge (dummy device) per PA.
	dummies := conn.LinksOfKind("dummy")
	if len(dummies) != 2 {
		t.Fatalf("dummy bridge count = %d, want 2", len(dummies))
	}

	// Each bridge carries a tunnel-metadata route and the remote virt's
	// DST_MAC match: tunnel_key set + mirred redirect to the tunnel.
	tunnelRoutes := 0
	macMatches := map[nettypes.MAC]int{}
	for _, f := range conn.Filters() {
		hasTunnelKey := false
		for _, a := range f.Actions {
			if _, ok := a.(nl.TunnelKeySet); ok {
				hasTunnelKey = true
			}
		}
		if !hasTunnelKey {
			continue
		}
		if f.Keys.DstMAC != nil && f.Keys.DstMAC.Mask == nettypes.SingleMACMask {
			macMatches[f.Keys.DstMAC.Value]++
			tunnelRoutes++
			var redirect *nl.MirredEgressRedirect
			for _, a := range f.Actions {
				if r, ok := a.(nl.MirredEgressRedirect); ok {
					redirect = &r
				}
			}
			if redirect == nil {
				t.Error("MAC route should redirect to the tunnel")
			} else if redirect.Ifindex != vxlans[0].Index {
				t.Errorf("redirect target = %d, want tunnel %d", redirect.Ifindex, vxlans[0].Index)
			}
		}
	}
	if tunnelRoutes != 2 {
		t.Errorf("DST_MAC tunnel routes = %d, want 2 (one per remote virt)", tunnelRoutes)
	}
	for i, mac := range macs {
		if macMatches[mac] != 1 {
			t.Errorf("virt %d: %d DST_MAC matches for %s, want exactly 1", i, macMatches[mac], mac)
		}
	}

	// The tunnel_key metadata carries the VNI and the endpoint addresses.
	for _, f := range conn.Filters() {
		for _, a := range f.Actions {
			if tk, ok := a.(nl.TunnelKeySet); ok {
				if tk.VNI != 100 {
					t.Errorf("tunnel key VNI = %d, want 100", tk.VNI)
				}
				if tk.Src == tk.Dst {
					t.Error("tunnel key src and dst must differ")
				}
			}
		}
	}
}

// ============================================================================
// VXLAN e2e scenario
// ============================================================================

func TestCommit_VxlanE2EFdbEntries(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)
	conn.AddExisting("tap1", 1500)

	s, _ := model.NewSettingsVxlanE2E(ctx, 0)
	n, _ := model.NewNetwork(s, 100)

	var local *model.Phys
	for i, ip := range []string{"172.16.0.1", "172.16.0.2", "172.16.0.3"} {
		p, _ := model.NewPhys(ctx)
		p.SetIface("out")
		p.SetIP(nettypes.MustParseIP(ip))
		p.Attach(n)
		if i == 0 {
			local = p
		}
	}
	local.ClaimLocal()
	v, _ := model.NewVirt(n)
	v.Connect(local, "tap1")

	mustCommit(t, ctx)

	vxlans := conn.LinksOfKind("vxlan")
	if len(vxlans) != 1 {
		t.Fatalf("vxlan count = %d, want 1", len(vxlans))
	}
	if !vxlans[0].Vxlan.Learning {
		t.Error("e2e tunnel should be learning")
	}

	// One all-zero-MAC flood entry per remote phys.
	entries := conn.FdbEntries(vxlans[0].Index)
	if len(entries) != 2 {
		t.Fatalf("fdb entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.MAC != nettypes.AllZeroesMAC {
			t.Errorf("fdb mac = %v, want all-zero", e.MAC)
		}
	}
}

// ============================================================================
// MTU
// ============================================================================

func TestGetRecommendedMTU(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("big", 65536)
	conn.AddExisting("tap1", 1500)

	s, _ := model.NewSettingsVxlanMcast(ctx, nettypes.MustParseIP("239.0.0.1"), 0)
	n, _ := model.NewNetwork(s, 100)
	p, _ := model.NewPhys(ctx)
	p.SetIface("big")
	p.Attach(n)
	v, _ := model.NewVirt(n)
	v.Connect(p, "tap1")

	mtu, err := v.GetRecommendedMTU()
	if err != nil {
		t.Fatalf("GetRecommendedMTU: %v", err)
	}
	// 65536 - 14 (eth) - 20 (ipv4) - 8 (udp) - 8 (vxlan)
	if mtu != 65486 {
		t.Errorf("mtu = %d, want 65486", mtu)
	}
}

// ============================================================================
// Error handling scenarios
// ============================================================================

func TestCommit_MidCommitFailureAndRetry(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)
	taps := []string{"tap1", "tap2", "tap3", "tap4", "tap5"}
	for _, tap := range taps {
		conn.AddExisting(tap, 1500)
	}

	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.Attach(n)
	p.ClaimLocal()

	virts := make([]*model.Virt, 5)
	for i, tap := range taps {
		v, _ := model.NewVirt(n)
		v.SetName(tap)
		v.Connect(p, tap)
		virts[i] = v
	}

	// Each add_virt starts with the egress qdisc; fail the second one.
	conn.InjectFailure("qdisc add prio", 2)

	var problems []model.ProblemCode
	err := ctx.Commit(collectProblems(&problems))
	if !errors.Is(err, util.ErrCommit) {
		t.Fatalf("Commit = %v, want ErrCommit", err)
	}
	if !hasProblem(problems, model.ProblemCommitNetlink) {
		t.Errorf("problems = %v, want COMMIT_NETLINK", problems)
	}

	// Virt 1 committed, virts 2..5 did not.
	if conn.LinkByName("tap1").Master == 0 {
		t.Error("virt 1 should be enslaved")
	}
	for _, tap := range taps[1:] {
		if conn.LinkByName(tap).Master != 0 {
			t.Errorf("%s should not be enslaved after the failure", tap)
		}
	}

	// Clearing the fault and retrying finishes the remaining virts.
	conn.ClearFailures()
	mustCommit(t, ctx)
	for _, tap := range taps {
		if conn.LinkByName(tap).Master == 0 {
			t.Errorf("%s should be enslaved after the retry", tap)
		}
	}
}

func TestCommit_DecommitFailureIsInconsistent(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)
	conn.AddExisting("tap1", 1500)

	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.Attach(n)
	p.ClaimLocal()
	v, _ := model.NewVirt(n)
	v.Connect(p, "tap1")

	mustCommit(t, ctx)

	// Deleting the virt releases its bridge port first; fail that.
	v.Free()
	conn.InjectFailure("link set master slave=tap1 master=none", 1)

	var problems []model.ProblemCode
	err := ctx.Commit(collectProblems(&problems))
	if !errors.Is(err, util.ErrInconsistent) {
		t.Fatalf("Commit = %v, want ErrInconsistent", err)
	}
	if !ctx.Inconsistent() {
		t.Error("context should be marked inconsistent")
	}
	if !hasProblem(problems, model.ProblemCommitNetlinkCleanup) {
		t.Errorf("problems = %v, want COMMIT_NETLINK_CLEANUP", problems)
	}

	// The only safe operation left: cleanup without touching the kernel.
	conn.ClearFailures()
	conn.ResetLog()
	ctx.DisableDecommit()
	ctx.Cleanup(func(p *model.Problem) {})
	if log := conn.Log(); len(log) != 0 {
		t.Errorf("cleanup with decommit disabled issued kernel writes: %v", log)
	}
}

// ============================================================================
// Startup hooks
// ============================================================================

func TestCommit_StartupHooks(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)

	s, _ := model.NewSettingsVlan(ctx)
	var fired []string
	s.RegisterUserHooks(&model.UserHooks{
		Startup: func(net *model.Network, phys *model.Phys) {
			fired = append(fired, phys.GetName()+"/"+net.GetName())
		},
	})

	n, _ := model.NewNetwork(s, 1)
	n.SetName("net1")
	local, _ := model.NewPhys(ctx)
	local.SetName("a")
	local.SetIface("out")
	local.Attach(n)
	local.ClaimLocal()
	remote, _ := model.NewPhys(ctx)
	remote.SetName("b")
	remote.SetIface("out")
	remote.Attach(n)

	mustCommit(t, ctx)

	if len(fired) != 1 || fired[0] != "a/net1" {
		t.Errorf("startup hooks fired = %v, want [a/net1]", fired)
	}
}

// ============================================================================
// Kernel request log shape
// ============================================================================

func TestCommit_RequestLogShape(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	buildVlanFleet(t, conn, ctx)
	mustCommit(t, ctx)

	// Link creations precede enslavements for each bridge.
	log := conn.Log()
	firstMaster := -1
	firstBridge := -1
	for i, line := range log {
		if strings.HasPrefix(line, "link set master") && firstMaster == -1 {
			firstMaster = i
		}
		if strings.HasPrefix(line, "link add bridge") && firstBridge == -1 {
			firstBridge = i
		}
	}
	if firstBridge == -1 || firstMaster == -1 || firstBridge > firstMaster {
		t.Errorf("bridge creation should precede enslavement: bridge=%d master=%d",
			firstBridge, firstMaster)
	}
}

// ============================================================================
// Individual rule lifecycle
// ============================================================================

func TestCommit_RuleRemovedWithoutTouchingVirt(t *testing.T) {
	conn, ctx := newTestContext(t, "on")
	conn.AddExisting("out", 1500)
	conn.AddExisting("tap1", 1500)

	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.Attach(n)
	p.ClaimLocal()
	v, _ := model.NewVirt(n)
	v.Connect(p, "tap1")

	vr, _ := model.NewVR(v, 3, model.DirOut)
	if err := vr.AddDstIP(nettypes.MustParseIP("10.0.0.9"), model.VRActionDrop); err != nil {
		t.Fatalf("AddDstIP: %v", err)
	}
	mustCommit(t, ctx)

	tap1 := conn.LinkByName("tap1")
	countIPFilters := func() int {
		count := 0
		for _, f := range conn.FiltersOn(tap1.Index) {
			if f.Keys.DstIP != nil {
				count++
			}
		}
		return count
	}
	if countIPFilters() != 1 {
		t.Fatalf("IP filters after commit = %d, want 1", countIPFilters())
	}

	// Deleting just the rule removes its filter but leaves the virt alone.
	vr.Free()
	mustCommit(t, ctx)
	if countIPFilters() != 0 {
		t.Errorf("IP filters after rule removal = %d, want 0", countIPFilters())
	}
	if conn.LinkByName("tap1").Master == 0 {
		t.Error("virt should stay enslaved when only a rule is removed")
	}
}
