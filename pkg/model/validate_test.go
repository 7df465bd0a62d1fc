package model_test

import (
	"errors"
	"testing"

	"github.com/overnet-network/overnet/pkg/model"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/util"
)

func mustValidate(t *testing.T, ctx *model.Context) []model.ProblemCode {
	t.Helper()
	var problems []model.ProblemCode
	err := ctx.Validate(collectProblems(&problems))
	if err != nil && !errors.Is(err, util.ErrValidate) {
		t.Fatalf("Validate = %v", err)
	}
	return problems
}

func TestValidate_NetDupID(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	model.NewNetwork(s, 7)
	model.NewNetwork(s, 7)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemNetDupID) {
		t.Errorf("problems = %v, want NET_DUPID", problems)
	}
}

func TestValidate_DupIDChecksNettype(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	vlan, _ := model.NewSettingsVlan(ctx)
	direct, _ := model.NewSettingsDirect(ctx)
	model.NewNetwork(vlan, 7)
	model.NewNetwork(direct, 7)

	problems := mustValidate(t, ctx)
	if hasProblem(problems, model.ProblemNetDupID) {
		t.Errorf("same id across different nettypes should be accepted, got %v", problems)
	}
}

func TestValidate_NetBadID(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVxlanStatic(ctx, 0)

	// 24-bit VNI boundary: 2^24-1 passes, 2^24 fails.
	model.NewNetwork(s, 1<<24-1)
	problems := mustValidate(t, ctx)
	if hasProblem(problems, model.ProblemNetBadID) {
		t.Errorf("vnet id 2^24-1 should be accepted, got %v", problems)
	}

	model.NewNetwork(s, 1<<24)
	problems = mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemNetBadID) {
		t.Errorf("problems = %v, want NET_BADID", problems)
	}
}

func TestValidate_PhysNoAttr(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.Attach(n)
	p.ClaimLocal()

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemPhysNoAttr) {
		t.Errorf("problems = %v, want PHYS_NOATTR for missing iface", problems)
	}
}

func TestValidate_PhysDupAttr(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	p1, _ := model.NewPhys(ctx)
	p2, _ := model.NewPhys(ctx)
	ip := nettypes.MustParseIP("172.16.0.1")
	p1.SetIP(ip)
	p2.SetIP(ip)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemPhysDupAttr) {
		t.Errorf("problems = %v, want PHYS_DUPATTR", problems)
	}
}

func TestValidate_PhysIncompatibleIPv(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVxlanE2E(ctx, 0)
	n, _ := model.NewNetwork(s, 1)
	p1, _ := model.NewPhys(ctx)
	p1.SetIP(nettypes.MustParseIP("172.16.0.1"))
	p1.SetIface("out")
	p1.Attach(n)
	p2, _ := model.NewPhys(ctx)
	p2.SetIP(nettypes.MustParseIP("fe80::2"))
	p2.SetIface("out")
	p2.Attach(n)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemPhysIncompatibleIPv) {
		t.Errorf("problems = %v, want PHYS_INCOMPATIBLE_IPV", problems)
	}
}

func TestValidate_VirtDupAttr(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	mac := nettypes.MAC{0xaa, 0, 0, 0, 0, 1}
	v1, _ := model.NewVirt(n)
	v1.SetMAC(mac)
	v2, _ := model.NewVirt(n)
	v2.SetMAC(mac)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemVirtDupAttr) {
		t.Errorf("problems = %v, want VIRT_DUPATTR", problems)
	}
}

func TestValidate_VirtNoIf(t *testing.T) {
	conn, ctx := newTestContext(t, "ctx")
	conn.AddExisting("out", 1500)
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.Attach(n)
	p.ClaimLocal()
	v, _ := model.NewVirt(n)
	v.Connect(p, "missing-tap")

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemVirtNoIf) {
		t.Errorf("problems = %v, want VIRT_NOIF", problems)
	}
}

func TestValidate_VirtNoAttrStatic(t *testing.T) {
	conn, ctx := newTestContext(t, "ctx")
	conn.AddExisting("tap0", 1500)
	s, _ := model.NewSettingsVxlanStatic(ctx, 0)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.SetIP(nettypes.MustParseIP("172.16.0.1"))
	p.Attach(n)
	p.ClaimLocal()
	v, _ := model.NewVirt(n)
	v.Connect(p, "tap0")
	// No MAC set: static switching cannot program the virt.

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemVirtNoAttr) {
		t.Errorf("problems = %v, want VIRT_NOATTR", problems)
	}
}

func TestValidate_VRIncompatibleMatch(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)
	v.SetMAC(nettypes.MAC{0xaa, 0, 0, 0, 0, 1})

	vr1, _ := model.NewVR(v, 5, model.DirIn)
	vr1.AddSrcIP(nettypes.MustParseIP("10.0.0.1"), model.VRActionDrop)
	vr2, _ := model.NewVR(v, 5, model.DirIn)
	vr2.AddDstIP(nettypes.MustParseIP("10.0.0.2"), model.VRActionDrop)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemVRIncompatibleMatch) {
		t.Errorf("problems = %v, want VR_INCOMPATIBLE_MATCH", problems)
	}
}

func TestValidate_VRDuplicateRule(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)
	v.SetMAC(nettypes.MAC{0xaa, 0, 0, 0, 0, 1})

	ip := nettypes.MustParseIP("10.0.0.1")
	vr1, _ := model.NewVR(v, 5, model.DirIn)
	vr1.AddSrcIP(ip, model.VRActionDrop)
	vr2, _ := model.NewVR(v, 5, model.DirIn)
	vr2.AddSrcIP(ip, model.VRActionDrop)

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemVRDuplicateRule) {
		t.Errorf("problems = %v, want VR_DUPLICATE_RULE", problems)
	}
}

func TestValidate_VRDistinctValuesSamePrio(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)
	v.SetMAC(nettypes.MAC{0xaa, 0, 0, 0, 0, 1})

	vr1, _ := model.NewVR(v, 5, model.DirIn)
	vr1.AddSrcIP(nettypes.MustParseIP("10.0.0.1"), model.VRActionDrop)
	vr2, _ := model.NewVR(v, 5, model.DirIn)
	vr2.AddSrcIP(nettypes.MustParseIP("10.0.0.2"), model.VRActionDrop)

	problems := mustValidate(t, ctx)
	if hasProblem(problems, model.ProblemVRDuplicateRule) ||
		hasProblem(problems, model.ProblemVRIncompatibleMatch) {
		t.Errorf("distinct values within one priority should be accepted, got %v", problems)
	}
}

func TestValidate_NetBadNettype(t *testing.T) {
	conn, ctx := newTestContext(t, "ctx")
	conn.AddExisting("out", 1500)

	static, _ := model.NewSettingsVxlanStatic(ctx, 4789)
	learning, _ := model.NewSettingsVxlanE2E(ctx, 4789)
	n1, _ := model.NewNetwork(static, 1)
	n2, _ := model.NewNetwork(learning, 2)

	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	p.SetIP(nettypes.MustParseIP("172.16.0.1"))
	p.Attach(n1)
	p.Attach(n2)
	p.ClaimLocal()

	problems := mustValidate(t, ctx)
	if !hasProblem(problems, model.ProblemNetBadNettype) {
		t.Errorf("problems = %v, want NET_BAD_NETTYPE", problems)
	}
}
