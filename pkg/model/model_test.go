package model_test

import (
	"errors"
	"testing"

	"github.com/overnet-network/overnet/pkg/model"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl/nltest"
	"github.com/overnet-network/overnet/pkg/util"
)

// newTestContext creates a context wired to a fresh mock kernel.
func newTestContext(t *testing.T, name string) (*nltest.Conn, *model.Context) {
	t.Helper()
	conn := nltest.New()
	ctx := model.NewContext(name)
	ctx.SetConn(conn)
	return conn, ctx
}

// collectProblems returns a callback appending problem codes to dst.
func collectProblems(dst *[]model.ProblemCode) model.ProblemFn {
	return func(p *model.Problem) {
		*dst = append(*dst, p.Code)
	}
}

func hasProblem(problems []model.ProblemCode, code model.ProblemCode) bool {
	for _, c := range problems {
		if c == code {
			return true
		}
	}
	return false
}

// ============================================================================
// Naming
// ============================================================================

func TestGeneratedNames(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")

	p, err := model.NewPhys(ctx)
	if err != nil {
		t.Fatalf("NewPhys: %v", err)
	}
	if got := p.GetName(); got != "ctx-phys-1" {
		t.Errorf("generated name = %q, want %q", got, "ctx-phys-1")
	}

	s, err := model.NewSettingsDirect(ctx)
	if err != nil {
		t.Fatalf("NewSettingsDirect: %v", err)
	}
	if got := s.GetName(); got != "ctx-settings-2" {
		t.Errorf("generated name = %q, want %q", got, "ctx-settings-2")
	}

	n, err := model.NewNetwork(s, 1)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	if got := n.GetName(); got != "ctx-net-3" {
		t.Errorf("generated name = %q, want %q", got, "ctx-net-3")
	}
}

func TestDuplicateNames(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")

	p1, _ := model.NewPhys(ctx)
	p2, _ := model.NewPhys(ctx)
	if err := p1.SetName("a"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	if err := p2.SetName("a"); !errors.Is(err, util.ErrDuplicate) {
		t.Errorf("duplicate SetName = %v, want ErrDuplicate", err)
	}
	// Setting the same name again on the same object is fine.
	if err := p1.SetName("a"); err != nil {
		t.Errorf("re-SetName same value = %v, want nil", err)
	}
}

func TestByNameLookups(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")

	s, _ := model.NewSettingsVlan(ctx)
	s.SetName("vlan-settings")
	n, _ := model.NewNetwork(s, 10)
	n.SetName("tenant")
	p, _ := model.NewPhys(ctx)
	p.SetName("host1")
	v, _ := model.NewVirt(n)
	v.SetName("vm1")

	if ctx.SettingsByName("vlan-settings") != s {
		t.Error("SettingsByName failed")
	}
	if ctx.NetworkByName("tenant") != n {
		t.Error("NetworkByName failed")
	}
	if ctx.PhysByName("host1") != p {
		t.Error("PhysByName failed")
	}
	if n.VirtByName("vm1") != v {
		t.Error("VirtByName failed")
	}
	if ctx.NetworkByName("missing") != nil {
		t.Error("NetworkByName should return nil for unknown names")
	}
}

// ============================================================================
// Ownership
// ============================================================================

func TestSettingsFreeCascades(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")

	s, _ := model.NewSettingsVlan(ctx)
	n1, _ := model.NewNetwork(s, 1)
	n1.SetName("one")
	n2, _ := model.NewNetwork(s, 2)
	n2.SetName("two")

	s.Free()

	if ctx.NetworkByName("one") != nil || ctx.NetworkByName("two") != nil {
		t.Error("freeing settings should free its networks")
	}
	if len(ctx.Networks()) != 0 {
		t.Errorf("networks left = %d, want 0", len(ctx.Networks()))
	}
}

func TestAttachDetachRestoresModel(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")

	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)

	if err := p.Attach(n); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	p.Detach(n)

	// With no virts connected, the attachment is gone entirely; attaching
	// again starts from scratch.
	if err := p.Attach(n); err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
}

func TestVirtConnectImplicitAttachment(t *testing.T) {
	conn, ctx := newTestContext(t, "ctx")
	conn.AddExisting("tap0", 1500)

	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	p, _ := model.NewPhys(ctx)
	p.SetIface("out")
	v, _ := model.NewVirt(n)

	// Connecting without an explicit attach leaves a bookkeeping
	// attachment that validation rejects.
	if err := v.Connect(p, "tap0"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var problems []model.ProblemCode
	err := ctx.Validate(collectProblems(&problems))
	if !errors.Is(err, util.ErrValidate) {
		t.Fatalf("Validate = %v, want ErrValidate", err)
	}
	if !hasProblem(problems, model.ProblemPhysNotAttached) {
		t.Errorf("problems = %v, want PHYS_NOT_ATTACHED", problems)
	}

	// After an explicit attach the same model is clean.
	p.Attach(n)
	problems = nil
	if err := ctx.Validate(collectProblems(&problems)); err != nil {
		t.Errorf("Validate after attach = %v (problems %v), want nil", err, problems)
	}
}

// ============================================================================
// Virt rules API
// ============================================================================

func TestVRPriorityBounds(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)

	if _, err := model.NewVR(v, 0x7FFF, model.DirIn); err != nil {
		t.Errorf("NewVR(0x7FFF) = %v, want nil", err)
	}
	if _, err := model.NewVR(v, 0x8000, model.DirIn); err == nil {
		t.Error("NewVR(0x8000) should be rejected")
	}
}

func TestVRMatchLimit(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)

	vr, err := model.NewVR(v, 1, model.DirIn)
	if err != nil {
		t.Fatalf("NewVR: %v", err)
	}
	mac, _ := nettypes.ParseMAC("aa:00:00:00:00:01")
	ip := nettypes.MustParseIP("10.0.0.1")
	ip6 := nettypes.MustParseIP("fe80::1")

	steps := []error{
		vr.AddSrcMAC(mac, model.VRActionDrop),
		vr.AddDstMAC(mac, model.VRActionDrop),
		vr.AddSrcIP(ip, model.VRActionDrop),
		vr.AddDstIP(ip6, model.VRActionDrop),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("match %d: %v", i, err)
		}
	}
	// The fifth match target is rejected.
	if err := vr.AddSrcIP(ip, model.VRActionDrop); err == nil {
		t.Error("fifth match target should be rejected")
	}
}

func TestVRIPMaskChecks(t *testing.T) {
	_, ctx := newTestContext(t, "ctx")
	s, _ := model.NewSettingsVlan(ctx)
	n, _ := model.NewNetwork(s, 1)
	v, _ := model.NewVirt(n)

	vr, _ := model.NewVR(v, 1, model.DirIn)

	// Version mismatch between mask and value.
	v6mask := nettypes.MustParseIP("ffff::")
	v4 := nettypes.MustParseIP("10.0.0.1")
	if err := vr.AddMaskedSrcIP(v6mask, v4, model.VRActionDrop); !errors.Is(err, util.ErrParse) {
		t.Errorf("version mismatch = %v, want ErrParse", err)
	}

	// Non-contiguous mask.
	badMask := nettypes.MustParseIP("255.0.255.0")
	if err := vr.AddMaskedSrcIP(badMask, v4, model.VRActionDrop); !errors.Is(err, util.ErrParse) {
		t.Errorf("non-contiguous mask = %v, want ErrParse", err)
	}

	// A proper prefix mask works.
	goodMask := nettypes.MustParseIP("255.255.0.0")
	if err := vr.AddMaskedSrcIP(goodMask, v4, model.VRActionDrop); err != nil {
		t.Errorf("valid mask = %v, want nil", err)
	}
}
