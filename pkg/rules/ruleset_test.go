package rules_test

import (
	"errors"
	"testing"

	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/nl/nltest"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

func newTestRuleset(t *testing.T) (*nltest.Conn, *rules.Env, *rules.Ruleset) {
	t.Helper()
	conn := nltest.New()
	link := conn.AddExisting("eth0", 1500)
	env := &rules.Env{Conn: conn}
	iface := &nl.If{Name: link.Name, Index: link.Index}
	rs := rules.NewRuleset(env, iface, nl.IngressParent, nl.DefaultChain, 1, 0xFFFE)
	return conn, env, rs
}

func dstMACSchema() rules.Schema {
	var schema rules.Schema
	schema.Targets[0] = rules.MatchDstMAC
	schema.Masks[0] = rules.MatchMAC(nettypes.SingleMACMask)
	return schema
}

func dropRule(mac string, subprio uint32) *rules.Rule {
	parsed, err := nettypes.ParseMAC(mac)
	if err != nil {
		panic(err)
	}
	return &rules.Rule{
		Matches: [rules.MaxMatches]rules.MatchData{rules.MatchMAC(parsed)},
		Subprio: subprio,
		Action:  rules.DropAction(),
	}
}

func TestDefinePrio_Duplicate(t *testing.T) {
	_, _, rs := newTestRuleset(t)
	if _, err := rs.DefinePrio(7, dstMACSchema()); err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}
	if _, err := rs.DefinePrio(7, dstMACSchema()); !errors.Is(err, util.ErrDuplicate) {
		t.Errorf("second DefinePrio = %v, want ErrDuplicate", err)
	}
}

func TestAdd_DistinctKeysGetDistinctFilters(t *testing.T) {
	conn, _, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	if err := prio.Add(dropRule("aa:00:00:00:00:01", 0)); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	if err := prio.Add(dropRule("aa:00:00:00:00:02", 0)); err != nil {
		t.Fatalf("Add second: %v", err)
	}

	filters := conn.Filters()
	if len(filters) != 2 {
		t.Fatalf("filter count = %d, want 2", len(filters))
	}
	for _, f := range filters {
		if len(f.Actions) != 1 {
			t.Errorf("actions = %d, want 1", len(f.Actions))
		}
		if f.Keys.DstMAC == nil {
			t.Error("filter should match DST_MAC")
		}
	}
}

func TestAdd_SharedKeyPacksOneFilter(t *testing.T) {
	conn, _, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	if err := prio.Add(dropRule("aa:00:00:00:00:01", 2)); err != nil {
		t.Fatalf("Add subprio 2: %v", err)
	}
	if err := prio.Add(dropRule("aa:00:00:00:00:01", 1)); err != nil {
		t.Fatalf("Add subprio 1: %v", err)
	}

	filters := conn.Filters()
	if len(filters) != 1 {
		t.Fatalf("filter count = %d, want 1", len(filters))
	}
	if len(filters[0].Actions) != 2 {
		t.Errorf("actions = %d, want 2 (both rules in one filter)", len(filters[0].Actions))
	}
}

func TestAdd_DuplicateSubprio(t *testing.T) {
	_, _, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	if err := prio.Add(dropRule("aa:00:00:00:00:01", 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err = prio.Add(dropRule("aa:00:00:00:00:01", 0))
	if !errors.Is(err, util.ErrDuplicate) {
		t.Errorf("duplicate add = %v, want ErrDuplicate", err)
	}
}

func TestAdd_MaskAppliedToKey(t *testing.T) {
	conn, _, rs := newTestRuleset(t)
	var schema rules.Schema
	schema.Targets[0] = rules.MatchDstMAC
	schema.Masks[0] = rules.MatchMAC(nettypes.MulticastMACMask)
	prio, err := rs.DefinePrio(1, schema)
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	// Two values equal under the mask merge into one filter.
	if err := prio.Add(dropRule("ff:ff:ff:ff:ff:ff", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := prio.Add(dropRule("01:00:5e:00:00:01", 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := len(conn.Filters()); n != 1 {
		t.Errorf("filter count = %d, want 1 (values merge under mask)", n)
	}
}

func TestRemove_UpdatesOrDeletes(t *testing.T) {
	conn, _, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	first := dropRule("aa:00:00:00:00:01", 1)
	second := dropRule("aa:00:00:00:00:01", 2)
	if err := prio.Add(first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := prio.Add(second); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := first.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	filters := conn.Filters()
	if len(filters) != 1 || len(filters[0].Actions) != 1 {
		t.Fatalf("after partial remove: %d filters, want 1 with 1 action", len(filters))
	}

	if err := second.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := len(conn.Filters()); n != 0 {
		t.Errorf("after full remove: %d filters, want 0", n)
	}
}

func TestRemove_DecommitDisabled(t *testing.T) {
	conn, env, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}
	rule := dropRule("aa:00:00:00:00:01", 0)
	if err := prio.Add(rule); err != nil {
		t.Fatalf("Add: %v", err)
	}

	env.DisableDecommit = true
	conn.ResetLog()
	if err := rule.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if log := conn.Log(); len(log) != 0 {
		t.Errorf("remove with decommit disabled issued kernel writes: %v", log)
	}
}

func TestAdd_KernelFailureRollsBack(t *testing.T) {
	conn, _, rs := newTestRuleset(t)
	prio, err := rs.DefinePrio(1, dstMACSchema())
	if err != nil {
		t.Fatalf("DefinePrio: %v", err)
	}

	conn.InjectFailure("filter add", 1)
	err = prio.Add(dropRule("aa:00:00:00:00:01", 0))
	if !errors.Is(err, util.ErrNetlink) {
		t.Fatalf("Add with injected failure = %v, want ErrNetlink", err)
	}
	conn.ClearFailures()

	// The slot must be reusable after the failure.
	if err := prio.Add(dropRule("aa:00:00:00:00:01", 0)); err != nil {
		t.Fatalf("Add after failure: %v", err)
	}
	if n := len(conn.Filters()); n != 1 {
		t.Errorf("filter count = %d, want 1", n)
	}
}
