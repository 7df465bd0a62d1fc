package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/overnet-network/overnet/pkg/model"
)

const topologyYAML = `
context: testnet
settings:
  - name: backbone
    type: vxlan/static
    port: 4789
  - name: flat
    type: vlan
networks:
  - name: tenant-a
    settings: backbone
    vnet_id: 100
    physes: [host1, host2]
  - name: mgmt
    settings: flat
    vnet_id: 10
    physes: [host1]
physes:
  - name: host1
    iface: eth0
    ip: 172.16.0.1
  - name: host2
    iface: eth0
    ip: 172.16.0.2
virts:
  - name: vm1
    network: tenant-a
    phys: host1
    iface: tap1
    mac: aa:bb:cc:00:00:01
    rate_in:
      avg: 1000000
      burst: 65536
    rules:
      - direction: in
        priority: 10
        src_ip: 192.168.99.2
local_phys: host1
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndBuild(t *testing.T) {
	f, err := Load(writeTopology(t, topologyYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, err := f.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if ctx.Name() != "testnet" {
		t.Errorf("context name = %q, want %q", ctx.Name(), "testnet")
	}

	s := ctx.SettingsByName("backbone")
	if s == nil {
		t.Fatal("settings 'backbone' not found")
	}
	if s.NetType() != model.NetTypeVxlan || s.SwitchType() != model.SwitchStaticE2E {
		t.Errorf("backbone = %v/%v, want vxlan/static-e2e", s.NetType(), s.SwitchType())
	}
	if s.Port() != 4789 {
		t.Errorf("port = %d, want 4789", s.Port())
	}

	n := ctx.NetworkByName("tenant-a")
	if n == nil {
		t.Fatal("network 'tenant-a' not found")
	}
	if n.VnetID() != 100 {
		t.Errorf("vnet id = %d, want 100", n.VnetID())
	}

	p := ctx.PhysByName("host1")
	if p == nil {
		t.Fatal("phys 'host1' not found")
	}
	if !p.IsLocal() {
		t.Error("host1 should be local")
	}
	if p.Iface() == nil || *p.Iface() != "eth0" {
		t.Error("host1 iface should be eth0")
	}

	v := n.VirtByName("vm1")
	if v == nil {
		t.Fatal("virt 'vm1' not found")
	}
	if v.MAC() == nil || v.MAC().String() != "aa:bb:cc:00:00:01" {
		t.Errorf("vm1 mac = %v, want aa:bb:cc:00:00:01", v.MAC())
	}
	if v.ConnectedThrough() == nil || v.ConnectedThrough().Phys() != p {
		t.Error("vm1 should be connected through host1")
	}
}

func TestBuild_UnknownReferences(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown settings", `
networks:
  - name: n1
    settings: nope
    vnet_id: 1
`},
		{"unknown settings type", `
settings:
  - name: s1
    type: mystery
`},
		{"unknown phys", `
settings:
  - name: s1
    type: vlan
networks:
  - name: n1
    settings: s1
    vnet_id: 1
    physes: [ghost]
`},
		{"unknown local phys", `
local_phys: ghost
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Load(writeTopology(t, tt.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if _, err := f.Build(); err == nil {
				t.Error("Build should fail")
			}
		})
	}
}

func TestBuild_EmptyRateClears(t *testing.T) {
	f, err := Load(writeTopology(t, `
settings:
  - name: s1
    type: vlan
networks:
  - name: n1
    settings: s1
    vnet_id: 1
virts:
  - name: vm1
    network: n1
    rate_in: {}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// An empty rate block means "clear", not "rate of zero".
	if _, err := f.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
}
