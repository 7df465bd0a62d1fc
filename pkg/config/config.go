// Package config loads a YAML topology description and populates a model
// context from it. It is a thin front-end: everything it does goes through
// the public model API, and validation or commit stay with the caller.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/overnet-network/overnet/pkg/model"
	"github.com/overnet-network/overnet/pkg/nettypes"
)

// File is the top-level topology document.
type File struct {
	Context  string         `yaml:"context"`
	Settings []SettingsSpec `yaml:"settings"`
	Networks []NetworkSpec  `yaml:"networks"`
	Physes   []PhysSpec     `yaml:"physes"`
	Virts    []VirtSpec     `yaml:"virts"`
	// LocalPhys names the phys claimed local on this host. Orchestrators
	// usually template this per machine.
	LocalPhys string `yaml:"local_phys"`
}

// SettingsSpec describes one settings bundle.
type SettingsSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Port    uint16 `yaml:"port"`
	McastIP string `yaml:"mcast_ip"`
}

// NetworkSpec describes one network and the physes attached to it.
type NetworkSpec struct {
	Name     string   `yaml:"name"`
	Settings string   `yaml:"settings"`
	VnetID   uint32   `yaml:"vnet_id"`
	Physes   []string `yaml:"physes"`
}

// PhysSpec describes one physical host.
type PhysSpec struct {
	Name  string `yaml:"name"`
	Iface string `yaml:"iface"`
	IP    string `yaml:"ip"`
}

// RateSpec describes one direction's bandwidth limit.
type RateSpec struct {
	Avg       float64 `yaml:"avg"`
	Burst     uint32  `yaml:"burst"`
	BurstRate float64 `yaml:"burst_rate"`
}

// RuleSpec describes one firewall rule of a virt. Exactly the match fields
// present in the entry participate; the only action is drop.
type RuleSpec struct {
	Direction string `yaml:"direction"`
	Priority  uint16 `yaml:"priority"`

	SrcMAC     string `yaml:"src_mac"`
	SrcMACMask string `yaml:"src_mac_mask"`
	DstMAC     string `yaml:"dst_mac"`
	DstMACMask string `yaml:"dst_mac_mask"`
	SrcIP      string `yaml:"src_ip"`
	SrcIPMask  string `yaml:"src_ip_mask"`
	DstIP      string `yaml:"dst_ip"`
	DstIPMask  string `yaml:"dst_ip_mask"`
}

// VirtSpec describes one virt.
type VirtSpec struct {
	Name    string     `yaml:"name"`
	Network string     `yaml:"network"`
	Phys    string     `yaml:"phys"`
	Iface   string     `yaml:"iface"`
	MAC     string     `yaml:"mac"`
	RateIn  *RateSpec  `yaml:"rate_in"`
	RateOut *RateSpec  `yaml:"rate_out"`
	Rules   []RuleSpec `yaml:"rules"`
}

// Load reads a topology file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &f, nil
}

// Build creates a context and populates it from the file.
func (f *File) Build() (*model.Context, error) {
	name := f.Context
	if name == "" {
		name = "overnet"
	}
	ctx := model.NewContext(name)
	if err := f.Apply(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Apply populates an existing context from the file.
func (f *File) Apply(ctx *model.Context) error {
	for _, spec := range f.Settings {
		if err := buildSettings(ctx, spec); err != nil {
			return err
		}
	}

	for _, spec := range f.Physes {
		p, err := model.NewPhys(ctx)
		if err != nil {
			return err
		}
		if err := p.SetName(spec.Name); err != nil {
			return err
		}
		if spec.Iface != "" {
			if err := p.SetIface(spec.Iface); err != nil {
				return err
			}
		}
		if spec.IP != "" {
			ip, err := nettypes.ParseIP(spec.IP)
			if err != nil {
				return err
			}
			if err := p.SetIP(ip); err != nil {
				return err
			}
		}
	}

	for _, spec := range f.Networks {
		s := ctx.SettingsByName(spec.Settings)
		if s == nil {
			return fmt.Errorf("network %s: settings '%s' not found", spec.Name, spec.Settings)
		}
		n, err := model.NewNetwork(s, spec.VnetID)
		if err != nil {
			return err
		}
		if err := n.SetName(spec.Name); err != nil {
			return err
		}
		for _, physName := range spec.Physes {
			p := ctx.PhysByName(physName)
			if p == nil {
				return fmt.Errorf("network %s: phys '%s' not found", spec.Name, physName)
			}
			if err := p.Attach(n); err != nil {
				return err
			}
		}
	}

	for _, spec := range f.Virts {
		if err := buildVirt(ctx, spec); err != nil {
			return err
		}
	}

	if f.LocalPhys != "" {
		p := ctx.PhysByName(f.LocalPhys)
		if p == nil {
			return fmt.Errorf("local phys '%s' not found", f.LocalPhys)
		}
		if err := p.ClaimLocal(); err != nil {
			return err
		}
	}
	return nil
}

func buildSettings(ctx *model.Context, spec SettingsSpec) error {
	var (
		s   *model.Settings
		err error
	)
	switch spec.Type {
	case "direct":
		s, err = model.NewSettingsDirect(ctx)
	case "vlan":
		s, err = model.NewSettingsVlan(ctx)
	case "vxlan/mcast":
		var mcast nettypes.IP
		if mcast, err = nettypes.ParseIP(spec.McastIP); err != nil {
			return fmt.Errorf("settings %s: %w", spec.Name, err)
		}
		s, err = model.NewSettingsVxlanMcast(ctx, mcast, spec.Port)
	case "vxlan/e2e":
		s, err = model.NewSettingsVxlanE2E(ctx, spec.Port)
	case "vxlan/static":
		s, err = model.NewSettingsVxlanStatic(ctx, spec.Port)
	case "geneve":
		s, err = model.NewSettingsGeneve(ctx, spec.Port)
	default:
		return fmt.Errorf("settings %s: unknown type '%s'", spec.Name, spec.Type)
	}
	if err != nil {
		return err
	}
	if spec.Name != "" {
		return s.SetName(spec.Name)
	}
	return nil
}

func buildVirt(ctx *model.Context, spec VirtSpec) error {
	n := ctx.NetworkByName(spec.Network)
	if n == nil {
		return fmt.Errorf("virt %s: network '%s' not found", spec.Name, spec.Network)
	}
	v, err := model.NewVirt(n)
	if err != nil {
		return err
	}
	if spec.Name != "" {
		if err := v.SetName(spec.Name); err != nil {
			return err
		}
	}
	if spec.Phys != "" {
		p := ctx.PhysByName(spec.Phys)
		if p == nil {
			return fmt.Errorf("virt %s: phys '%s' not found", spec.Name, spec.Phys)
		}
		if err := v.Connect(p, spec.Iface); err != nil {
			return err
		}
	}
	if spec.MAC != "" {
		mac, err := nettypes.ParseMAC(spec.MAC)
		if err != nil {
			return err
		}
		if err := v.SetMAC(mac); err != nil {
			return err
		}
	}
	// An omitted rate means no limit; an empty one clears any default.
	if err := applyRate(spec.RateIn, v.SetRateIn, v.ClearRateIn); err != nil {
		return err
	}
	if err := applyRate(spec.RateOut, v.SetRateOut, v.ClearRateOut); err != nil {
		return err
	}
	for _, ruleSpec := range spec.Rules {
		if err := buildRule(v, ruleSpec); err != nil {
			return fmt.Errorf("virt %s: %w", spec.Name, err)
		}
	}
	return nil
}

func applyRate(spec *RateSpec, set func(model.QosRate) error, clear func() error) error {
	if spec == nil {
		return nil
	}
	if spec.Avg == 0 && spec.Burst == 0 && spec.BurstRate == 0 {
		return clear()
	}
	return set(model.QosRate{AvgRate: spec.Avg, BurstSize: spec.Burst, BurstRate: spec.BurstRate})
}

func buildRule(v *model.Virt, spec RuleSpec) error {
	var dir model.Direction
	switch spec.Direction {
	case "in":
		dir = model.DirIn
	case "out":
		dir = model.DirOut
	default:
		return fmt.Errorf("rule: unknown direction '%s'", spec.Direction)
	}
	vr, err := model.NewVR(v, spec.Priority, dir)
	if err != nil {
		return err
	}

	if spec.SrcMAC != "" {
		if err := addMACMatch(vr.AddSrcMAC, vr.AddMaskedSrcMAC, spec.SrcMAC, spec.SrcMACMask); err != nil {
			return err
		}
	}
	if spec.DstMAC != "" {
		if err := addMACMatch(vr.AddDstMAC, vr.AddMaskedDstMAC, spec.DstMAC, spec.DstMACMask); err != nil {
			return err
		}
	}
	if spec.SrcIP != "" {
		if err := addIPMatch(vr.AddSrcIP, vr.AddMaskedSrcIP, spec.SrcIP, spec.SrcIPMask); err != nil {
			return err
		}
	}
	if spec.DstIP != "" {
		if err := addIPMatch(vr.AddDstIP, vr.AddMaskedDstIP, spec.DstIP, spec.DstIPMask); err != nil {
			return err
		}
	}
	return nil
}

func addMACMatch(
	add func(nettypes.MAC, *model.VRAction) error,
	addMasked func(nettypes.MAC, nettypes.MAC, *model.VRAction) error,
	value, mask string,
) error {
	mac, err := nettypes.ParseMAC(value)
	if err != nil {
		return err
	}
	if mask == "" {
		return add(mac, model.VRActionDrop)
	}
	macMask, err := nettypes.ParseMAC(mask)
	if err != nil {
		return err
	}
	return addMasked(macMask, mac, model.VRActionDrop)
}

func addIPMatch(
	add func(nettypes.IP, *model.VRAction) error,
	addMasked func(nettypes.IP, nettypes.IP, *model.VRAction) error,
	value, mask string,
) error {
	ip, err := nettypes.ParseIP(value)
	if err != nil {
		return err
	}
	if mask == "" {
		return add(ip, model.VRActionDrop)
	}
	ipMask, err := nettypes.ParseIP(mask)
	if err != nil {
		return err
	}
	return addMasked(ipMask, ip, model.VRActionDrop)
}
