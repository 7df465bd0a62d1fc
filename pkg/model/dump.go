package model

import (
	"encoding/json"

	"github.com/overnet-network/overnet/pkg/rules"
)

// Dump structures, serialised to JSON for the CLI's show output. Field
// names mirror the model's attribute names.

// SettingsDump describes one settings bundle.
type SettingsDump struct {
	SettingsName string `json:"settingsName"`
	SettingsType string `json:"settingsType"`
	SwitchType   string `json:"switchType"`
	Port         uint16 `json:"port,omitempty"`
	IP           string `json:"ip,omitempty"`
}

// PhysDump describes one phys.
type PhysDump struct {
	PhysName string   `json:"physName"`
	AttrIP   string   `json:"attrIp,omitempty"`
	Iface    string   `json:"iface,omitempty"`
	IsLocal  bool     `json:"isLocal"`
	Networks []string `json:"networks,omitempty"`
}

// VRMatchDump describes one match target of a rule.
type VRMatchDump struct {
	Target    string `json:"target"`
	Match     string `json:"match,omitempty"`
	MatchMask string `json:"matchMask,omitempty"`
}

// VRDump describes one virt rule.
type VRDump struct {
	Dir     string        `json:"dir"`
	Prio    uint16        `json:"prio"`
	Action  string        `json:"action"`
	Targets []VRMatchDump `json:"targets"`
}

// VirtDump describes one virt.
type VirtDump struct {
	VirtName string   `json:"virtName"`
	AttrMAC  string   `json:"attrMac,omitempty"`
	Phys     string   `json:"phys,omitempty"`
	Iface    string   `json:"iface,omitempty"`
	Rules    []VRDump `json:"rules,omitempty"`
}

// NetworkDump describes one network.
type NetworkDump struct {
	NetName  string     `json:"netName"`
	VnetID   uint32     `json:"vnetId"`
	Settings string     `json:"settings"`
	Physes   []string   `json:"physes,omitempty"`
	Virts    []VirtDump `json:"virts,omitempty"`
}

// ContextDump is the whole model as one document.
type ContextDump struct {
	Name     string         `json:"name"`
	Settings []SettingsDump `json:"settings"`
	Physes   []PhysDump     `json:"physes"`
	Networks []NetworkDump  `json:"networks"`
}

// Dump renders the context's object graph.
func Dump(ctx *Context) *ContextDump {
	dump := &ContextDump{Name: ctx.name}

	for _, s := range ctx.settings {
		sd := SettingsDump{
			SettingsName: s.name.str,
			SettingsType: s.ops.Kind(),
			SwitchType:   s.switchType.String(),
			Port:         s.port,
		}
		if !s.mcastIP.IsZero() {
			sd.IP = s.mcastIP.String()
		}
		dump.Settings = append(dump.Settings, sd)
	}

	for _, p := range ctx.physes {
		pd := PhysDump{
			PhysName: p.name.str,
			IsLocal:  p.isLocal,
		}
		if p.attrIP != nil {
			pd.AttrIP = p.attrIP.String()
		}
		if p.attrIface != nil {
			pd.Iface = *p.attrIface
		}
		for _, a := range p.attachedTo {
			if a.explicitlyAttached {
				pd.Networks = append(pd.Networks, a.net.name.str)
			}
		}
		dump.Physes = append(dump.Physes, pd)
	}

	for _, n := range ctx.networks {
		nd := NetworkDump{
			NetName:  n.name.str,
			VnetID:   n.vnetID,
			Settings: n.settings.name.str,
		}
		for _, a := range n.attached {
			if a.explicitlyAttached {
				nd.Physes = append(nd.Physes, a.phys.name.str)
			}
		}
		for _, v := range n.virts {
			nd.Virts = append(nd.Virts, dumpVirt(v))
		}
		dump.Networks = append(dump.Networks, nd)
	}
	return dump
}

// Marshal renders the dump with stable indentation.
func (d *ContextDump) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func dumpVirt(v *Virt) VirtDump {
	vd := VirtDump{VirtName: v.name.str}
	if v.attrMAC != nil {
		vd.AttrMAC = v.attrMAC.String()
	}
	if v.connectedThrough != nil {
		vd.Phys = v.connectedThrough.phys.name.str
		vd.Iface = v.connectedIf.Name
	}
	for _, dir := range []Direction{DirIn, DirOut} {
		prios := v.vrPrios(dir)
		for _, prio := range sortedPrios(prios) {
			for _, vr := range prios[prio].rules {
				vd.Rules = append(vd.Rules, dumpVR(vr, dir))
			}
		}
	}
	return vd
}

func dumpVR(vr *VR, dir Direction) VRDump {
	rd := VRDump{
		Dir:    dir.String(),
		Prio:   vr.prioNum,
		Action: vr.rule.Action.Name,
	}
	for i := 0; i < vr.pos; i++ {
		md := VRMatchDump{Target: vr.targets[i].String()}
		switch vr.targets[i] {
		case rules.MatchSrcMAC, rules.MatchDstMAC:
			md.Match = vr.rule.Matches[i].MAC().String()
			md.MatchMask = vr.masks[i].MAC().String()
		case rules.MatchSrcIPv4, rules.MatchDstIPv4:
			md.Match = vr.rule.Matches[i].IP(4).String()
			md.MatchMask = vr.masks[i].IP(4).String()
		case rules.MatchSrcIPv6, rules.MatchDstIPv6:
			md.Match = vr.rule.Matches[i].IP(6).String()
			md.MatchMask = vr.masks[i].IP(6).String()
		}
		rd.Targets = append(rd.Targets, md)
	}
	return rd
}
