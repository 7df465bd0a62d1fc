package model

import (
	"github.com/overnet-network/overnet/pkg/bridge"
	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
)

// NetType is the encapsulation used by a network.
type NetType int

// Encapsulation kinds.
const (
	NetTypeDirect NetType = iota
	NetTypeVlan
	NetTypeVxlan
	NetTypeGeneve
)

func (t NetType) String() string {
	switch t {
	case NetTypeDirect:
		return "direct"
	case NetTypeVlan:
		return "vlan"
	case NetTypeVxlan:
		return "vxlan"
	case NetTypeGeneve:
		return "geneve"
	}
	return "unknown"
}

// SwitchType is the switching model of a network.
type SwitchType int

// Switching models.
const (
	// SwitchLearning is a learning switch with a single shared tunnel; the
	// network autoconfigures.
	SwitchLearning SwitchType = iota
	// SwitchLearningE2E is a learning switch with a tunnel per endpoint;
	// requires the IP address of each physical node.
	SwitchLearningE2E
	// SwitchStaticE2E switches statically with a tunnel per endpoint;
	// requires connection information plus the MAC of every virt.
	SwitchStaticE2E
)

func (t SwitchType) String() string {
	switch t {
	case SwitchLearning:
		return "learning"
	case SwitchLearningE2E:
		return "learning-e2e"
	case SwitchStaticE2E:
		return "static-e2e"
	}
	return "unknown"
}

// Default UDP ports.
const (
	DefaultVxlanPort  uint16 = 4789
	DefaultGenevePort uint16 = 6081
)

// UserHooks are callbacks fired around commit for every (local phys,
// attached network) pair of networks using these settings.
type UserHooks struct {
	Startup  func(net *Network, phys *Phys)
	Shutdown func(net *Network, phys *Phys)
}

// stunnel is the shared metadata-mode tunnel of static-switching settings,
// reference-counted across the networks that use the settings.
type stunnel struct {
	refcount      int
	tunnel        nl.If
	tunnelSbridge *bridge.PhysIf
	rulesetIn     *rules.Ruleset
}

// Settings is a reusable configuration bundle naming the encapsulation and
// switching model of networks. Multiple networks can share one settings
// object (e.g. static VXLAN on port 4789) and differ only by their vnet id.
type Settings struct {
	state State
	ctx   *Context
	ops   netOps
	name  objName

	netType    NetType
	switchType SwitchType

	// users are the networks configured by these settings.
	users []*Network

	// Kind-specific parameters.
	port    uint16
	mcastIP nettypes.IP
	stunnel stunnel

	userHooks *UserHooks
}

// initSettings fills the common part of a settings object and registers it
// in the context.
func initSettings(ctx *Context, s *Settings) (*Settings, error) {
	if err := s.name.set(ctx.settingsNames, ctx.MkName("settings")); err != nil {
		return nil, ctx.retErr(err)
	}
	s.ctx = ctx
	s.state = StateNew
	ctx.settings = append(ctx.settings, s)
	return s, nil
}

// NewSettingsDirect creates settings for networks with no encapsulation.
func NewSettingsDirect(ctx *Context) (*Settings, error) {
	return initSettings(ctx, &Settings{
		ops:        directOps{},
		netType:    NetTypeDirect,
		switchType: SwitchLearning,
	})
}

// NewSettingsVlan creates settings for VLAN-tagged networks.
func NewSettingsVlan(ctx *Context) (*Settings, error) {
	return initSettings(ctx, &Settings{
		ops:        vlanOps{},
		netType:    NetTypeVlan,
		switchType: SwitchLearning,
	})
}

// NewSettingsVxlanMcast creates settings for learning VXLAN networks joined
// to a multicast group. A zero port selects the default VXLAN port.
func NewSettingsVxlanMcast(ctx *Context, mcastIP nettypes.IP, port uint16) (*Settings, error) {
	if port == 0 {
		port = DefaultVxlanPort
	}
	return initSettings(ctx, &Settings{
		ops:        vxlanMcastOps{},
		netType:    NetTypeVxlan,
		switchType: SwitchLearning,
		port:       port,
		mcastIP:    mcastIP,
	})
}

// NewSettingsVxlanE2E creates settings for learning VXLAN networks with an
// explicit FDB entry per remote phys.
func NewSettingsVxlanE2E(ctx *Context, port uint16) (*Settings, error) {
	if port == 0 {
		port = DefaultVxlanPort
	}
	return initSettings(ctx, &Settings{
		ops:        vxlanE2EOps{},
		netType:    NetTypeVxlan,
		switchType: SwitchLearningE2E,
		port:       port,
	})
}

// NewSettingsVxlanStatic creates settings for statically-switched VXLAN
// networks sharing one metadata-mode tunnel per settings.
func NewSettingsVxlanStatic(ctx *Context, port uint16) (*Settings, error) {
	if port == 0 {
		port = DefaultVxlanPort
	}
	return initSettings(ctx, &Settings{
		ops:        vxlanStaticOps{},
		netType:    NetTypeVxlan,
		switchType: SwitchStaticE2E,
		port:       port,
	})
}

// NewSettingsGeneve creates settings for statically-switched GENEVE
// networks.
func NewSettingsGeneve(ctx *Context, port uint16) (*Settings, error) {
	if port == 0 {
		port = DefaultGenevePort
	}
	return initSettings(ctx, &Settings{
		ops:        geneveOps{},
		netType:    NetTypeGeneve,
		switchType: SwitchStaticE2E,
		port:       port,
	})
}

// RegisterUserHooks associates startup/shutdown hooks with the settings.
func (s *Settings) RegisterUserHooks(hooks *UserHooks) {
	s.userHooks = hooks
}

// SetName assigns a name unique among the context's settings.
func (s *Settings) SetName(name string) error {
	return s.ctx.retErr(s.name.set(s.ctx.settingsNames, name))
}

// GetName returns the settings name.
func (s *Settings) GetName() string {
	return s.name.str
}

// SettingsByName finds settings by name.
func (ctx *Context) SettingsByName(name string) *Settings {
	for _, s := range ctx.settings {
		if s.name.str == name {
			return s
		}
	}
	return nil
}

// NetType returns the encapsulation kind.
func (s *Settings) NetType() NetType {
	return s.netType
}

// SwitchType returns the switching model.
func (s *Settings) SwitchType() SwitchType {
	return s.switchType
}

// Port returns the tunnel UDP port, zero for unencapsulated networks.
func (s *Settings) Port() uint16 {
	return s.port
}

// McastIP returns the multicast group of vxlan-mcast settings.
func (s *Settings) McastIP() nettypes.IP {
	return s.mcastIP
}

// Context returns the owning context.
func (s *Settings) Context() *Context {
	return s.ctx
}

// Free deletes the settings object and, recursively, all networks that use
// it.
func (s *Settings) Free() {
	for _, net := range snapshot(s.users) {
		net.Free()
	}
	if s.state == StateNew {
		s.doFree()
	} else {
		s.state = StateDelete
	}
}

// doFree unregisters the settings from the context.
func (s *Settings) doFree() {
	if len(s.users) != 0 {
		panic("freeing settings that still have networks")
	}
	s.ctx.settings = removeItem(s.ctx.settings, s)
	s.name.free()
}
