package bridge

import (
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// LBridge is a kernel Linux bridge device owned by the model.
type LBridge struct {
	env      *rules.Env
	bridgeIf nl.If
}

// LBridgeIf is one interface enslaved to an LBridge.
type LBridgeIf struct {
	br    *LBridge
	iface *nl.If
}

// NewLBridge creates a bridge device with the given name and brings it up.
func NewLBridge(env *rules.Env, name string) (*LBridge, error) {
	bridgeIf, err := env.Conn.LinkBridgeCreate(name)
	if err != nil {
		return nil, err
	}
	if err := env.Conn.LinkSetUp(bridgeIf.Index); err != nil {
		if delErr := env.Conn.LinkDelete(bridgeIf.Index); delErr != nil {
			util.Inconsistent(&err, delErr)
		}
		return nil, err
	}
	return &LBridge{env: env, bridgeIf: bridgeIf}, nil
}

// BridgeIf returns the underlying bridge device handle.
func (br *LBridge) BridgeIf() *nl.If {
	return &br.bridgeIf
}

// Free deletes the bridge device, unless decommit is disabled.
func (br *LBridge) Free() error {
	if br.env.DisableDecommit {
		return nil
	}
	if err := br.env.Conn.LinkDelete(br.bridgeIf.Index); err != nil {
		var out error
		util.Inconsistent(&out, err)
		return out
	}
	return nil
}

// Add enslaves iface to the bridge and brings it up.
func (br *LBridge) Add(iface *nl.If) (*LBridgeIf, error) {
	if err := br.env.Conn.LinkSetMaster(br.bridgeIf.Index, iface.Index); err != nil {
		return nil, err
	}
	if err := br.env.Conn.LinkSetUp(iface.Index); err != nil {
		if relErr := br.env.Conn.LinkSetMaster(0, iface.Index); relErr != nil {
			util.Inconsistent(&err, relErr)
		}
		return nil, err
	}
	return &LBridgeIf{br: br, iface: iface}, nil
}

// Remove releases the interface from the bridge, unless decommit is
// disabled.
func (bi *LBridgeIf) Remove() error {
	if bi.br.env.DisableDecommit {
		return nil
	}
	if err := bi.br.env.Conn.LinkSetMaster(0, bi.iface.Index); err != nil {
		var out error
		util.Inconsistent(&out, err)
		return out
	}
	return nil
}
