package nl

import (
	"errors"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/util"
)

// The gact "goto chain" verdict: the chain id is folded into the action
// opcode.
const tcActGotoChain = 0x20000000

// Handle is the production Conn backed by an rtnetlink socket.
type Handle struct {
	h *netlink.Handle
}

var _ Conn = (*Handle)(nil)

// Dial opens an rtnetlink socket in the current network namespace.
func Dial() (*Handle, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, util.NewNetlinkError("socket", err)
	}
	return &Handle{h: h}, nil
}

// Close releases the socket.
func (c *Handle) Close() error {
	c.h.Close()
	return nil
}

func (c *Handle) linkAdd(name string, link netlink.Link) (If, error) {
	if err := c.h.LinkAdd(link); err != nil {
		return If{}, util.NewNetlinkError("link add "+name, err)
	}
	created, err := c.h.LinkByName(name)
	if err != nil {
		return If{}, util.NewNetlinkError("link lookup "+name, err)
	}
	return If{Name: name, Index: created.Attrs().Index}, nil
}

// LinkDummyCreate creates a dummy device.
func (c *Handle) LinkDummyCreate(name string) (If, error) {
	return c.linkAdd(name, &netlink.Dummy{
		LinkAttrs: netlink.LinkAttrs{Name: name},
	})
}

// LinkBridgeCreate creates a Linux bridge device.
func (c *Handle) LinkBridgeCreate(name string) (If, error) {
	return c.linkAdd(name, &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{Name: name},
	})
}

// LinkVlanCreate creates a VLAN child device.
func (c *Handle) LinkVlanCreate(name, parent string, vlanID uint16) (If, error) {
	parentIndex, err := c.LinkIndex(parent)
	if err != nil {
		return If{}, err
	}
	return c.linkAdd(name, &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: parentIndex},
		VlanId:    int(vlanID),
	})
}

// LinkVxlanCreate creates a VXLAN device.
func (c *Handle) LinkVxlanCreate(name string, attrs VxlanAttrs) (If, error) {
	vxlan := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		VxlanId:   int(attrs.VNI),
		Port:      int(attrs.Port),
		Learning:  attrs.Learning,
		FlowBased: attrs.CollectMetadata,
	}
	if attrs.Underlying != "" {
		parentIndex, err := c.LinkIndex(attrs.Underlying)
		if err != nil {
			return If{}, err
		}
		vxlan.VtepDevIndex = parentIndex
	}
	if attrs.Group != nil {
		vxlan.Group = attrs.Group.NetIP()
	}
	return c.linkAdd(name, vxlan)
}

// LinkGeneveCreate creates a GENEVE device in metadata mode.
func (c *Handle) LinkGeneveCreate(name string, port uint16) (If, error) {
	return c.linkAdd(name, &netlink.Geneve{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Dport:     port,
		FlowBased: true,
	})
}

// LinkVethCreate creates a veth pair.
func (c *Handle) LinkVethCreate(name, peer string) (If, If, error) {
	created, err := c.linkAdd(name, &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	})
	if err != nil {
		return If{}, If{}, err
	}
	peerIndex, err := c.LinkIndex(peer)
	if err != nil {
		return If{}, If{}, err
	}
	return created, If{Name: peer, Index: peerIndex}, nil
}

// LinkDelete removes a device.
func (c *Handle) LinkDelete(ifindex int) error {
	link, err := c.h.LinkByIndex(ifindex)
	if err != nil {
		return util.NewNetlinkError("link lookup", err)
	}
	if err := c.h.LinkDel(link); err != nil {
		return util.NewNetlinkError("link del", err)
	}
	return nil
}

// LinkSetUp brings a device up.
func (c *Handle) LinkSetUp(ifindex int) error {
	link, err := c.h.LinkByIndex(ifindex)
	if err != nil {
		return util.NewNetlinkError("link lookup", err)
	}
	if err := c.h.LinkSetUp(link); err != nil {
		return util.NewNetlinkError("link set up", err)
	}
	return nil
}

// LinkSetMaster enslaves slave to master; master 0 releases the slave.
func (c *Handle) LinkSetMaster(master, slave int) error {
	link, err := c.h.LinkByIndex(slave)
	if err != nil {
		return util.NewNetlinkError("link lookup", err)
	}
	if master == 0 {
		err = c.h.LinkSetNoMaster(link)
	} else {
		err = c.h.LinkSetMasterByIndex(link, master)
	}
	if err != nil {
		return util.NewNetlinkError("link set master", err)
	}
	return nil
}

// LinkGetMTU queries a device's MTU.
func (c *Handle) LinkGetMTU(ifindex int) (int, error) {
	link, err := c.h.LinkByIndex(ifindex)
	if err != nil {
		return 0, util.NewNetlinkError("link lookup", err)
	}
	return link.Attrs().MTU, nil
}

// LinkIndex resolves a device name to an ifindex.
func (c *Handle) LinkIndex(name string) (int, error) {
	link, err := c.h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return 0, util.ErrNoIf
		}
		return 0, util.NewNetlinkError("link lookup "+name, err)
	}
	return link.Attrs().Index, nil
}

// QdiscIngressCreate installs the ingress qdisc.
func (c *Handle) QdiscIngressCreate(ifindex int) error {
	err := c.h.QdiscAdd(&netlink.Ingress{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	})
	if err != nil {
		return util.NewNetlinkError("qdisc add ingress", err)
	}
	return nil
}

// QdiscIngressDelete removes the ingress qdisc.
func (c *Handle) QdiscIngressDelete(ifindex int) error {
	err := c.h.QdiscDel(&netlink.Ingress{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_INGRESS,
		},
	})
	if err != nil {
		return util.NewNetlinkError("qdisc del ingress", err)
	}
	return nil
}

// QdiscEgressCreate installs the egress root prio qdisc.
func (c *Handle) QdiscEgressCreate(ifindex int) error {
	prio := netlink.NewPrio(netlink.QdiscAttrs{
		LinkIndex: ifindex,
		Handle:    netlink.MakeHandle(1, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := c.h.QdiscAdd(prio); err != nil {
		return util.NewNetlinkError("qdisc add prio", err)
	}
	return nil
}

// QdiscEgressDelete removes the egress root qdisc.
func (c *Handle) QdiscEgressDelete(ifindex int) error {
	prio := netlink.NewPrio(netlink.QdiscAttrs{
		LinkIndex: ifindex,
		Handle:    netlink.MakeHandle(1, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := c.h.QdiscDel(prio); err != nil {
		return util.NewNetlinkError("qdisc del prio", err)
	}
	return nil
}

func fdbNeigh(ifindex int, mac nettypes.MAC, ip nettypes.IP) *netlink.Neigh {
	return &netlink.Neigh{
		LinkIndex:    ifindex,
		Family:       unix.AF_BRIDGE,
		State:        netlink.NUD_PERMANENT | netlink.NUD_NOARP,
		Flags:        netlink.NTF_SELF,
		IP:           ip.NetIP(),
		HardwareAddr: mac.HardwareAddr(),
	}
}

// FdbAdd appends a bridge FDB entry.
func (c *Handle) FdbAdd(ifindex int, mac nettypes.MAC, ip nettypes.IP) error {
	if err := c.h.NeighAppend(fdbNeigh(ifindex, mac, ip)); err != nil {
		return util.NewNetlinkError("fdb append", err)
	}
	return nil
}

// FdbDel removes a bridge FDB entry.
func (c *Handle) FdbDel(ifindex int, mac nettypes.MAC, ip nettypes.IP) error {
	if err := c.h.NeighDel(fdbNeigh(ifindex, mac, ip)); err != nil {
		return util.NewNetlinkError("fdb del", err)
	}
	return nil
}

func (c *Handle) flowerSel(sel FilterSel, update bool) netlink.Flower {
	chain := sel.Chain
	return netlink.Flower{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: sel.Ifindex,
			Parent:    sel.Parent,
			Handle:    sel.Handle,
			Priority:  sel.Prio,
			Chain:     &chain,
			Protocol:  unix.ETH_P_ALL,
		},
	}
}

// FilterApply creates or replaces a flower filter.
func (c *Handle) FilterApply(f *Flower) error {
	flower := c.flowerSel(f.FilterSel, f.Update)

	keys := f.Keys
	if keys.SrcMAC != nil {
		flower.SrcMac = keys.SrcMAC.Value.HardwareAddr()
		flower.SrcMacMask = keys.SrcMAC.Mask.HardwareAddr()
	}
	if keys.DstMAC != nil {
		flower.DestMac = keys.DstMAC.Value.HardwareAddr()
		flower.DestMacMask = keys.DstMAC.Mask.HardwareAddr()
	}
	if keys.SrcIP != nil {
		flower.SrcIP = keys.SrcIP.Value.NetIP()
		flower.SrcIPMask = net.IPMask(keys.SrcIP.Mask.NetIP())
	}
	if keys.DstIP != nil {
		flower.DestIP = keys.DstIP.Value.NetIP()
		flower.DestIPMask = net.IPMask(keys.DstIP.Mask.NetIP())
	}
	if keys.EthType != nil {
		flower.EthType = *keys.EthType
	}
	if keys.EncKeyID != nil {
		flower.EncKeyId = *keys.EncKeyID
	}

	for _, a := range f.Actions {
		action, err := translateAction(a)
		if err != nil {
			return err
		}
		flower.Actions = append(flower.Actions, action)
	}

	var err error
	if f.Update {
		err = c.h.FilterReplace(&flower)
	} else {
		err = c.h.FilterAdd(&flower)
	}
	if err != nil {
		return util.NewNetlinkError("filter apply", err)
	}
	return nil
}

// FilterDelete removes a flower filter.
func (c *Handle) FilterDelete(sel FilterSel) error {
	flower := c.flowerSel(sel, false)
	if err := c.h.FilterDel(&flower); err != nil {
		return util.NewNetlinkError("filter del", err)
	}
	return nil
}

func verdictTcAct(v Verdict) netlink.TcAct {
	switch v {
	case VerdictShot:
		return netlink.TC_ACT_SHOT
	case VerdictPipe:
		return netlink.TC_ACT_PIPE
	default:
		return netlink.TC_ACT_UNSPEC
	}
}

func verdictTcPol(v Verdict) netlink.TcPolAct {
	switch v {
	case VerdictShot:
		return netlink.TC_POLICE_SHOT
	case VerdictPipe:
		return netlink.TC_POLICE_PIPE
	default:
		return netlink.TC_POLICE_UNSPEC
	}
}

func translateAction(a Action) (netlink.Action, error) {
	switch act := a.(type) {
	case MirredIngressRedirect:
		return &netlink.MirredAction{
			ActionAttrs:  netlink.ActionAttrs{Action: netlink.TC_ACT_STOLEN},
			MirredAction: netlink.TCA_INGRESS_REDIR,
			Ifindex:      act.Ifindex,
		}, nil
	case MirredEgressRedirect:
		return &netlink.MirredAction{
			ActionAttrs:  netlink.ActionAttrs{Action: netlink.TC_ACT_STOLEN},
			MirredAction: netlink.TCA_EGRESS_REDIR,
			Ifindex:      act.Ifindex,
		}, nil
	case MirredEgressMirror:
		return &netlink.MirredAction{
			ActionAttrs:  netlink.ActionAttrs{Action: netlink.TC_ACT_PIPE},
			MirredAction: netlink.TCA_EGRESS_MIRROR,
			Ifindex:      act.Ifindex,
		}, nil
	case TunnelKeySet:
		return &netlink.TunnelKeyAction{
			ActionAttrs: netlink.ActionAttrs{Action: netlink.TC_ACT_PIPE},
			Action:      netlink.TCA_TUNNEL_KEY_SET,
			SrcAddr:     act.Src.NetIP(),
			DstAddr:     act.Dst.NetIP(),
			KeyID:       act.VNI,
		}, nil
	case Police:
		// The kernel expects the burst in scheduler ticks.
		burst, err := XmitTicks(float64(act.AvgRate), act.Burst)
		if err != nil {
			return nil, err
		}
		police := netlink.NewPoliceAction()
		police.Rate = act.AvgRate
		police.Burst = burst
		police.PeakRate = act.PeakRate
		police.Mtu = act.MTU
		police.ExceedAction = verdictTcPol(act.ExceedVerdict)
		police.NotExceedAction = verdictTcPol(act.ConformVerdict)
		return police, nil
	case Gact:
		return &netlink.GenericAction{
			ActionAttrs: netlink.ActionAttrs{Action: verdictTcAct(act.Verdict)},
		}, nil
	case GotoChain:
		return &netlink.GenericAction{
			ActionAttrs: netlink.ActionAttrs{
				Action: netlink.TcAct(tcActGotoChain | int32(act.Chain)),
			},
		}, nil
	}
	return nil, util.NewNetlinkError("action", errors.New("unknown action kind"))
}
