// Package nltest provides an in-memory kernel for tests. It implements
// nl.Conn, keeps link and filter state, records every request in a log and
// supports fault injection, so tests can assert on the exact request
// sequence a commit produces.
package nltest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/overnet-network/overnet/pkg/nettypes"
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/util"
)

// Link is the mock kernel's view of a network device.
type Link struct {
	Name   string
	Index  int
	Kind   string
	Up     bool
	Master int
	MTU    int

	// Kind-specific attributes.
	Parent string
	VlanID uint16
	Vxlan  nl.VxlanAttrs
	Port   uint16
}

// FdbEntry is one bridge forwarding entry.
type FdbEntry struct {
	Ifindex int
	MAC     nettypes.MAC
	IP      nettypes.IP
}

// Conn is the recording mock kernel.
type Conn struct {
	nextIndex int
	links     map[int]*Link
	byName    map[string]int
	filters   map[nl.FilterSel]*nl.Flower
	fdb       map[FdbEntry]bool
	qdiscs    map[string]bool

	log      []string
	failures []*failure
	closed   bool
}

type failure struct {
	prefix string
	nth    int
	seen   int
}

// New creates an empty mock kernel.
func New() *Conn {
	return &Conn{
		nextIndex: 1,
		links:     make(map[int]*Link),
		byName:    make(map[string]int),
		filters:   make(map[nl.FilterSel]*nl.Flower),
		fdb:       make(map[FdbEntry]bool),
		qdiscs:    make(map[string]bool),
	}
}

var _ nl.Conn = (*Conn)(nil)

// AddExisting declares a device that exists before the model runs, such as
// the phys uplink or a virt's tap interface.
func (c *Conn) AddExisting(name string, mtu int) *Link {
	l := &Link{Name: name, Index: c.nextIndex, Kind: "existing", MTU: mtu}
	c.nextIndex++
	c.links[l.Index] = l
	c.byName[name] = l.Index
	return l
}

// InjectFailure makes the nth request whose log line starts with prefix fail
// with a netlink error. Counting starts at 1 and is cumulative over the
// connection's lifetime.
func (c *Conn) InjectFailure(prefix string, nth int) {
	c.failures = append(c.failures, &failure{prefix: prefix, nth: nth})
}

// ClearFailures removes all fault injections.
func (c *Conn) ClearFailures() {
	c.failures = nil
}

// Log returns all recorded requests in order.
func (c *Conn) Log() []string {
	return append([]string(nil), c.log...)
}

// ResetLog clears the request log, keeping kernel state.
func (c *Conn) ResetLog() {
	c.log = nil
}

// LogMatching returns log entries starting with prefix.
func (c *Conn) LogMatching(prefix string) []string {
	var out []string
	for _, line := range c.log {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// Links returns all present devices sorted by ifindex.
func (c *Conn) Links() []*Link {
	out := make([]*Link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// LinksOfKind returns all present devices of the given kind.
func (c *Conn) LinksOfKind(kind string) []*Link {
	var out []*Link
	for _, l := range c.Links() {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

// LinkByName returns a device, or nil.
func (c *Conn) LinkByName(name string) *Link {
	index, ok := c.byName[name]
	if !ok {
		return nil
	}
	return c.links[index]
}

// Filters returns the installed filters sorted by selector.
func (c *Conn) Filters() []*nl.Flower {
	out := make([]*nl.Flower, 0, len(c.filters))
	for _, f := range c.filters {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].FilterSel, out[j].FilterSel
		if a.Ifindex != b.Ifindex {
			return a.Ifindex < b.Ifindex
		}
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		if a.Prio != b.Prio {
			return a.Prio < b.Prio
		}
		return a.Handle < b.Handle
	})
	return out
}

// FiltersOn returns the installed filters for one device.
func (c *Conn) FiltersOn(ifindex int) []*nl.Flower {
	var out []*nl.Flower
	for _, f := range c.Filters() {
		if f.Ifindex == ifindex {
			out = append(out, f)
		}
	}
	return out
}

// FdbEntries returns all forwarding entries on a device.
func (c *Conn) FdbEntries(ifindex int) []FdbEntry {
	var out []FdbEntry
	for e := range c.fdb {
		if e.Ifindex == ifindex {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IP.String() < out[j].IP.String()
	})
	return out
}

// record writes the log line and applies fault injection.
func (c *Conn) record(format string, args ...interface{}) error {
	line := fmt.Sprintf(format, args...)
	c.log = append(c.log, line)
	for _, f := range c.failures {
		if strings.HasPrefix(line, f.prefix) {
			f.seen++
			if f.seen == f.nth {
				return util.NewNetlinkError(line, fmt.Errorf("injected failure"))
			}
		}
	}
	return nil
}

func (c *Conn) createLink(l *Link) (nl.If, error) {
	if _, ok := c.byName[l.Name]; ok {
		return nl.If{}, util.NewNetlinkError("link add "+l.Name, fmt.Errorf("exists"))
	}
	l.Index = c.nextIndex
	c.nextIndex++
	c.links[l.Index] = l
	c.byName[l.Name] = l.Index
	return nl.If{Name: l.Name, Index: l.Index}, nil
}

// ============================================================================
// nl.Conn implementation
// ============================================================================

// LinkDummyCreate creates a dummy device.
func (c *Conn) LinkDummyCreate(name string) (nl.If, error) {
	if err := c.record("link add dummy name=%s", name); err != nil {
		return nl.If{}, err
	}
	return c.createLink(&Link{Name: name, Kind: "dummy", MTU: 1500})
}

// LinkBridgeCreate creates a bridge device.
func (c *Conn) LinkBridgeCreate(name string) (nl.If, error) {
	if err := c.record("link add bridge name=%s", name); err != nil {
		return nl.If{}, err
	}
	return c.createLink(&Link{Name: name, Kind: "bridge", MTU: 1500})
}

// LinkVlanCreate creates a VLAN child device.
func (c *Conn) LinkVlanCreate(name, parent string, vlanID uint16) (nl.If, error) {
	if err := c.record("link add vlan name=%s parent=%s id=%d", name, parent, vlanID); err != nil {
		return nl.If{}, err
	}
	if _, ok := c.byName[parent]; !ok {
		return nl.If{}, util.NewNetlinkError("link add vlan", fmt.Errorf("no parent %s", parent))
	}
	return c.createLink(&Link{Name: name, Kind: "vlan", Parent: parent, VlanID: vlanID, MTU: 1500})
}

// LinkVxlanCreate creates a VXLAN device.
func (c *Conn) LinkVxlanCreate(name string, attrs nl.VxlanAttrs) (nl.If, error) {
	group := "-"
	if attrs.Group != nil {
		group = attrs.Group.String()
	}
	err := c.record("link add vxlan name=%s vni=%d port=%d group=%s learning=%t metadata=%t",
		name, attrs.VNI, attrs.Port, group, attrs.Learning, attrs.CollectMetadata)
	if err != nil {
		return nl.If{}, err
	}
	return c.createLink(&Link{Name: name, Kind: "vxlan", Vxlan: attrs, Port: attrs.Port, MTU: 1450})
}

// LinkGeneveCreate creates a GENEVE device.
func (c *Conn) LinkGeneveCreate(name string, port uint16) (nl.If, error) {
	if err := c.record("link add geneve name=%s port=%d", name, port); err != nil {
		return nl.If{}, err
	}
	return c.createLink(&Link{Name: name, Kind: "geneve", Port: port, MTU: 1450})
}

// LinkVethCreate creates a veth pair.
func (c *Conn) LinkVethCreate(name, peer string) (nl.If, nl.If, error) {
	if err := c.record("link add veth name=%s peer=%s", name, peer); err != nil {
		return nl.If{}, nl.If{}, err
	}
	first, err := c.createLink(&Link{Name: name, Kind: "veth", MTU: 1500})
	if err != nil {
		return nl.If{}, nl.If{}, err
	}
	second, err := c.createLink(&Link{Name: peer, Kind: "veth", MTU: 1500})
	if err != nil {
		return nl.If{}, nl.If{}, err
	}
	return first, second, nil
}

// LinkDelete removes a device and everything attached to it.
func (c *Conn) LinkDelete(ifindex int) error {
	l, ok := c.links[ifindex]
	name := "?"
	if ok {
		name = l.Name
	}
	if err := c.record("link del name=%s", name); err != nil {
		return err
	}
	if !ok {
		return util.NewNetlinkError("link del", fmt.Errorf("no such device %d", ifindex))
	}
	delete(c.links, ifindex)
	delete(c.byName, l.Name)
	for sel := range c.filters {
		if sel.Ifindex == ifindex {
			delete(c.filters, sel)
		}
	}
	for e := range c.fdb {
		if e.Ifindex == ifindex {
			delete(c.fdb, e)
		}
	}
	return nil
}

// LinkSetUp brings a device up.
func (c *Conn) LinkSetUp(ifindex int) error {
	l, ok := c.links[ifindex]
	if !ok {
		return util.NewNetlinkError("link set up", fmt.Errorf("no such device %d", ifindex))
	}
	if err := c.record("link set up name=%s", l.Name); err != nil {
		return err
	}
	l.Up = true
	return nil
}

// LinkSetMaster enslaves or releases a device.
func (c *Conn) LinkSetMaster(master, slave int) error {
	l, ok := c.links[slave]
	if !ok {
		return util.NewNetlinkError("link set master", fmt.Errorf("no such device %d", slave))
	}
	masterName := "none"
	if master != 0 {
		m, ok := c.links[master]
		if !ok {
			return util.NewNetlinkError("link set master", fmt.Errorf("no such master %d", master))
		}
		masterName = m.Name
	}
	if err := c.record("link set master slave=%s master=%s", l.Name, masterName); err != nil {
		return err
	}
	l.Master = master
	return nil
}

// LinkGetMTU queries a device's MTU. MTU queries do not count as kernel
// writes, so they are not recorded.
func (c *Conn) LinkGetMTU(ifindex int) (int, error) {
	l, ok := c.links[ifindex]
	if !ok {
		return 0, util.NewNetlinkError("link get mtu", fmt.Errorf("no such device %d", ifindex))
	}
	return l.MTU, nil
}

// LinkIndex resolves a name. Lookups are not recorded.
func (c *Conn) LinkIndex(name string) (int, error) {
	index, ok := c.byName[name]
	if !ok {
		return 0, util.ErrNoIf
	}
	return index, nil
}

// QdiscIngressCreate installs the ingress qdisc.
func (c *Conn) QdiscIngressCreate(ifindex int) error {
	l, ok := c.links[ifindex]
	if !ok {
		return util.NewNetlinkError("qdisc add ingress", fmt.Errorf("no such device %d", ifindex))
	}
	if err := c.record("qdisc add ingress dev=%s", l.Name); err != nil {
		return err
	}
	c.qdiscs[fmt.Sprintf("%d/ingress", ifindex)] = true
	return nil
}

// QdiscIngressDelete removes the ingress qdisc and its filters.
func (c *Conn) QdiscIngressDelete(ifindex int) error {
	l, ok := c.links[ifindex]
	if !ok {
		return util.NewNetlinkError("qdisc del ingress", fmt.Errorf("no such device %d", ifindex))
	}
	if err := c.record("qdisc del ingress dev=%s", l.Name); err != nil {
		return err
	}
	key := fmt.Sprintf("%d/ingress", ifindex)
	if !c.qdiscs[key] {
		return util.NewNetlinkError("qdisc del ingress", fmt.Errorf("no qdisc on %s", l.Name))
	}
	delete(c.qdiscs, key)
	for sel := range c.filters {
		if sel.Ifindex == ifindex && sel.Parent == nl.IngressParent {
			delete(c.filters, sel)
		}
	}
	return nil
}

// QdiscEgressCreate installs the egress root qdisc.
func (c *Conn) QdiscEgressCreate(ifindex int) error {
	l, ok := c.links[ifindex]
	if !ok {
		return util.NewNetlinkError("qdisc add prio", fmt.Errorf("no such device %d", ifindex))
	}
	if err := c.record("qdisc add prio dev=%s", l.Name); err != nil {
		return err
	}
	c.qdiscs[fmt.Sprintf("%d/egress", ifindex)] = true
	return nil
}

// QdiscEgressDelete removes the egress root qdisc and its filters.
func (c *Conn) QdiscEgressDelete(ifindex int) error {
	l, ok := c.links[ifindex]
	if !ok {
		return util.NewNetlinkError("qdisc del prio", fmt.Errorf("no such device %d", ifindex))
	}
	if err := c.record("qdisc del prio dev=%s", l.Name); err != nil {
		return err
	}
	key := fmt.Sprintf("%d/egress", ifindex)
	if !c.qdiscs[key] {
		return util.NewNetlinkError("qdisc del prio", fmt.Errorf("no qdisc on %s", l.Name))
	}
	delete(c.qdiscs, key)
	for sel := range c.filters {
		if sel.Ifindex == ifindex && sel.Parent == nl.EgressRootHandle {
			delete(c.filters, sel)
		}
	}
	return nil
}

// FdbAdd appends a forwarding entry.
func (c *Conn) FdbAdd(ifindex int, mac nettypes.MAC, ip nettypes.IP) error {
	if err := c.record("fdb add dev=%d mac=%s ip=%s", ifindex, mac, ip); err != nil {
		return err
	}
	c.fdb[FdbEntry{Ifindex: ifindex, MAC: mac, IP: ip}] = true
	return nil
}

// FdbDel removes a forwarding entry.
func (c *Conn) FdbDel(ifindex int, mac nettypes.MAC, ip nettypes.IP) error {
	if err := c.record("fdb del dev=%d mac=%s ip=%s", ifindex, mac, ip); err != nil {
		return err
	}
	entry := FdbEntry{Ifindex: ifindex, MAC: mac, IP: ip}
	if !c.fdb[entry] {
		return util.NewNetlinkError("fdb del", fmt.Errorf("no such entry"))
	}
	delete(c.fdb, entry)
	return nil
}

// FilterApply creates or replaces a flower filter.
func (c *Conn) FilterApply(f *Flower) error {
	op := "add"
	if f.Update {
		op = "replace"
	}
	err := c.record("filter %s dev=%d chain=%d prio=0x%x handle=0x%x keys=%s actions=%d",
		op, f.Ifindex, f.Chain, f.Prio, f.Handle, describeKeys(&f.Keys), len(f.Actions))
	if err != nil {
		return err
	}
	if _, ok := c.links[f.Ifindex]; !ok {
		return util.NewNetlinkError("filter apply", fmt.Errorf("no such device %d", f.Ifindex))
	}
	_, exists := c.filters[f.FilterSel]
	if exists && !f.Update {
		return util.NewNetlinkError("filter apply", fmt.Errorf("filter exists: %s", f.FilterSel))
	}
	if !exists && f.Update {
		return util.NewNetlinkError("filter apply", fmt.Errorf("no filter to update: %s", f.FilterSel))
	}
	stored := *f
	stored.Actions = append([]Action(nil), f.Actions...)
	c.filters[f.FilterSel] = &stored
	return nil
}

// FilterDelete removes a flower filter.
func (c *Conn) FilterDelete(sel FilterSel) error {
	err := c.record("filter del dev=%d chain=%d prio=0x%x handle=0x%x",
		sel.Ifindex, sel.Chain, sel.Prio, sel.Handle)
	if err != nil {
		return err
	}
	if _, ok := c.filters[sel]; !ok {
		return util.NewNetlinkError("filter del", fmt.Errorf("no such filter: %s", sel))
	}
	delete(c.filters, sel)
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func describeKeys(k *nl.FlowerKeys) string {
	var parts []string
	if k.SrcMAC != nil {
		parts = append(parts, fmt.Sprintf("src_mac=%s/%s", k.SrcMAC.Value, k.SrcMAC.Mask))
	}
	if k.DstMAC != nil {
		parts = append(parts, fmt.Sprintf("dst_mac=%s/%s", k.DstMAC.Value, k.DstMAC.Mask))
	}
	if k.SrcIP != nil {
		parts = append(parts, fmt.Sprintf("src_ip=%s/%d", k.SrcIP.Value, k.SrcIP.Mask.PrefixLen()))
	}
	if k.DstIP != nil {
		parts = append(parts, fmt.Sprintf("dst_ip=%s/%d", k.DstIP.Value, k.DstIP.Mask.PrefixLen()))
	}
	if k.EthType != nil {
		parts = append(parts, fmt.Sprintf("eth_type=0x%x", *k.EthType))
	}
	if k.EncKeyID != nil {
		parts = append(parts, fmt.Sprintf("enc_key_id=%d", *k.EncKeyID))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ",")
}

// Aliases so the implementation reads naturally above.
type (
	// Flower aliases nl.Flower.
	Flower = nl.Flower
	// FilterSel aliases nl.FilterSel.
	FilterSel = nl.FilterSel
	// Action aliases nl.Action.
	Action = nl.Action
)
