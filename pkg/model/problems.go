package model

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/overnet-network/overnet/pkg/nl"
)

// ProblemCode identifies a validation or commit problem.
type ProblemCode int

// Problem codes.
const (
	ProblemPhysNoAttr ProblemCode = iota
	ProblemPhysNotAttached
	ProblemPhysDupAttr
	ProblemPhysIncompatibleIPv
	ProblemVirtNoIf
	ProblemVirtNoAttr
	ProblemVirtDupAttr
	ProblemVRIncompatibleMatch
	ProblemVRDuplicateRule
	ProblemNetDupID
	ProblemNetBadID
	ProblemNetBadNettype
	ProblemCommitNetlink
	ProblemCommitNetlinkCleanup
	ProblemCommitNomem
	ProblemNoNlsock
)

// problemInfo carries the code's symbolic name and its format string.
// %o placeholders are substituted with formatted subjects in order.
var problemInfo = map[ProblemCode]struct {
	name   string
	format string
}{
	ProblemPhysNoAttr:           {"PHYS_NOATTR", "An attribute %o must be defined on phys %o for attachment to net %o."},
	ProblemPhysNotAttached:      {"PHYS_NOT_ATTACHED", "Trying to connect virt %o to a network %o on phys %o, but the phys is not attached to that network."},
	ProblemPhysDupAttr:          {"PHYS_DUPATTR", "The attribute %o is duplicate on phys %o and phys %o."},
	ProblemPhysIncompatibleIPv:  {"PHYS_INCOMPATIBLE_IPV", "The IP versions of phys %o and phys %o attached to net %o are incompatible."},
	ProblemVirtNoIf:             {"VIRT_NOIF", "The interface %o specified for virt %o does not exist."},
	ProblemVirtNoAttr:           {"VIRT_NOATTR", "An attribute %o must be defined on virt %o in net %o."},
	ProblemVirtDupAttr:          {"VIRT_DUPATTR", "The attribute %o is duplicate on virt %o and virt %o in net %o."},
	ProblemVRIncompatibleMatch:  {"VR_INCOMPATIBLE_MATCH", "The rule %o does not match against the same fields as rule %o on virt %o."},
	ProblemVRDuplicateRule:      {"VR_DUPLICATE_RULE", "The rule %o duplicates rule %o on virt %o."},
	ProblemNetDupID:             {"NET_DUPID", "Networks %o and %o share the id %o."},
	ProblemNetBadID:             {"NET_BADID", "Network %o has id %o out of range."},
	ProblemNetBadNettype:        {"NET_BAD_NETTYPE", "Networks %o and %o have incompatible types sharing one UDP port."},
	ProblemCommitNetlink:        {"COMMIT_NETLINK", "Error while committing %o."},
	ProblemCommitNetlinkCleanup: {"COMMIT_NETLINK_CLEANUP", "Error while decommitting %o."},
	ProblemCommitNomem:          {"COMMIT_NOMEM", "Not enough memory to commit %o."},
	ProblemNoNlsock:             {"NO_NLSOCK", "Could not open a netlink socket."},
}

func (c ProblemCode) String() string {
	if info, ok := problemInfo[c]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// RefKind tags the subject kind of a problem reference.
type RefKind int

// Problem reference kinds.
const (
	RefAttr RefKind = iota
	RefPhys
	RefNet
	RefVirt
	RefIf
	RefPA
	RefVR
	RefNetID
)

// MaxProblemRefs bounds the number of references per problem.
const MaxProblemRefs = 10

// ProblemRef names one subject of a problem.
type ProblemRef struct {
	Kind RefKind
	Obj  interface{}
}

// Problem is one validation or commit diagnostic.
type Problem struct {
	Code ProblemCode
	Refs []ProblemRef
}

// ProblemFn receives problems during validate and commit.
type ProblemFn func(p *Problem)

// Convenience reference constructors.
func attrRef(name string) ProblemRef      { return ProblemRef{Kind: RefAttr, Obj: name} }
func physRef(p *Phys) ProblemRef          { return ProblemRef{Kind: RefPhys, Obj: p} }
func netRef(n *Network) ProblemRef        { return ProblemRef{Kind: RefNet, Obj: n} }
func virtRef(v *Virt) ProblemRef          { return ProblemRef{Kind: RefVirt, Obj: v} }
func ifRef(i *nl.If) ProblemRef           { return ProblemRef{Kind: RefIf, Obj: i} }
func paRef(pa *PhysAttachment) ProblemRef { return ProblemRef{Kind: RefPA, Obj: pa} }
func vrRef(vr *VR) ProblemRef             { return ProblemRef{Kind: RefVR, Obj: vr} }
func netIDRef(id uint32) ProblemRef       { return ProblemRef{Kind: RefNetID, Obj: id} }

// FormatSubject renders one problem reference for humans.
func FormatSubject(ref *ProblemRef) string {
	switch ref.Kind {
	case RefAttr:
		return ref.Obj.(string)
	case RefPhys:
		if p := ref.Obj.(*Phys); p.name.str != "" {
			return p.name.str
		}
	case RefNet:
		if n := ref.Obj.(*Network); n.name.str != "" {
			return n.name.str
		}
	case RefVirt:
		if v := ref.Obj.(*Virt); v.name.str != "" {
			return v.name.str
		}
	case RefIf:
		return ref.Obj.(*nl.If).Name
	case RefPA:
		pa := ref.Obj.(*PhysAttachment)
		return fmt.Sprintf("%s@%s", pa.phys.name.str, pa.net.name.str)
	case RefVR:
		vr := ref.Obj.(*VR)
		return fmt.Sprintf("rule(prio=%d)", vr.prioNum)
	case RefNetID:
		return fmt.Sprintf("%d", ref.Obj.(uint32))
	}
	return fmt.Sprintf("%p", ref.Obj)
}

// Format renders the problem's format string, substituting %o placeholders
// with the formatted references in order.
func (p *Problem) Format() string {
	info := problemInfo[p.Code]
	var sb strings.Builder
	refIndex := 0
	fmtStr := info.format
	for i := 0; i < len(fmtStr); i++ {
		if fmtStr[i] == '%' && i+1 < len(fmtStr) && fmtStr[i+1] == 'o' {
			if refIndex < len(p.Refs) {
				sb.WriteString(FormatSubject(&p.Refs[refIndex]))
				refIndex++
			}
			i++
			continue
		}
		sb.WriteByte(fmtStr[i])
	}
	return sb.String()
}

// FprintProblem writes a formatted problem to w, prefixed with its code.
func FprintProblem(w io.Writer, p *Problem, color bool) {
	if color {
		fmt.Fprintf(w, "\x1b[31m%s\x1b[0m: %s\n", p.Code, p.Format())
		return
	}
	fmt.Fprintf(w, "%s: %s\n", p.Code, p.Format())
}

// StderrProblemHandler dumps problems to stderr, colorized when stderr is a
// terminal. Usable as the callback for Validate and Commit.
func StderrProblemHandler(p *Problem) {
	FprintProblem(os.Stderr, p, term.IsTerminal(int(os.Stderr.Fd())))
}

// report buffers a problem and fires the user callback.
func (ctx *Context) report(code ProblemCode, refs ...ProblemRef) {
	if len(refs) > MaxProblemRefs {
		refs = refs[:MaxProblemRefs]
	}
	problem := &Problem{Code: code, Refs: refs}
	if ctx.problemFn != nil {
		ctx.problemFn(problem)
	}
	ctx.problemCount++
}
