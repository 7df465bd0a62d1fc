// Package bridge provides the two bridging backends behind the network
// types: a kernel Linux bridge (LBridge) and a TC-based static bridge
// (SBridge) that forwards by destination MAC with flower rules and
// replicates broadcast through TC action lists.
package bridge

import (
	"github.com/overnet-network/overnet/pkg/util"
)

// clistMax is the number of cleanup lists an entry can inhabit at once.
// Every downstream rule of a static bridge is co-owned by the interface that
// emits it and the route it terminates at.
const clistMax = 2

// Cleanup list indices.
const (
	clOwner = 0
	clDest  = 1
)

// CEntry is a registered cleanup handler. Each entry can be a member of
// multiple lists, as long as they have different indices.
type CEntry struct {
	fn    func() error
	lists [clistMax]*CList
}

// NewCEntry creates a cleanup entry invoking fn when flushed.
func NewCEntry(fn func() error) *CEntry {
	return &CEntry{fn: fn}
}

// CList is a cleanup list. Flushing it tears down every registered entry and
// unlinks each from all lists it inhabits, so an entry runs exactly once no
// matter which of its owners dies first.
type CList struct {
	index   int
	entries []*CEntry
}

// NewCList creates a cleanup list with the given index.
func NewCList(index int) *CList {
	return &CList{index: index}
}

// Add inserts an entry into the list.
func (l *CList) Add(e *CEntry) {
	if e.lists[l.index] != nil {
		panic("cleanup entry already in a list with this index")
	}
	e.lists[l.index] = l
	l.entries = append(l.entries, e)
}

// Flush unlinks and invokes all entries. Any entry failure renders the
// result inconsistent, but all entries are still attempted.
func (l *CList) Flush() error {
	var err error
	for len(l.entries) > 0 {
		e := l.entries[0]
		for _, owner := range e.lists {
			if owner != nil {
				owner.remove(e)
			}
		}
		e.lists = [clistMax]*CList{}
		util.Inconsistent(&err, e.fn())
	}
	return err
}

func (l *CList) remove(e *CEntry) {
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}
