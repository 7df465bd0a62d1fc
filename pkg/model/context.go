package model

import (
	"errors"
	"fmt"

	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/rules"
	"github.com/overnet-network/overnet/pkg/util"
)

// NomemFn handles allocation failures reported through the context.
type NomemFn func()

// Context is the top-level object encompassing the whole network topology:
// virtual networks, physical host connections and the settings bundles that
// configure them. Only one context typically exists in a controller process.
//
// The same objects describe both local and remote machines; every host in
// the fleet holds the same model and differs only in which phys it claims
// local. All operations on a context must be serialised by the caller.
type Context struct {
	name string

	physNames     *nameScope
	netNames      *nameScope
	settingsNames *nameScope

	// Ordered lists of children. Iteration order is insertion order, so the
	// kernel request log of a commit is reproducible.
	settings []*Settings
	networks []*Network
	physes   []*Phys

	// env carries the kernel connection and the decommit-disable flag into
	// the rule compiler and the bridge helpers.
	env  rules.Env
	dial func() (nl.Conn, error)

	problemFn    ProblemFn
	problemCount int
	inconsistent bool

	nomemFn  NomemFn
	objCount int
}

// NewContext creates an empty context. The kernel socket is opened lazily on
// first commit.
func NewContext(name string) *Context {
	ctx := &Context{
		name:          name,
		physNames:     newNameScope("phys"),
		netNames:      newNameScope("network"),
		settingsNames: newNameScope("settings"),
	}
	ctx.dial = dialKernel
	return ctx
}

// SetConn substitutes the kernel connection, replacing the lazily dialed
// rtnetlink socket. Used by integrators and tests that bring their own
// kernel.
func (ctx *Context) SetConn(conn nl.Conn) {
	ctx.env.Conn = conn
}

// Name returns the context name, the prefix of all generated object names.
func (ctx *Context) Name() string {
	return ctx.name
}

// Inconsistent reports whether a failed decommit has left the model
// inconsistent with kernel state.
func (ctx *Context) Inconsistent() bool {
	return ctx.inconsistent
}

// SetNomemCallback configures a callback invoked when an allocation-style
// failure occurs, before the error is returned.
func (ctx *Context) SetNomemCallback(fn NomemFn) {
	ctx.nomemFn = fn
}

// AbortOnNomem makes allocation failures fatal. Recommended unless the
// caller has a specific way to handle them.
func (ctx *Context) AbortOnNomem() {
	ctx.SetNomemCallback(func() {
		util.Logger.Fatal("overnet: cannot allocate memory")
	})
}

// retErr funnels errors through the out-of-memory callback.
func (ctx *Context) retErr(err error) error {
	if err != nil && ctx.nomemFn != nil && isNomem(err) {
		ctx.nomemFn()
	}
	return err
}

func isNomem(err error) bool {
	return errors.Is(err, util.ErrNoMem)
}

// MkName generates a unique object name of the form "<ctx>-<kind>-<n>".
func (ctx *Context) MkName(kind string) string {
	ctx.objCount++
	return fmt.Sprintf("%s-%s-%d", ctx.name, kind, ctx.objCount)
}

// ensureSocket opens the kernel connection if it is not up yet.
func (ctx *Context) ensureSocket() error {
	if ctx.env.Conn != nil {
		return nil
	}
	conn, err := ctx.dial()
	if err != nil {
		return err
	}
	ctx.env.Conn = conn
	return nil
}

// Free deletes the context and all its child objects from memory without
// touching installed kernel rules. Use before exiting the process when the
// networks should keep running.
func (ctx *Context) Free() {
	ctx.env.DisableDecommit = true
	ctx.Cleanup(func(p *Problem) {
		StderrProblemHandler(p)
		util.Logger.Fatal("overnet: error while freeing the network model")
	})
}

// Cleanup deletes the context and all its child objects, decommitting their
// kernel state (unless decommit was disabled). After ErrInconsistent this is
// the only safe operation, with decommit disabled via DisableDecommit.
func (ctx *Context) Cleanup(cb ProblemFn) {
	for _, p := range snapshot(ctx.physes) {
		p.Free()
	}
	for _, s := range snapshot(ctx.settings) {
		s.Free()
	}
	ctx.Commit(cb)
	if ctx.env.Conn != nil {
		ctx.env.Conn.Close()
		ctx.env.Conn = nil
	}
}

// DisableDecommit makes all subsequent teardown skip kernel writes, keeping
// installed rules in place.
func (ctx *Context) DisableDecommit() {
	ctx.env.DisableDecommit = true
}

// Physes returns the physes in insertion order.
func (ctx *Context) Physes() []*Phys {
	return snapshot(ctx.physes)
}

// Networks returns the networks in insertion order.
func (ctx *Context) Networks() []*Network {
	return snapshot(ctx.networks)
}

// AllSettings returns the settings bundles in insertion order.
func (ctx *Context) AllSettings() []*Settings {
	return snapshot(ctx.settings)
}

// snapshot copies a child list so callers can mutate while iterating.
func snapshot[T any](list []T) []T {
	return append([]T(nil), list...)
}

// removeItem unlinks the first occurrence of item from list.
func removeItem[T comparable](list []T, item T) []T {
	for i, cur := range list {
		if cur == item {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
