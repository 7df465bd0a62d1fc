package model

import (
	"errors"

	"github.com/overnet-network/overnet/pkg/util"
)

// markCommitErr classifies a hook result against an object's state. It
// returns true when the caller must stop working on the object.
//
// Recoverable failures (netlink or allocation errors during recommit) mark
// the object ERR: it keeps its previous kernel state and a later commit can
// retry it. Failures flagged fatal — netlink errors during decommit — and
// inconsistencies mark the object FAIL and poison the whole context.
func markCommitErr(ctx *Context, s *State, ref ProblemRef, fatal bool, err error) bool {
	if *s == StateFail {
		return true
	}
	switch {
	case err == nil:
		return false
	case errors.Is(err, util.ErrInconsistent) || (fatal && errors.Is(err, util.ErrNetlink)):
		*s = StateFail
		ctx.inconsistent = true
		ctx.report(ProblemCommitNetlinkCleanup, ref)
		return true
	case errors.Is(err, util.ErrNoMem):
		*s = StateErr
		ctx.report(ProblemCommitNomem, ref)
		return true
	default:
		*s = StateErr
		ctx.report(ProblemCommitNetlink, ref)
		return true
	}
}

// Commit calculates the difference between the current model and the state
// committed previously, and applies it to the kernel. After a successful
// return the current model is in effect.
//
// Commit first validates the model (returning ErrValidate on problems
// without touching the kernel), then works in two phases: the decommit
// phase removes kernel rules of modified or deleted objects (freeing the
// deleted ones), and the recommit phase installs rules for new objects and
// for renewed objects whose rules were just removed.
//
// A failure during recommit leaves the kernel in a mixed state: committed
// objects stay, failed objects are marked and reported, and ErrCommit is
// returned — retrying the commit is meaningful. A failure during decommit
// is not recoverable; ErrInconsistent is returned and the only way forward
// is to tear down the model and rebuild from scratch.
func (ctx *Context) Commit(cb ProblemFn) error {
	ctx.triggerStartupHooks()

	// Objects that failed recoverably are retried from scratch.
	ctx.sweepErrStates()

	if err := ctx.Validate(cb); err != nil {
		return err
	}

	if err := ctx.ensureSocket(); err != nil {
		ctx.report(ProblemNoNlsock)
		return err
	}

	ctx.decommitPhase()
	ctx.recommitPhase()
	ctx.ackPhase()

	switch {
	case ctx.inconsistent:
		return util.ErrInconsistent
	case ctx.problemCount > 0:
		return util.ErrCommit
	default:
		return nil
	}
}

// sweepErrStates drops ERR objects back to NEW so a retry picks them up.
// Their previous kernel state, if any, was rolled back when the error was
// classified.
func (ctx *Context) sweepErrStates() {
	reset := func(s *State) {
		if *s == StateErr {
			*s = StateNew
		}
	}
	for _, s := range ctx.settings {
		reset(&s.state)
	}
	for _, p := range ctx.physes {
		reset(&p.state)
	}
	for _, n := range ctx.networks {
		reset(&n.state)
		for _, pa := range n.attached {
			reset(&pa.state)
		}
		for _, v := range n.virts {
			reset(&v.state)
			for _, prios := range []map[uint16]*vrPrio{v.vrPriosIn, v.vrPriosOut} {
				for _, group := range prios {
					for _, vr := range group.rules {
						reset(&vr.state)
					}
				}
			}
		}
	}
}

// triggerStartupHooks fires the user startup hooks for every (local phys,
// attached network) pair.
func (ctx *Context) triggerStartupHooks() {
	for _, p := range ctx.physes {
		if !p.isLocal {
			continue
		}
		for _, a := range p.attachedTo {
			hooks := a.net.settings.userHooks
			if hooks != nil && hooks.Startup != nil {
				hooks.Startup(a.net, p)
			}
		}
	}
}

// decommitPhase removes kernel state of deleted and renewed objects, in
// depth order virt, attachment, network, then phys and settings. Deleted
// objects are freed; renewed ones drop to NEW for the recommit phase.
func (ctx *Context) decommitPhase() {
	for _, n := range snapshot(ctx.networks) {
		for _, v := range snapshot(n.virts) {
			wasDelete := v.state == StateDelete
			if ackDecommit(&v.state) {
				ctx.decommitVirt(v)
				if wasDelete && v.state == StateDelete {
					v.doFree()
				}
			} else {
				v.decommitDeletedRules(ctx)
			}
		}
		for _, pa := range snapshot(n.attached) {
			wasDelete := pa.state == StateDelete
			if ackDecommit(&pa.state) {
				ctx.decommitPA(pa)
				if wasDelete && pa.state == StateDelete {
					pa.doFree()
				}
			}
		}
		if ackDecommit(&n.state) && n.state == StateDelete {
			n.doFree()
		}
	}

	for _, p := range snapshot(ctx.physes) {
		if ackDecommit(&p.state) && p.state == StateDelete {
			p.doFree()
		}
	}

	for _, s := range snapshot(ctx.settings) {
		if ackDecommit(&s.state) && s.state == StateDelete {
			s.doFree()
		}
	}
}

// recommitPhase installs kernel state for the local physes' attachments.
func (ctx *Context) recommitPhase() {
	for _, p := range ctx.physes {
		p.committedAsLocal = p.isLocal
		if !p.isLocal {
			continue
		}
		for _, pa := range snapshot(p.attachedTo) {
			ctx.commitPA(pa)
		}
	}
}

// ackPhase promotes every object that survived both phases to OK. A local
// virt left pending because the commit stopped before reaching it keeps its
// state, so the next commit attempts it.
func (ctx *Context) ackPhase() {
	for _, s := range ctx.settings {
		ackState(&s.state)
	}
	for _, p := range ctx.physes {
		ackState(&p.state)
	}
	for _, n := range ctx.networks {
		ackState(&n.state)
		for _, pa := range n.attached {
			ackState(&pa.state)
		}
		for _, v := range n.virts {
			if v.state == StateNew && !v.locallySatisfied() {
				continue
			}
			ackState(&v.state)
		}
	}
}

// locallySatisfied reports whether a NEW virt's local kernel state exists:
// either nothing was required (unconnected, or connected through a remote
// phys) or add_virt succeeded and recorded the committed attachment.
func (v *Virt) locallySatisfied() bool {
	if v.connectedThrough == nil || !v.connectedThrough.phys.isLocal {
		return true
	}
	return v.committedTo != nil
}

// commitPA realises one local attachment: the attachment itself, its
// connected virts with their policers and rules, then the views of every
// other attachment in the network and of the virts residing there. After an
// object fails, its dependents are not attempted.
func (ctx *Context) commitPA(pa *PhysAttachment) {
	ops := pa.net.settings.ops

	if pa.state == StateNew {
		util.Debugf(util.DebugNetOps, "create_pa(net = %s, phys = %s)",
			pa.net.name.str, pa.phys.name.str)
		markCommitErr(ctx, &pa.state, paRef(pa), false, ops.CreatePA(pa))
	}
	if !stateOK(pa.state) {
		return
	}

	for _, v := range pa.connectedVirts {
		if v.state == StateNew {
			oldCommittedTo := v.committedTo
			oldCommittedIf := v.committedIf
			v.committedTo = pa
			v.committedIf = v.connectedIf

			util.Debugf(util.DebugNetOps, "add_virt(net = %s, phys = %s, virt = %s (%s))",
				pa.net.name.str, pa.phys.name.str, v.name.str, v.connectedIf.Name)
			if markCommitErr(ctx, &v.state, virtRef(v), false, ops.AddVirt(v)) {
				v.committedIf = oldCommittedIf
				v.committedTo = oldCommittedTo
				// Virts behind the failed one are left pending; a retry
				// picks them up along with this one.
				break
			}

			if markCommitErr(ctx, &v.state, virtRef(v), false, v.commitRates()) {
				if v.state == StateErr {
					// Roll the virt's kernel state back entirely.
					if err := ops.RemoveVirt(v); err != nil {
						v.state = StateFail
						ctx.inconsistent = true
						break
					}
					v.committedIf = oldCommittedIf
					v.committedTo = oldCommittedTo
				}
				break
			}
		}
		if stateOK(v.state) {
			if markCommitErr(ctx, &v.state, virtRef(v), false,
				v.commitRules(v.vrPriosIn, DirIn)) {
				continue
			}
			markCommitErr(ctx, &v.state, virtRef(v), false,
				v.commitRules(v.vrPriosOut, DirOut))
		}
	}

	for _, remote := range pa.net.attached {
		if remote == pa {
			continue
		}
		if pa.state != StateNew && remote.state != StateNew {
			continue
		}

		rpa := &RemotePA{local: pa, remote: remote}
		remote.paViews = append(remote.paViews, rpa)
		pa.remotePAs = append(pa.remotePAs, rpa)
		util.Debugf(util.DebugNetOps, "add_remote_pa(net = %s, local_phys = %s, remote_phys = %s)",
			pa.net.name.str, pa.phys.name.str, remote.phys.name.str)
		if markCommitErr(ctx, &remote.state, paRef(remote), false, ops.AddRemotePA(rpa)) {
			remote.paViews = removeItem(remote.paViews, rpa)
			pa.remotePAs = removeItem(pa.remotePAs, rpa)
			ctx.decommitPA(remote)
			continue
		}
	}

	for _, remote := range snapshot(pa.remotePAs) {
		for _, v := range remote.remote.connectedVirts {
			if pa.state != StateNew && v.state != StateNew {
				continue
			}
			rvirt := &RemoteVirt{pa: remote, virt: v}
			v.views = append(v.views, rvirt)
			remote.remoteVirts = append(remote.remoteVirts, rvirt)
			util.Debugf(util.DebugNetOps,
				"add_remote_virt(net = %s, local_phys = %s, remote_phys = %s, virt = %s)",
				pa.net.name.str, pa.phys.name.str, remote.remote.phys.name.str, v.name.str)
			if markCommitErr(ctx, &v.state, virtRef(v), false, ops.AddRemoteVirt(rvirt)) {
				ctx.decommitVirt(v)
			}
		}
	}
}

// decommitRemoteVirt removes one remote-virt view.
func (ctx *Context) decommitRemoteVirt(rv *RemoteVirt) {
	ops := rv.virt.network.settings.ops
	util.Debugf(util.DebugNetOps,
		"remove_remote_virt(net = %s, local_phys = %s, remote_phys = %s, virt = %s)",
		rv.virt.network.name.str, rv.pa.local.phys.name.str,
		rv.pa.remote.phys.name.str, rv.virt.name.str)
	markCommitErr(ctx, &rv.virt.state, virtRef(rv.virt), true, ops.RemoveRemoteVirt(rv))
	rv.pa.remoteVirts = removeItem(rv.pa.remoteVirts, rv)
	rv.virt.views = removeItem(rv.virt.views, rv)
}

// decommitVirt removes a virt's kernel state: policers, rules, the views
// other attachments hold of it, and finally the virt itself.
func (ctx *Context) decommitVirt(v *Virt) {
	ops := v.network.settings.ops
	pa := v.committedTo

	v.decommitRates()
	markCommitErr(ctx, &v.state, virtRef(v), true, v.decommitRules(v.vrPriosIn, DirIn))
	markCommitErr(ctx, &v.state, virtRef(v), true, v.decommitRules(v.vrPriosOut, DirOut))

	for _, rv := range snapshot(v.views) {
		ctx.decommitRemoteVirt(rv)
	}

	if pa != nil {
		util.Debugf(util.DebugNetOps, "remove_virt(net = %s, phys = %s, virt = %s (%s))",
			pa.net.name.str, pa.phys.name.str, v.name.str, v.committedIf.Name)
		markCommitErr(ctx, &v.state, virtRef(v), true, ops.RemoveVirt(v))
		v.committedTo = nil
		v.committedIf.Reset()
	}
}

// decommitRemotePA removes one remote-PA view with all its remote virts.
func (ctx *Context) decommitRemotePA(rpa *RemotePA) {
	local := rpa.local
	remote := rpa.remote
	ops := local.net.settings.ops

	for _, rv := range snapshot(rpa.remoteVirts) {
		ctx.decommitRemoteVirt(rv)
	}

	util.Debugf(util.DebugNetOps, "remove_remote_pa(net = %s, local_phys = %s, remote_phys = %s)",
		local.net.name.str, local.phys.name.str, remote.phys.name.str)
	markCommitErr(ctx, &remote.state, paRef(remote), true, ops.RemoveRemotePA(rpa))
	remote.paViews = removeItem(remote.paViews, rpa)
	local.remotePAs = removeItem(local.remotePAs, rpa)
}

// decommitPA removes an attachment's kernel state: the views in both
// directions, then the attachment itself if it was realised locally.
func (ctx *Context) decommitPA(pa *PhysAttachment) {
	ops := pa.net.settings.ops

	for _, rpa := range snapshot(pa.paViews) {
		ctx.decommitRemotePA(rpa)
	}
	for _, rpa := range snapshot(pa.remotePAs) {
		ctx.decommitRemotePA(rpa)
	}

	if pa.phys.committedAsLocal {
		util.Debugf(util.DebugNetOps, "destroy_pa(net = %s, phys = %s)",
			pa.net.name.str, pa.phys.name.str)
		markCommitErr(ctx, &pa.state, paRef(pa), true, ops.DestroyPA(pa))
	}
}
