// Package model implements the declarative overlay network model: the
// object graph (context, settings, networks, physes, attachments, virts and
// their rules), the per-object state machine, the validation pass and the
// differential commit engine that drives the per-network-type operations.
package model

// State tracks the lifecycle of every mutable model object with respect to
// the kernel state installed for it.
type State int

// Object states.
const (
	// StateNew marks an object that is being committed for the first time.
	StateNew State = iota
	// StateRenew marks a committed object whose kernel state must be
	// reinstalled.
	StateRenew
	// StateDelete marks a committed object awaiting deletion.
	StateDelete
	// StateOK marks an object whose kernel state matches the model.
	StateOK
	// StateErr marks an object whose commit failed recoverably; it keeps its
	// previous kernel state and the commit can be retried.
	StateErr
	// StateFail marks an object whose decommit failed. The whole context is
	// inconsistent at that point.
	StateFail
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRenew:
		return "renew"
	case StateDelete:
		return "delete"
	case StateOK:
		return "ok"
	case StateErr:
		return "err"
	case StateFail:
		return "fail"
	}
	return "unknown"
}

// renew moves an object from OK to RENEW. Objects still in NEW or RENEW keep
// their state; mutating a deleted object is a programming error.
func renew(s *State) {
	if *s == StateDelete {
		panic("mutating an object marked for deletion")
	}
	if *s == StateOK {
		*s = StateRenew
	}
}

// propagate extends a pending renewal downward: if from is slated for
// renewal and to is OK, to is renewed too.
func propagate(from, to *State) {
	if *from == StateRenew && *to == StateOK {
		*to = StateRenew
	}
}

// ackState marks an object as committed after its rules were processed.
func ackState(s *State) {
	if *s == StateNew || *s == StateRenew {
		*s = StateOK
	}
}

// ackDecommit decides whether an object takes part in the decommit phase.
// DELETE objects are decommitted and later freed; RENEW objects are
// decommitted and drop back to NEW for the recommit phase.
func ackDecommit(s *State) bool {
	switch *s {
	case StateDelete:
		return true
	case StateRenew:
		*s = StateNew
		return true
	}
	return false
}

// stateOK reports whether an object is usable for dependent commits.
func stateOK(s State) bool {
	return s == StateOK || s == StateNew
}

// shouldValidate reports whether validation applies to an object.
func shouldValidate(s State) bool {
	return s == StateNew || s == StateRenew
}

// willDelete reports whether the object is going away.
func willDelete(s State) bool {
	return s == StateDelete
}
