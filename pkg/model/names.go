package model

import (
	"github.com/overnet-network/overnet/pkg/util"
)

// nameScope enforces name uniqueness within one scope: physes, networks and
// settings per context, virts per network.
type nameScope struct {
	scope string
	taken map[string]bool
}

func newNameScope(scope string) *nameScope {
	return &nameScope{scope: scope, taken: make(map[string]bool)}
}

// objName is a registered name within a scope.
type objName struct {
	str   string
	scope *nameScope
}

// set updates the name, checking uniqueness within the scope. Setting the
// same name again is a no-op.
func (n *objName) set(scope *nameScope, str string) error {
	if n.str == str && n.scope == scope {
		return nil
	}
	if scope.taken[str] {
		return util.NewDuplicateError(scope.scope, str)
	}
	n.free()
	n.str = str
	n.scope = scope
	scope.taken[str] = true
	return nil
}

// free releases the name from its scope.
func (n *objName) free() {
	if n.scope != nil {
		delete(n.scope.taken, n.str)
	}
	n.str = ""
	n.scope = nil
}

func (n *objName) String() string {
	return n.str
}
