//go:build !linux

package model

import (
	"github.com/overnet-network/overnet/pkg/nl"
	"github.com/overnet-network/overnet/pkg/util"
)

// dialKernel fails on platforms without rtnetlink. Contexts still work with
// an explicitly provided connection.
func dialKernel() (nl.Conn, error) {
	return nil, util.ErrOs
}
