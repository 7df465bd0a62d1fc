package model

import (
	"github.com/overnet-network/overnet/pkg/nl"
)

// dialKernel opens the rtnetlink socket used by lazily-connected contexts.
func dialKernel() (nl.Conn, error) {
	return nl.Dial()
}
