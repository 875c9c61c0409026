package transport

import (
	"github.com/google/uuid"
)

// Handshake is the mailbox/payload address exchange every connection
// completes before steady-state one-sided traffic can begin: each side
// announces where the other may write requests and responses.
type Handshake struct {
	ConnID        string
	MBOffset      uint64
	PLOffset      uint64
	RespMBOffset  uint64
	RespPLOffset  uint64
}

// NewHandshake tags a fresh connection with a uuid, standing in for
// per-connection correlation since this fabric has no kernel-level
// connection manager to assign an id.
func NewHandshake(mb, pl, respMB, respPL uint64) Handshake {
	return Handshake{
		ConnID:       uuid.NewString(),
		MBOffset:     mb,
		PLOffset:     pl,
		RespMBOffset: respMB,
		RespPLOffset: respPL,
	}
}
