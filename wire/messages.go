// Package wire defines the fixed-size, packed message types exchanged
// between a node's coherence handler and its peers, and the page-provider
// eviction batch types.
package wire

import "github.com/scalestore-go/membuf"

// MessageType is the one-byte discriminator every message starts with.
type MessageType uint8

const (
	MsgFinish MessageType = iota
	MsgDR                 // delegation registration request
	MsgDRR                // delegation registration response
	MsgPRS                // possession request, shared
	MsgPRRS               // possession response, shared
	MsgPRX                // possession request, exclusive
	MsgPRRX               // possession response, exclusive
	MsgPMR                // possession move request
	MsgPMRR               // possession move response
	MsgPCR                // possession copy request
	MsgPCRR               // possession copy response
	MsgPUR                // update request (shared -> exclusive)
	MsgPURR               // update response
	MsgRAR                // remote allocation request
	MsgRARR               // remote allocation response
	MsgPRFR               // possession request forward
	MsgPRFRR              // possession request forward response
	MsgEvictionRequest    // page provider -> owner: batched eviction notice
	MsgEvictionResponse   // owner -> page provider: batched eviction ack
)

// Result is the outcome code carried on a possession/copy/update response.
type Result uint8

const (
	ResultWithPage Result = iota
	ResultNoPage
	ResultNoPageSharedConflict
	ResultNoPageExclusiveConflict
	ResultWithPageSharedConflict
	ResultNoPageEvicted
	ResultUpdateFailed
	ResultUpdateSucceed
	ResultUpdateSucceedWithSharedConflict
	ResultCopyFailedWithRestart
	ResultCopyFailedWithInvalidation
)

// MaxMessageSize bounds every fixed-size wire message to 32 bytes, the
// size of one mailbox payload slot. Eviction batches are variable-length
// and are not bounded by it.
const MaxMessageSize = 32

// Finish tells a handler to decrement its connected-clients counter.
type Finish struct {
	Type MessageType
}

// DelegationRequest registers a peer's mailbox/payload offsets so this
// handler may forward requests to it without a direct connection.
type DelegationRequest struct {
	Type     MessageType
	BMID     uint64
	MBOffset uint64
	PLOffset uint64
}

// DelegationResponse acknowledges a DelegationRequest.
type DelegationResponse struct {
	Type MessageType
}

// PossessionRequest is PRS/PRX: request shared or exclusive possession of
// PID. RemoteOffset is where the responder should RDMA-write the page
// bytes.
type PossessionRequest struct {
	Type         MessageType
	PID          membuf.PID
	RemoteOffset uint64
}

// PossessionResponse is PRRS/PRRX.
type PossessionResponse struct {
	Type             MessageType
	Result           Result
	PVersion         uint64
	ConflictingNode  uint64 // 8 bytes on the wire for alignment; only the low 8 bits are meaningful
	ReceiveFlag      uint8
}

// PossessionMoveRequest is PMR: transfer ownership to the requester and
// have the responder drop its local frame.
type PossessionMoveRequest struct {
	Type         MessageType
	PID          membuf.PID
	NeedPage     bool
	RemoteOffset uint64
	PVersion     uint64
}

// PossessionMoveResponse is PMRR.
type PossessionMoveResponse struct {
	Type        MessageType
	Result      Result
	ReceiveFlag uint8
}

// PossessionCopyRequest is PCR: RDMA-write the page, keep the frame
// shared.
type PossessionCopyRequest struct {
	Type         MessageType
	PID          membuf.PID
	RemoteOffset uint64
	PVersion     uint64
}

// PossessionCopyResponse is PCRR.
type PossessionCopyResponse struct {
	Type        MessageType
	Result      Result
	ReceiveFlag uint8
}

// UpdateRequest is PUR: invalidate the responder's shared copy and make
// the requester exclusive.
type UpdateRequest struct {
	Type     MessageType
	PID      membuf.PID
	PVersion uint64
}

// UpdateResponse is PURR.
type UpdateResponse struct {
	Type            MessageType
	Result          Result
	SharedConflicts uint64 // bitmap of nodes the requester must additionally invalidate
	ReceiveFlag     uint8
}

// RemoteAllocRequest is RAR: ask a remote node to allocate a fresh pid on
// the requester's behalf.
type RemoteAllocRequest struct {
	Type MessageType
}

// RemoteAllocResponse is RARR.
type RemoteAllocResponse struct {
	Type        MessageType
	PID         membuf.PID
	ReceiveFlag uint8
}

// PossessionForwardRequest is PRFR: bounce a request this handler cannot
// service to the node it believes is authoritative, sparing the client an
// end-to-end retry.
type PossessionForwardRequest struct {
	Type         MessageType
	PID          membuf.PID
	Mode         MessageType // MsgPRS or MsgPRX
	RemoteOffset uint64
	OriginNode   uint64
}

// PossessionForwardResponse is PRFRR.
type PossessionForwardResponse struct {
	Type        MessageType
	Forwarded   bool
	ReceiveFlag uint8
}

// EvictionEntry is one (pid, offset, pVersion) tuple inside an eviction
// batch.
type EvictionEntry struct {
	PID      membuf.PID
	Offset   uint64
	PVersion uint64
}

// EvictionBatchSize caps the entries one eviction message carries, keeping
// each send small enough that batching never adds meaningful latency.
const EvictionBatchSize = 32

// EvictionRequest is a page provider asking a remote owner to drop frames.
type EvictionRequest struct {
	BMID    uint64
	PID     uint64 // originating partition/connection id
	Entries []EvictionEntry
}

// Full reports the request has reached EvictionBatchSize entries.
func (r *EvictionRequest) Full() bool { return len(r.Entries) >= EvictionBatchSize }

// Add appends one entry; callers must check Full first.
func (r *EvictionRequest) Add(e EvictionEntry) { r.Entries = append(r.Entries, e) }

// EvictionResponse confirms which pids the owner accepted back.
type EvictionResponse struct {
	BMID uint64
	PID  uint64
	PIDs []membuf.PID
}

// Full reports the response has reached EvictionBatchSize entries.
func (r *EvictionResponse) Full() bool { return len(r.PIDs) >= EvictionBatchSize }

// Add appends one accepted pid.
func (r *EvictionResponse) Add(p membuf.PID) { r.PIDs = append(r.PIDs, p) }
