package membuf

import "context"

// ProtocolResult is the worker-facing outcome of a remote coherence
// request — this package's own small vocabulary for the wire.Result
// codes, kept independent of the wire package so that this core package
// never needs to import the coherence protocol's wire format (layering:
// wire and coherence depend on membuf, not the other way around).
type ProtocolResult uint8

const (
	ResultWithPage ProtocolResult = iota
	ResultWithPageSharedConflict
	ResultNoPage
	ResultNoPageSharedConflict
	ResultNoPageExclusiveConflict
	ResultNoPageEvicted
	ResultNoPageEvictedWithCopy
	ResultUpdateFailed
	ResultUpdateSucceed
	ResultUpdateSucceedWithSharedConflict
	ResultCopyFailedWithRestart
	ResultCopyFailedWithInvalidation
)

// RemoteClient is the worker API's only dependency on the coherence
// protocol, injected rather than reached through a package-level
// singleton. The coherence package provides the concrete implementation;
// tests substitute a scripted fake.
type RemoteClient interface {
	// RequestPossession asks pid's owner (or, for SHARED when this node
	// already negotiated a conflict, the named conflicting node) for
	// shared or exclusive possession. page is populated when result
	// carries page bytes.
	RequestPossession(ctx context.Context, pid PID, exclusive bool, self NodeID) (result ProtocolResult, page []byte, conflictingNode NodeID, pVersion uint64, err error)

	// RequestCopy issues a PCR against fromNode to fetch a read-only copy
	// without taking possession.
	RequestCopy(ctx context.Context, pid PID, fromNode NodeID, self NodeID) (result ProtocolResult, page []byte, err error)

	// RequestUpdate issues a PUR, invalidating other shared copies and
	// becoming exclusive.
	RequestUpdate(ctx context.Context, pid PID, pVersion uint64, self NodeID) (result ProtocolResult, sharedConflicts []NodeID, err error)

	// RequestMove issues a PMR against node: its frame for pid is torn
	// down and possession transfers to this node, with the page bytes
	// coming along when needPage is set. With needPage false it is the
	// invalidation fan-out primitive after a PUR named shared conflicts.
	RequestMove(ctx context.Context, pid PID, node NodeID, needPage bool, self NodeID) (result ProtocolResult, page []byte, err error)

	// AllocateRemote issues a RAR to node, returning the pid it minted.
	AllocateRemote(ctx context.Context, node NodeID) (PID, error)
}
