package coherence

import (
	"encoding/binary"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/wire"
)

// The wire message structs in package wire describe the protocol's shape;
// encoding them as fixed packed layouts (one byte type tag, then uint64
// fields) is a small mechanical concern kept here rather than inside wire
// itself, since only the transport-facing coherence handler needs to
// serialize them.

func encodeU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:off+8], v) }
func decodeU64(buf []byte, off int) uint64    { return binary.LittleEndian.Uint64(buf[off : off+8]) }

func encodePossessionRequest(msgType wire.MessageType, pid membuf.PID, remoteOffset uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = byte(msgType)
	encodeU64(buf, 1, uint64(pid))
	encodeU64(buf, 9, remoteOffset)
	return buf
}

func decodePossessionRequest(buf []byte) wire.PossessionRequest {
	return wire.PossessionRequest{
		Type:         wire.MessageType(buf[0]),
		PID:          membuf.PID(decodeU64(buf, 1)),
		RemoteOffset: decodeU64(buf, 9),
	}
}

func encodePossessionResponse(msgType wire.MessageType, result wire.Result, pVersion uint64, conflicting uint64) []byte {
	buf := make([]byte, 26)
	buf[0] = byte(msgType)
	buf[1] = byte(result)
	encodeU64(buf, 2, pVersion)
	encodeU64(buf, 10, conflicting)
	buf[18] = 1 // receive flag
	return buf
}

func decodePossessionResponse(buf []byte) wire.PossessionResponse {
	return wire.PossessionResponse{
		Type:            wire.MessageType(buf[0]),
		Result:          wire.Result(buf[1]),
		PVersion:        decodeU64(buf, 2),
		ConflictingNode: decodeU64(buf, 10),
		ReceiveFlag:     buf[18],
	}
}

func encodeMoveRequest(pid membuf.PID, needPage bool, remoteOffset, pVersion uint64) []byte {
	buf := make([]byte, 26)
	buf[0] = byte(wire.MsgPMR)
	encodeU64(buf, 1, uint64(pid))
	if needPage {
		buf[9] = 1
	}
	encodeU64(buf, 10, remoteOffset)
	encodeU64(buf, 18, pVersion)
	return buf
}

func decodeMoveRequest(buf []byte) wire.PossessionMoveRequest {
	return wire.PossessionMoveRequest{
		Type:         wire.MessageType(buf[0]),
		PID:          membuf.PID(decodeU64(buf, 1)),
		NeedPage:     buf[9] == 1,
		RemoteOffset: decodeU64(buf, 10),
		PVersion:     decodeU64(buf, 18),
	}
}

func encodeMoveResponse(result wire.Result) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(wire.MsgPMRR)
	buf[1] = byte(result)
	buf[2] = 1
	return buf
}

func encodeCopyRequest(pid membuf.PID, remoteOffset, pVersion uint64) []byte {
	buf := make([]byte, 25)
	buf[0] = byte(wire.MsgPCR)
	encodeU64(buf, 1, uint64(pid))
	encodeU64(buf, 9, remoteOffset)
	encodeU64(buf, 17, pVersion)
	return buf
}

func decodeCopyRequest(buf []byte) wire.PossessionCopyRequest {
	return wire.PossessionCopyRequest{
		Type:         wire.MessageType(buf[0]),
		PID:          membuf.PID(decodeU64(buf, 1)),
		RemoteOffset: decodeU64(buf, 9),
		PVersion:     decodeU64(buf, 17),
	}
}

func encodeCopyResponse(result wire.Result) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(wire.MsgPCRR)
	buf[1] = byte(result)
	buf[2] = 1
	return buf
}

func encodeUpdateRequest(pid membuf.PID, pVersion uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = byte(wire.MsgPUR)
	encodeU64(buf, 1, uint64(pid))
	encodeU64(buf, 9, pVersion)
	return buf
}

func decodeUpdateRequest(buf []byte) wire.UpdateRequest {
	return wire.UpdateRequest{
		Type:     wire.MessageType(buf[0]),
		PID:      membuf.PID(decodeU64(buf, 1)),
		PVersion: decodeU64(buf, 9),
	}
}

func encodeUpdateResponse(result wire.Result, sharedConflicts uint64) []byte {
	buf := make([]byte, 18)
	buf[0] = byte(wire.MsgPURR)
	buf[1] = byte(result)
	encodeU64(buf, 2, sharedConflicts)
	buf[10] = 1
	return buf
}

func decodeUpdateResponse(buf []byte) wire.UpdateResponse {
	return wire.UpdateResponse{
		Type:            wire.MessageType(buf[0]),
		Result:          wire.Result(buf[1]),
		SharedConflicts: decodeU64(buf, 2),
		ReceiveFlag:     buf[10],
	}
}

func encodeForwardRequest(pid membuf.PID, mode wire.MessageType, remoteOffset uint64, origin uint64) []byte {
	buf := make([]byte, 26)
	buf[0] = byte(wire.MsgPRFR)
	encodeU64(buf, 1, uint64(pid))
	buf[9] = byte(mode)
	encodeU64(buf, 10, remoteOffset)
	encodeU64(buf, 18, origin)
	return buf
}

func encodeDelegationRequest(bmID, mbOffset, plOffset uint64) []byte {
	buf := make([]byte, 25)
	buf[0] = byte(wire.MsgDR)
	encodeU64(buf, 1, bmID)
	encodeU64(buf, 9, mbOffset)
	encodeU64(buf, 17, plOffset)
	return buf
}

func encodeRemoteAllocRequest() []byte { return []byte{byte(wire.MsgRAR)} }

func encodeRemoteAllocResponse(pid membuf.PID) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(wire.MsgRARR)
	encodeU64(buf, 1, uint64(pid))
	buf[9] = 1
	return buf
}

func decodeRemoteAllocResponse(buf []byte) wire.RemoteAllocResponse {
	return wire.RemoteAllocResponse{
		Type:        wire.MessageType(buf[0]),
		PID:         membuf.PID(decodeU64(buf, 1)),
		ReceiveFlag: buf[9],
	}
}

func encodeFinish() []byte { return []byte{byte(wire.MsgFinish)} }

// encodeEvictionRequest packs a batched eviction notice: a count followed
// by (pid, offset, pVersion) triples, one per entry. Unlike the fixed
// 32-byte messages above, this grows with batch size (bounded by
// wire.EvictionBatchSize), so it travels over the same length-prefixed
// PostSend frame rather than the small-message byte budget.
func encodeEvictionRequest(req wire.EvictionRequest) []byte {
	n := len(req.Entries)
	buf := make([]byte, 9+n*24)
	buf[0] = byte(wire.MsgEvictionRequest)
	encodeU64(buf, 1, uint64(n))
	off := 9
	for _, e := range req.Entries {
		encodeU64(buf, off, uint64(e.PID))
		encodeU64(buf, off+8, e.Offset)
		encodeU64(buf, off+16, e.PVersion)
		off += 24
	}
	return buf
}

func decodeEvictionRequest(buf []byte) wire.EvictionRequest {
	n := int(decodeU64(buf, 1))
	entries := make([]wire.EvictionEntry, 0, n)
	off := 9
	for i := 0; i < n; i++ {
		entries = append(entries, wire.EvictionEntry{
			PID:      membuf.PID(decodeU64(buf, off)),
			Offset:   decodeU64(buf, off+8),
			PVersion: decodeU64(buf, off+16),
		})
		off += 24
	}
	return wire.EvictionRequest{Entries: entries}
}

// encodeEvictionResponse packs the subset of requested pids the owner
// confirmed it has released bookkeeping for.
func encodeEvictionResponse(confirmed []membuf.PID) []byte {
	n := len(confirmed)
	buf := make([]byte, 9+n*8)
	buf[0] = byte(wire.MsgEvictionResponse)
	encodeU64(buf, 1, uint64(n))
	off := 9
	for _, pid := range confirmed {
		encodeU64(buf, off, uint64(pid))
		off += 8
	}
	return buf
}

func decodeEvictionResponse(buf []byte) []membuf.PID {
	n := int(decodeU64(buf, 1))
	out := make([]membuf.PID, 0, n)
	off := 9
	for i := 0; i < n; i++ {
		out = append(out, membuf.PID(decodeU64(buf, off)))
		off += 8
	}
	return out
}
