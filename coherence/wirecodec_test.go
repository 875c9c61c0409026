package coherence

import (
	"testing"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/wire"
)

func TestPossessionRequestRoundTrips(t *testing.T) {
	pid := membuf.NewPID(3, 77)
	buf := encodePossessionRequest(wire.MsgPRX, pid, 0xabcd)
	got := decodePossessionRequest(buf)

	if got.Type != wire.MsgPRX || got.PID != pid || got.RemoteOffset != 0xabcd {
		t.Fatalf("decodePossessionRequest = %+v", got)
	}
}

func TestPossessionResponseRoundTrips(t *testing.T) {
	buf := encodePossessionResponse(wire.MsgPRRX, wire.ResultWithPageSharedConflict, 12, 5)
	got := decodePossessionResponse(buf)

	if got.Type != wire.MsgPRRX {
		t.Fatalf("Type = %v, want MsgPRRX", got.Type)
	}
	if got.Result != wire.ResultWithPageSharedConflict {
		t.Fatalf("Result = %v, want ResultWithPageSharedConflict", got.Result)
	}
	if got.PVersion != 12 {
		t.Fatalf("PVersion = %d, want 12", got.PVersion)
	}
	if got.ConflictingNode != 5 {
		t.Fatalf("ConflictingNode = %d, want 5", got.ConflictingNode)
	}
	if got.ReceiveFlag != 1 {
		t.Fatalf("ReceiveFlag = %d, want 1", got.ReceiveFlag)
	}
}

func TestMoveRequestRoundTrips(t *testing.T) {
	pid := membuf.NewPID(1, 9)
	buf := encodeMoveRequest(pid, true, 0x100, 42)
	got := decodeMoveRequest(buf)

	if got.Type != wire.MsgPMR || got.PID != pid {
		t.Fatalf("decodeMoveRequest = %+v", got)
	}
	if !got.NeedPage {
		t.Fatal("NeedPage did not round-trip as true")
	}
	if got.RemoteOffset != 0x100 || got.PVersion != 42 {
		t.Fatalf("decodeMoveRequest offsets = %+v", got)
	}
}

func TestMoveRequestNeedPageFalseRoundTrips(t *testing.T) {
	pid := membuf.NewPID(1, 9)
	buf := encodeMoveRequest(pid, false, 0, 0)
	got := decodeMoveRequest(buf)
	if got.NeedPage {
		t.Fatal("NeedPage did not round-trip as false")
	}
}

func TestCopyRequestRoundTrips(t *testing.T) {
	pid := membuf.NewPID(4, 2)
	buf := encodeCopyRequest(pid, 0x55, 7)
	got := decodeCopyRequest(buf)

	if got.Type != wire.MsgPCR || got.PID != pid || got.RemoteOffset != 0x55 || got.PVersion != 7 {
		t.Fatalf("decodeCopyRequest = %+v", got)
	}
}

func TestUpdateRequestRoundTrips(t *testing.T) {
	pid := membuf.NewPID(2, 3)
	buf := encodeUpdateRequest(pid, 19)
	got := decodeUpdateRequest(buf)

	if got.Type != wire.MsgPUR || got.PID != pid || got.PVersion != 19 {
		t.Fatalf("decodeUpdateRequest = %+v", got)
	}
}

func TestUpdateResponseRoundTrips(t *testing.T) {
	buf := encodeUpdateResponse(wire.ResultUpdateSucceedWithSharedConflict, 0b1010)
	got := decodeUpdateResponse(buf)

	if got.Type != wire.MsgPURR {
		t.Fatalf("Type = %v, want MsgPURR", got.Type)
	}
	if got.Result != wire.ResultUpdateSucceedWithSharedConflict {
		t.Fatalf("Result = %v, want ResultUpdateSucceedWithSharedConflict", got.Result)
	}
	if got.SharedConflicts != 0b1010 {
		t.Fatalf("SharedConflicts = %b, want 1010", got.SharedConflicts)
	}
}

func TestRemoteAllocResponseRoundTrips(t *testing.T) {
	pid := membuf.NewPID(6, 100)
	buf := encodeRemoteAllocResponse(pid)
	got := decodeRemoteAllocResponse(buf)

	if got.Type != wire.MsgRARR || got.PID != pid || got.ReceiveFlag != 1 {
		t.Fatalf("decodeRemoteAllocResponse = %+v", got)
	}
}

func TestRemoteAllocRequestIsOneByteTag(t *testing.T) {
	buf := encodeRemoteAllocRequest()
	if len(buf) != 1 || wire.MessageType(buf[0]) != wire.MsgRAR {
		t.Fatalf("encodeRemoteAllocRequest() = %v, want single-byte MsgRAR tag", buf)
	}
}

func TestFinishIsOneByteTag(t *testing.T) {
	buf := encodeFinish()
	if len(buf) != 1 || wire.MessageType(buf[0]) != wire.MsgFinish {
		t.Fatalf("encodeFinish() = %v, want single-byte MsgFinish tag", buf)
	}
}

func TestMoveResponseCarriesResultAndReceiveFlag(t *testing.T) {
	buf := encodeMoveResponse(wire.ResultWithPage)
	if wire.MessageType(buf[0]) != wire.MsgPMRR {
		t.Fatalf("buf[0] = %v, want MsgPMRR", buf[0])
	}
	if wire.Result(buf[1]) != wire.ResultWithPage {
		t.Fatalf("buf[1] = %v, want ResultWithPage", buf[1])
	}
	if buf[2] != 1 {
		t.Fatalf("buf[2] (receive flag) = %d, want 1", buf[2])
	}
}

func TestCopyResponseCarriesResultAndReceiveFlag(t *testing.T) {
	buf := encodeCopyResponse(wire.ResultCopyFailedWithRestart)
	if wire.MessageType(buf[0]) != wire.MsgPCRR {
		t.Fatalf("buf[0] = %v, want MsgPCRR", buf[0])
	}
	if wire.Result(buf[1]) != wire.ResultCopyFailedWithRestart {
		t.Fatalf("buf[1] = %v, want ResultCopyFailedWithRestart", buf[1])
	}
}
