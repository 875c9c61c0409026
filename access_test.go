package membuf

import "testing"

func newSoloFrame() *BufferFrame {
	return &BufferFrame{PID: NewPID(0, 1)}
}

func TestExclusiveAccessGrantsLatchWhenUnpossessed(t *testing.T) {
	f := newSoloFrame()
	g := &Guard{Frame: f}
	Exclusive{}.Apply(g, 0)
	if g.Retry() {
		t.Fatal("Exclusive.Apply reported retry against an uncontended frame")
	}
	if g.LatchMode != LatchExclusive {
		t.Fatalf("LatchMode = %v, want LatchExclusive", g.LatchMode)
	}
	if g.State != StateLocalPossessionChange {
		t.Fatalf("State = %v, want StateLocalPossessionChange (pid owned by node 0, unpossessed)", g.State)
	}
	Exclusive{}.Undo(g)
}

func TestExclusiveAccessRecognisesExistingPossessor(t *testing.T) {
	f := newSoloFrame()
	f.Possession = PossessionExclusive
	f.Possessors = Possessors{Exclusive: 0}
	g := &Guard{Frame: f}
	Exclusive{}.Apply(g, 0)
	if g.State != StateInitialized {
		t.Fatalf("State = %v, want StateInitialized once node 0 already holds exclusive possession", g.State)
	}
	Exclusive{}.Undo(g)
}

func TestSharedAccessGrantsSharedWhenAlreadySatisfied(t *testing.T) {
	f := newSoloFrame()
	f.Possession = PossessionShared
	f.Possessors.Shared.Set(2)
	g := &Guard{Frame: f}
	Shared{}.Apply(g, 2)
	if g.State != StateInitialized {
		t.Fatalf("State = %v, want StateInitialized", g.State)
	}
	if g.LatchMode != LatchShared {
		t.Fatalf("LatchMode = %v, want LatchShared", g.LatchMode)
	}
	Shared{}.Undo(g)
}

func TestSharedAccessEscalatesToExclusiveWhenUnsatisfied(t *testing.T) {
	f := newSoloFrame()
	f.Possession = PossessionExclusive
	f.Possessors = Possessors{Exclusive: 9}
	g := &Guard{Frame: f}
	Shared{}.Apply(g, 2)
	if g.State != StateRemotePossessionChange {
		t.Fatalf("State = %v, want StateRemotePossessionChange (pid owned elsewhere)", g.State)
	}
	if g.LatchMode != LatchExclusive {
		t.Fatalf("LatchMode = %v, want LatchExclusive (driving the coherence protocol)", g.LatchMode)
	}
	Shared{}.Undo(g)
}

func TestProtocolNeverBlocksOnContention(t *testing.T) {
	f := newSoloFrame()
	f.Latch.LatchExclusive()
	defer f.Latch.UnlatchExclusive()

	g := &Guard{Frame: f}
	Protocol{Mode: ProtocolExclusive}.Apply(g, 0)
	if !g.Retry() {
		t.Fatal("Protocol.Apply should report retry when the latch is already held")
	}
}

func TestCopyTakesSharedLatchOnly(t *testing.T) {
	f := newSoloFrame()
	g := &Guard{Frame: f}
	Copy{}.Apply(g, 0)
	if g.Retry() {
		t.Fatal("Copy.Apply reported retry against an uncontended frame")
	}
	if g.LatchMode != LatchShared {
		t.Fatalf("LatchMode = %v, want LatchShared", g.LatchMode)
	}
	if !f.Latch.TryLatchShared() {
		t.Fatal("a second shared reader should be able to join a Copy-held latch")
	}
	f.Latch.UnlatchShared()
	Copy{}.Undo(g)
}
