package membuf

// GuardState records what happened while trying to reach the desired
// latch/possession state for a frame.
type GuardState uint8

const (
	StateUninitialized GuardState = iota
	StateOnSSD
	StateRemote
	StateLocalPossessionChange
	StateRemotePossessionChange
	StateRetry
	StateInitialized
	StateMoved
	StateNotFound
)

// LatchMode is the latch strength currently held by a Guard.
type LatchMode uint8

const (
	LatchUnlatched LatchMode = iota
	LatchOptimistic
	LatchShared
	LatchExclusive
)

// Guard is a scoped holder over a buffer frame's latch. Guard.State
// carries the Retry/Ok outcome of acquisition; callers loop on Retry at
// the call site rather than jumping to a restart label.
type Guard struct {
	Frame     *BufferFrame
	State     GuardState
	LatchMode LatchMode
	VAcquired Version
}

// Retry reports whether the caller must restart the operation that
// produced this guard.
func (g *Guard) Retry() bool { return g.State == StateRetry }

// Release returns the guard to the unlatched state, releasing whatever
// latch mode is currently held. Safe to call once; a second call is a
// no-op.
func (g *Guard) Release() {
	if g.Frame == nil {
		return
	}
	switch g.LatchMode {
	case LatchExclusive:
		g.Frame.Latch.UnlatchExclusive()
	case LatchShared:
		g.Frame.Latch.UnlatchShared()
	}
	g.LatchMode = LatchUnlatched
}

// Downgrade moves an exclusively-held guard to shared.
func (g *Guard) Downgrade() {
	if g.LatchMode != LatchExclusive {
		return
	}
	g.Frame.Latch.DowngradeExclusiveToShared()
	g.LatchMode = LatchShared
}

// MarkDirty flags the guarded frame's page as needing an SSD write before
// its bytes may be discarded. Caller holds the frame latch exclusive.
func (g *Guard) MarkDirty() {
	g.Frame.Dirty = true
}
