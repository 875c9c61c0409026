package membuf

// Access is the interface FindFrame and FindFrameOrInsert apply once the
// target frame is located: it inspects possession against the requesting
// node, decides whether a remote/local possession change is needed, and
// latches the frame to whatever strength the caller will use.
type Access interface {
	Apply(g *Guard, node NodeID)
	Undo(g *Guard)
}

// possessionGuardSetup is shared by Exclusive/Shared/Optimistic: it takes
// the optimistic read and decides whether possession already satisfies the
// caller, returning the state the guard should report (before any
// latch-mode upgrade).
func possessionGuardSetup(g *Guard, node NodeID, wantExclusive bool) (ready bool) {
	f := g.Frame
	version, ok := f.Latch.OptimisticLatchOrRestart()
	if !ok || f.MHWaiting {
		g.State = StateRetry
		g.LatchMode = LatchUnlatched
		return false
	}
	g.VAcquired = version

	satisfied := f.IsPossessor(node) && (!wantExclusive || f.Possession == PossessionExclusive)
	if satisfied {
		g.State = StateInitialized
	} else if f.PID.Owner() == node {
		g.State = StateLocalPossessionChange
	} else {
		g.State = StateRemotePossessionChange
	}
	return satisfied
}

// checkOnSSD downgrades an otherwise-satisfied guard to StateOnSSD when the
// frame is this node's own page, evicted, and its bytes no longer live in
// DRAM: possession already matches the caller, but there is nothing to read
// until the worker schedules a reread from the local SSD tier.
func checkOnSSD(g *Guard, node NodeID) {
	if g.State != StateInitialized {
		return
	}
	f := g.Frame
	if f.PID.Owner() == node && f.State == StateEvicted && f.Page() == nil {
		g.State = StateOnSSD
	}
}

// Exclusive upgrades to an exclusive latch unconditionally: if possession
// doesn't already match, the caller (Worker.Fix) still needs the exclusive
// latch to run the coherence protocol against this frame.
type Exclusive struct{}

func (Exclusive) Apply(g *Guard, node NodeID) {
	possessionGuardSetup(g, node, true)
	if g.State == StateRetry {
		return
	}
	f := g.Frame
	if !f.Latch.OptimisticUpgradeToExclusive(g.VAcquired) {
		g.State = StateRetry
		g.VAcquired = f.Latch.readVersion()
		g.LatchMode = LatchUnlatched
		return
	}
	g.VAcquired = f.Latch.readVersion()
	g.LatchMode = LatchExclusive
	checkOnSSD(g, node)
}

func (Exclusive) Undo(g *Guard) {
	if g.State == StateRetry {
		return
	}
	g.Frame.Latch.UnlatchExclusive()
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}

// Shared upgrades to shared when possession already satisfies the request;
// otherwise it upgrades to exclusive so the caller can run the protocol.
type Shared struct{}

func (Shared) Apply(g *Guard, node NodeID) {
	satisfied := possessionGuardSetup(g, node, false)
	if g.State == StateRetry {
		return
	}
	f := g.Frame
	if !satisfied {
		if !f.Latch.OptimisticUpgradeToExclusive(g.VAcquired) {
			g.State = StateRetry
			g.LatchMode = LatchUnlatched
		} else {
			g.LatchMode = LatchExclusive
		}
		g.VAcquired = f.Latch.readVersion()
		return
	}
	if !f.Latch.OptimisticUpgradeToShared(g.VAcquired) {
		g.State = StateRetry
		g.VAcquired = f.Latch.readVersion()
		g.LatchMode = LatchUnlatched
		return
	}
	g.VAcquired = f.Latch.readVersion()
	g.LatchMode = LatchShared
	checkOnSSD(g, node)
}

func (Shared) Undo(g *Guard) {
	if g.State == StateRetry {
		return
	}
	if g.LatchMode == LatchExclusive {
		g.Frame.Latch.UnlatchExclusive()
	} else {
		g.Frame.Latch.UnlatchShared()
	}
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}

// Optimistic never upgrades unless a possession change is required, in
// which case it escalates to exclusive to drive the protocol.
type Optimistic struct{}

func (Optimistic) Apply(g *Guard, node NodeID) {
	satisfied := possessionGuardSetup(g, node, false)
	if g.State == StateRetry {
		return
	}
	f := g.Frame
	if !satisfied {
		if !f.Latch.OptimisticUpgradeToExclusive(g.VAcquired) {
			g.State = StateRetry
		} else {
			g.LatchMode = LatchExclusive
			g.VAcquired = f.Latch.readVersion()
		}
		return
	}
	if !f.Latch.OptimisticCheckOrRestart(g.VAcquired) {
		g.State = StateRetry
	}
	g.LatchMode = LatchOptimistic
}

func (Optimistic) Undo(g *Guard) {
	if g.LatchMode == LatchExclusive {
		g.Frame.Latch.UnlatchExclusive()
	}
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}

// ProtocolMode selects which side of the coherence protocol a Protocol
// access functor is driving.
type ProtocolMode uint8

const (
	ProtocolShared ProtocolMode = iota
	ProtocolExclusive
)

// Protocol is used by the coherence handler: a try-latch-only functor
// (never blocks) that reports RETRY on any contention, letting the
// handler's polling loop re-flag the mailbox and move on to the next slot
// instead of stalling a whole partition on one contended frame.
type Protocol struct{ Mode ProtocolMode }

func (p Protocol) Apply(g *Guard, node NodeID) {
	// MHWaiting is the handler's own back-off signal to workers, so the
	// handler-side functor ignores it; only the latch decides here.
	f := g.Frame
	if !f.Latch.TryLatchExclusive() {
		g.State = StateRetry
		g.LatchMode = LatchUnlatched
		return
	}
	g.LatchMode = LatchExclusive
	g.VAcquired = f.Latch.readVersion()
	g.State = StateInitialized
}

func (p Protocol) Undo(g *Guard) {
	if g.LatchMode == LatchExclusive {
		g.Frame.Latch.UnlatchExclusive()
	}
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}

// Invalidation try-latches a frame exclusively to tear down a stale
// possessor entry (driven by PUR/PMR handling); never blocks.
type Invalidation struct{}

func (Invalidation) Apply(g *Guard, node NodeID) {
	f := g.Frame
	if !f.Latch.TryLatchExclusive() {
		g.State = StateRetry
		g.LatchMode = LatchUnlatched
		return
	}
	g.LatchMode = LatchExclusive
	g.State = StateInitialized
}

func (Invalidation) Undo(g *Guard) {
	if g.LatchMode == LatchExclusive {
		g.Frame.Latch.UnlatchExclusive()
	}
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}

// Copy try-latches a frame shared to serve a PCR page copy without
// disturbing any existing possessor; never blocks.
type Copy struct{}

func (Copy) Apply(g *Guard, node NodeID) {
	f := g.Frame
	if !f.Latch.TryLatchShared() {
		g.State = StateRetry
		g.LatchMode = LatchUnlatched
		return
	}
	g.LatchMode = LatchShared
	g.State = StateInitialized
}

func (Copy) Undo(g *Guard) {
	if g.LatchMode == LatchShared {
		g.Frame.Latch.UnlatchShared()
	}
	g.State = StateUninitialized
	g.LatchMode = LatchUnlatched
}
