package membuf

import "sync/atomic"

// Possession describes which node(s) currently hold read/write rights on a
// page.
type Possession uint8

const (
	PossessionNobody Possession = iota
	PossessionExclusive
	PossessionShared
)

func (p Possession) String() string {
	switch p {
	case PossessionNobody:
		return "NOBODY"
	case PossessionExclusive:
		return "EXCLUSIVE"
	case PossessionShared:
		return "SHARED"
	default:
		return "UNKNOWN"
	}
}

// FrameState is the lifecycle state of a buffer frame.
type FrameState uint8

const (
	StateFree FrameState = iota
	StateHot
	StateEvicted
	StateIORDMA
	StateIOSSD
	StateInvalidationExpected
)

func (s FrameState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateHot:
		return "HOT"
	case StateEvicted:
		return "EVICTED"
	case StateIORDMA:
		return "IO_RDMA"
	case StateIOSSD:
		return "IO_SSD"
	case StateInvalidationExpected:
		return "INVALIDATION_EXPECTED"
	default:
		return "UNKNOWN"
	}
}

// Possessors is the tagged union of who holds a page: node.Possession
// selects which of Exclusive/Shared is meaningful.
type Possessors struct {
	Exclusive NodeID
	Shared    SharedBitmap
}

// BufferFrame is the per-page coherence/latching record: the unit of
// latching. Chain and page references are pool-arena indices rather than
// raw pointers; indices break reference cycles and keep the record
// compact.
type BufferFrame struct {
	// Latch guards every field below except Next/BucketLatch, which have
	// their own protection (see hashtable.go).
	Latch HybridLatch

	PID    PID
	Next   int32 // index into the frame arena; -1 when tail
	pageIx int32 // index into the page pool; -1 when evicted

	PVersion uint64 // bumped on every ownership/content change
	Epoch    uint64 // last-touched global-epoch value, for LRU approximation

	BucketLatch OptimisticLatch // protects hash-chain insert/remove; only meaningful when IsHTBucket

	Possessors Possessors
	Possession Possession
	State      FrameState

	MHWaiting  bool // a coherence handler is blocked on this frame
	Dirty      bool
	IsHTBucket bool

	arenaIx int32 // own index in the frame arena; -1 for bucket frames
	pool    *PagePool
}

// ArenaIndex returns this frame's slot in the frame arena, or -1 for a
// bucket frame (buckets are never returned to the free list).
func (f *BufferFrame) ArenaIndex() int32 { return f.arenaIx }

// Page returns the backing page, or nil if the frame is evicted/free.
func (f *BufferFrame) Page() *Page {
	if f.pageIx < 0 || f.pool == nil {
		return nil
	}
	return f.pool.At(int(f.pageIx))
}

// SetPage attaches a page-pool index to the frame.
func (f *BufferFrame) SetPage(pool *PagePool, ix int32) {
	f.pool = pool
	f.pageIx = ix
}

// ClearPage detaches the frame from any page, used on eviction.
func (f *BufferFrame) ClearPage() { f.pageIx = -1 }

// IsPossessor reports whether node is currently a possessor under whichever
// discriminant is active.
func (f *BufferFrame) IsPossessor(node NodeID) bool {
	switch f.Possession {
	case PossessionExclusive:
		return f.Possessors.Exclusive == node
	case PossessionShared:
		return f.Possessors.Shared.Test(node)
	default:
		return false
	}
}

// resetFree resets a frame back to the FREE state, as done by RemoveFrame
// before the frame returns to the free list.
func (f *BufferFrame) resetFree() {
	f.PID = EmptyPID
	f.Next = -1
	f.pageIx = -1
	f.PVersion = 0
	f.Epoch = 0
	f.Possessors = Possessors{}
	f.Possession = PossessionNobody
	f.State = StateFree
	f.MHWaiting = false
	f.Dirty = false
}

// BumpPVersion increments the per-page monotonic version counter. Callers
// must hold the frame latch exclusive.
func (f *BufferFrame) BumpPVersion() {
	atomic.AddUint64(&f.PVersion, 1)
}
