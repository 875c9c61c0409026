package membuf

import "github.com/pkg/errors"

// ErrDuplicatePID is a fatal invariant violation: the same pid would
// appear twice in one bucket chain. Never recovered from; see fatal.go.
var ErrDuplicatePID = errors.New("membuf: duplicate pid in bucket chain")

// Hashtable is the intrusive page-id to buffer-frame table: N bucket
// frames (each doubling as the head of its own chain, IsHTBucket=true)
// plus a pool of extra frames drawn from the free list for collisions.
type Hashtable struct {
	buckets    []BufferFrame
	arena      []BufferFrame
	freeFrames *PartitionedFreeList[int32]
	pagePool   *PagePool
	freePages  *PartitionedFreeList[int32]
}

// NewHashtable builds a table with nBuckets buckets (the caller rounds up
// to a power of two) and nExtra chain-frame capacity, backed by pagePool
// for HOT frame storage.
func NewHashtable(nBuckets, nExtra int, pagePool *PagePool) *Hashtable {
	ht := &Hashtable{
		buckets:  make([]BufferFrame, nBuckets),
		arena:    make([]BufferFrame, nExtra),
		pagePool: pagePool,
	}
	for i := range ht.buckets {
		ht.buckets[i].IsHTBucket = true
		ht.buckets[i].arenaIx = -1
		ht.buckets[i].resetFree()
		ht.buckets[i].Next = -1
	}
	frameIxs := make([]int32, nExtra)
	for i := range ht.arena {
		ht.arena[i].arenaIx = int32(i)
		ht.arena[i].resetFree()
		ht.arena[i].Next = -1
		frameIxs[i] = int32(i)
	}
	ht.freeFrames = NewPartitionedFreeList(frameIxs, 32)

	pageIxs := make([]int32, pagePool.Len())
	for i := range pageIxs {
		pageIxs[i] = int32(i)
	}
	ht.freePages = NewPartitionedFreeList(pageIxs, 32)
	return ht
}

func (ht *Hashtable) bucket(pid PID) *BufferFrame {
	idx := fasthash(pid) % uint64(len(ht.buckets))
	return &ht.buckets[idx]
}

func (ht *Hashtable) frameAt(ix int32) *BufferFrame {
	if ix < 0 {
		return nil
	}
	return &ht.arena[ix]
}

// AcquirePage pops a page index from the free list and attaches it to f.
// Returns ErrOutOfPages if none remain.
func (ht *Hashtable) AcquirePage(f *BufferFrame) error {
	ix, ok := ht.freePages.Pop()
	if !ok {
		return ErrOutOfPages
	}
	ht.pagePool.At(int(ix)).Reset()
	f.SetPage(ht.pagePool, ix)
	return nil
}

// ReleasePage detaches f's page and returns it to the free list.
func (ht *Hashtable) ReleasePage(f *BufferFrame) {
	if f.pageIx < 0 {
		return
	}
	ht.freePages.Push(f.pageIx)
	f.ClearPage()
}

// DetachPage detaches f's page without returning it to the free list,
// handing the index to the caller. Used when the page's bytes were just
// handed to the NIC: the coherence handler parks the index in an
// invalidation batch and frees it via FreePageIndex only after the write
// has quiesced, so the bytes are never reused mid-send.
func (ht *Hashtable) DetachPage(f *BufferFrame) int32 {
	ix := f.pageIx
	f.ClearPage()
	return ix
}

// FreePageIndex returns a previously detached page index to the free list.
func (ht *Hashtable) FreePageIndex(ix int32) {
	if ix < 0 {
		return
	}
	ht.freePages.Push(ix)
}

// FreePages reports the approximate number of free pages, the quantity the
// page provider compares against its cooling/free limits each round.
func (ht *Hashtable) FreePages() int { return ht.freePages.Len() }

// FreeFrames reports the approximate number of free chain frames.
func (ht *Hashtable) FreeFrames() int { return ht.freeFrames.Len() }

// InsertFrame acquires the bucket's latch exclusive, initialises a frame
// for pid, links it into the chain, and returns it still latched
// exclusive — the caller releases it.
func (ht *Hashtable) InsertFrame(pid PID, init func(*BufferFrame)) (*Guard, error) {
	bucket := ht.bucket(pid)
	for {
		version, ok := bucket.BucketLatch.OptimisticLatchOrRestart()
		if !ok {
			continue
		}
		if !bucket.BucketLatch.TryLatchExclusive(version) {
			continue
		}

		if bucket.PID.Empty() && bucket.State == StateFree {
			init(bucket)
			bucket.Latch.LatchExclusive()
			bucket.BucketLatch.UnlatchExclusive()
			return &Guard{Frame: bucket, State: StateInitialized, LatchMode: LatchExclusive}, nil
		}

		cur := bucket
		for {
			if cur.PID == pid {
				bucket.BucketLatch.UnlatchExclusive()
				return nil, ErrDuplicatePID
			}
			if cur.Next < 0 {
				break
			}
			cur = ht.frameAt(cur.Next)
		}

		ix, ok := ht.freeFrames.Pop()
		if !ok {
			bucket.BucketLatch.UnlatchExclusive()
			return nil, ErrOutOfFrames
		}
		nf := ht.frameAt(ix)
		nf.resetFree()
		init(nf)
		nf.Next = -1
		cur.Next = ix

		nf.Latch.LatchExclusive()
		bucket.BucketLatch.UnlatchExclusive()
		return &Guard{Frame: nf, State: StateInitialized, LatchMode: LatchExclusive}, nil
	}
}

// RemoveFrame unlinks and resets a frame whose latch the caller holds
// exclusive. onPage, if non-nil, is invoked with the frame's page before
// it is released (e.g. to return dirty bytes to SSD first).
func (ht *Hashtable) RemoveFrame(f *BufferFrame, onPage func(*Page)) {
	if f.IsHTBucket {
		version, _ := f.BucketLatch.OptimisticLatchOrRestart()
		for !f.BucketLatch.TryLatchExclusive(version) {
			version, _ = f.BucketLatch.OptimisticLatchOrRestart()
		}
		if onPage != nil && f.Page() != nil {
			onPage(f.Page())
		}
		ht.ReleasePage(f)
		f.resetFree()
		f.Next = -1
		f.BucketLatch.UnlatchExclusive()
		f.Latch.UnlatchExclusive()
		return
	}

	bucket := ht.bucket(f.PID)
	for {
		version, ok := bucket.BucketLatch.OptimisticLatchOrRestart()
		if !ok {
			continue
		}
		if !bucket.BucketLatch.TryLatchExclusive(version) {
			continue
		}
		break
	}
	prev := bucket
	cur := ht.frameAt(bucket.Next)
	var freedIx int32 = -1
	for cur != nil {
		if cur.PID == f.PID {
			next := cur.Next
			if prev == bucket {
				bucket.Next = next
			} else {
				prev.Next = next
			}
			freedIx = cur.arenaIx
			break
		}
		prev = cur
		cur = ht.frameAt(cur.Next)
	}
	bucket.BucketLatch.UnlatchExclusive()

	if onPage != nil && f.Page() != nil {
		onPage(f.Page())
	}
	ht.ReleasePage(f)
	f.resetFree()
	f.Latch.UnlatchExclusive()
	if freedIx >= 0 {
		ht.freeFrames.Push(freedIx)
	}
}

// ArenaLen returns the number of chain-frame slots (the page provider's
// sampling universe for eviction victims).
func (ht *Hashtable) ArenaLen() int { return len(ht.arena) }

// FrameAt exposes one arena slot by index, for the page provider's
// sampling-based victim selection (epoch sampling needs direct frame
// access the Worker API doesn't expose).
func (ht *Hashtable) FrameAt(ix int) *BufferFrame { return &ht.arena[ix] }

// Buckets returns the bucket count; the page provider partitions the
// table into contiguous bucket ranges, one per provider thread.
func (ht *Hashtable) Buckets() int { return len(ht.buckets) }

// BucketAt exposes one bucket frame by index for the page provider's
// partition scan.
func (ht *Hashtable) BucketAt(ix int) *BufferFrame { return &ht.buckets[ix] }

// NextInChain follows f's intrusive successor pointer, nil at the tail.
func (ht *Hashtable) NextInChain(f *BufferFrame) *BufferFrame { return ht.frameAt(f.Next) }

// FindFrame optimistically walks the bucket chain for pid, validating the
// bucket latch's version after traversal so a concurrent insert/remove
// forces a re-walk instead of handing out a frame that was unlinked
// mid-scan.
func (ht *Hashtable) FindFrame(pid PID, access Access, node NodeID) (*Guard, bool) {
	bucket := ht.bucket(pid)
	for {
		version, ok := bucket.BucketLatch.OptimisticLatchOrRestart()
		if !ok {
			continue
		}
		cur := bucket
		for cur != nil {
			if cur.PID == pid {
				if !bucket.BucketLatch.CheckOrRestart(version) {
					cur = nil
					break
				}
				g := &Guard{Frame: cur}
				access.Apply(g, node)
				return g, true
			}
			cur = ht.frameAt(cur.Next)
		}
		if bucket.BucketLatch.CheckOrRestart(version) {
			return nil, false
		}
	}
}

// FindFrameOrInsert is FindFrame plus a tail-insert of a fresh frame via
// init when the pid is absent. An inserted frame has no possessor yet, so
// the guard reports the possession change the caller must drive,
// mirroring what the access functor reports on the found path.
func (ht *Hashtable) FindFrameOrInsert(pid PID, access Access, node NodeID, init func(*BufferFrame)) (*Guard, error) {
	if g, found := ht.FindFrame(pid, access, node); found {
		return g, nil
	}
	g, err := ht.InsertFrame(pid, init)
	if err != nil {
		return nil, err
	}
	if g.Frame.IsPossessor(node) {
		g.State = StateInitialized
	} else if pid.Owner() == node {
		g.State = StateLocalPossessionChange
	} else {
		g.State = StateRemotePossessionChange
	}
	return g, nil
}
