package membuf

import (
	"context"

	"go.uber.org/zap"
)

// SSDReader is the sync pread surface Fix needs to reload a page this node
// evicted to its own local SSD tier. Duck-typed against
// ssdstore.File.ReadPage so this package stays import-free of ssdstore
// (which must in turn stay import-free of membuf); cmd/node wires the two
// together.
type SSDReader interface {
	ReadPage(slot uint64, dst []byte) error
}

// Worker is the guard-producing API higher layers (a B-tree, a linked
// list, a distributed barrier) consume: Fix, NewPage, NewRemotePage,
// ReclaimPage.
type Worker struct {
	mgr     *Manager
	remote  RemoteClient
	ssd     SSDReader
	backoff *Backoff
	tctx    *ThreadContext
	log     *zap.Logger
}

// NewWorker creates a worker bound to mgr and a coherence RemoteClient. ssd
// may be nil when the node runs with EvictToSSD disabled, in which case a
// StateOnSSD guard is treated as a retry: Fix backs off and restarts until
// the page arrives by another path or ctx ends.
func NewWorker(mgr *Manager, remote RemoteClient, ssd SSDReader, backoffEnabled bool) *Worker {
	return &Worker{mgr: mgr, remote: remote, ssd: ssd, backoff: NewBackoff(backoffEnabled), log: mgr.Logger()}
}

// Fix looks up (or inserts) the frame for pid with the given access
// functor, driving the coherence protocol to completion when a possession
// change is required, and looping on Retry until the guard settles.
func (w *Worker) Fix(ctx context.Context, pid PID, access Access) (*Guard, error) {
	wantExclusive := false
	if _, ok := access.(Exclusive); ok {
		wantExclusive = true
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := w.mgr.ht.FindFrameOrInsert(pid, access, w.mgr.Self, func(f *BufferFrame) {
			f.PID = pid
			f.Possession = PossessionNobody
			f.Epoch = w.mgr.Epoch()
			// an owner-local pid reaching Fix without a frame was evicted
			// whole at some point; its bytes live on the SSD tier.
			if pid.Owner() == w.mgr.Self && w.ssd != nil {
				f.State = StateEvicted
			} else {
				f.State = StateFree
			}
		})
		if err != nil {
			if err == ErrOutOfFrames {
				w.backoff.Wait()
				continue
			}
			return nil, err
		}
		if g.Retry() {
			w.backoff.Wait()
			continue
		}

		switch g.State {
		case StateLocalPossessionChange:
			if err := w.resolveLocalPossession(ctx, g, wantExclusive); err != nil {
				g.Release()
				return nil, err
			}
		case StateRemotePossessionChange:
			if err := w.resolveRemotePossession(ctx, g, wantExclusive); err != nil {
				g.Release()
				return nil, err
			}
		}

		switch g.State {
		case StateInitialized:
			g.Frame.Epoch = w.mgr.Epoch()
			w.backoff.Reset()
			return g, nil

		case StateOnSSD:
			retry, err := w.loadFromSSD(g)
			if err != nil {
				g.Release()
				return nil, err
			}
			if retry {
				g.Release()
				w.backoff.Wait()
				continue
			}
			g.Frame.Epoch = w.mgr.Epoch()
			w.backoff.Reset()
			return g, nil

		default:
			g.Release()
			w.backoff.Wait()
		}
	}
}

// loadFromSSD synchronously rereads the guarded frame's page from the
// local SSD tier. retry is true for conditions the caller should back off
// and restart on rather than fail.
func (w *Worker) loadFromSSD(g *Guard) (retry bool, err error) {
	if w.ssd == nil {
		return true, nil
	}
	f := g.Frame
	if f.Page() == nil {
		if aerr := w.mgr.ht.AcquirePage(f); aerr != nil {
			return true, nil
		}
	}
	if rerr := w.ssd.ReadPage(f.PID.Slot(), f.Page().Bytes()); rerr != nil {
		w.mgr.ht.ReleasePage(f)
		return true, nil
	}
	f.State = StateHot
	g.State = StateInitialized
	return false, nil
}

// attachPageBytes copies remotely fetched page bytes into the frame's
// page, pulling a fresh page off the free list first when the frame was
// evicted.
func (w *Worker) attachPageBytes(f *BufferFrame, bytes []byte) error {
	if f.Page() == nil {
		if err := w.mgr.ht.AcquirePage(f); err != nil {
			return err
		}
	}
	copy(f.Page().Payload(), bytes)
	return nil
}

// claim records this node as the frame's possessor in the requested mode.
// Caller holds the frame latch exclusive.
func (w *Worker) claim(f *BufferFrame, exclusive bool) {
	if exclusive {
		f.Possession = PossessionExclusive
		f.Possessors = Possessors{Exclusive: w.mgr.Self}
	} else {
		if f.Possession != PossessionShared {
			f.Possession = PossessionShared
			f.Possessors = Possessors{}
		}
		f.Possessors.Shared.Set(w.mgr.Self)
	}
}

// resolveLocalPossession settles possession for a pid this node owns: the
// directory is the local frame itself, so no round trip to an owner is
// needed — but remote holders may have to be invalidated (PMR) or copied
// from (PCR) first.
func (w *Worker) resolveLocalPossession(ctx context.Context, g *Guard, wantExclusive bool) error {
	f := g.Frame
	self := w.mgr.Self

	switch f.Possession {
	case PossessionNobody:
		w.claim(f, wantExclusive)
		if f.Page() == nil {
			if f.State == StateEvicted && w.ssd != nil {
				// a prior eviction spilled the bytes to the local tier.
				g.State = StateOnSSD
				return nil
			}
			if err := w.mgr.ht.AcquirePage(f); err != nil {
				g.State = StateRetry
				return nil
			}
			f.Page().Reset()
			f.Dirty = true
		}
		f.State = StateHot
		g.State = StateInitialized
		return nil

	case PossessionExclusive:
		// a remote node holds our page exclusively; pull it home.
		holder := f.Possessors.Exclusive
		result, page, err := w.remote.RequestMove(ctx, f.PID, holder, true, self)
		if err != nil {
			return err
		}
		switch result {
		case ResultWithPage:
			if aerr := w.attachPageBytes(f, page); aerr != nil {
				g.State = StateRetry
				return nil
			}
		case ResultNoPage:
			// the holder already dropped its frame (a racing eviction);
			// whatever we have locally, or the SSD tier, is current.
			if f.Page() == nil {
				w.claim(f, wantExclusive)
				f.BumpPVersion()
				g.State = StateOnSSD
				return nil
			}
		default:
			g.State = StateRetry
			return nil
		}
		w.claim(f, wantExclusive)
		f.BumpPVersion()
		f.State = StateHot
		f.Dirty = true
		g.State = StateInitialized
		return nil

	case PossessionShared:
		if !wantExclusive {
			if f.Page() != nil {
				w.claim(f, false)
				f.State = StateHot
				g.State = StateInitialized
				return nil
			}
			if holder, ok := f.Possessors.Shared.FirstOther(self); ok {
				result, page, err := w.remote.RequestCopy(ctx, f.PID, holder, self)
				if err != nil {
					return err
				}
				if result != ResultWithPage {
					g.State = StateRetry
					return nil
				}
				if aerr := w.attachPageBytes(f, page); aerr != nil {
					g.State = StateRetry
					return nil
				}
				w.claim(f, false)
				f.State = StateHot
				g.State = StateInitialized
				return nil
			}
			w.claim(f, false)
			g.State = StateOnSSD
			return nil
		}

		// exclusive over remote sharers: every other holder drops its
		// frame via PMR; the first move also carries the bytes back when
		// this node no longer has them.
		needBytes := f.Page() == nil
		for _, n := range f.Possessors.Shared.Nodes() {
			if n == self {
				continue
			}
			result, page, err := w.remote.RequestMove(ctx, f.PID, n, needBytes, self)
			if err != nil {
				return err
			}
			switch result {
			case ResultWithPage:
				if needBytes {
					if aerr := w.attachPageBytes(f, page); aerr != nil {
						g.State = StateRetry
						return nil
					}
					needBytes = false
				}
			case ResultNoPage:
				// already gone; nothing to invalidate.
			default:
				g.State = StateRetry
				return nil
			}
		}
		w.claim(f, true)
		f.BumpPVersion()
		if f.Page() == nil {
			g.State = StateOnSSD
			return nil
		}
		f.State = StateHot
		f.Dirty = true
		g.State = StateInitialized
		return nil
	}
	g.State = StateRetry
	return nil
}

// resolveRemotePossession runs the RDMA round trips for a pid owned by a
// remote node: PRS/PRX against the owner, follow-up PCR/PUR/PMR against
// whichever node the owner names.
func (w *Worker) resolveRemotePossession(ctx context.Context, g *Guard, wantExclusive bool) error {
	f := g.Frame
	self := w.mgr.Self

	// already a sharer upgrading in place: PUR against the owner instead
	// of refetching bytes we hold.
	if wantExclusive && f.Possession == PossessionShared && f.Possessors.Shared.Test(self) && f.Page() != nil {
		return w.upgradeViaUpdate(ctx, g)
	}

	result, page, conflictNode, pVersion, err := w.remote.RequestPossession(ctx, f.PID, wantExclusive, self)
	if err != nil {
		return err
	}

	switch result {
	case ResultWithPage, ResultWithPageSharedConflict:
		if aerr := w.attachPageBytes(f, page); aerr != nil {
			return aerr
		}
		f.PVersion = pVersion
		w.claim(f, wantExclusive)
		f.State = StateHot
		g.State = StateInitialized
		return nil

	case ResultNoPageExclusiveConflict:
		if wantExclusive {
			// the owner's directory already moved to us; complete the
			// transfer by pulling the page off the conflicting holder.
			mvResult, mvPage, merr := w.remote.RequestMove(ctx, f.PID, conflictNode, true, self)
			if merr != nil {
				return merr
			}
			if mvResult != ResultWithPage && mvResult != ResultNoPage {
				g.State = StateRetry
				return nil
			}
			if mvResult == ResultWithPage {
				if aerr := w.attachPageBytes(f, mvPage); aerr != nil {
					return aerr
				}
			} else if f.Page() == nil {
				g.State = StateRetry
				return nil
			}
			f.PVersion = pVersion
			w.claim(f, true)
			f.State = StateHot
			f.Dirty = true
			g.State = StateInitialized
			return nil
		}
		return w.copyFromConflict(ctx, g, conflictNode, pVersion)

	case ResultNoPageSharedConflict:
		if !wantExclusive {
			return w.copyFromConflict(ctx, g, conflictNode, pVersion)
		}
		// fetch bytes from a sharer, then invalidate the share set via
		// PUR against the owner.
		if err := w.copyFromConflict(ctx, g, conflictNode, pVersion); err != nil {
			return err
		}
		if g.State != StateInitialized {
			return nil
		}
		return w.upgradeViaUpdate(ctx, g)

	case ResultNoPageEvictedWithCopy:
		// owner recorded us as a sharer already; fetch the bytes from the
		// node it named.
		return w.copyFromConflict(ctx, g, conflictNode, pVersion)

	case ResultNoPageEvicted:
		g.State = StateRetry
		return nil

	default:
		g.State = StateRetry
		return nil
	}
}

// copyFromConflict issues a PCR against node and installs the returned
// bytes as a shared copy.
func (w *Worker) copyFromConflict(ctx context.Context, g *Guard, node NodeID, pVersion uint64) error {
	f := g.Frame
	result, page, err := w.remote.RequestCopy(ctx, f.PID, node, w.mgr.Self)
	if err != nil {
		return err
	}
	if result != ResultWithPage {
		g.State = StateRetry
		return nil
	}
	if aerr := w.attachPageBytes(f, page); aerr != nil {
		return aerr
	}
	f.PVersion = pVersion
	w.claim(f, false)
	f.State = StateHot
	g.State = StateInitialized
	return nil
}

// upgradeViaUpdate issues a PUR against the owner and, on a shared
// conflict, fans invalidations (PMR, NeedPage false) out to the other
// sharers the owner named; invalidation fan-out is the requester's job,
// not the owner's.
func (w *Worker) upgradeViaUpdate(ctx context.Context, g *Guard) error {
	f := g.Frame
	self := w.mgr.Self
	result, conflicts, err := w.remote.RequestUpdate(ctx, f.PID, f.PVersion, self)
	if err != nil {
		return err
	}
	switch result {
	case ResultUpdateSucceed, ResultUpdateSucceedWithSharedConflict:
		for _, n := range conflicts {
			if n == self {
				continue
			}
			mvResult, _, merr := w.remote.RequestMove(ctx, f.PID, n, false, self)
			if merr != nil {
				return merr
			}
			if mvResult != ResultNoPage && mvResult != ResultWithPage {
				g.State = StateRetry
				return nil
			}
		}
		w.claim(f, true)
		f.BumpPVersion()
		f.State = StateHot
		f.Dirty = true
		g.State = StateInitialized
		return nil
	default:
		g.State = StateRetry
		return nil
	}
}

// NewPage pops a pid and a page from the free lists and inserts a frame
// marked HOT, EXCLUSIVE-by-self, PVersion 0.
func (w *Worker) NewPage() (*Guard, error) {
	pid := w.allocatePID()
	g, err := w.mgr.ht.InsertFrame(pid, func(f *BufferFrame) {
		f.PID = pid
	})
	if err != nil {
		w.freePID(pid)
		return nil, err
	}
	if err := w.mgr.ht.AcquirePage(g.Frame); err != nil {
		w.mgr.ht.RemoveFrame(g.Frame, nil)
		w.freePID(pid)
		return nil, err
	}
	g.Frame.Page().Reset()
	g.Frame.Possession = PossessionExclusive
	g.Frame.Possessors = Possessors{Exclusive: w.mgr.Self}
	g.Frame.State = StateHot
	g.Frame.PVersion = 0
	g.Frame.Epoch = w.mgr.Epoch()
	g.MarkDirty()
	return g, nil
}

// NewRemotePage issues a RAR to node, then installs a local frame
// referencing the minted pid with a very low epoch so the page is an
// eviction priority on this node.
func (w *Worker) NewRemotePage(ctx context.Context, node NodeID) (*Guard, error) {
	pid, err := w.remote.AllocateRemote(ctx, node)
	if err != nil {
		return nil, err
	}
	g, err := w.mgr.ht.InsertFrame(pid, func(f *BufferFrame) {
		f.PID = pid
	})
	if err != nil {
		return nil, err
	}
	if err := w.mgr.ht.AcquirePage(g.Frame); err != nil {
		// the pid stays allocated at its owner; only the local frame goes.
		w.mgr.ht.RemoveFrame(g.Frame, nil)
		return nil, err
	}
	g.Frame.Page().Reset()
	g.Frame.Possession = PossessionExclusive
	g.Frame.Possessors = Possessors{Exclusive: w.mgr.Self}
	g.Frame.State = StateHot
	g.Frame.Epoch = 0
	g.MarkDirty()
	return g, nil
}

// ReclaimPage tears down a frame the caller holds exclusively latched.
// Owner-local frames are fully removed and their pid/page returned to the
// free lists. Foreign frames are rejected outright; dropping a cached
// foreign page is the page provider's job.
func (w *Worker) ReclaimPage(g *Guard) error {
	f := g.Frame
	if f.PID.Owner() != w.mgr.Self {
		g.Release()
		return ErrForeignReclaim
	}
	pid := f.PID
	w.mgr.ht.RemoveFrame(f, nil)
	w.freePID(pid)
	return nil
}

// allocatePID prefers the worker's thread-local pid batch when a
// ThreadContext is attached, falling back to the shared manager allocator
// otherwise.
func (w *Worker) allocatePID() PID {
	if w.tctx != nil {
		return w.tctx.AllocatePID(w.mgr)
	}
	return w.mgr.allocatePID()
}

// freePID is the matching release path.
func (w *Worker) freePID(pid PID) {
	if w.tctx != nil {
		w.tctx.FreePID(w.mgr, pid)
		return
	}
	w.mgr.freePID(pid)
}
