package coherence

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/ssdstore"
	"github.com/scalestore-go/membuf/transport"
	"github.com/scalestore-go/membuf/wire"
)

// ErrNoRoute reports that a coherence request named a node this handler
// has no direct or delegated connection to.
var ErrNoRoute = errors.New("coherence: no route to node")

// ErrTimedOut reports that a response never arrived for an outstanding
// request, surfaced to the worker as a retryable condition.
var ErrTimedOut = errors.New("coherence: request timed out")

// Handler is the per-node message-handler protocol engine: it owns the
// mailbox partitions that receive PRS/PRX/PMR/PCR/PUR/RAR/DR/Finish
// requests and dispatches them against the local hashtable, and it also
// implements membuf.RemoteClient so that a node's Worker can issue the
// matching requests to peers. A single type plays both roles because
// every node both services and issues protocol messages over the same
// connections.
type Handler struct {
	mgr        *membuf.Manager
	fab        transport.Fabric
	delegation *DelegationTable
	asyncRead  *ssdstore.AsyncReadBuffer

	partitions []*MailboxPartition

	mu           sync.Mutex
	peers        map[uint64]*transport.Context
	invalidation map[uint64]*InvalidationBatch
	peerLocks    map[uint64]*sync.Mutex
	pending      map[uint64]chan inboundMessage
	scratchSeq   uint64

	// inflight copy requests: pid -> peers this handler redirected to a
	// third node for the page bytes (the shared/evicted branch of a PRS).
	// The page provider consults this before honoring an eviction against
	// the same pid, so the bytes the redirect promised cannot vanish while
	// the copy is still being fetched.
	inflightMu sync.Mutex
	inflightCR map[membuf.PID]map[uint64]struct{}

	// evictionSink, when set, routes incoming eviction batches to the page
	// provider's loop instead of servicing them inline.
	evictionSink func(peer uint64, entries []wire.EvictionEntry, readBack func(offset uint64, dst []byte) error, respond func(confirmed []membuf.PID) error)

	connectedClients int32
	maxRetries       int
	log              *zap.Logger
}

// NewHandler builds a Handler over mgr's hashtable, split across
// nPartitions mailbox partitions (config's message_handler_threads).
// asyncRead may be nil when the node runs with EvictToSSD disabled; a SHARED
// request against an evicted-and-paged-out frame then falls back to
// ResultNoPageEvicted instead of scheduling a reread.
func NewHandler(mgr *membuf.Manager, fab transport.Fabric, nPartitions, maxRetries int, log *zap.Logger, asyncRead *ssdstore.AsyncReadBuffer) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		mgr:          mgr,
		fab:          fab,
		delegation:   NewDelegationTable(),
		asyncRead:    asyncRead,
		peers:        map[uint64]*transport.Context{},
		invalidation: map[uint64]*InvalidationBatch{},
		peerLocks:    map[uint64]*sync.Mutex{},
		pending:      map[uint64]chan inboundMessage{},
		inflightCR:   map[membuf.PID]map[uint64]struct{}{},
		maxRetries:   maxRetries,
		log:          log,
	}
	for i := 0; i < nPartitions; i++ {
		h.partitions = append(h.partitions, NewMailboxPartition(i))
	}
	return h
}

// partitionFor assigns a peer to a partition by its node id modulo the
// partition count, spreading consecutive peer ids across the handler
// goroutines.
func (h *Handler) partitionFor(peer uint64) *MailboxPartition {
	return h.partitions[peer%uint64(len(h.partitions))]
}

// AddConn registers a peer connection: the mailbox partition starts
// receiving requests/responses from it, and a dedicated invalidation
// batch begins tracking writes sent over it.
func (h *Handler) AddConn(peer uint64, ctx *transport.Context, pollingInterval int) {
	h.mu.Lock()
	h.peers[peer] = ctx
	h.invalidation[peer] = NewInvalidationBatch(pollingInterval)
	h.peerLocks[peer] = &sync.Mutex{}
	h.mu.Unlock()
	atomic.AddInt32(&h.connectedClients, 1)
	h.partitionFor(peer).AddConn(h.fab, peer, ctx)
}

// SendFinish tells peer this node is done issuing requests, decrementing
// the peer's connected-clients counter so its teardown sentinel can
// settle.
func (h *Handler) SendFinish(peer uint64) error {
	peerCtx, ok := h.peerCtx(peer)
	if !ok {
		return ErrNoRoute
	}
	return h.fab.PostSend(peerCtx, encodeFinish())
}

// AwaitClientsFinished spins until every connected peer sent Finish or
// ctx expires. Remotely-writable memory must not be torn down while a
// peer may still write into it.
func (h *Handler) AwaitClientsFinished(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt32(&h.connectedClients) <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run launches one dispatch goroutine per mailbox partition; it returns
// once ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.partitions {
		wg.Add(1)
		go func(p *MailboxPartition) {
			defer wg.Done()
			for {
				select {
				case msg := <-p.Inbox:
					h.dispatch(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}(p)
	}
	if h.asyncRead != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.pollSSDReads(ctx)
		}()
	}
	wg.Wait()
}

// pollSSDReads drains completed scheduleSSDReread submissions and flips
// their frames back to StateHot (or, on a failed read, back to
// StateEvicted with the page returned to the free list), unblocking
// whichever Shared/Exclusive access functor is spinning on StateOnSSD.
func (h *Handler) pollSSDReads(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range h.asyncRead.PollCompletions() {
				f, ok := c.Token.(*membuf.BufferFrame)
				if !ok {
					continue
				}
				if !f.Latch.TryLatchExclusive() {
					continue
				}
				if c.Err != nil {
					h.log.Warn("coherence: ssd reread failed", zap.Error(c.Err))
					h.mgr.Hashtable().ReleasePage(f)
					f.State = membuf.StateEvicted
				} else if f.State == membuf.StateIOSSD {
					f.State = membuf.StateHot
				}
				f.Latch.UnlatchExclusive()
			}
		}
	}
}

func isResponseType(t wire.MessageType) bool {
	switch t {
	case wire.MsgPRRS, wire.MsgPRRX, wire.MsgPMRR, wire.MsgPCRR, wire.MsgPURR, wire.MsgRARR, wire.MsgDRR, wire.MsgEvictionResponse:
		return true
	default:
		return false
	}
}

func (h *Handler) dispatch(ctx context.Context, msg inboundMessage) {
	if isResponseType(msg.msgType) {
		h.routeResponse(msg)
		return
	}
	peerCtx, ok := h.peerCtx(msg.peer)
	if !ok {
		h.log.Warn("coherence: message from unregistered peer", zap.Uint64("peer", msg.peer))
		return
	}
	// a new message from a peer supersedes any copy redirect we recorded
	// for it: either the copy landed (and this is the follow-up) or the
	// peer restarted end to end.
	h.clearInflightFor(msg.peer)
	switch msg.msgType {
	case wire.MsgFinish:
		atomic.AddInt32(&h.connectedClients, -1)
	case wire.MsgDR:
		h.handleDelegationRequest(peerCtx, msg.payload)
	case wire.MsgPRS:
		h.handlePossessionRequest(ctx, peerCtx, msg.peer, msg.payload, false)
	case wire.MsgPRX:
		h.handlePossessionRequest(ctx, peerCtx, msg.peer, msg.payload, true)
	case wire.MsgPMR:
		h.handleMoveRequest(peerCtx, msg.peer, msg.payload)
	case wire.MsgPCR:
		h.handleCopyRequest(peerCtx, msg.peer, msg.payload)
	case wire.MsgPUR:
		h.handleUpdateRequest(peerCtx, msg.peer, msg.payload)
	case wire.MsgRAR:
		h.handleRemoteAllocRequest(peerCtx)
	case wire.MsgPRFR:
		// the relay blocks on its own round trip against the owner, whose
		// response arrives through this same dispatch loop; it must not
		// occupy the partition goroutine while it waits.
		go h.handleForwardRequest(ctx, peerCtx, msg.payload)
	case wire.MsgEvictionRequest:
		if h.evictionSink != nil {
			req := decodeEvictionRequest(msg.payload)
			h.evictionSink(msg.peer, req.Entries,
				func(offset uint64, dst []byte) error { return h.fab.PostRead(peerCtx, offset, dst) },
				func(confirmed []membuf.PID) error { return h.fab.PostSend(peerCtx, encodeEvictionResponse(confirmed)) })
			return
		}
		h.handleEvictionRequest(peerCtx, msg.payload)
	default:
		// an unknown discriminator means the peers disagree on the
		// protocol itself; never recovered.
		membuf.Invariant(h.log, "coherence: unexpected message type %d from peer %d", uint8(msg.msgType), msg.peer)
	}
}

func (h *Handler) routeResponse(msg inboundMessage) {
	h.mu.Lock()
	ch, ok := h.pending[msg.peer]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (h *Handler) peerCtx(peer uint64) (*transport.Context, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.peers[peer]
	return c, ok
}

func (h *Handler) invalidationFor(peer uint64) *InvalidationBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.invalidation[peer]
	if !ok {
		b = NewInvalidationBatch(16)
		h.invalidation[peer] = b
	}
	return b
}

// SetEvictionSink hands incoming eviction batches to the page provider's
// loop instead of servicing them on the handler's own dispatch
// goroutine. readBack issues a one-sided READ against the evictor's
// registered page copy; respond writes the confirmation batch back. With
// no sink registered (single-node runs, tests without a provider) the
// handler services eviction requests inline.
func (h *Handler) SetEvictionSink(sink func(peer uint64, entries []wire.EvictionEntry, readBack func(offset uint64, dst []byte) error, respond func(confirmed []membuf.PID) error)) {
	h.evictionSink = sink
}

// registerInflightCopy records that peer was redirected to fetch pid's
// bytes from a third node and has not yet come back.
func (h *Handler) registerInflightCopy(pid membuf.PID, peer uint64) {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	peers, ok := h.inflightCR[pid]
	if !ok {
		peers = map[uint64]struct{}{}
		h.inflightCR[pid] = peers
	}
	peers[peer] = struct{}{}
}

// clearInflightFor drops every copy-redirect record held for peer.
func (h *Handler) clearInflightFor(peer uint64) {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	for pid, peers := range h.inflightCR {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(h.inflightCR, pid)
		}
	}
}

// InflightCopy reports whether any peer is still fetching pid's bytes on
// this handler's direction. The page provider must not honor an eviction
// of such a pid.
func (h *Handler) InflightCopy(pid membuf.PID) bool {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	_, ok := h.inflightCR[pid]
	return ok
}

// invalidationToken is the value recordWrite adds to a peer's invalidation
// batch: either the frame whose bytes were just RDMA-written out (released
// if still EVICTED when the batch quiesces) or a detached page index from
// a torn-down frame, freed unconditionally at quiesce.
type invalidationToken struct {
	frame  *membuf.BufferFrame
	pageIx int32
}

// recordWrite tells the peer's invalidation batch a signaled write
// happened and, once pollingInterval writes have accumulated, releases the
// frame pages the now-quiesced batch protected back to the free list.
func (h *Handler) recordWrite(peer uint64, f *membuf.BufferFrame) {
	b := h.invalidationFor(peer)
	b.Add(invalidationToken{frame: f, pageIx: -1})
	for _, quiesced := range b.OnSignaledWrite() {
		h.releaseQuiescedPage(quiesced)
	}
}

// recordDetachedWrite parks a page index whose frame is already gone (a
// PMR teardown) in peer's invalidation batch; the index goes back to the
// free list once the batch quiesces.
func (h *Handler) recordDetachedWrite(peer uint64, pageIx int32) {
	b := h.invalidationFor(peer)
	b.Add(invalidationToken{pageIx: pageIx})
	for _, quiesced := range b.OnSignaledWrite() {
		h.releaseQuiescedPage(quiesced)
	}
}

// releaseQuiescedPage returns a frame's page to the free list once its
// batch has quiesced, but only if the frame is still sitting EVICTED —
// it may have been granted back out (or fully torn down) in the meantime,
// in which case this is a no-op.
func (h *Handler) releaseQuiescedPage(tok interface{}) {
	it, ok := tok.(invalidationToken)
	if !ok {
		return
	}
	if it.frame == nil {
		h.mgr.Hashtable().FreePageIndex(it.pageIx)
		return
	}
	f := it.frame
	if !f.Latch.TryLatchExclusive() {
		return
	}
	if f.State == membuf.StateEvicted {
		h.mgr.Hashtable().ReleasePage(f)
	}
	f.Latch.UnlatchExclusive()
}

// --- request-side handling -------------------------------------------------

func protoMode(exclusive bool) membuf.ProtocolMode {
	if exclusive {
		return membuf.ProtocolExclusive
	}
	return membuf.ProtocolShared
}

// handlePossessionRequest services a PRS or PRX: locate (or insert) the
// local frame for the pid, then either grant the page directly (nobody
// currently possesses it and bytes are resident), redirect the requester
// to whoever conflicts, or report the page lives only on SSD.
func (h *Handler) handlePossessionRequest(ctx context.Context, peerCtx *transport.Context, peer uint64, payload []byte, exclusive bool) {
	req := decodePossessionRequest(payload)
	respType := wire.MsgPRRS
	if exclusive {
		respType = wire.MsgPRRX
	}
	requester := membuf.NodeID(peer)

	g, err := h.tryLatchFrame(req.PID, protoMode(exclusive))
	if err != nil {
		h.log.Error("coherence: possession request failed", zap.Error(err))
		h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, 0, 0))
		return
	}
	if g == nil {
		h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, 0, 0))
		return
	}
	defer g.Release()
	f := g.Frame

	if f.Possession != membuf.PossessionNobody {
		if exclusive {
			switch f.Possession {
			case membuf.PossessionExclusive:
				conflict := f.Possessors.Exclusive
				if conflict == requester {
					h.grantPossession(ctx, peerCtx, peer, f, req.RemoteOffset, respType, requester, true)
					return
				}
				// optimistic hand-off: the directory moves to the
				// requester now, and the requester completes the transfer
				// by sending a PMR to the conflicting holder. A failed
				// transfer is retried end to end by the requester, whose
				// retry then matches the conflict==requester grant above.
				f.Possessors = membuf.Possessors{Exclusive: requester}
				f.BumpPVersion()
				h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageExclusiveConflict, f.PVersion, encodeConflict(conflict)))
			case membuf.PossessionShared:
				first, any := firstSharer(f)
				if !any {
					h.grantPossession(ctx, peerCtx, peer, f, req.RemoteOffset, respType, requester, true)
					return
				}
				h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageSharedConflict, f.PVersion, encodeConflict(first)))
			}
			return
		}
		switch f.Possession {
		case membuf.PossessionExclusive:
			conflict := f.Possessors.Exclusive
			if conflict == h.mgr.Self {
				// exclusive by this node: downgrade to shared and serve.
				f.Possession = membuf.PossessionShared
				f.Possessors = membuf.Possessors{}
				f.Possessors.Shared.Set(h.mgr.Self)
				f.BumpPVersion()
				h.grantPossession(ctx, peerCtx, peer, f, req.RemoteOffset, respType, requester, false)
				return
			}
			// exclusive by another node: the directory transitions to
			// shared {holder, requester} now, and the requester fetches
			// the bytes from the holder directly (optimistic bookkeeping;
			// a failed fetch is reconciled by the requester's retry).
			f.Possession = membuf.PossessionShared
			f.Possessors = membuf.Possessors{}
			f.Possessors.Shared.Set(conflict)
			f.Possessors.Shared.Set(requester)
			f.BumpPVersion()
			h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageExclusiveConflict, f.PVersion, encodeConflict(conflict)))
		case membuf.PossessionShared:
			if f.Page() == nil {
				// evicted while shared: redirect the requester to a node
				// still holding bytes, record it as a possessor up front
				// (optimistic bookkeeping, it retries on a failed fetch),
				// and pin the pid against eviction until the copy lands.
				if holder, ok := otherSharer(f, h.mgr.Self); ok {
					f.Possessors.Shared.Set(requester)
					h.registerInflightCopy(f.PID, peer)
					h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, f.PVersion, encodeConflict(holder)))
					return
				}
				// no remote holder: the only copy is on this node's SSD.
				h.scheduleSSDReread(ctx, f)
				h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, f.PVersion, 0))
				return
			}
			h.grantPossession(ctx, peerCtx, peer, f, req.RemoteOffset, respType, requester, false)
		}
		return
	}

	h.grantPossession(ctx, peerCtx, peer, f, req.RemoteOffset, respType, requester, exclusive)
}

func firstSharer(f *membuf.BufferFrame) (membuf.NodeID, bool) {
	nodes := f.Possessors.Shared.Nodes()
	if len(nodes) == 0 {
		return 0, false
	}
	return nodes[0], true
}

// encodeConflict shifts a node id by one on the wire so 0 can mean "no
// conflicting node named"; node ids themselves start at 0.
func encodeConflict(n membuf.NodeID) uint64 { return uint64(n) + 1 }

// otherSharer returns a shared possessor other than self, preferred as the
// redirect target when this node no longer holds the bytes.
func otherSharer(f *membuf.BufferFrame, self membuf.NodeID) (membuf.NodeID, bool) {
	for _, n := range f.Possessors.Shared.Nodes() {
		if n != self {
			return n, true
		}
	}
	return 0, false
}

// grantPossession RDMA-writes the frame's page bytes to the requester's
// registered offset, updates local possessor bookkeeping, and replies
// WithPage (WithPageSharedConflict for a shared grant that leaves more
// than one sharer). Caller holds f's latch.
//
// A frame can reach here with Possession already satisfied for a SHARED
// request (e.g. two sharers racing a PRS) yet f.Page() nil, because the
// page provider spilled its bytes to SSD while it was still possessed.
// Rather than dereference a nil page, that case schedules an async reread
// and tells the requester to retry once it lands.
func (h *Handler) grantPossession(ctx context.Context, peerCtx *transport.Context, peer uint64, f *membuf.BufferFrame, remoteOffset uint64, respType wire.MessageType, requester membuf.NodeID, exclusive bool) {
	page := f.Page()
	if page == nil {
		h.scheduleSSDReread(ctx, f)
		h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, 0, 0))
		return
	}
	if err := h.fab.PostWriteBatch(peerCtx, transport.Signaled, transport.WriteElement{Data: append([]byte(nil), page.Payload()...), RemoteOffset: remoteOffset}); err != nil {
		h.log.Error("coherence: write page bytes", zap.Error(err))
		h.send(peerCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, 0, 0))
		return
	}

	if exclusive {
		f.Possession = membuf.PossessionExclusive
		f.Possessors = membuf.Possessors{Exclusive: requester}
		f.BumpPVersion()
		// the grantor no longer holds a usable copy once exclusive
		// possession moves away; mark the frame evicted so the page is
		// not leaked — recordWrite's invalidation batch returns the page
		// index to the free list once the write has quiesced.
		f.State = membuf.StateEvicted
	} else {
		if f.Possession != membuf.PossessionShared {
			if f.Possession == membuf.PossessionExclusive {
				f.BumpPVersion()
			}
			f.Possession = membuf.PossessionShared
			f.Possessors = membuf.Possessors{}
		}
		f.Possessors.Shared.Set(requester)
	}
	h.recordWrite(peer, f)
	result := wire.ResultWithPage
	if !exclusive && f.Possessors.Shared.Count() > 1 {
		result = wire.ResultWithPageSharedConflict
	}
	h.send(peerCtx, encodePossessionResponse(respType, result, f.PVersion, 0))
}

// scheduleSSDReread kicks off an async pread for a frame this node still
// possesses locally but whose bytes were spilled to SSD; pollSSDReads
// flips it back to StateHot once the read lands, letting the next retry
// from whichever peer (or this node's own worker) succeed. A no-op when
// the node runs without an SSD tier, or the reread is already in flight.
func (h *Handler) scheduleSSDReread(ctx context.Context, f *membuf.BufferFrame) {
	if h.asyncRead == nil || f.State == membuf.StateIOSSD {
		return
	}
	if err := h.mgr.Hashtable().AcquirePage(f); err != nil {
		return
	}
	f.State = membuf.StateIOSSD
	if err := h.asyncRead.Submit(ctx, ssdstore.ReadRequest{Slot: f.PID.Slot(), Dst: f.Page().Bytes(), Token: f}); err != nil {
		h.mgr.Hashtable().ReleasePage(f)
		f.State = membuf.StateEvicted
	}
}

// handleMoveRequest services a PMR: possession of pid transfers to the
// requester and this node's frame is torn down entirely. The requester is
// either taking the page home (the pid owner's worker resolving a local
// possession change against a remote holder) or fanning out invalidations
// after a successful PUR; in both cases this node's copy and bookkeeping
// are dead once the response goes out. The freed page rides the
// invalidation batch so its bytes outlive any in-flight write.
func (h *Handler) handleMoveRequest(peerCtx *transport.Context, peer uint64, payload []byte) {
	req := decodeMoveRequest(payload)

	g, found := h.mgr.Hashtable().FindFrame(req.PID, membuf.Invalidation{}, 0)
	if !found {
		h.send(peerCtx, encodeMoveResponse(wire.ResultNoPage))
		return
	}
	if g.Retry() {
		h.send(peerCtx, encodeMoveResponse(wire.ResultCopyFailedWithRestart))
		return
	}
	f := g.Frame

	result := wire.ResultNoPage
	if req.NeedPage && f.Page() != nil {
		if err := h.fab.PostWriteBatch(peerCtx, transport.Signaled, transport.WriteElement{Data: append([]byte(nil), f.Page().Payload()...), RemoteOffset: req.RemoteOffset}); err != nil {
			h.log.Error("coherence: move page write", zap.Error(err))
			g.Release()
			h.send(peerCtx, encodeMoveResponse(wire.ResultCopyFailedWithRestart))
			return
		}
		result = wire.ResultWithPage
	}

	pageIx := h.mgr.Hashtable().DetachPage(f)
	h.mgr.Hashtable().RemoveFrame(f, nil)
	if pageIx >= 0 {
		h.recordDetachedWrite(peer, pageIx)
	}
	h.send(peerCtx, encodeMoveResponse(result))
}

// handleCopyRequest services a PCR: serve a read-only copy of the page
// without disturbing existing possession.
// MHWaiting breaks a potential deadlock against a concurrent PUR by
// telling the copier to fall back to end-to-end invalidation instead of
// spinning against this handler.
func (h *Handler) handleCopyRequest(peerCtx *transport.Context, peer uint64, payload []byte) {
	req := decodeCopyRequest(payload)

	g, found := h.mgr.Hashtable().FindFrame(req.PID, membuf.Copy{}, 0)
	if !found {
		h.send(peerCtx, encodeCopyResponse(wire.ResultCopyFailedWithRestart))
		return
	}
	if g.Retry() {
		h.send(peerCtx, encodeCopyResponse(wire.ResultCopyFailedWithRestart))
		return
	}
	f := g.Frame
	if f.MHWaiting {
		g.Release()
		h.send(peerCtx, encodeCopyResponse(wire.ResultCopyFailedWithInvalidation))
		return
	}
	if f.Page() == nil {
		g.Release()
		h.send(peerCtx, encodeCopyResponse(wire.ResultCopyFailedWithRestart))
		return
	}
	err := h.fab.PostWriteBatch(peerCtx, transport.Signaled, transport.WriteElement{Data: append([]byte(nil), f.Page().Payload()...), RemoteOffset: req.RemoteOffset})
	g.Release()
	if err != nil {
		h.log.Error("coherence: copy write", zap.Error(err))
		h.send(peerCtx, encodeCopyResponse(wire.ResultCopyFailedWithRestart))
		return
	}
	h.recordWrite(peer, f)
	h.send(peerCtx, encodeCopyResponse(wire.ResultWithPage))
}

// handleUpdateRequest services a PUR: a current shared holder wants to
// become exclusive. If the version it last saw is
// stale, it must restart; otherwise this becomes the sole exclusive
// possessor and any other sharers are reported back for the requester to
// invalidate directly.
func (h *Handler) handleUpdateRequest(peerCtx *transport.Context, peer uint64, payload []byte) {
	req := decodeUpdateRequest(payload)
	requester := membuf.NodeID(peer)

	g, found := h.mgr.Hashtable().FindFrame(req.PID, membuf.Protocol{Mode: membuf.ProtocolExclusive}, 0)
	if !found || g.Retry() {
		h.send(peerCtx, encodeUpdateResponse(wire.ResultUpdateFailed, 0))
		return
	}
	f := g.Frame
	defer g.Release()

	if f.PVersion > req.PVersion {
		h.send(peerCtx, encodeUpdateResponse(wire.ResultUpdateFailed, 0))
		return
	}

	others := f.Possessors.Shared
	others.Clear(requester)
	others.Clear(h.mgr.Self)
	f.Possession = membuf.PossessionExclusive
	f.Possessors = membuf.Possessors{Exclusive: requester}
	// the requester already holds a shared copy and is only upgrading in
	// place, so no bytes cross the wire here — but this node's own
	// bookkeeping copy is no longer current once the requester starts
	// writing, so it is retired the same way a PRX hand-off retires the
	// grantor's copy.
	f.State = membuf.StateEvicted
	f.Dirty = true
	f.BumpPVersion()
	h.recordWrite(peer, f)

	if others.Count() == 0 {
		h.send(peerCtx, encodeUpdateResponse(wire.ResultUpdateSucceed, 0))
		return
	}
	h.send(peerCtx, encodeUpdateResponse(wire.ResultUpdateSucceedWithSharedConflict, uint64(others)))
}

// handleRemoteAllocRequest services a RAR: mint a pid owned by this node
// on the requester's behalf and install a directory-only placeholder
// frame possessed by the requester.
func (h *Handler) handleRemoteAllocRequest(peerCtx *transport.Context) {
	pid := h.mgr.AllocatePID()
	g, err := h.mgr.Hashtable().InsertFrame(pid, func(f *membuf.BufferFrame) {
		f.PID = pid
	})
	if err != nil {
		h.log.Error("coherence: remote alloc insert", zap.Error(err))
		return
	}
	g.Frame.Possession = membuf.PossessionExclusive
	g.Frame.Possessors = membuf.Possessors{Exclusive: membuf.NodeID(peerCtx.PeerNode)}
	g.Frame.State = membuf.StateEvicted
	g.Release()
	h.send(peerCtx, encodeRemoteAllocResponse(pid))
}

// handleDelegationRequest services a DR: remember a peer's forwarding
// address.
func (h *Handler) handleDelegationRequest(peerCtx *transport.Context, payload []byte) {
	if len(payload) < 25 {
		return
	}
	bmid := decodeU64(payload, 1)
	mb := decodeU64(payload, 9)
	pl := decodeU64(payload, 17)
	h.delegation.Register(peerCtx.PeerNode, DelegatedPeer{BMID: bmid, MBOffset: mb, PLOffset: pl})
	h.send(peerCtx, []byte{byte(wire.MsgDRR)})
}

// handleForwardRequest services a PRFR: a client without a direct
// connection to pid's owner asks a delegated peer to issue the request
// on its behalf. This node proxies
// the possession request against the owner using its own RemoteClient
// machinery and relays the final result straight back to the originator
// as an ordinary possession response, sparing the client a second round
// trip once the forward completes.
func (h *Handler) handleForwardRequest(ctx context.Context, originCtx *transport.Context, payload []byte) {
	if len(payload) < 26 {
		return
	}
	pid := membuf.PID(decodeU64(payload, 1))
	mode := wire.MessageType(payload[9])
	remoteOffset := decodeU64(payload, 10)
	origin := membuf.NodeID(decodeU64(payload, 18))

	exclusive := mode == wire.MsgPRX
	result, page, conflict, pVersion, err := h.RequestPossession(ctx, pid, exclusive, origin)
	respType := wire.MsgPRRS
	if exclusive {
		respType = wire.MsgPRRX
	}
	if err != nil {
		h.send(originCtx, encodePossessionResponse(respType, wire.ResultNoPageEvicted, 0, 0))
		return
	}
	wireResult := toWireResult(result)
	if wireResult == wire.ResultWithPage || wireResult == wire.ResultWithPageSharedConflict {
		if werr := h.fab.PostWriteBatch(originCtx, transport.Signaled, transport.WriteElement{Data: page, RemoteOffset: remoteOffset}); werr != nil {
			h.log.Error("coherence: forward relay write", zap.Error(werr))
		}
	}
	conflictField := uint64(0)
	switch result {
	case membuf.ResultNoPageExclusiveConflict, membuf.ResultNoPageSharedConflict, membuf.ResultNoPageEvictedWithCopy:
		conflictField = encodeConflict(conflict)
	}
	h.send(originCtx, encodePossessionResponse(respType, wireResult, pVersion, conflictField))
}

// handleEvictionRequest services an eviction batch inline: a peer that
// cached one of this node's pages is dropping its copy. For each entry
// this node validates PVersion still matches (a stale request is simply
// dropped, the sender's own retry/GC eventually reconciles it), reads
// back the evictor's bytes if it was holding them exclusive and dirty —
// the dirty page must come home before this node agrees — and clears the
// evictor from local possessor bookkeeping. Every entry whose pid was
// processed (found-and-version-matched, or not found at all) is confirmed
// back to the sender; everything else the sender must re-offer next round.
func (h *Handler) handleEvictionRequest(peerCtx *transport.Context, payload []byte) {
	req := decodeEvictionRequest(payload)
	evictor := membuf.NodeID(peerCtx.PeerNode)
	confirmed := make([]membuf.PID, 0, len(req.Entries))

	for _, e := range req.Entries {
		g, found := h.mgr.Hashtable().FindFrame(e.PID, membuf.Invalidation{}, 0)
		if !found {
			confirmed = append(confirmed, e.PID)
			continue
		}
		if g.Retry() {
			continue
		}
		f := g.Frame
		if f.PVersion != e.PVersion || h.InflightCopy(e.PID) {
			g.Release()
			continue
		}

		wasExclusiveOwner := f.Possession == membuf.PossessionExclusive && f.Possessors.Exclusive == evictor
		if wasExclusiveOwner && f.Dirty && e.Offset != 0 {
			if f.Page() == nil {
				if err := h.mgr.Hashtable().AcquirePage(f); err != nil {
					g.Release()
					continue
				}
			}
			if err := h.fab.PostRead(peerCtx, e.Offset, f.Page().Bytes()); err != nil {
				h.log.Warn("coherence: eviction dirty read-back failed", zap.Error(err))
			} else {
				f.State = membuf.StateHot
			}
		}

		switch f.Possession {
		case membuf.PossessionExclusive:
			if f.Possessors.Exclusive == evictor {
				f.Possession = membuf.PossessionNobody
				f.Possessors = membuf.Possessors{}
			}
		case membuf.PossessionShared:
			f.Possessors.Shared.Clear(evictor)
			if f.Possessors.Shared.Count() == 0 {
				f.Possession = membuf.PossessionNobody
			}
		}
		g.Release()
		confirmed = append(confirmed, e.PID)
	}
	h.send(peerCtx, encodeEvictionResponse(confirmed))
}

// tryLatchFrame finds-or-inserts the local frame for pid, retrying a
// bounded number of times while Protocol reports RETRY due to latch
// contention (it never blocks).
func (h *Handler) tryLatchFrame(pid membuf.PID, mode membuf.ProtocolMode) (*membuf.Guard, error) {
	var g *membuf.Guard
	var err error
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		g, err = h.mgr.Hashtable().FindFrameOrInsert(pid, membuf.Protocol{Mode: mode}, h.mgr.Self, func(f *membuf.BufferFrame) {
			f.PID = pid
			f.State = membuf.StateEvicted
			f.Epoch = h.mgr.Epoch()
		})
		if err != nil {
			if err == membuf.ErrOutOfFrames {
				runtime.Gosched()
				continue
			}
			return nil, err
		}
		if !g.Retry() {
			g.Frame.MHWaiting = false
			return g, nil
		}
		// tell contending workers to back off so this handler's next
		// try-latch gets through; MHWaiting poisons the worker-side
		// acquires. Written without the latch on purpose — the next
		// optimistic read observes it and retries.
		if g.Frame != nil {
			g.Frame.MHWaiting = true
		}
		runtime.Gosched()
	}
	if g != nil && g.Frame != nil {
		g.Frame.MHWaiting = false
	}
	return nil, nil
}

func (h *Handler) send(ctx *transport.Context, payload []byte) {
	if err := h.fab.PostSend(ctx, payload); err != nil {
		h.log.Error("coherence: send", zap.Error(err))
	}
}

func toWireResult(r membuf.ProtocolResult) wire.Result {
	switch r {
	case membuf.ResultWithPage:
		return wire.ResultWithPage
	case membuf.ResultWithPageSharedConflict:
		return wire.ResultWithPageSharedConflict
	case membuf.ResultNoPageSharedConflict:
		return wire.ResultNoPageSharedConflict
	case membuf.ResultNoPageExclusiveConflict:
		return wire.ResultNoPageExclusiveConflict
	case membuf.ResultNoPageEvicted, membuf.ResultNoPageEvictedWithCopy:
		return wire.ResultNoPageEvicted
	default:
		return wire.ResultNoPage
	}
}

func toProtocolResult(r wire.Result) membuf.ProtocolResult {
	switch r {
	case wire.ResultWithPage:
		return membuf.ResultWithPage
	case wire.ResultWithPageSharedConflict:
		return membuf.ResultWithPageSharedConflict
	case wire.ResultNoPageSharedConflict:
		return membuf.ResultNoPageSharedConflict
	case wire.ResultNoPageExclusiveConflict:
		return membuf.ResultNoPageExclusiveConflict
	case wire.ResultNoPageEvicted:
		return membuf.ResultNoPageEvicted
	case wire.ResultUpdateFailed:
		return membuf.ResultUpdateFailed
	case wire.ResultUpdateSucceed:
		return membuf.ResultUpdateSucceed
	case wire.ResultUpdateSucceedWithSharedConflict:
		return membuf.ResultUpdateSucceedWithSharedConflict
	case wire.ResultCopyFailedWithRestart:
		return membuf.ResultCopyFailedWithRestart
	case wire.ResultCopyFailedWithInvalidation:
		return membuf.ResultCopyFailedWithInvalidation
	default:
		return membuf.ResultNoPage
	}
}

// --- client-side: membuf.RemoteClient ---------------------------------

// roundTrip serializes one outstanding request per peer (the transport
// has a single response channel per connection, not per-request
// completion tags) and waits for the matching response or ctx
// cancellation.
func (h *Handler) roundTrip(ctx context.Context, peer uint64, payload []byte) (inboundMessage, error) {
	peerCtx, ok := h.peerCtx(peer)
	if !ok {
		return inboundMessage{}, ErrNoRoute
	}
	h.mu.Lock()
	lock, ok := h.peerLocks[peer]
	if !ok {
		lock = &sync.Mutex{}
		h.peerLocks[peer] = lock
	}
	h.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	respCh := make(chan inboundMessage, 1)
	h.mu.Lock()
	h.pending[peer] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, peer)
		h.mu.Unlock()
	}()

	if err := h.fab.PostSend(peerCtx, payload); err != nil {
		return inboundMessage{}, errors.Wrap(err, "coherence: post request")
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return inboundMessage{}, ErrTimedOut
	}
}

// scratchRegion registers a fresh page-sized receive buffer for one
// request. Named regions accumulate for the life of the process; a real
// RDMA fabric would recycle its memory-region registrations.
func (h *Handler) scratchRegion(size int) ([]byte, uint64, error) {
	buf := make([]byte, size)
	seq := atomic.AddUint64(&h.scratchSeq, 1)
	offset, err := h.fab.RegisterRegion(fmt.Sprintf("scratch-%d", seq), buf)
	return buf, offset, err
}

// RequestPossession implements membuf.RemoteClient.
func (h *Handler) RequestPossession(ctx context.Context, pid membuf.PID, exclusive bool, self membuf.NodeID) (membuf.ProtocolResult, []byte, membuf.NodeID, uint64, error) {
	owner := uint64(pid.Owner())
	buf, offset, err := h.scratchRegion(membuf.PageSize)
	if err != nil {
		return membuf.ResultNoPage, nil, 0, 0, err
	}
	msgType := wire.MsgPRS
	if exclusive {
		msgType = wire.MsgPRX
	}
	resp, err := h.roundTrip(ctx, owner, encodePossessionRequest(msgType, pid, offset))
	if err != nil {
		return membuf.ResultNoPage, nil, 0, 0, err
	}
	pr := decodePossessionResponse(resp.payload)
	result := toProtocolResult(pr.Result)
	var conflict membuf.NodeID
	if pr.ConflictingNode > 0 {
		conflict = membuf.NodeID(pr.ConflictingNode - 1)
		if result == membuf.ResultNoPageEvicted {
			// the owner named a node still holding bytes; distinct from a
			// bare NoPageEvicted, which asks the requester to retry after
			// the owner's SSD reread lands.
			result = membuf.ResultNoPageEvictedWithCopy
		}
	}
	var page []byte
	if result == membuf.ResultWithPage || result == membuf.ResultWithPageSharedConflict {
		page = append([]byte(nil), buf...)
	}
	return result, page, conflict, pr.PVersion, nil
}

// RequestCopy implements membuf.RemoteClient.
func (h *Handler) RequestCopy(ctx context.Context, pid membuf.PID, fromNode membuf.NodeID, self membuf.NodeID) (membuf.ProtocolResult, []byte, error) {
	buf, offset, err := h.scratchRegion(membuf.PageSize)
	if err != nil {
		return membuf.ResultNoPage, nil, err
	}
	resp, err := h.roundTrip(ctx, uint64(fromNode), encodeCopyRequest(pid, offset, 0))
	if err != nil {
		return membuf.ResultNoPage, nil, err
	}
	if len(resp.payload) < 2 {
		return membuf.ResultNoPage, nil, errors.New("coherence: malformed copy response")
	}
	result := toProtocolResult(wire.Result(resp.payload[1]))
	var page []byte
	if result == membuf.ResultWithPage {
		page = append([]byte(nil), buf...)
	}
	return result, page, nil
}

// RequestUpdate implements membuf.RemoteClient.
func (h *Handler) RequestUpdate(ctx context.Context, pid membuf.PID, pVersion uint64, self membuf.NodeID) (membuf.ProtocolResult, []membuf.NodeID, error) {
	owner := uint64(pid.Owner())
	resp, err := h.roundTrip(ctx, owner, encodeUpdateRequest(pid, pVersion))
	if err != nil {
		return membuf.ResultUpdateFailed, nil, err
	}
	ur := decodeUpdateResponse(resp.payload)
	result := toProtocolResult(ur.Result)
	var conflicts []membuf.NodeID
	if result == membuf.ResultUpdateSucceedWithSharedConflict {
		bm := membuf.SharedBitmap(ur.SharedConflicts)
		conflicts = bm.Nodes()
	}
	return result, conflicts, nil
}

// RequestMove implements membuf.RemoteClient: issue a PMR against node,
// which tears down its frame for pid and hands possession (and, with
// needPage, the page bytes) to this node. Used by the pid owner's worker
// to pull a page home from a remote holder, and with needPage false as
// the invalidation fan-out after a PUR reported shared conflicts.
func (h *Handler) RequestMove(ctx context.Context, pid membuf.PID, node membuf.NodeID, needPage bool, self membuf.NodeID) (membuf.ProtocolResult, []byte, error) {
	var buf []byte
	var offset uint64
	if needPage {
		var err error
		buf, offset, err = h.scratchRegion(membuf.PageSize)
		if err != nil {
			return membuf.ResultNoPage, nil, err
		}
	}
	resp, err := h.roundTrip(ctx, uint64(node), encodeMoveRequest(pid, needPage, offset, 0))
	if err != nil {
		return membuf.ResultNoPage, nil, err
	}
	if len(resp.payload) < 2 {
		return membuf.ResultNoPage, nil, errors.New("coherence: malformed move response")
	}
	result := toProtocolResult(wire.Result(resp.payload[1]))
	var page []byte
	if result == membuf.ResultWithPage {
		page = append([]byte(nil), buf...)
	}
	return result, page, nil
}

// RequestEviction implements pageprovider.RemoteEvictor: batch-notify the
// owner that this node is dropping the listed frames, returning which
// pids the owner confirmed.
func (h *Handler) RequestEviction(ctx context.Context, owner membuf.NodeID, entries []wire.EvictionEntry) (map[membuf.PID]bool, error) {
	resp, err := h.roundTrip(ctx, uint64(owner), encodeEvictionRequest(wire.EvictionRequest{Entries: entries}))
	if err != nil {
		return nil, err
	}
	confirmed := decodeEvictionResponse(resp.payload)
	out := make(map[membuf.PID]bool, len(confirmed))
	for _, pid := range confirmed {
		out[pid] = true
	}
	return out, nil
}

// RegisterEvictionPage implements pageprovider.RemoteEvictor: expose a
// foreign-owned page's bytes at a stable local offset the owner can
// PostRead from during its dirty read-back, should it still need them.
func (h *Handler) RegisterEvictionPage(pid membuf.PID, payload []byte) (uint64, error) {
	seq := atomic.AddUint64(&h.scratchSeq, 1)
	return h.fab.RegisterRegion(fmt.Sprintf("eviction-%d-%d", uint64(pid), seq), append([]byte(nil), payload...))
}

// ForwardPossession asks via — a peer this node does have a connection
// to — to issue the possession request against pid's owner on this node's
// behalf (PRFR), for topologies where no direct connection to the owner
// exists. The relay writes the page bytes straight into this node's
// registered buffer and forwards the owner's result, sparing an
// end-to-end retry.
func (h *Handler) ForwardPossession(ctx context.Context, via uint64, pid membuf.PID, exclusive bool) (membuf.ProtocolResult, []byte, membuf.NodeID, uint64, error) {
	buf, offset, err := h.scratchRegion(membuf.PageSize)
	if err != nil {
		return membuf.ResultNoPage, nil, 0, 0, err
	}
	mode := wire.MsgPRS
	if exclusive {
		mode = wire.MsgPRX
	}
	resp, err := h.roundTrip(ctx, via, encodeForwardRequest(pid, mode, offset, uint64(h.mgr.Self)))
	if err != nil {
		return membuf.ResultNoPage, nil, 0, 0, err
	}
	pr := decodePossessionResponse(resp.payload)
	result := toProtocolResult(pr.Result)
	var conflict membuf.NodeID
	if pr.ConflictingNode > 0 {
		conflict = membuf.NodeID(pr.ConflictingNode - 1)
		if result == membuf.ResultNoPageEvicted {
			result = membuf.ResultNoPageEvictedWithCopy
		}
	}
	var page []byte
	if result == membuf.ResultWithPage || result == membuf.ResultWithPageSharedConflict {
		page = append([]byte(nil), buf...)
	}
	return result, page, conflict, pr.PVersion, nil
}

// RegisterDelegation announces this node's mailbox/payload addressing to
// peer (DR/DRR), letting the peer forward possession requests through
// this handler later. Exchanged once per connection at startup.
func (h *Handler) RegisterDelegation(ctx context.Context, peer uint64, bmID, mbOffset, plOffset uint64) error {
	_, err := h.roundTrip(ctx, peer, encodeDelegationRequest(bmID, mbOffset, plOffset))
	return err
}

// Delegation exposes the table of peers registered via DR, for forwarding
// decisions and tests.
func (h *Handler) Delegation() *DelegationTable { return h.delegation }

// AllocateRemote implements membuf.RemoteClient.
func (h *Handler) AllocateRemote(ctx context.Context, node membuf.NodeID) (membuf.PID, error) {
	resp, err := h.roundTrip(ctx, uint64(node), encodeRemoteAllocRequest())
	if err != nil {
		return membuf.EmptyPID, err
	}
	rr := decodeRemoteAllocResponse(resp.payload)
	return rr.PID, nil
}
