// Package pageprovider implements the eviction loop that keeps a node's
// DRAM frame pool under its free/cooling thresholds: sample candidate
// frames by epoch, write dirty local pages to SSD, ask remote owners to
// confirm eviction of pages this node merely caches, and service the
// matching requests arriving from remote providers.
package pageprovider

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/config"
	"github.com/scalestore-go/membuf/ssdstore"
	"github.com/scalestore-go/membuf/wire"
)

// RemoteEvictor is the subset of coherence.Handler the page provider needs
// for eviction traffic: register a foreign page's bytes at a stable offset
// the owner can read back, batch-notify the owner, and consult the
// handler's inflight copy-request table before honoring an incoming
// eviction. Kept as an interface so pageprovider never needs to import
// coherence directly.
type RemoteEvictor interface {
	RequestEviction(ctx context.Context, owner membuf.NodeID, entries []wire.EvictionEntry) (map[membuf.PID]bool, error)
	RegisterEvictionPage(pid membuf.PID, payload []byte) (uint64, error)
	InflightCopy(pid membuf.PID) bool
}

// EvictionWork is one incoming eviction batch routed from the coherence
// handler's mailbox into the provider's loop: a remote provider wants to
// drop its cached copies of pids this node owns. ReadBack pulls the
// evictor's registered page copy over a one-sided READ; Respond writes
// the confirmation batch back.
type EvictionWork struct {
	Peer     uint64
	Entries  []wire.EvictionEntry
	ReadBack func(offset uint64, dst []byte) error
	Respond  func(confirmed []membuf.PID) error
}

// IncomingQueue carries EvictionWork from the handler's dispatch
// goroutines to whichever provider partition drains it first. One queue is
// shared by every partition; frame latches make servicing safe regardless
// of which partition picks a batch up.
type IncomingQueue struct {
	ch chan EvictionWork
}

// NewIncomingQueue creates a queue holding up to depth pending batches.
func NewIncomingQueue(depth int) *IncomingQueue {
	return &IncomingQueue{ch: make(chan EvictionWork, depth)}
}

// Push enqueues one batch, blocking if every provider is behind — the
// sender's round trip is already waiting on the response, so backpressure
// here is the right failure mode.
func (q *IncomingQueue) Push(w EvictionWork) { q.ch <- w }

// Drain removes up to max pending batches without blocking.
func (q *IncomingQueue) Drain(max int) []EvictionWork {
	var out []EvictionWork
	for len(out) < max {
		select {
		case w := <-q.ch:
			out = append(out, w)
		default:
			return out
		}
	}
	return out
}

// lingerRounds is how many rounds an under-full outgoing eviction batch
// is allowed to accumulate before being flushed anyway, capping the
// latency batching can add.
const lingerRounds = 100

// outgoingBatch accumulates eviction notices bound for one owner node.
type outgoingBatch struct {
	entries []wire.EvictionEntry
	linger  int
}

// Provider runs the eviction loop for one partition of the hashtable's
// buckets: one Provider per config.PageProviderThreads goroutine, each
// scanning a disjoint contiguous bucket range [begin, end).
type Provider struct {
	mgr      *membuf.Manager
	ssd      *ssdstore.AsyncWriteBuffer
	evictor  RemoteEvictor
	incoming *IncomingQueue
	cfg      config.Config
	self     membuf.NodeID
	log      *zap.Logger
	rng      *rand.Rand

	begin, end int // bucket range [begin, end) this provider scans

	coolingLimit int // free pages below this: start preparing victims
	freeLimit    int // free pages below this: evict aggressively

	outgoing map[membuf.NodeID]*outgoingBatch
	pending  map[membuf.PID]*membuf.BufferFrame // foreign frames held latched until the owner responds

	freedSinceEpochBump int
}

// NewProvider builds a provider over hashtable buckets [begin, end).
// incoming may be nil on a node that never receives eviction requests
// (single-node runs); ssd may be nil when EvictToSSD is disabled.
func NewProvider(mgr *membuf.Manager, ssd *ssdstore.AsyncWriteBuffer, evictor RemoteEvictor, incoming *IncomingQueue, cfg config.Config, self membuf.NodeID, begin, end int, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	pool := mgr.Hashtable().ArenaLen()
	p := &Provider{
		mgr:      mgr,
		ssd:      ssd,
		evictor:  evictor,
		incoming: incoming,
		cfg:      cfg,
		self:     self,
		log:      log,
		rng:      rand.New(rand.NewSource(int64(begin)*7919 + int64(self))),
		begin:    begin,
		end:      end,

		coolingLimit: int(cfg.CoolingPercentage / 100 * float64(pool)),
		freeLimit:    int(cfg.FreePercentage / 100 * float64(pool)),

		outgoing: map[membuf.NodeID]*outgoingBatch{},
		pending:  map[membuf.PID]*membuf.BufferFrame{},
	}
	if p.coolingLimit < 1 {
		p.coolingLimit = 1
	}
	if p.freeLimit < 1 {
		p.freeLimit = 1
	}
	return p
}

// Run loops the eviction phases until ctx is cancelled. Each round rides
// a ticker rather than busy-spinning, so an idle provider costs nothing.
func (p *Provider) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.releasePending()
			return
		case <-ticker.C:
			p.round(ctx)
		}
	}
}

func (p *Provider) round(ctx context.Context) {
	// service eviction requests from remote providers against pids this
	// node owns, responding once any dirty read-backs completed.
	if p.incoming != nil {
		for _, work := range p.incoming.Drain(4) {
			p.serveEviction(work)
		}
	}

	// poll async SSD write completions, reclaiming the written pages.
	if p.ssd != nil {
		for _, c := range p.ssd.PollCompletions() {
			if c.Err != nil {
				p.log.Error("pageprovider: async write failed", zap.Error(c.Err))
				continue
			}
			p.onWriteComplete(c.Token)
		}
	}

	// below the cooling limit, sample an eviction window and evict.
	free := p.mgr.Hashtable().FreePages()
	if free < p.coolingLimit {
		p.maybeBumpEpoch()
		urgent := free < p.freeLimit
		window := p.evictionWindow()
		p.scanAndEvict(ctx, window, urgent)
	}

	// flush full or lingering outgoing batches and settle the owner's
	// confirmations.
	p.flushOutgoing(ctx, false)
}

// maybeBumpEpoch advances the global epoch once more pages were freed
// since the last bump than 10% of the free limit.
func (p *Provider) maybeBumpEpoch() {
	if p.freedSinceEpochBump > p.freeLimit/10 {
		p.mgr.BumpEpoch()
		p.freedSinceEpochBump = 0
	}
}

// evictionWindow samples up to eviction_sample_size epochs from this
// partition's frames and returns the evict_coolest_epochs quantile
// (default p10): frames at or below it are this round's victims,
// approximating LRU without maintaining a global ordering.
func (p *Provider) evictionWindow() uint64 {
	ht := p.mgr.Hashtable()
	span := p.end - p.begin
	if span <= 0 {
		return 0
	}
	want := p.cfg.EvictionSampleSize
	if want < 1 {
		want = 1
	}
	epochs := make([]uint64, 0, want)
	for attempts := 0; len(epochs) < want && attempts < want*4; attempts++ {
		f := ht.BucketAt(p.begin + p.rng.Intn(span))
		for f != nil {
			if f.State == membuf.StateHot && !f.PID.Empty() {
				epochs = append(epochs, f.Epoch)
			}
			f = ht.NextInChain(f)
		}
	}
	if len(epochs) == 0 {
		return 0
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	ix := int(float64(len(epochs)) * p.cfg.EvictCoolestEpochs)
	if ix >= len(epochs) {
		ix = len(epochs) - 1
	}
	return epochs[ix]
}

// scanAndEvict walks this partition's bucket chains in scan_batch_size
// frame batches, evicting every unlatched HOT frame whose epoch falls at
// or below the window. urgent (free list under the free limit) drops the
// probabilistic skip so every candidate goes.
func (p *Provider) scanAndEvict(ctx context.Context, window uint64, urgent bool) {
	ht := p.mgr.Hashtable()
	batchSize := p.cfg.ScanBatchSize
	if batchSize < 1 {
		batchSize = 128
	}
	batch := make([]*membuf.BufferFrame, 0, batchSize)
	flush := func() {
		for _, f := range batch {
			p.evict(ctx, f, urgent)
		}
		batch = batch[:0]
	}
	for ix := p.begin; ix < p.end; ix++ {
		f := ht.BucketAt(ix)
		for f != nil {
			if f.State == membuf.StateHot && !f.PID.Empty() && f.Epoch <= window {
				if _, held := p.pending[f.PID]; !held {
					batch = append(batch, f)
					if len(batch) == batchSize {
						flush()
					}
				}
			}
			f = ht.NextInChain(f)
		}
	}
	flush()
}

// evict classifies one victim frame: owner-local dirty
// pages go to the async SSD writer; owner-local pages shared only by this
// node are dropped whole (gated on prob_SSD/1000 unless urgent);
// owner-local pages shared with peers keep their directory metadata but
// lose the bytes; foreign pages are offered to their owner and stay
// latched until the owner's batched response settles them.
func (p *Provider) evict(ctx context.Context, f *membuf.BufferFrame, urgent bool) {
	if !f.Latch.TryLatchExclusive() {
		return
	}
	if f.State != membuf.StateHot || f.MHWaiting || f.PID.Empty() {
		f.Latch.UnlatchExclusive()
		return
	}

	if f.PID.Owner() == p.self {
		p.evictLocal(ctx, f, urgent)
		return
	}
	p.evictForeign(f)
}

func (p *Provider) evictLocal(ctx context.Context, f *membuf.BufferFrame, urgent bool) {
	ht := p.mgr.Hashtable()

	if f.Dirty && p.cfg.EvictToSSD && p.ssd != nil {
		page := f.Page()
		if page == nil {
			f.Latch.UnlatchExclusive()
			return
		}
		f.State = membuf.StateIOSSD
		err := p.ssd.Submit(ctx, ssdstore.WriteRequest{
			Slot:  f.PID.Slot(),
			Data:  append([]byte(nil), page.Bytes()...),
			Token: evictToken{frame: f, pid: f.PID},
		})
		if err != nil {
			f.State = membuf.StateHot
		}
		f.Latch.UnlatchExclusive()
		return
	}

	if f.Dirty {
		// dirty with no SSD tier: nowhere to spill, leave it resident.
		f.Latch.UnlatchExclusive()
		return
	}

	sharedElsewhere := (f.Possession == membuf.PossessionShared &&
		(f.Possessors.Shared.Count() > 1 || !f.Possessors.Shared.Test(p.self))) ||
		(f.Possession == membuf.PossessionExclusive && f.Possessors.Exclusive != p.self)
	if sharedElsewhere {
		// peers still hold copies: keep the directory entry, drop only
		// the bytes.
		f.State = membuf.StateEvicted
		ht.ReleasePage(f)
		f.Latch.UnlatchExclusive()
		p.freedSinceEpochBump++
		return
	}

	if !urgent && p.rng.Intn(1000) >= p.cfg.ProbSSD {
		f.Latch.UnlatchExclusive()
		return
	}
	// sole holder of a clean local page: the whole frame goes; the next
	// fix reinserts it and rereads the SSD tier.
	ht.RemoveFrame(f, nil)
	p.freedSinceEpochBump++
}

func (p *Provider) evictForeign(f *membuf.BufferFrame) {
	if p.evictor == nil {
		f.Latch.UnlatchExclusive()
		return
	}
	offset, err := p.evictor.RegisterEvictionPage(f.PID, f.Page().Bytes())
	if err != nil {
		f.Latch.UnlatchExclusive()
		return
	}
	owner := f.PID.Owner()
	b := p.outgoing[owner]
	if b == nil {
		b = &outgoingBatch{}
		p.outgoing[owner] = b
	}
	b.entries = append(b.entries, wire.EvictionEntry{PID: f.PID, Offset: offset, PVersion: f.PVersion})
	// latch stays held until the owner confirms or refuses.
	p.pending[f.PID] = f
}

type evictToken struct {
	frame *membuf.BufferFrame
	pid   membuf.PID
}

// onWriteComplete reclaims a page whose async SSD write finished,
// re-verifying under the latch that the frame wasn't replaced while the
// write was in flight.
func (p *Provider) onWriteComplete(token interface{}) {
	t, ok := token.(evictToken)
	if !ok || t.frame == nil {
		return
	}
	f := t.frame
	if !f.Latch.TryLatchExclusive() {
		return
	}
	if f.State == membuf.StateIOSSD && f.PID == t.pid {
		p.mgr.Hashtable().ReleasePage(f)
		f.State = membuf.StateEvicted
		f.Dirty = false
		p.freedSinceEpochBump++
	}
	f.Latch.UnlatchExclusive()
}

// flushOutgoing sends each owner's batch once it reaches
// min_outgoing_elements or has lingered lingerRounds rounds (force sends
// everything, used at shutdown), then settles the response: confirmed
// pids lose their local frame and page, refused pids are unlatched and
// kept. The transport's round trip is synchronous, so the send and the
// settlement happen back to back within one round; the batch/linger
// pacing keeps the request rate bounded regardless.
func (p *Provider) flushOutgoing(ctx context.Context, force bool) {
	batchSize := p.cfg.EvictionBatchSize
	if batchSize <= 0 {
		batchSize = wire.EvictionBatchSize
	}
	for owner, b := range p.outgoing {
		b.linger++
		if !force && len(b.entries) < p.cfg.MinOutgoingElements && b.linger < lingerRounds {
			continue
		}
		if len(b.entries) == 0 {
			b.linger = 0
			continue
		}
		entries := b.entries
		b.entries = nil
		b.linger = 0
		for start := 0; start < len(entries); start += batchSize {
			end := start + batchSize
			if end > len(entries) {
				end = len(entries)
			}
			p.sendChunk(ctx, owner, entries[start:end])
		}
	}
}

func (p *Provider) sendChunk(ctx context.Context, owner membuf.NodeID, chunk []wire.EvictionEntry) {
	confirmed, err := p.evictor.RequestEviction(ctx, owner, chunk)
	if err != nil {
		p.log.Warn("pageprovider: request eviction failed", zap.Error(err), zap.Uint64("owner", uint64(owner)))
		for _, e := range chunk {
			p.settlePending(e.PID, false)
		}
		return
	}
	for _, e := range chunk {
		p.settlePending(e.PID, confirmed[e.PID])
	}
}

// settlePending resolves one foreign frame held latched since its
// eviction notice went out: confirmed frames are torn down and their page
// freed, refused frames stay resident.
func (p *Provider) settlePending(pid membuf.PID, confirmed bool) {
	f, ok := p.pending[pid]
	if !ok {
		return
	}
	delete(p.pending, pid)
	if confirmed {
		p.mgr.Hashtable().RemoveFrame(f, nil)
		p.freedSinceEpochBump++
		return
	}
	f.Latch.UnlatchExclusive()
}

// releasePending unlatches every frame still awaiting an owner response,
// called on shutdown so no frame stays latched forever.
func (p *Provider) releasePending() {
	for pid, f := range p.pending {
		delete(p.pending, pid)
		f.Latch.UnlatchExclusive()
	}
}

// serveEviction runs at the pid owner: a remote provider offers to drop
// its cached copies. Every entry whose frame is found with a matching
// PVersion — and is not pinned by an inflight copy redirect — has the
// evictor cleared from its possessor bookkeeping; if the evictor held the
// page exclusive, its (possibly newer) bytes are read back first so this
// node again owns the latest copy. Confirmed pids go back in the
// response; everything else the evictor must re-offer or keep.
func (p *Provider) serveEviction(work EvictionWork) {
	ht := p.mgr.Hashtable()
	evictor := membuf.NodeID(work.Peer)
	confirmed := make([]membuf.PID, 0, len(work.Entries))

	for _, e := range work.Entries {
		g, found := ht.FindFrame(e.PID, membuf.Invalidation{}, p.self)
		if !found {
			confirmed = append(confirmed, e.PID)
			continue
		}
		if g.Retry() {
			continue
		}
		f := g.Frame
		if f.PVersion != e.PVersion || (p.evictor != nil && p.evictor.InflightCopy(e.PID)) {
			g.Release()
			continue
		}

		wasExclusive := f.Possession == membuf.PossessionExclusive && f.Possessors.Exclusive == evictor
		if wasExclusive && e.Offset != 0 && work.ReadBack != nil {
			if f.Page() == nil {
				if err := ht.AcquirePage(f); err != nil {
					g.Release()
					continue
				}
			}
			if err := work.ReadBack(e.Offset, f.Page().Bytes()); err != nil {
				p.log.Warn("pageprovider: eviction read-back failed", zap.Error(err))
				ht.ReleasePage(f)
				g.Release()
				continue
			}
			f.State = membuf.StateHot
			f.Dirty = true
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

	if work.Respond != nil {
		if err := work.Respond(confirmed); err != nil {
			p.log.Warn("pageprovider: eviction response failed", zap.Error(err))
		}
	}
}
