package pageprovider

import (
	"context"
	"testing"
	"time"

	"github.com/dsnet/golib/memfile"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/config"
	"github.com/scalestore-go/membuf/ssdstore"
	"github.com/scalestore-go/membuf/wire"
)

// closingMemfile adapts memfile.File (which has no Close method) to the
// io.ReadWriteSeeker+io.Closer interface ssdstore.NewFileForTesting needs.
type closingMemfile struct {
	*memfile.File
}

func (closingMemfile) Close() error { return nil }

func newMemDevice() closingMemfile {
	return closingMemfile{memfile.New(nil)}
}

type fakeEvictor struct {
	registerErr     error
	nextOffset      uint64
	registeredPIDs  []membuf.PID
	requestErr      error
	requestedOwners []membuf.NodeID
	requestedBatch  map[membuf.NodeID][]wire.EvictionEntry
	confirmAll      bool
	inflight        map[membuf.PID]bool
}

func (f *fakeEvictor) RegisterEvictionPage(pid membuf.PID, payload []byte) (uint64, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.registeredPIDs = append(f.registeredPIDs, pid)
	f.nextOffset++
	return f.nextOffset, nil
}

func (f *fakeEvictor) RequestEviction(ctx context.Context, owner membuf.NodeID, entries []wire.EvictionEntry) (map[membuf.PID]bool, error) {
	f.requestedOwners = append(f.requestedOwners, owner)
	if f.requestedBatch == nil {
		f.requestedBatch = map[membuf.NodeID][]wire.EvictionEntry{}
	}
	f.requestedBatch[owner] = append(f.requestedBatch[owner], entries...)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	confirmed := map[membuf.PID]bool{}
	if f.confirmAll {
		for _, e := range entries {
			confirmed[e.PID] = true
		}
	}
	return confirmed, nil
}

func (f *fakeEvictor) InflightCopy(pid membuf.PID) bool { return f.inflight[pid] }

func newTestManager(self membuf.NodeID, arena int) *membuf.Manager {
	return membuf.NewManager(membuf.ManagerConfig{Self: self, DRAMPages: arena}, nil)
}

func newTestProvider(mgr *membuf.Manager, ssd *ssdstore.AsyncWriteBuffer, evictor RemoteEvictor) *Provider {
	cfg := config.Default()
	return NewProvider(mgr, ssd, evictor, nil, cfg, mgr.Self, 0, mgr.Hashtable().Buckets(), nil)
}

func newTestAsyncWriteBuffer(t *testing.T) *ssdstore.AsyncWriteBuffer {
	t.Helper()
	file := ssdstore.NewFileForTesting(newMemDevice())
	return ssdstore.NewAsyncWriteBuffer(file, 4)
}

// insertHot installs a HOT, page-backed frame for pid and returns it
// unlatched.
func insertHot(t *testing.T, mgr *membuf.Manager, pid membuf.PID, mutate func(*membuf.BufferFrame)) *membuf.BufferFrame {
	t.Helper()
	g, err := mgr.Hashtable().InsertFrame(pid, func(f *membuf.BufferFrame) {
		f.PID = pid
		f.State = membuf.StateHot
	})
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	if err := mgr.Hashtable().AcquirePage(g.Frame); err != nil {
		t.Fatalf("AcquirePage: %v", err)
	}
	if mutate != nil {
		mutate(g.Frame)
	}
	f := g.Frame
	g.Release()
	return f
}

func TestEvictRemovesCleanLocalSoleHolderFrame(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	frame := insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(0)
	})

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	freeBefore := mgr.Hashtable().FreePages()
	p.evict(context.Background(), frame, false)

	if _, found := mgr.Hashtable().FindFrame(pid, membuf.Optimistic{}, 0); found {
		t.Fatal("clean sole-holder frame still discoverable after eviction")
	}
	if mgr.Hashtable().FreePages() != freeBefore+1 {
		t.Fatal("evict did not return the page to the free list")
	}
}

func TestEvictKeepsMetadataWhenPeersStillShare(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	frame := insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(0)
		f.Possessors.Shared.Set(3)
	})

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	p.evict(context.Background(), frame, false)

	if frame.State != membuf.StateEvicted {
		t.Fatalf("State = %v, want StateEvicted (directory metadata kept)", frame.State)
	}
	if frame.Page() != nil {
		t.Fatal("evict did not drop the page bytes")
	}
	if !frame.Possessors.Shared.Test(3) {
		t.Fatal("evict forgot the remote sharer")
	}
}

func TestEvictSubmitsDirtyLocalPageToSSD(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	frame := insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Dirty = true
	})

	async := newTestAsyncWriteBuffer(t)
	p := newTestProvider(mgr, async, &fakeEvictor{})
	p.evict(context.Background(), frame, false)

	if frame.State != membuf.StateIOSSD {
		t.Fatalf("State = %v, want StateIOSSD while the async write is outstanding", frame.State)
	}

	var completions []ssdstore.WriteCompletion
	for len(completions) == 0 {
		completions = async.PollCompletions()
	}
	if completions[0].Err != nil {
		t.Fatalf("async write completion error: %v", completions[0].Err)
	}
	p.onWriteComplete(completions[0].Token)

	if frame.State != membuf.StateEvicted {
		t.Fatalf("State after completion = %v, want StateEvicted", frame.State)
	}
	if frame.Dirty {
		t.Fatal("onWriteComplete did not clear Dirty")
	}
}

func TestEvictDoesNotDropDirtyPageWithoutSSD(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	frame := insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Dirty = true
	})

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	p.evict(context.Background(), frame, true)

	if frame.State != membuf.StateHot || frame.Page() == nil {
		t.Fatal("dirty page was dropped although no SSD tier exists")
	}
}

func TestEvictForeignFrameStaysLatchedUntilOwnerConfirms(t *testing.T) {
	mgr := newTestManager(0, 8)
	remotePID := membuf.NewPID(9, 3)
	frame := insertHot(t, mgr, remotePID, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(0)
	})

	evictor := &fakeEvictor{confirmAll: true}
	p := newTestProvider(mgr, nil, evictor)
	p.evict(context.Background(), frame, false)

	if frame.State != membuf.StateHot {
		t.Fatalf("State = %v, want StateHot until the owner confirms", frame.State)
	}
	if frame.Latch.TryLatchExclusive() {
		t.Fatal("foreign frame was not kept latched while awaiting the owner")
	}
	if len(p.outgoing[membuf.NodeID(9)].entries) != 1 {
		t.Fatal("evict did not queue an eviction notice for the owner")
	}
	if p.outgoing[membuf.NodeID(9)].entries[0].Offset == 0 {
		t.Fatal("evict did not register the page bytes for the owner's read-back")
	}

	p.flushOutgoing(context.Background(), true)

	if _, found := mgr.Hashtable().FindFrame(remotePID, membuf.Optimistic{}, 0); found {
		t.Fatal("confirmed foreign frame still discoverable after the owner's response")
	}
}

func TestFlushOutgoingKeepsRefusedFramesResident(t *testing.T) {
	mgr := newTestManager(0, 8)
	remotePID := membuf.NewPID(9, 4)
	frame := insertHot(t, mgr, remotePID, nil)

	evictor := &fakeEvictor{confirmAll: false}
	p := newTestProvider(mgr, nil, evictor)
	p.evict(context.Background(), frame, false)
	p.flushOutgoing(context.Background(), true)

	if frame.State != membuf.StateHot || frame.Page() == nil {
		t.Fatal("refused frame lost its page")
	}
	if !frame.Latch.TryLatchExclusive() {
		t.Fatal("refused frame was left latched")
	}
	frame.Latch.UnlatchExclusive()
}

func TestFlushOutgoingBatchesByOwner(t *testing.T) {
	mgr := newTestManager(0, 16)
	evictor := &fakeEvictor{confirmAll: true}
	p := newTestProvider(mgr, nil, evictor)

	pids := []membuf.PID{membuf.NewPID(9, 1), membuf.NewPID(9, 2), membuf.NewPID(11, 1)}
	for _, pid := range pids {
		frame := insertHot(t, mgr, pid, nil)
		p.evict(context.Background(), frame, false)
	}

	p.flushOutgoing(context.Background(), true)

	if len(evictor.requestedOwners) != 2 {
		t.Fatalf("requestedOwners = %v, want one call per distinct owner", evictor.requestedOwners)
	}
	if len(evictor.requestedBatch[membuf.NodeID(9)]) != 2 {
		t.Fatalf("owner 9's batch = %v, want both of its pids grouped together", evictor.requestedBatch[membuf.NodeID(9)])
	}
	if len(evictor.requestedBatch[membuf.NodeID(11)]) != 1 {
		t.Fatalf("owner 11's batch = %v, want its one pid", evictor.requestedBatch[membuf.NodeID(11)])
	}
}

func TestEvictIsNoopWhenLatchAlreadyHeld(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	// InsertFrame returns its guard already holding the exclusive latch;
	// leaving it unreleased simulates another caller contending for the
	// same frame when the provider's scan reaches it.
	g, err := mgr.Hashtable().InsertFrame(pid, func(f *membuf.BufferFrame) {
		f.PID = pid
		f.State = membuf.StateHot
	})
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	defer g.Release()

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	p.evict(context.Background(), g.Frame, false)

	if g.Frame.State != membuf.StateHot {
		t.Fatalf("State = %v, want unchanged StateHot since the frame was already latched", g.Frame.State)
	}
}

func TestServeEvictionClearsEvictorAndConfirms(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	frame := insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(0)
		f.Possessors.Shared.Set(5)
		f.PVersion = 3
	})

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	var confirmed []membuf.PID
	p.serveEviction(EvictionWork{
		Peer:    5,
		Entries: []wire.EvictionEntry{{PID: pid, PVersion: 3}},
		Respond: func(pids []membuf.PID) error { confirmed = pids; return nil },
	})

	if len(confirmed) != 1 || confirmed[0] != pid {
		t.Fatalf("confirmed = %v, want [%v]", confirmed, pid)
	}
	if frame.Possessors.Shared.Test(5) {
		t.Fatal("serveEviction left the evictor in the possessor bitmap")
	}
	if !frame.Possessors.Shared.Test(0) {
		t.Fatal("serveEviction dropped an unrelated sharer")
	}
}

func TestServeEvictionRefusesStaleVersion(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(5)
		f.PVersion = 4
	})

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	var confirmed []membuf.PID
	p.serveEviction(EvictionWork{
		Peer:    5,
		Entries: []wire.EvictionEntry{{PID: pid, PVersion: 3}},
		Respond: func(pids []membuf.PID) error { confirmed = pids; return nil },
	})

	if len(confirmed) != 0 {
		t.Fatalf("confirmed = %v, want a stale entry refused", confirmed)
	}
}

func TestServeEvictionSkipsInflightCopyTargets(t *testing.T) {
	mgr := newTestManager(0, 8)
	pid := mgr.AllocatePID()
	insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
		f.Possession = membuf.PossessionShared
		f.Possessors.Shared.Set(5)
	})

	evictor := &fakeEvictor{inflight: map[membuf.PID]bool{pid: true}}
	p := newTestProvider(mgr, nil, evictor)
	var confirmed []membuf.PID
	p.serveEviction(EvictionWork{
		Peer:    5,
		Entries: []wire.EvictionEntry{{PID: pid}},
		Respond: func(pids []membuf.PID) error { confirmed = pids; return nil },
	})

	if len(confirmed) != 0 {
		t.Fatal("serveEviction honored an eviction racing an inflight copy redirect")
	}
}

func TestServeEvictionConfirmsUnknownPIDs(t *testing.T) {
	mgr := newTestManager(0, 8)
	p := newTestProvider(mgr, nil, &fakeEvictor{})

	gone := membuf.NewPID(0, 99)
	var confirmed []membuf.PID
	p.serveEviction(EvictionWork{
		Peer:    5,
		Entries: []wire.EvictionEntry{{PID: gone}},
		Respond: func(pids []membuf.PID) error { confirmed = pids; return nil },
	})

	if len(confirmed) != 1 || confirmed[0] != gone {
		t.Fatal("an entry with no local frame should be confirmed outright")
	}
}

func TestEvictionWindowPicksCoolestQuantile(t *testing.T) {
	mgr := newTestManager(0, 64)
	for i := 0; i < 20; i++ {
		pid := mgr.AllocatePID()
		epoch := uint64(i)
		insertHot(t, mgr, pid, func(f *membuf.BufferFrame) {
			f.Epoch = epoch
		})
	}

	p := newTestProvider(mgr, nil, &fakeEvictor{})
	window := p.evictionWindow()

	// with evict_coolest_epochs = 0.1 over epochs 0..19, the window must
	// sit in the cold end, never at the hot end.
	if window >= 10 {
		t.Fatalf("window = %d, want a value from the coolest decile region", window)
	}
}

// TestEvictionUnderMemoryPressureKeepsPagesReadable allocates half again
// as many pages as DRAM holds, letting the provider spill dirty pages to
// the (in-memory) SSD tier, then rereads every page and checks its
// marker survived the round trip.
func TestEvictionUnderMemoryPressureKeepsPagesReadable(t *testing.T) {
	mgr := newTestManager(0, 8)
	file := ssdstore.NewFileForTesting(newMemDevice())
	async := ssdstore.NewAsyncWriteBuffer(file, 8)
	cfg := config.Default()
	p := NewProvider(mgr, async, &fakeEvictor{}, nil, cfg, 0, 0, mgr.Hashtable().Buckets(), nil)
	w := membuf.NewWorker(mgr, nil, file, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	const total = 12
	pids := make([]membuf.PID, 0, total)
	for i := 0; i < total; i++ {
		var g *membuf.Guard
		var err error
		for attempt := 0; attempt < 2000; attempt++ {
			g, err = w.NewPage()
			if err == nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if err != nil {
			t.Fatalf("NewPage %d never succeeded under pressure: %v", i, err)
		}
		g.Frame.Page().Payload()[0] = byte(i + 1)
		pids = append(pids, g.Frame.PID)
		g.Release()
	}

	fixCtx, fixCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fixCancel()
	for i, pid := range pids {
		g, err := w.Fix(fixCtx, pid, membuf.Shared{})
		if err != nil {
			t.Fatalf("Fix(%v): %v", pid, err)
		}
		if got := g.Frame.Page().Payload()[0]; got != byte(i+1) {
			t.Fatalf("pid %v marker = %d, want %d", pid, got, i+1)
		}
		g.Release()
	}
}

func TestIncomingQueueDrainIsBounded(t *testing.T) {
	q := NewIncomingQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(EvictionWork{Peer: uint64(i)})
	}
	first := q.Drain(3)
	if len(first) != 3 {
		t.Fatalf("Drain(3) returned %d items", len(first))
	}
	rest := q.Drain(10)
	if len(rest) != 2 {
		t.Fatalf("second Drain returned %d items, want the remaining 2", len(rest))
	}
}
