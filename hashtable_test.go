package membuf

import "testing"

func newTestHashtable(buckets, extra int) *Hashtable {
	return NewHashtable(buckets, extra, NewPagePool(buckets+extra))
}

func TestInsertThenFindFrame(t *testing.T) {
	ht := newTestHashtable(8, 8)
	pid := NewPID(0, 1)

	g, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	if g.Frame.PID != pid {
		t.Fatalf("inserted frame has PID %v, want %v", g.Frame.PID, pid)
	}
	g.Release()

	found, ok := ht.FindFrame(pid, Optimistic{}, 0)
	if !ok {
		t.Fatal("FindFrame did not locate the inserted pid")
	}
	if found.Frame.PID != pid {
		t.Fatalf("found frame PID = %v, want %v", found.Frame.PID, pid)
	}
}

func TestInsertFrameRejectsDuplicatePID(t *testing.T) {
	ht := newTestHashtable(8, 8)
	pid := NewPID(0, 7)
	g, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	g.Release()

	if _, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid }); err != ErrDuplicatePID {
		t.Fatalf("second insert of the same pid: err = %v, want ErrDuplicatePID", err)
	}
}

func TestFindFrameOrInsertInsertsOnMiss(t *testing.T) {
	ht := newTestHashtable(8, 8)
	pid := NewPID(0, 99)

	g, err := ht.FindFrameOrInsert(pid, Optimistic{}, 0, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("FindFrameOrInsert: %v", err)
	}
	if g.Frame.PID != pid {
		t.Fatalf("inserted frame PID = %v, want %v", g.Frame.PID, pid)
	}
}

func TestRemoveFrameReleasesBackToFreeList(t *testing.T) {
	ht := newTestHashtable(8, 8)
	pid := NewPID(0, 11)

	g, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	if err := ht.AcquirePage(g.Frame); err != nil {
		t.Fatalf("AcquirePage: %v", err)
	}
	ht.RemoveFrame(g.Frame, nil)

	if _, ok := ht.FindFrame(pid, Optimistic{}, 0); ok {
		t.Fatal("FindFrame still locates a removed pid")
	}

	// the freed chain-frame slot should be reusable by a fresh insert.
	g2, err := ht.InsertFrame(NewPID(0, 12), func(f *BufferFrame) { f.PID = NewPID(0, 12) })
	if err != nil {
		t.Fatalf("InsertFrame after remove: %v", err)
	}
	g2.Release()
}

func TestAcquireAndReleasePage(t *testing.T) {
	ht := newTestHashtable(4, 4)
	pid := NewPID(0, 1)
	g, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	if g.Frame.Page() != nil {
		t.Fatal("a freshly inserted frame should start without a page")
	}
	if err := ht.AcquirePage(g.Frame); err != nil {
		t.Fatalf("AcquirePage: %v", err)
	}
	if g.Frame.Page() == nil {
		t.Fatal("AcquirePage did not attach a page")
	}
	ht.ReleasePage(g.Frame)
	if g.Frame.Page() != nil {
		t.Fatal("ReleasePage did not detach the page")
	}
	g.Release()
}

func TestDetachPageDefersFreeListReturn(t *testing.T) {
	ht := newTestHashtable(4, 4)
	pid := NewPID(0, 2)
	g, err := ht.InsertFrame(pid, func(f *BufferFrame) { f.PID = pid })
	if err != nil {
		t.Fatalf("InsertFrame: %v", err)
	}
	if err := ht.AcquirePage(g.Frame); err != nil {
		t.Fatalf("AcquirePage: %v", err)
	}
	freeBefore := ht.FreePages()

	ix := ht.DetachPage(g.Frame)
	if ix < 0 {
		t.Fatal("DetachPage returned no index for a page-backed frame")
	}
	if g.Frame.Page() != nil {
		t.Fatal("DetachPage left the frame attached")
	}
	if ht.FreePages() != freeBefore {
		t.Fatal("DetachPage returned the page to the free list early")
	}

	ht.FreePageIndex(ix)
	if ht.FreePages() != freeBefore+1 {
		t.Fatal("FreePageIndex did not return the detached page")
	}
	g.Release()
}
