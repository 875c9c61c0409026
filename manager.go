package membuf

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Manager is the per-node buffer manager: the hashtable, the page pool,
// the free-pid list, and the shared global epoch counter the page
// provider advances. Workers, the coherence handler, and the page
// provider all hang off one Manager per node.
type Manager struct {
	Self   NodeID
	ht     *Hashtable
	pids   *PartitionedFreeList[uint64]
	nextPID uint64 // fallback allocator once the free-pid list is drained

	globalEpoch uint64

	log *zap.Logger
}

// ManagerConfig bundles NewManager's sizing knobs.
type ManagerConfig struct {
	Self       NodeID
	DRAMPages  int // total frame/page arena capacity
	BucketHint int // 0 selects the next power of two >= DRAMPages
}

// NewManager builds a Manager with DRAMPages of page/frame capacity.
func NewManager(cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	buckets := cfg.BucketHint
	if buckets == 0 {
		buckets = nextPow2(cfg.DRAMPages)
	}
	pool := NewPagePool(cfg.DRAMPages)
	ht := NewHashtable(buckets, cfg.DRAMPages, pool)

	return &Manager{
		Self: cfg.Self,
		ht:   ht,
		pids: NewPartitionedFreeList[uint64](nil, 32),
		log:  log,
	}
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Epoch returns the current global epoch value.
func (m *Manager) Epoch() uint64 { return atomic.LoadUint64(&m.globalEpoch) }

// BumpEpoch advances the global epoch by one, called by the page provider
// when its P3 condition (more pages freed since last bump than 10% of the
// free limit) fires.
func (m *Manager) BumpEpoch() uint64 { return atomic.AddUint64(&m.globalEpoch, 1) }

// Hashtable exposes the frame table for the coherence handler and page
// provider packages, which need direct frame access the Worker API
// doesn't expose (e.g. scanning a partition for eviction candidates).
func (m *Manager) Hashtable() *Hashtable { return m.ht }

// allocatePID pops a locally-owned pid off the free list, or mints a fresh
// slot if the list is drained.
func (m *Manager) allocatePID() PID {
	if slot, ok := m.pids.Pop(); ok {
		return NewPID(m.Self, slot)
	}
	slot := atomic.AddUint64(&m.nextPID, 1) - 1
	return NewPID(m.Self, slot)
}

// AllocatePID exposes allocatePID to sibling packages (the coherence
// handler's RAR servicing needs to mint a pid on a remote node's behalf,
// exactly as a local NewPage call would).
func (m *Manager) AllocatePID() PID { return m.allocatePID() }

// freePID returns a locally-owned pid's slot to the free list.
func (m *Manager) freePID(pid PID) {
	if pid.Owner() == m.Self {
		m.pids.Push(pid.Slot())
	}
}

// Logger exposes the manager's logger for sibling packages that want to
// share it.
func (m *Manager) Logger() *zap.Logger { return m.log }
