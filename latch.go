package membuf

import "sync"

// Version is the hybrid latch's monotonic version counter. The 0b10 bit
// marks "exclusively latched"; every exclusive
// acquire/release bumps the counter by 2.
type Version = uint64

const latchedBit Version = 0b10

// OptimisticLatch is the lightweight latch used for hashtable bucket-chain
// structural changes, where a full mutex would be wasted weight.
type OptimisticLatch struct {
	mu      sync.Mutex
	version Version
}

func (l *OptimisticLatch) isLatched(v Version) bool { return v&latchedBit == latchedBit }

// OptimisticLatchOrRestart reads the version; ok is false if the bucket is
// currently exclusively latched by another writer, in which case the
// caller must retry.
func (l *OptimisticLatch) OptimisticLatchOrRestart() (v Version, ok bool) {
	l.mu.Lock()
	v = l.version
	l.mu.Unlock()
	if l.isLatched(v) {
		return 0, false
	}
	return v, true
}

// TryLatchExclusive attempts to take the bucket latch exclusively,
// validating the version hasn't moved since the caller last observed it.
func (l *OptimisticLatch) TryLatchExclusive(expected Version) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isLatched(l.version) || l.version != expected {
		return false
	}
	l.version += latchedBit
	return true
}

// UnlatchExclusive releases the bucket latch, bumping the version again so
// optimistic readers that started during the exclusive window restart.
func (l *OptimisticLatch) UnlatchExclusive() {
	l.mu.Lock()
	l.version += latchedBit
	l.mu.Unlock()
}

// CheckOrRestart reports whether the version is unchanged since startRead.
func (l *OptimisticLatch) CheckOrRestart(startRead Version) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version == startRead
}

// HybridLatch backs every buffer frame: optimistic, shared, and exclusive
// acquisition over one version counter plus a native reader/writer mutex.
// The counter's 0b10 bit encodes "exclusively latched"; every
// exclusive acquire and release bumps it by 2, so optimistic readers can
// detect any intervening writer by comparing versions.
type HybridLatch struct {
	version Version // atomic-like access guarded by rw where noted
	rw      sync.RWMutex
	vmu     sync.Mutex // protects version reads/writes outside rw's own critical section
}

func newHybridLatch() *HybridLatch { return &HybridLatch{version: 0b100} }

func (l *HybridLatch) readVersion() Version {
	l.vmu.Lock()
	defer l.vmu.Unlock()
	return l.version
}

func (l *HybridLatch) addVersion(delta Version) Version {
	l.vmu.Lock()
	defer l.vmu.Unlock()
	l.version += delta
	return l.version
}

func (l *HybridLatch) isLatched(v Version) bool { return v&latchedBit == latchedBit }

// IsLatched reports whether the latch is currently held exclusively.
func (l *HybridLatch) IsLatched() bool { return l.isLatched(l.readVersion()) }

// OptimisticLatchOrRestart reads the version, failing if exclusively held.
func (l *HybridLatch) OptimisticLatchOrRestart() (Version, bool) {
	v := l.readVersion()
	if l.isLatched(v) {
		return 0, false
	}
	return v, true
}

// OptimisticCheckOrRestart validates a previously observed version is
// unchanged.
func (l *HybridLatch) OptimisticCheckOrRestart(startRead Version) bool {
	return startRead == l.readVersion()
}

// LatchShared blocks until a shared hold is acquired.
func (l *HybridLatch) LatchShared() { l.rw.RLock() }

// UnlatchShared releases a shared hold.
func (l *HybridLatch) UnlatchShared() { l.rw.RUnlock() }

// LatchExclusive blocks until an exclusive hold is acquired, then bumps the
// version.
func (l *HybridLatch) LatchExclusive() {
	l.rw.Lock()
	l.addVersion(latchedBit)
}

// UnlatchExclusive bumps the version again and releases the exclusive hold.
func (l *HybridLatch) UnlatchExclusive() {
	l.addVersion(latchedBit)
	l.rw.Unlock()
}

// TryLatchExclusive attempts a non-blocking exclusive acquire.
func (l *HybridLatch) TryLatchExclusive() bool {
	if !l.rw.TryLock() {
		return false
	}
	l.addVersion(latchedBit)
	return true
}

// TryLatchShared attempts a non-blocking shared acquire.
func (l *HybridLatch) TryLatchShared() bool { return l.rw.TryRLock() }

// OptimisticUpgradeToShared upgrades a previously-validated optimistic read
// to a shared hold, failing (and releasing) if the version has moved.
func (l *HybridLatch) OptimisticUpgradeToShared(startRead Version) bool {
	v := l.readVersion()
	if l.isLatched(v) || v != startRead {
		return false
	}
	if !l.TryLatchShared() {
		return false
	}
	if l.readVersion() == startRead {
		return true
	}
	l.UnlatchShared()
	return false
}

// OptimisticUpgradeToExclusive upgrades a previously-validated optimistic
// read to an exclusive hold, failing (and releasing) if the version moved.
func (l *HybridLatch) OptimisticUpgradeToExclusive(startRead Version) bool {
	if l.readVersion() != startRead {
		return false
	}
	if !l.TryLatchExclusive() {
		return false
	}
	if startRead+latchedBit != l.readVersion() {
		l.UnlatchExclusive()
		return false
	}
	return true
}

// DowngradeExclusiveToShared releases the exclusive hold and reacquires
// shared, retrying until no writer slips in between.
func (l *HybridLatch) DowngradeExclusiveToShared() {
	for {
		v := l.addVersion(latchedBit)
		l.rw.Unlock()
		l.rw.RLock()
		if l.readVersion() == v {
			return
		}
		l.rw.RUnlock()
		l.rw.Lock()
	}
}

// DowngradeExclusiveToOptimistic releases the exclusive hold, keeping the
// bumped version for the caller to use as its new optimistic read.
func (l *HybridLatch) DowngradeExclusiveToOptimistic() Version {
	v := l.addVersion(latchedBit)
	l.rw.Unlock()
	return v
}

// DowngradeSharedToOptimistic releases a shared hold.
func (l *HybridLatch) DowngradeSharedToOptimistic() Version {
	v := l.readVersion()
	l.UnlatchShared()
	return v
}
