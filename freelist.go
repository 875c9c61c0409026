package membuf

import "sync"

// partitionBatches is the number of independent partitions a
// PartitionedFreeList spreads its elements across: producers and
// consumers each pick one partition (round robin) rather than contending
// on a single queue.
const partitionBatches = 8

// PartitionedFreeList is a partitioned free list (partition-local mutex;
// only the round-robin partition pick takes a short global lock): the
// free-page, free-frame, and free-pid
// lists are each one instantiation of this type.
type PartitionedFreeList[T any] struct {
	parts []freePartition[T]
	next  uint64 // round-robin partition picker
	mu    sync.Mutex
}

type freePartition[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewPartitionedFreeList seeds a free list with initial, dealt round robin
// across the partitionBatches partitions. batchHint is not used.
func NewPartitionedFreeList[T any](initial []T, batchHint int) *PartitionedFreeList[T] {
	fl := &PartitionedFreeList[T]{parts: make([]freePartition[T], partitionBatches)}
	for i, v := range initial {
		p := &fl.parts[i%partitionBatches]
		p.items = append(p.items, v)
	}
	return fl
}

func (fl *PartitionedFreeList[T]) pickPartition() int {
	fl.mu.Lock()
	idx := int(fl.next % partitionBatches)
	fl.next++
	fl.mu.Unlock()
	return idx
}

// Pop removes one element from the free list, trying every partition
// before reporting exhaustion.
func (fl *PartitionedFreeList[T]) Pop() (T, bool) {
	start := fl.pickPartition()
	for i := 0; i < partitionBatches; i++ {
		p := &fl.parts[(start+i)%partitionBatches]
		p.mu.Lock()
		if len(p.items) > 0 {
			v := p.items[len(p.items)-1]
			p.items = p.items[:len(p.items)-1]
			p.mu.Unlock()
			return v, true
		}
		p.mu.Unlock()
	}
	var zero T
	return zero, false
}

// Push returns one element to the free list.
func (fl *PartitionedFreeList[T]) Push(v T) {
	idx := fl.pickPartition()
	p := &fl.parts[idx]
	p.mu.Lock()
	p.items = append(p.items, v)
	p.mu.Unlock()
}

// PushBatch returns many elements at once, still spreading across
// partitions rather than dumping them all into one.
func (fl *PartitionedFreeList[T]) PushBatch(vs []T) {
	for _, v := range vs {
		fl.Push(v)
	}
}

// PopBatch removes up to n elements in one partition-lock acquisition: a
// consumer takes a batch from whichever partition has one rather than
// popping elements singly.
func (fl *PartitionedFreeList[T]) PopBatch(n int) []T {
	start := fl.pickPartition()
	for i := 0; i < partitionBatches; i++ {
		p := &fl.parts[(start+i)%partitionBatches]
		p.mu.Lock()
		if len(p.items) > 0 {
			take := n
			if take > len(p.items) {
				take = len(p.items)
			}
			out := make([]T, take)
			copy(out, p.items[len(p.items)-take:])
			p.items = p.items[:len(p.items)-take]
			p.mu.Unlock()
			return out
		}
		p.mu.Unlock()
	}
	return nil
}

// BatchHandle is a worker-thread-local cache over a PartitionedFreeList:
// pops refill from the shared list a whole batch at a time, pushes spill
// back a whole batch at a time, so a worker touches the partition locks
// once per batchSize operations instead of once per page. One handle per
// free list per worker goroutine, never shared.
type BatchHandle[T any] struct {
	fl        *PartitionedFreeList[T]
	local     []T
	batchSize int
}

// NewBatchHandle creates a handle that moves batchSize elements per
// refill/spill.
func (fl *PartitionedFreeList[T]) NewBatchHandle(batchSize int) *BatchHandle[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchHandle[T]{fl: fl, batchSize: batchSize}
}

// Pop takes one element, refilling from the shared list when the local
// cache is empty.
func (h *BatchHandle[T]) Pop() (T, bool) {
	if len(h.local) == 0 {
		h.local = h.fl.PopBatch(h.batchSize)
	}
	if len(h.local) == 0 {
		var zero T
		return zero, false
	}
	v := h.local[len(h.local)-1]
	h.local = h.local[:len(h.local)-1]
	return v, true
}

// Push returns one element, spilling half the local cache back to the
// shared list once it doubles the batch size.
func (h *BatchHandle[T]) Push(v T) {
	h.local = append(h.local, v)
	if len(h.local) >= 2*h.batchSize {
		h.fl.PushBatch(h.local[:h.batchSize])
		h.local = append(h.local[:0], h.local[h.batchSize:]...)
	}
}

// Flush returns every locally cached element to the shared list, called
// when a worker goroutine exits so no free capacity is stranded.
func (h *BatchHandle[T]) Flush() {
	if len(h.local) > 0 {
		h.fl.PushBatch(h.local)
		h.local = h.local[:0]
	}
}

// Len reports the approximate total free count (not synchronized across
// partitions; for monitoring/threshold checks only).
func (fl *PartitionedFreeList[T]) Len() int {
	total := 0
	for i := range fl.parts {
		fl.parts[i].mu.Lock()
		total += len(fl.parts[i].items)
		fl.parts[i].mu.Unlock()
	}
	return total
}
