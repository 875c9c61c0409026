package membuf

import "testing"

func TestPartitionedFreeListPopReturnsSeededValues(t *testing.T) {
	seed := []int32{0, 1, 2, 3, 4, 5, 6, 7}
	fl := NewPartitionedFreeList(seed, 1)

	seen := map[int32]bool{}
	for i := 0; i < len(seed); i++ {
		v, ok := fl.Pop()
		if !ok {
			t.Fatalf("Pop() exhausted early at iteration %d", i)
		}
		seen[v] = true
	}
	if len(seen) != len(seed) {
		t.Fatalf("got %d distinct values, want %d", len(seen), len(seed))
	}
	if _, ok := fl.Pop(); ok {
		t.Fatal("Pop() succeeded after every seeded value was drained")
	}
}

func TestPartitionedFreeListPushThenPop(t *testing.T) {
	fl := NewPartitionedFreeList[int32](nil, 1)
	fl.Push(42)
	v, ok := fl.Pop()
	if !ok || v != 42 {
		t.Fatalf("Pop() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestPartitionedFreeListPushBatch(t *testing.T) {
	fl := NewPartitionedFreeList[int32](nil, 1)
	fl.PushBatch([]int32{1, 2, 3})
	if got := fl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
}

func TestPartitionedFreeListLen(t *testing.T) {
	fl := NewPartitionedFreeList([]int32{1, 2, 3, 4, 5}, 1)
	if got := fl.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	fl.Pop()
	if got := fl.Len(); got != 4 {
		t.Fatalf("Len() after one Pop() = %d, want 4", got)
	}
}

func TestPopBatchTakesFromOnePartition(t *testing.T) {
	fl := NewPartitionedFreeList([]int32{1, 2, 3, 4, 5, 6, 7, 8}, 4)
	got := fl.PopBatch(3)
	if len(got) == 0 {
		t.Fatal("PopBatch returned nothing from a seeded list")
	}
	if len(got) > 3 {
		t.Fatalf("PopBatch(3) returned %d elements", len(got))
	}
	if fl.Len() != 8-len(got) {
		t.Fatalf("Len() = %d after popping %d of 8", fl.Len(), len(got))
	}
}

func TestBatchHandleRefillsAndSpills(t *testing.T) {
	fl := NewPartitionedFreeList([]int32{10, 11, 12, 13}, 2)
	h := fl.NewBatchHandle(2)

	seen := map[int32]bool{}
	for i := 0; i < 4; i++ {
		v, ok := h.Pop()
		if !ok {
			t.Fatalf("Pop %d failed with elements remaining", i)
		}
		if seen[v] {
			t.Fatalf("element %d handed out twice", v)
		}
		seen[v] = true
	}
	if _, ok := h.Pop(); ok {
		t.Fatal("Pop succeeded on a drained list")
	}

	for i := int32(0); i < 5; i++ {
		h.Push(100 + i)
	}
	h.Flush()
	if fl.Len() != 5 {
		t.Fatalf("Len() = %d after pushing 5 and flushing, want 5", fl.Len())
	}
}
