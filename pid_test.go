package membuf

import "testing"

func TestNewPIDRoundTripsOwnerAndSlot(t *testing.T) {
	tests := []struct {
		owner NodeID
		slot  uint64
	}{
		{0, 0},
		{1, 1},
		{63, slotMask},
		{5, 1 << 40},
	}
	for _, tt := range tests {
		pid := NewPID(tt.owner, tt.slot)
		if got := pid.Owner(); got != tt.owner {
			t.Errorf("NewPID(%d,%d).Owner() = %d, want %d", tt.owner, tt.slot, got, tt.owner)
		}
		if got := pid.Slot(); got != tt.slot {
			t.Errorf("NewPID(%d,%d).Slot() = %d, want %d", tt.owner, tt.slot, got, tt.slot)
		}
	}
}

func TestEmptyPID(t *testing.T) {
	if !EmptyPID.Empty() {
		t.Fatal("EmptyPID.Empty() = false")
	}
	if NewPID(0, 0).Empty() {
		t.Fatal("a freshly minted pid reported itself empty")
	}
}

func TestCatalogPIDIsNodeZeroSlotZero(t *testing.T) {
	if CatalogPID.Owner() != 0 || CatalogPID.Slot() != 0 {
		t.Fatalf("CatalogPID = (owner=%d, slot=%d), want (0, 0)", CatalogPID.Owner(), CatalogPID.Slot())
	}
}

func TestFasthashIsDeterministic(t *testing.T) {
	pid := NewPID(4, 123456)
	if fasthash(pid) != fasthash(pid) {
		t.Fatal("fasthash is not deterministic for the same pid")
	}
}

func TestFasthashSpreadsDistinctPIDs(t *testing.T) {
	seen := map[uint64]bool{}
	collisions := 0
	for slot := uint64(0); slot < 256; slot++ {
		h := fasthash(NewPID(0, slot)) % 64
		if seen[h] {
			collisions++
		}
		seen[h] = true
	}
	if collisions == 256 {
		t.Fatal("fasthash mapped every pid to the same bucket")
	}
}
