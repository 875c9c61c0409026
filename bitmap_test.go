package membuf

import "testing"

func TestSharedBitmapSetClearTest(t *testing.T) {
	var b SharedBitmap
	if b.Test(3) {
		t.Fatal("fresh bitmap reports node 3 set")
	}
	b.Set(3)
	if !b.Test(3) {
		t.Fatal("Set(3) did not take effect")
	}
	b.Clear(3)
	if b.Test(3) {
		t.Fatal("Clear(3) did not take effect")
	}
}

func TestSharedBitmapCountAndNodes(t *testing.T) {
	var b SharedBitmap
	b.Set(1)
	b.Set(5)
	b.Set(63)
	if got := b.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	nodes := b.Nodes()
	want := []NodeID{1, 5, 63}
	if len(nodes) != len(want) {
		t.Fatalf("Nodes() = %v, want %v", nodes, want)
	}
	for i, n := range want {
		if nodes[i] != n {
			t.Fatalf("Nodes()[%d] = %d, want %d", i, nodes[i], n)
		}
	}
}
