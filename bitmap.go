package membuf

import "math/bits"

// SharedBitmap tracks which of up to 64 nodes hold shared possession of a
// page. A single uint64 suffices because the cluster is capped at
// maxNodes (64) members; the PID's 8-bit owner field could name up to 256.
type SharedBitmap uint64

// Set marks node n as a possessor.
func (b *SharedBitmap) Set(n NodeID) { *b |= SharedBitmap(1) << uint(n) }

// Clear removes node n as a possessor.
func (b *SharedBitmap) Clear(n NodeID) { *b &^= SharedBitmap(1) << uint(n) }

// Test reports whether node n is a possessor.
func (b SharedBitmap) Test(n NodeID) bool { return b&(SharedBitmap(1)<<uint(n)) != 0 }

// Count returns the number of possessors.
func (b SharedBitmap) Count() int { return bits.OnesCount64(uint64(b)) }

// FirstOther returns the lowest possessor node id other than self, used
// to pick a copy source when this node no longer holds the bytes.
func (b SharedBitmap) FirstOther(self NodeID) (NodeID, bool) {
	for n := 0; n < maxNodes; n++ {
		if NodeID(n) != self && b.Test(NodeID(n)) {
			return NodeID(n), true
		}
	}
	return 0, false
}

// Nodes returns every possessor node id, ascending.
func (b SharedBitmap) Nodes() []NodeID {
	out := make([]NodeID, 0, b.Count())
	for n := 0; n < maxNodes; n++ {
		if b.Test(NodeID(n)) {
			out = append(out, NodeID(n))
		}
	}
	return out
}
