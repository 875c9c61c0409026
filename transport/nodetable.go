package transport

// NodeTable is the static array mapping node id to address; nodes
// 0..N-1 participate and membership never changes at runtime.
type NodeTable struct {
	addrs map[uint64]string
}

// NewNodeTable builds a table from an ordered address list; addrs[i] is
// node i's address.
func NewNodeTable(addrs []string) *NodeTable {
	nt := &NodeTable{addrs: make(map[uint64]string, len(addrs))}
	for i, a := range addrs {
		nt.addrs[uint64(i)] = a
	}
	return nt
}

// Addr returns the address of node id, or ok=false if unknown.
func (nt *NodeTable) Addr(id uint64) (string, bool) {
	a, ok := nt.addrs[id]
	return a, ok
}

// Len returns the cluster size.
func (nt *NodeTable) Len() int { return len(nt.addrs) }

// Peers returns every node id other than self.
func (nt *NodeTable) Peers(self uint64) []uint64 {
	out := make([]uint64, 0, len(nt.addrs))
	for id := range nt.addrs {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
