package coherence

import "sync"

// DelegationTable records, per remote node, the mailbox/payload offsets a
// handler learned from a DR (delegation registration) exchange — so a
// handler without a direct connection to some third node can still
// forward a possession request through a node it does have a connection
// to.
type DelegationTable struct {
	mu      sync.RWMutex
	offsets map[uint64]DelegatedPeer
}

// DelegatedPeer is one remote peer's registered addressing, learned via DR.
type DelegatedPeer struct {
	BMID     uint64
	MBOffset uint64
	PLOffset uint64
}

// NewDelegationTable creates an empty table.
func NewDelegationTable() *DelegationTable {
	return &DelegationTable{offsets: map[uint64]DelegatedPeer{}}
}

// Register records a peer's delegation info from an incoming DR.
func (d *DelegationTable) Register(node uint64, peer DelegatedPeer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets[node] = peer
}

// Lookup returns a previously registered peer, if any.
func (d *DelegationTable) Lookup(node uint64) (DelegatedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.offsets[node]
	return p, ok
}
