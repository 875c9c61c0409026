package coherence

import "sync"

// InvalidationBatch tracks pages whose bytes were sent via a one-sided
// WRITE and must not be reused until the NIC (here: the local writer
// goroutine) has quiesced. active collects in-flight pages; every
// pollingInterval writes the batches swap, and the batch that had been
// passive since the previous swap (now quiesced) is released to the
// caller.
type InvalidationBatch struct {
	mu            sync.Mutex
	active        []interface{}
	passive       []interface{}
	writesSinceSwap int
	pollingInterval int
}

// NewInvalidationBatch creates a batch pair that swaps every
// pollingInterval writes.
func NewInvalidationBatch(pollingInterval int) *InvalidationBatch {
	return &InvalidationBatch{pollingInterval: pollingInterval}
}

// Add records a page (identified by any caller-chosen token, typically a
// frame arena index or *membuf.Page) as in flight.
func (b *InvalidationBatch) Add(token interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = append(b.active, token)
}

// OnSignaledWrite is called after every RDMA write the handler posts.
// Every pollingInterval-th call swaps active/passive and returns the pages
// in the now-quiesced passive batch for release to the free list; other
// calls return nil.
func (b *InvalidationBatch) OnSignaledWrite() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writesSinceSwap++
	if b.writesSinceSwap < b.pollingInterval {
		return nil
	}
	b.writesSinceSwap = 0
	quiesced := b.passive
	b.passive = b.active
	b.active = nil
	return quiesced
}
