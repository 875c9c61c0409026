package coherence

import (
	"context"
	"testing"
	"time"

	"github.com/scalestore-go/membuf/transport"
	"github.com/scalestore-go/membuf/wire"
)

// fakeFabric feeds AddConn's receive-loop goroutine from a channel, so the
// mailbox plumbing can be tested without a live TCP pair.
type fakeFabric struct {
	recv map[uint64]chan []byte
}

func newFakeFabric() *fakeFabric { return &fakeFabric{recv: map[uint64]chan []byte{}} }

func (f *fakeFabric) deliver(peer uint64, payload []byte) { f.recv[peer] <- payload }

func (f *fakeFabric) PostWriteBatch(ctx *transport.Context, kind transport.CompletionKind, elems ...transport.WriteElement) error {
	return nil
}
func (f *fakeFabric) PostRead(ctx *transport.Context, offset uint64, dst []byte) error { return nil }
func (f *fakeFabric) PostSend(ctx *transport.Context, payload []byte) error            { return nil }
func (f *fakeFabric) PostRecv(ctx context.Context, peer uint64) ([]byte, error) {
	select {
	case p, ok := <-f.recv[peer]:
		if !ok {
			return nil, context.Canceled
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (f *fakeFabric) RegisterRegion(name string, buf []byte) (uint64, error) { return 0, nil }
func (f *fakeFabric) Close() error                                           { return nil }

func TestMailboxPartitionForwardsInboundMessagesToInbox(t *testing.T) {
	fab := newFakeFabric()
	fab.recv[5] = make(chan []byte, 1)

	p := NewMailboxPartition(0)
	p.AddConn(fab, 5, &transport.Context{PeerNode: 5})

	payload := []byte{byte(wire.MsgPRS), 1, 2, 3}
	fab.deliver(5, payload)

	select {
	case msg := <-p.Inbox:
		if msg.peer != 5 || msg.msgType != wire.MsgPRS {
			t.Fatalf("msg = %+v, want peer 5, type MsgPRS", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("AddConn's receive loop never delivered the inbound message")
	}
}
