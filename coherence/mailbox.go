// Package coherence implements the message-handler protocol: request and
// response state machines for shared/exclusive possession, move, copy,
// update, and remote allocation, serving them over mailbox partitions.
package coherence

import (
	"context"

	"github.com/scalestore-go/membuf/transport"
	"github.com/scalestore-go/membuf/wire"
)

// MailboxPartition owns a subset of peer connections, serviced
// by one handler goroutine. Every request arriving on any connection in
// this partition is funneled into Inbox for the partition's dispatch loop
// to process; ordering inside one partition is single-threaded.
type MailboxPartition struct {
	ID    int
	Conns map[uint64]*transport.Context
	Inbox chan inboundMessage
}

type inboundMessage struct {
	peer    uint64
	msgType wire.MessageType
	payload []byte
}

// NewMailboxPartition creates an empty partition; connections are added
// via AddConn once the handshake with that peer completes.
func NewMailboxPartition(id int) *MailboxPartition {
	return &MailboxPartition{ID: id, Conns: map[uint64]*transport.Context{}, Inbox: make(chan inboundMessage, 256)}
}

// AddConn registers a peer connection and starts a receive loop feeding
// the partition's shared Inbox — the receive loop plays the role of
// polling a mailbox flag byte: it continuously posts PostRecv and
// forwards whatever arrives.
func (p *MailboxPartition) AddConn(fab transport.Fabric, peer uint64, ctx *transport.Context) {
	p.Conns[peer] = ctx
	go func() {
		for {
			payload, err := fab.PostRecv(context.Background(), peer)
			if err != nil {
				return
			}
			if len(payload) == 0 {
				continue
			}
			p.Inbox <- inboundMessage{peer: peer, msgType: wire.MessageType(payload[0]), payload: payload}
		}
	}()
}
