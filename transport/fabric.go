// Package transport abstracts one-sided RDMA-style verbs (WRITE, READ,
// SEND, RECV) behind a Fabric interface. The concrete implementation,
// TCPFabric, emulates one-sided semantics over net.Conn: a background
// reader goroutine applies inbound WRITEs directly into the destination
// buffer, so callers above Fabric still only ever poll a mailbox flag
// byte.
package transport

import "context"

// CompletionKind distinguishes signaled vs. unsignaled posts.
type CompletionKind uint8

const (
	Unsignaled CompletionKind = iota
	Signaled
)

// Context is the per-peer connection handle a coherence handler or page
// provider partition holds open for the lifetime of the process.
type Context struct {
	PeerNode uint64
	ConnID   string    // handshake-assigned identifier, see handshake.go
	Peer     Handshake // the peer's mailbox/payload offsets, learnt during handshake
	conn     *connState
}

// WriteElement is one (local bytes, remote offset) pair in a batched
// one-sided WRITE.
type WriteElement struct {
	Data         []byte
	RemoteOffset uint64
}

// Fabric is the verbs surface the coherence handler and page provider
// depend on. PostWriteBatch and PostSend block only until the bytes are
// handed to the local send buffer; PostRead and PostRecv wait for the
// peer's bytes to arrive.
type Fabric interface {
	// PostWriteBatch posts one or more one-sided WRITEs to ctx's peer.
	// Completion is immediately observable by the peer's reader loop.
	// kind mirrors RDMA's signaled/unsignaled posts; TCPFabric treats
	// both kinds the same.
	PostWriteBatch(ctx *Context, kind CompletionKind, elems ...WriteElement) error

	// PostRead issues a one-sided READ of remote [offset, offset+len)
	// into dst, blocking until the bytes arrive.
	PostRead(ctx *Context, offset uint64, dst []byte) error

	// PostSend/PostRecv carry the small control messages a mailbox slot
	// would hold, plus the initial connection exchange.
	PostSend(ctx *Context, payload []byte) error
	PostRecv(ctx context.Context, peer uint64) ([]byte, error)

	// RegisterRegion exposes a local byte range (a mailbox, a payload
	// slot, a page) at a stable offset so peers can WRITE into it
	// directly; it returns the offset peers must use to address it.
	RegisterRegion(name string, buf []byte) (offset uint64, err error)

	// Close tears down every connection.
	Close() error
}
