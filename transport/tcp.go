package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// frameKind tags each length-prefixed frame sent over a connection.
type frameKind uint8

const (
	frameWrite frameKind = iota
	frameReadReq
	frameReadResp
	frameSend
)

// connState is the live TCP connection plus the local memory region this
// peer is allowed to WRITE/READ into, one per peer.
type connState struct {
	mu      sync.Mutex
	conn    net.Conn
	region  *region
	recvCh  chan []byte
	readsMu sync.Mutex
	reads   map[uint64]chan []byte
	nextReq uint64
}

// region is the local, named, offset-addressable memory this node exposes
// to peers — the Go stand-in for a registered RDMA memory region.
type region struct {
	mu      sync.Mutex
	buffers map[uint64][]byte // offset -> backing slice
	named   map[string]uint64
	next    uint64
}

// newRegion starts offset allocation at 1, reserving 0 as the "no region"
// sentinel the wire protocol already uses for optional RemoteOffset fields
// (e.g. a move request with NeedPage false).
func newRegion() *region {
	return &region{buffers: map[uint64][]byte{}, named: map[string]uint64{}, next: 1}
}

func (r *region) register(name string, buf []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.next
	r.next += uint64(len(buf)) + 1
	r.buffers[off] = buf
	r.named[name] = off
	return off
}

func (r *region) find(offset uint64, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for base, buf := range r.buffers {
		if offset >= base && offset+uint64(length) <= base+uint64(len(buf)) {
			start := offset - base
			return buf[start : start+uint64(length)], nil
		}
	}
	return nil, errors.Errorf("transport: no registered region covers offset %d len %d", offset, length)
}

// TCPFabric is the TCP-backed emulation of one-sided RDMA semantics. It
// implements the Fabric interface over plain net.Conn connections.
type TCPFabric struct {
	mu       sync.Mutex
	conns    map[uint64]*connState
	self     *region
	localHS  Handshake
	onAccept func(peer uint64, ctx *Context)
}

// NewFabric creates an empty fabric; peers are added via Dial and Listen
// below.
func NewFabric() *TCPFabric {
	return &TCPFabric{conns: map[uint64]*connState{}, self: newRegion()}
}

// SetAcceptHandler registers a callback invoked once per inbound
// connection, right after the peer's handshake id is read, with the same
// *Context shape Dial returns to its caller. Without this, a listening
// node has a live connState for the peer in the fabric's own connection
// table but no *Context a coherence handler can hand to PostSend, so it
// could never reply to requests arriving over connections it accepted
// rather than dialed.
func (f *TCPFabric) SetAcceptHandler(fn func(peer uint64, ctx *Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAccept = fn
}

// SetLocalHandshake sets the mailbox/payload offsets this fabric announces
// to every peer during connection setup. Must be called before Listen/Dial;
// the zero value announces no addressable regions, which is fine for tests
// that never PostRead against a mailbox offset.
func (f *TCPFabric) SetLocalHandshake(hs Handshake) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localHS = hs
}

// connIDLen is the wire width of the handshake's uuid connection tag.
const connIDLen = 36

func encodeHandshakeOffsets(dst []byte, hs Handshake) {
	binary.BigEndian.PutUint64(dst[0:8], hs.MBOffset)
	binary.BigEndian.PutUint64(dst[8:16], hs.PLOffset)
	binary.BigEndian.PutUint64(dst[16:24], hs.RespMBOffset)
	binary.BigEndian.PutUint64(dst[24:32], hs.RespPLOffset)
}

func decodeHandshakeOffsets(src []byte) Handshake {
	return Handshake{
		MBOffset:     binary.BigEndian.Uint64(src[0:8]),
		PLOffset:     binary.BigEndian.Uint64(src[8:16]),
		RespMBOffset: binary.BigEndian.Uint64(src[16:24]),
		RespPLOffset: binary.BigEndian.Uint64(src[24:32]),
	}
}

func (f *TCPFabric) addConn(peer uint64, conn net.Conn) *connState {
	cs := &connState{conn: conn, region: f.self, recvCh: make(chan []byte, 16), reads: map[uint64]chan []byte{}}
	f.mu.Lock()
	f.conns[peer] = cs
	f.mu.Unlock()
	go f.readLoop(cs)
	return cs
}

func (f *TCPFabric) connFor(peer uint64) (*connState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.conns[peer]
	if !ok {
		return nil, errors.Errorf("transport: no connection to peer %d", peer)
	}
	return cs, nil
}

func writeFrame(conn net.Conn, kind frameKind, reqID uint64, payload []byte) error {
	hdr := make([]byte, 1+8+8+4)
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint64(hdr[1:9], reqID)
	binary.BigEndian.PutUint64(hdr[9:17], 0)
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(payload)))
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		return err
	}
	return nil
}

func readFrame(conn net.Conn) (frameKind, uint64, []byte, error) {
	hdr := make([]byte, 1+8+8+4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, 0, nil, err
	}
	kind := frameKind(hdr[0])
	reqID := binary.BigEndian.Uint64(hdr[1:9])
	n := binary.BigEndian.Uint32(hdr[17:21])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return kind, reqID, payload, nil
}

func (f *TCPFabric) readLoop(cs *connState) {
	for {
		kind, reqID, payload, err := readFrame(cs.conn)
		if err != nil {
			return
		}
		switch kind {
		case frameWrite:
			offset := binary.BigEndian.Uint64(payload[:8])
			data := payload[8:]
			dst, err := cs.region.find(offset, len(data))
			if err == nil {
				copy(dst, data)
			}
		case frameSend:
			select {
			case cs.recvCh <- payload:
			default:
			}
		case frameReadReq:
			offset := binary.BigEndian.Uint64(payload[:8])
			length := binary.BigEndian.Uint32(payload[8:12])
			src, err := cs.region.find(offset, int(length))
			resp := []byte{}
			if err == nil {
				resp = src
			}
			cs.mu.Lock()
			writeFrame(cs.conn, frameReadResp, reqID, resp)
			cs.mu.Unlock()
		case frameReadResp:
			cs.readsMu.Lock()
			ch, ok := cs.reads[reqID]
			if ok {
				delete(cs.reads, reqID)
			}
			cs.readsMu.Unlock()
			if ok {
				ch <- payload
			}
		}
	}
}

// PostWriteBatch applies every element as a length-prefixed WRITE frame.
// CompletionKind is accepted for interface parity but both kinds complete
// once the local write() syscall returns; the distinction is about
// completion-queue polling cost, not correctness.
func (f *TCPFabric) PostWriteBatch(ctx *Context, _ CompletionKind, elems ...WriteElement) error {
	cs := ctx.conn
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, e := range elems {
		payload := make([]byte, 8+len(e.Data))
		binary.BigEndian.PutUint64(payload[:8], e.RemoteOffset)
		copy(payload[8:], e.Data)
		if err := writeFrame(cs.conn, frameWrite, 0, payload); err != nil {
			return errors.Wrap(err, "transport: write batch")
		}
	}
	return nil
}

// PostRead requests remote bytes at offset and blocks for the response.
func (f *TCPFabric) PostRead(ctx *Context, offset uint64, dst []byte) error {
	cs := ctx.conn
	cs.readsMu.Lock()
	reqID := cs.nextReq
	cs.nextReq++
	respCh := make(chan []byte, 1)
	cs.reads[reqID] = respCh
	cs.readsMu.Unlock()

	req := make([]byte, 12)
	binary.BigEndian.PutUint64(req[:8], offset)
	binary.BigEndian.PutUint32(req[8:12], uint32(len(dst)))
	cs.mu.Lock()
	err := writeFrame(cs.conn, frameReadReq, reqID, req)
	cs.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "transport: read request")
	}
	data := <-respCh
	if len(data) != len(dst) {
		return errors.Errorf("transport: short read, want %d got %d", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

// PostSend writes a small control message (handshake, Finish, etc).
func (f *TCPFabric) PostSend(ctx *Context, payload []byte) error {
	cs := ctx.conn
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return writeFrame(cs.conn, frameSend, 0, payload)
}

// PostRecv blocks for the next control message from peer.
func (f *TCPFabric) PostRecv(ctx context.Context, peer uint64) ([]byte, error) {
	cs, err := f.connFor(peer)
	if err != nil {
		return nil, err
	}
	select {
	case p := <-cs.recvCh:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterRegion exposes buf at a stable local offset peers may WRITE/READ.
func (f *TCPFabric) RegisterRegion(name string, buf []byte) (uint64, error) {
	return f.self.register(name, buf), nil
}

// Close tears down every connection.
func (f *TCPFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, cs := range f.conns {
		if err := cs.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Listen accepts inbound peer connections on addr, registering each as it
// arrives. The peer identifies itself with a 8-byte node id immediately
// after connecting.
func (f *TCPFabric) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.acceptOne(conn)
		}
	}()
	return ln, nil
}

func (f *TCPFabric) acceptOne(conn net.Conn) {
	hdr := make([]byte, 8+32+connIDLen)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		conn.Close()
		return
	}
	peer := binary.BigEndian.Uint64(hdr[:8])
	peerHS := decodeHandshakeOffsets(hdr[8:40])
	peerHS.ConnID = string(hdr[40:])

	// reply with this side's offsets so the dialer learns where to
	// address its one-sided traffic.
	f.mu.Lock()
	localHS := f.localHS
	f.mu.Unlock()
	reply := make([]byte, 32)
	encodeHandshakeOffsets(reply, localHS)
	if _, err := conn.Write(reply); err != nil {
		conn.Close()
		return
	}
	cs := f.addConn(peer, conn)

	f.mu.Lock()
	onAccept := f.onAccept
	f.mu.Unlock()
	if onAccept != nil {
		onAccept(peer, &Context{PeerNode: peer, ConnID: peerHS.ConnID, Peer: peerHS, conn: cs})
	}
}

// Dial connects to a peer's listen address, announcing selfNode and this
// fabric's handshake offsets, and blocks for the peer's offsets in return.
func (f *TCPFabric) Dial(selfNode, peerNode uint64, addr string) (*Context, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial")
	}
	f.mu.Lock()
	hs := NewHandshake(f.localHS.MBOffset, f.localHS.PLOffset, f.localHS.RespMBOffset, f.localHS.RespPLOffset)
	f.mu.Unlock()
	hdr := make([]byte, 8+32+connIDLen)
	binary.BigEndian.PutUint64(hdr[:8], selfNode)
	encodeHandshakeOffsets(hdr[8:40], hs)
	copy(hdr[40:], hs.ConnID)
	if _, err := conn.Write(hdr); err != nil {
		conn.Close()
		return nil, err
	}
	reply := make([]byte, 32)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "transport: handshake reply")
	}
	peerHS := decodeHandshakeOffsets(reply)
	peerHS.ConnID = hs.ConnID
	cs := f.addConn(peerNode, conn)
	return &Context{PeerNode: peerNode, ConnID: hs.ConnID, Peer: peerHS, conn: cs}, nil
}
