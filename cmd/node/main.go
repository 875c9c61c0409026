// Command node boots one buffer-manager participant: it loads
// configuration, opens the SSD spill file, listens for peer connections,
// starts the coherence handler and page provider, and blocks until
// signaled to stop. It is deliberately not a benchmark driver or CLI
// front-end; everything above the Worker API is left to an embedding
// caller.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scalestore-go/membuf"
	"github.com/scalestore-go/membuf/coherence"
	"github.com/scalestore-go/membuf/config"
	"github.com/scalestore-go/membuf/pageprovider"
	"github.com/scalestore-go/membuf/ssdstore"
	"github.com/scalestore-go/membuf/transport"
	"github.com/scalestore-go/membuf/wire"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	selfFlag := flag.Int("self", 0, "this node's index into the configured nodes list")
	devLog := flag.Bool("dev-log", false, "console logging instead of production JSON")
	flag.Parse()

	log, err := membuf.NewLogger(*devLog)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		membuf.Abort(log, err, "cmd/node: load config")
	}

	self := membuf.NodeID(*selfFlag)
	if int(self) >= len(cfg.Nodes) {
		membuf.Invariant(log, "cmd/node: self index %d out of range for %d configured nodes", self, len(cfg.Nodes))
	}

	dramPages := (cfg.DRAMGiB << 30) / membuf.PageSize
	mgr := membuf.NewManager(membuf.ManagerConfig{Self: self, DRAMPages: dramPages}, log)

	var ssd *ssdstore.File
	var asyncWrite *ssdstore.AsyncWriteBuffer
	var asyncRead *ssdstore.AsyncReadBuffer
	if cfg.EvictToSSD {
		ssd, err = ssdstore.Open(cfg.SSDPath)
		if err != nil {
			membuf.Abort(log, err, "cmd/node: open ssd store")
		}
		if err := ssd.Preallocate(cfg.Falloc); err != nil {
			membuf.Abort(log, err, "cmd/node: preallocate ssd store")
		}
		asyncWrite = ssdstore.NewAsyncWriteBuffer(ssd, cfg.MaxOutstandingWrites)
		asyncRead = ssdstore.NewAsyncReadBuffer(ssd, cfg.MaxOutstandingWrites)
	}

	fab := transport.NewFabric()
	nodes := transport.NewNodeTable(cfg.Nodes)
	ownAddr, ok := nodes.Addr(uint64(self))
	if !ok {
		membuf.Invariant(log, "cmd/node: no address configured for self node %d", self)
	}

	handler := coherence.NewHandler(mgr, fab, cfg.MessageHandlerThreads, cfg.MessageHandlerMaxRetries, log, asyncRead)
	fab.SetAcceptHandler(func(peer uint64, peerCtx *transport.Context) {
		handler.AddConn(peer, peerCtx, cfg.PollingInterval)
	})

	// The mailbox/payload regions every peer learns during the connection
	// handshake, standing in for the RDMA-CM address exchange.
	delegMB, _ := fab.RegisterRegion("delegation-mb", make([]byte, 1))
	delegPL, _ := fab.RegisterRegion("delegation-pl", make([]byte, wire.MaxMessageSize))
	respMB, _ := fab.RegisterRegion("resp-mb", make([]byte, 1))
	respPL, _ := fab.RegisterRegion("resp-pl", make([]byte, wire.MaxMessageSize))
	fab.SetLocalHandshake(transport.Handshake{MBOffset: delegMB, PLOffset: delegPL, RespMBOffset: respMB, RespPLOffset: respPL})

	if _, err := fab.Listen(ownAddr); err != nil {
		membuf.Abort(log, err, "cmd/node: listen")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Lower-indexed nodes dial their higher-indexed peers; higher-indexed
	// nodes accept, so every pair connects exactly once. A short settle
	// delay gives peers that started slightly later time to bind their
	// listener.
	time.Sleep(200 * time.Millisecond)
	var dialed []uint64
	for _, peer := range nodes.Peers(uint64(self)) {
		if peer < uint64(self) {
			continue
		}
		addr, ok := nodes.Addr(peer)
		if !ok {
			continue
		}
		peerCtx, err := fab.Dial(uint64(self), peer, addr)
		if err != nil {
			log.Warn("cmd/node: dial peer failed", zap.Uint64("peer", peer), zap.Error(err))
			continue
		}
		handler.AddConn(peer, peerCtx, cfg.PollingInterval)
		dialed = append(dialed, peer)
	}

	go handler.Run(ctx)

	// Announce this handler's forwarding addresses to every peer it
	// dialed (DR/DRR), so sparser topologies can route through it.
	for _, peer := range dialed {
		regCtx, regCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := handler.RegisterDelegation(regCtx, peer, uint64(self), delegMB, delegPL); err != nil {
			log.Warn("cmd/node: delegation registration failed", zap.Uint64("peer", peer), zap.Error(err))
		}
		regCancel()
	}

	// The worker pool is the API a caller embedding this node would use;
	// the standalone binary only needs it constructed so coherence and the
	// frame table are exercised end to end once real callers attach.
	var ssdReader membuf.SSDReader
	if ssd != nil {
		ssdReader = ssd
	}
	_ = membuf.NewWorkerPool(mgr, handler, ssdReader, cfg.Worker, cfg.BatchSize, cfg.Backoff)

	incoming := pageprovider.NewIncomingQueue(128)
	handler.SetEvictionSink(func(peer uint64, entries []wire.EvictionEntry, readBack func(uint64, []byte) error, respond func([]membuf.PID) error) {
		incoming.Push(pageprovider.EvictionWork{Peer: peer, Entries: entries, ReadBack: readBack, Respond: respond})
	})

	buckets := mgr.Hashtable().Buckets()
	threads := cfg.PageProviderThreads
	if threads < 1 {
		threads = 1
	}
	chunk := buckets / threads
	for i := 0; i < threads; i++ {
		begin := i * chunk
		end := begin + chunk
		if i == threads-1 {
			end = buckets
		}
		pr := pageprovider.NewProvider(mgr, asyncWrite, handler, incoming, cfg, self, begin, end, log)
		go pr.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("cmd/node: shutting down")

	// Tell every peer this node is done, then wait (bounded) for peers to
	// say the same before tearing down memory they may still write into.
	for _, peer := range nodes.Peers(uint64(self)) {
		if err := handler.SendFinish(peer); err != nil {
			log.Warn("cmd/node: finish send failed", zap.Uint64("peer", peer), zap.Error(err))
		}
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := handler.AwaitClientsFinished(waitCtx); err != nil {
		log.Warn("cmd/node: peers still connected at shutdown", zap.Error(err))
	}
	waitCancel()

	cancel()
	time.Sleep(100 * time.Millisecond)
	if ssd != nil {
		ssd.Close()
	}
	fab.Close()
}
