// Command coreworker runs one node of the core task/object runtime: a
// LocalScheduler, a WorkerPool of language-worker processes, a TaskManager,
// an ActorManager, and a corerpc server exposing all of it to peer nodes. A
// process either runs standalone (-peers empty) or joins a small cluster by
// listing its peers' corerpc addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuemby/warren/pkg/actor"
	"github.com/cuemby/warren/pkg/actorqueue"
	"github.com/cuemby/warren/pkg/coreconfig"
	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/coremetrics"
	"github.com/cuemby/warren/pkg/corerpc"
	"github.com/cuemby/warren/pkg/depresolve"
	"github.com/cuemby/warren/pkg/gcsclient"
	"github.com/cuemby/warren/pkg/lineage"
	"github.com/cuemby/warren/pkg/localscheduler"
	"github.com/cuemby/warren/pkg/memorystore"
	"github.com/cuemby/warren/pkg/objecttransport"
	"github.com/cuemby/warren/pkg/plasmaclient"
	"github.com/cuemby/warren/pkg/refcount"
	"github.com/cuemby/warren/pkg/submitter"
	"github.com/cuemby/warren/pkg/taskmanager"
	"github.com/cuemby/warren/pkg/worker"
	"github.com/cuemby/warren/pkg/workerpool"
	"google.golang.org/grpc"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:7300", "this node's corerpc listen address")
		metricsAddr = flag.String("metrics-addr", "127.0.0.1:9300", "Prometheus /metrics listen address")
		configPath  = flag.String("config", "", "optional YAML config file, merged over the built-in defaults")
		peers       = flag.String("peers", "", "comma-separated corerpc addresses of peer nodes")
		dataDir     = flag.String("data-dir", "", "directory for the bbolt-backed lineage store; empty keeps lineage in memory")
		logLevel    = flag.String("log-level", "info", "debug, info, warn, or error")
		jsonLog     = flag.Bool("json-log", false, "emit logs as JSON instead of a console-formatted stream")
	)
	flag.Parse()

	corelog.Init(corelog.Config{Level: corelog.Level(*logLevel), JSONOutput: *jsonLog})
	logger := corelog.WithNodeID(*addr)

	cfg := coreconfig.Default()
	if *configPath != "" {
		var err error
		cfg, err = coreconfig.LoadFile(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	}
	cfg = coreconfig.WithEnvOverrides(cfg)

	n, err := newNode(*addr, cfg, *dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build node")
	}
	defer n.Close()

	n.process.Functions().Register("echo", func(args []depresolve.ResolvedArg) ([]taskmanager.ReturnValue, error) {
		returns := make([]taskmanager.ReturnValue, len(args))
		for i, a := range args {
			returns[i] = taskmanager.ReturnValue{Data: a.Data, Metadata: a.Metadata}
		}
		return returns, nil
	})

	if *peers != "" {
		n.scheduler.SetPeers(strings.Split(*peers, ","))
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", *addr).Msg("failed to listen")
	}
	go func() {
		if err := n.grpcServer.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("corerpc server stopped")
		}
	}()
	logger.Info().Str("addr", *addr).Msg("corerpc server listening")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", coremetrics.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", *metricsAddr).Msg("metrics server listening")

	n.process.Start()
	defer n.process.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	n.grpcServer.GracefulStop()
}

// node bundles one process's worth of wired collaborators. The dependency
// chain runs object transport -> dependency resolution -> worker
// checkout/scheduling -> task submission -> task/actor lifecycle
// management, the pipeline spec.md §4 describes end to end.
type node struct {
	grpcServer *grpc.Server
	scheduler  *localscheduler.Scheduler
	process    *worker.Process
	lineage    lineage.Store
}

func (n *node) Close() {
	if closer, ok := n.lineage.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// noopLauncher never starts a fresh worker process; the single process this
// command runs registers itself directly via worker.Process.Start, so the
// pool never needs to launch one on demand.
type noopLauncher struct{}

func (noopLauncher) StartWorker(ctx context.Context, spec workerpool.StartSpec) error { return nil }

// rpcPeer satisfies objecttransport.ChunkFetcher and localscheduler.PeerCapacity
// by dialing the named peer for each call; a longer-lived deployment would
// cache connections instead of dialing per call.
type rpcPeer struct {
	cfg coreconfig.Config
}

func (p *rpcPeer) FetchChunk(ctx context.Context, nodeAddr string, id coreids.ObjectID, chunkIndex, numChunks int) ([]byte, error) {
	client, err := corerpc.Dial(ctx, nodeAddr, p.cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.FetchChunk(ctx, nodeAddr, id, chunkIndex, numChunks)
}

func (p *rpcPeer) HasSpareCapacity(ctx context.Context, peerAddr string) bool {
	client, err := corerpc.Dial(ctx, peerAddr, p.cfg)
	if err != nil {
		return false
	}
	defer client.Close()
	return client.HasSpareCapacity(ctx, peerAddr)
}

func newNode(addr string, cfg coreconfig.Config, dataDir string) (*node, error) {
	jobID := coreids.JobIDFromInt(1)

	mem := memorystore.New()
	plasma := plasmaclient.NewInMemory()
	gcs := gcsclient.NewInMemory()

	peer := &rpcPeer{cfg: cfg}
	puller := objecttransport.NewPuller(gcs, plasma, peer, cfg)
	resolver := depresolve.New(mem, plasma, puller, cfg)

	pool := workerpool.New(noopLauncher{}, cfg)
	scheduler := localscheduler.New(addr, pool, peer, cfg)
	rc := refcount.New()

	dispatcher := worker.NewLocalDispatcher()
	sub := submitter.New(resolver, scheduler, rc, dispatcher)

	var lineageStore lineage.Store
	var err error
	if dataDir != "" {
		lineageStore, err = lineage.NewBoltStore(dataDir)
		if err != nil {
			return nil, fmt.Errorf("open lineage store: %w", err)
		}
	} else {
		lineageStore = lineage.NewInMemory()
	}

	mgr := taskmanager.New(sub, mem, rc, lineageStore, cfg.DefaultTaskRetries)

	registry := actor.NewRegistry()
	queues := actorqueue.NewManager(cfg.MaxReorderWait)
	_ = actor.New(registry, queues, sub) // wired for actor-method submission; not yet exposed over corerpc

	funcs := worker.NewFunctionRegistry()
	process := worker.NewProcess(addr, jobID, funcs, mgr, pool)
	dispatcher.Add(process)

	chunkServer := objecttransport.NewChunkServer(plasma, cfg)
	leaseHandler := localscheduler.NewRPCHandler(scheduler)

	grpcServer := corerpc.NewGRPCServer()
	corerpc.Register(grpcServer, &corerpc.Server{
		Lease:    leaseHandler,
		Dispatch: process,
		Reply:    mgr,
		Chunk:    chunkServer,
		Wait:     rc,
		Capacity: leaseHandler,
	})

	return &node{
		grpcServer: grpcServer,
		scheduler:  scheduler,
		process:    process,
		lineage:    lineageStore,
	}, nil
}
