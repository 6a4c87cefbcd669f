/*
Command lockerd runs one locker node: its Node State Engine,
Expiration Services, Replication Pump (when the node is a master) and
a TCP Server accepting peer messages. They are wired in this order:
Membership -> Node State Engine -> Coordinator -> TCP Server ->
Expiration Services -> Replication Pump.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bycanvas/locker/internal/config"
	"github.com/bycanvas/locker/internal/coordinator"
	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/expiry"
	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/metrics"
	"github.com/bycanvas/locker/internal/replication"
	"github.com/bycanvas/locker/internal/transport"
	"github.com/bycanvas/locker/internal/wire"
)

var log = logging.Get("lockerd")

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "lockerd",
		Short: "locker node daemon: coordination primitives over a quorum lease store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cmd.Flags())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.Flags().String("listen_addr", "", "override the peer listen address")

	if err := root.Execute(); err != nil {
		log.Fatalf("lockerd: %v", err)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}

	nodeID := membership.NodeID(cfg.NodeID)
	masters := toNodeIDs(cfg.Masters)
	replicas := toNodeIDs(cfg.Replicas)

	members, err := membership.NewTable(membership.Config{W: cfg.W, Masters: masters, Replicas: replicas})
	if err != nil {
		return err
	}

	eng := engine.New(members)
	defer eng.Stop()

	sink := metrics.NewNoop()
	if cfg.StatsdAddr != "" {
		sink, err = metrics.New(cfg.StatsdAddr, cfg.StatsdPrefix)
		if err != nil {
			return err
		}
	}

	// Node ids double as dialable "host:port" peer addresses. The map
	// is built once from the startup master/replica sets; a node named
	// later by set_nodes that is not in it is unreachable from here.
	addrs := make(map[membership.NodeID]string, len(masters)+len(replicas))
	for _, m := range masters {
		addrs[m] = string(m)
	}
	for _, r := range replicas {
		addrs[r] = string(r)
	}
	messaging := transport.NewTCP(addrs)
	coord := coordinator.New(eng, members, messaging, sink)

	dispatcher := transport.NewDispatcher(eng)
	dispatcher.Sink = sink
	dispatcher.LagProbe = func(ctx context.Context, timeoutMs int64) []wire.LagReplicaReport {
		timeout := time.Duration(timeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		reports := coord.Lag(ctx, timeout)
		out := make([]wire.LagReplicaReport, len(reports))
		for i, r := range reports {
			lr := wire.LagReplicaReport{Replica: string(r.Replica), LatencyMs: r.Latency.Milliseconds()}
			if r.Err != nil {
				lr.Err = r.Err.Error()
			}
			out[i] = lr
		}
		return out
	}

	server, err := transport.Listen(cfg.ListenAddr, dispatcher)
	if err != nil {
		return err
	}
	log.Infof("node %s listening on %s", nodeID, server.Addr())

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := server.Serve(ctx); err != nil {
			log.Errorf("peer server stopped: %v", err)
		}
	}()

	svcs := expiry.New(eng, sink, cfg.LeaseExpireInterval, cfg.LockExpireInterval)
	svcs.Run(ctx)

	if isMaster(nodeID, masters) {
		pump := replication.New(nodeID, eng, members, sink, messaging, cfg.PushTransInterval)
		go pump.Run(ctx)
	}

	<-ctx.Done()
	log.Infof("node %s shutting down", nodeID)
	return nil
}

func isMaster(id membership.NodeID, masters []membership.NodeID) bool {
	for _, m := range masters {
		if m == id {
			return true
		}
	}
	return false
}

func toNodeIDs(ss []string) []membership.NodeID {
	out := make([]membership.NodeID, len(ss))
	for i, s := range ss {
		out[i] = membership.NodeID(s)
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx, cancel
}
