/*
Command lockerctl is the administrative client for a locker cluster:
it drives the client API (lock, release, extend-lease, dirty-read,
set-w, summary, lag) from outside any node process, acting as its own
Coordinator against the masters and replicas named on the command
line. It has no set-nodes subcommand.
*/
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bycanvas/locker/internal/coordinator"
	"github.com/bycanvas/locker/internal/kv"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/metrics"
	"github.com/bycanvas/locker/internal/transport"
	"github.com/bycanvas/locker/internal/wire"
)

var (
	masters  []string
	replicas []string
	quorum   int
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "lockerctl",
		Short: "drive a locker cluster's lock/release/extend/dirty-read protocol",
	}
	root.PersistentFlags().StringSliceVar(&masters, "masters", nil, "master node host:port addresses")
	root.PersistentFlags().StringSliceVar(&replicas, "replicas", nil, "replica node host:port addresses")
	root.PersistentFlags().IntVar(&quorum, "w", 0, "write quorum threshold (defaults to majority of masters)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Second, "end-to-end operation timeout")

	root.AddCommand(
		lockCmd(),
		releaseCmd(),
		extendLeaseCmd(),
		dirtyReadCmd(),
		setWCmd(),
		summaryCmd(),
		lagCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Println("error:", err)
	}
}

func buildCoordinator() (*coordinator.Coordinator, *membership.Table, error) {
	if len(masters) == 0 {
		return nil, nil, fmt.Errorf("at least one --masters address is required")
	}
	w := quorum
	if w == 0 {
		w = len(masters)/2 + 1
	}
	masterIDs := toNodeIDs(masters)
	replicaIDs := toNodeIDs(replicas)

	members, err := membership.NewTable(membership.Config{W: w, Masters: masterIDs, Replicas: replicaIDs})
	if err != nil {
		return nil, nil, err
	}

	addrs := make(map[membership.NodeID]string, len(masterIDs)+len(replicaIDs))
	for _, id := range masterIDs {
		addrs[id] = string(id)
	}
	for _, id := range replicaIDs {
		addrs[id] = string(id)
	}
	messaging := transport.NewTCP(addrs)
	return coordinator.New(nil, members, messaging, metrics.NewNoop()), members, nil
}

func toNodeIDs(ss []string) []membership.NodeID {
	out := make([]membership.NodeID, len(ss))
	for i, s := range ss {
		out[i] = membership.NodeID(s)
	}
	return out
}

func lockCmd() *cobra.Command {
	var leaseMs int64
	cmd := &cobra.Command{
		Use:   "lock <key> <value>",
		Short: "acquire a lease: CAS the key from absent to value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			stats, err := coord.Lock(ctx, kv.Key(args[0]), kv.Value(args[1]), leaseMs, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("ok: w=%d voted=%d committed=%d\n", stats.W, stats.Voted, stats.Committed)
			return nil
		},
	}
	cmd.Flags().Int64Var(&leaseMs, "lease-ms", 60000, "lease length in milliseconds")
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <key> <value>",
		Short: "release a held lease: CAS the key from value to absent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			stats, err := coord.Release(ctx, kv.Key(args[0]), kv.Value(args[1]), timeout)
			if err != nil {
				return err
			}
			fmt.Printf("ok: w=%d voted=%d committed=%d\n", stats.W, stats.Voted, stats.Committed)
			return nil
		},
	}
}

func extendLeaseCmd() *cobra.Command {
	var leaseMs int64
	cmd := &cobra.Command{
		Use:   "extend-lease <key> <value>",
		Short: "renew a held lease's expiry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			if err := coord.ExtendLease(ctx, kv.Key(args[0]), kv.Value(args[1]), leaseMs, timeout); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().Int64Var(&leaseMs, "lease-ms", 60000, "new lease length in milliseconds")
	return cmd
}

func dirtyReadCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "dirty-read <key>",
		Short: "read a key's value from one node without quorum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator()
			if err != nil {
				return err
			}
			target := at
			if target == "" && len(masters) > 0 {
				target = masters[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			value, err := coord.DirtyReadAt(ctx, membership.NodeID(target), kv.Key(args[0]), timeout)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", value)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "node address to read from (default: first --masters entry)")
	return cmd
}

func setWCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-w <w>",
		Short: "broadcast a new write quorum threshold to every master and replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, members, err := buildCoordinator()
			if err != nil {
				return err
			}
			var w int
			if _, err := fmt.Sscanf(args[0], "%d", &w); err != nil {
				return fmt.Errorf("invalid w: %w", err)
			}
			cfg := members.Snapshot()
			targets := append(append([]membership.NodeID{}, cfg.Masters...), cfg.Replicas...)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := coord.SetW(ctx, targets, w); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func summaryCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "fetch a node's counters (quorum outcomes, sweeps, replication pushes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := at
			if target == "" && len(masters) > 0 {
				target = masters[0]
			}
			if target == "" {
				return fmt.Errorf("at least one --masters address or --at is required")
			}
			addrs := map[membership.NodeID]string{membership.NodeID(target): target}
			messaging := transport.NewTCP(addrs)
			env, err := wire.Encode(wire.KindSummaryReq, wire.SummaryReq{})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			reply, err := messaging.Call(ctx, membership.NodeID(target), env)
			if err != nil {
				return err
			}
			var out wire.SummaryReply
			if err := wire.Decode(reply, &out); err != nil {
				return err
			}
			fmt.Printf("%+v\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "node address to query (default: first --masters entry)")
	return cmd
}

func lagCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "lag",
		Short: "ask a node to probe round-trip latency to each of its replicas",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := at
			if target == "" && len(masters) > 0 {
				target = masters[0]
			}
			if target == "" {
				return fmt.Errorf("at least one --masters address or --at is required")
			}
			addrs := map[membership.NodeID]string{membership.NodeID(target): target}
			messaging := transport.NewTCP(addrs)
			env, err := wire.Encode(wire.KindLagReq, wire.LagReq{TimeoutMs: timeout.Milliseconds()})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			reply, err := messaging.Call(ctx, membership.NodeID(target), env)
			if err != nil {
				return err
			}
			var out wire.LagReply
			if err := wire.Decode(reply, &out); err != nil {
				return err
			}
			for _, r := range out.Reports {
				if r.Err != "" {
					fmt.Printf("%s: error: %s\n", r.Replica, r.Err)
					continue
				}
				fmt.Printf("%s: %dms\n", r.Replica, r.LatencyMs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "node address to query (default: first --masters entry)")
	return cmd
}
