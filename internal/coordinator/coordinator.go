/*
Package coordinator implements the client-facing two-phase
lock/release/extend protocol. A Coordinator is stateless: it generates
a fresh Tag per request, snapshots the current (Masters, W) from
membership, and drives the promise/commit fan-out over a
transport.Messaging. Any number of Coordinators may run concurrently
against the same node.
*/
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/kv"
	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/metrics"
	"github.com/bycanvas/locker/internal/transport"
	"github.com/bycanvas/locker/internal/wire"
)

var log = logging.Get("coordinator")

// Coordinator is the client-facing façade for one node.
type Coordinator struct {
	eng       *engine.Engine
	members   *membership.Table
	messaging transport.Messaging
	sink      *metrics.Sink
}

// New builds a Coordinator bound to a local engine (for dirty reads),
// a membership table (for quorum snapshots) and a messaging layer
// (for the quorum fan-out).
func New(eng *engine.Engine, members *membership.Table, messaging transport.Messaging, sink *metrics.Sink) *Coordinator {
	return &Coordinator{eng: eng, members: members, messaging: messaging, sink: sink}
}

func newTag() kv.Tag {
	return kv.Tag(uuid.NewString())
}

// Stats reports three numbers for a successful lock/release: the
// configured quorum threshold, how many masters voted Ok in the
// promise phase, and how many destinations replied to the commit phase
// (masters for Lock; masters and replicas for Release).
type Stats struct {
	W         int
	Voted     int
	Committed int
}

// voteTally partitions promise responses into nodes that granted,
// nodes that rejected, and nodes that could not be reached.
type voteTally struct {
	ok       []membership.NodeID
	rejected []membership.NodeID
	down     []membership.NodeID
}

func (c *Coordinator) promisePhase(ctx context.Context, key kv.Key, expected kv.Value, tag kv.Tag, masters []membership.NodeID, timeout time.Duration) voteTally {
	env, err := wire.Encode(wire.KindPromiseReq, wire.PromiseReq{Key: key, Expected: expected, Tag: tag})
	if err != nil {
		return voteTally{down: masters}
	}
	callCtx, cancel := transport.WithTimeout(ctx, timeout)
	defer cancel()
	results := transport.FanOut(callCtx, c.messaging, masters, env)

	var tally voteTally
	for _, r := range results {
		if transport.IsDown(r.Err) {
			tally.down = append(tally.down, r.Dest)
			continue
		}
		var reply wire.PromiseReply
		if err := wire.Decode(r.Reply, &reply); err != nil {
			tally.down = append(tally.down, r.Dest)
			continue
		}
		if reply.Result == kv.PromiseGranted {
			tally.ok = append(tally.ok, r.Dest)
		} else {
			tally.rejected = append(tally.rejected, r.Dest)
		}
	}
	return tally
}

// abortAll issues a best-effort Abort(tag) to every given node; the
// coordinator does not wait for or act on the replies.
func (c *Coordinator) abortAll(dests []membership.NodeID, tag kv.Tag) {
	env, err := wire.Encode(wire.KindAbortReq, wire.AbortReq{Tag: tag})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	go func() {
		defer cancel()
		transport.FanOut(ctx, c.messaging, dests, env)
	}()
}

// Lock acquires a lease: it promises a CAS from ABSENT to value across
// the masters, and on reaching quorum, commits the write to all of
// them.
func (c *Coordinator) Lock(ctx context.Context, key kv.Key, value kv.Value, leaseMs int64, timeout time.Duration) (Stats, error) {
	tag := newTag()
	cfg := c.members.Snapshot()

	tally := c.promisePhase(ctx, key, kv.ABSENT, tag, cfg.Masters, timeout)
	if len(tally.ok) < cfg.W {
		c.abortAll(cfg.Masters, tag)
		c.sink.LockNoQuorum()
		return Stats{W: cfg.W, Voted: len(tally.ok)}, kv.ErrNoQuorum
	}

	env, err := wire.Encode(wire.KindCommitReq, wire.CommitReq{Tag: tag, Key: key, Value: value, LeaseMs: leaseMs})
	if err != nil {
		return Stats{}, err
	}
	commitCtx, cancel := transport.WithTimeout(ctx, timeout)
	defer cancel()
	results := transport.FanOut(commitCtx, c.messaging, cfg.Masters, env)
	committed := countSuccess(results)

	c.sink.LockSucceeded()
	log.Debugf("lock key=%s tag=%s voted=%d/%d committed=%d", key, tag, len(tally.ok), cfg.W, committed)
	return Stats{W: cfg.W, Voted: len(tally.ok), Committed: committed}, nil
}

// Release drops a held lease. The promise phase requires ownership
// (Expected = value); on quorum, ReleaseCommit is sent to every master
// and every replica so replicas learn the deletion synchronously
// instead of waiting for the next trans-log push.
func (c *Coordinator) Release(ctx context.Context, key kv.Key, value kv.Value, timeout time.Duration) (Stats, error) {
	tag := newTag()
	cfg := c.members.Snapshot()

	tally := c.promisePhase(ctx, key, value, tag, cfg.Masters, timeout)
	if len(tally.ok) < cfg.W {
		c.abortAll(cfg.Masters, tag)
		c.sink.LockNoQuorum()
		return Stats{W: cfg.W, Voted: len(tally.ok)}, kv.ErrNoQuorum
	}

	env, err := wire.Encode(wire.KindReleaseReq, wire.ReleaseCommitReq{Tag: tag, Key: key, Value: value})
	if err != nil {
		return Stats{}, err
	}
	commitCtx, cancel := transport.WithTimeout(ctx, timeout)
	defer cancel()

	dests := append(append([]membership.NodeID{}, cfg.Masters...), cfg.Replicas...)
	results := transport.FanOut(commitCtx, c.messaging, dests, env)
	committed := countSuccess(results)

	c.sink.ReleaseSucceeded()
	return Stats{W: cfg.W, Voted: len(tally.ok), Committed: committed}, nil
}

// ExtendLease renews a held lease's expiry. ExtendCommit is sent only
// to masters; replicas learn the new expiry through the next
// replication push, an intentional latency/consistency trade-off since
// extension is the highest-frequency operation in the protocol.
// Masters that reject the extend-commit (NotOwner/NotFound) are sent a
// follow-up Abort, since no Commit landed there to clear their
// LockEntry.
func (c *Coordinator) ExtendLease(ctx context.Context, key kv.Key, value kv.Value, leaseMs int64, timeout time.Duration) error {
	tag := newTag()
	cfg := c.members.Snapshot()

	tally := c.promisePhase(ctx, key, value, tag, cfg.Masters, timeout)
	if len(tally.ok) < cfg.W {
		c.abortAll(cfg.Masters, tag)
		c.sink.LockNoQuorum()
		return kv.ErrNoQuorum
	}

	env, err := wire.Encode(wire.KindExtendReq, wire.ExtendCommitReq{Tag: tag, Key: key, Value: value, LeaseMs: leaseMs})
	if err != nil {
		return err
	}
	commitCtx, cancel := transport.WithTimeout(ctx, timeout)
	defer cancel()
	results := transport.FanOut(commitCtx, c.messaging, cfg.Masters, env)

	var needsAbort []membership.NodeID
	for _, r := range results {
		if transport.IsDown(r.Err) {
			continue
		}
		var reply wire.ExtendCommitReply
		if err := wire.Decode(r.Reply, &reply); err == nil && reply.Err != "" {
			needsAbort = append(needsAbort, r.Dest)
		}
	}
	if len(needsAbort) > 0 {
		c.abortAll(needsAbort, tag)
	}

	c.sink.ExtendSucceeded()
	return nil
}

// DirtyRead is a non-quorum, local-snapshot read that may return a
// stale or expired-but-not-swept value.
func (c *Coordinator) DirtyRead(key kv.Key) (kv.Value, error) {
	value, ok := c.eng.DirtyRead(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

// DirtyReadAt performs a dirty read against a specific remote node
// rather than this process's own engine, the shape an external client
// (cmd/lockerctl) needs since it has no local engine of its own.
func (c *Coordinator) DirtyReadAt(ctx context.Context, target membership.NodeID, key kv.Key, timeout time.Duration) (kv.Value, error) {
	env, err := wire.Encode(wire.KindDirtyReadReq, wire.DirtyReadReq{Key: key})
	if err != nil {
		return nil, err
	}
	callCtx, cancel := transport.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := c.messaging.Call(callCtx, target, env)
	if err != nil {
		return nil, err
	}
	var out wire.DirtyReadReply
	if err := wire.Decode(reply, &out); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, kv.ErrNotFound
	}
	return out.Value, nil
}

// Summary returns the counters backing the summary client operation.
func (c *Coordinator) Summary() metrics.Summary {
	return c.sink.Summary()
}

// LagReport is one replica's observed round-trip latency for the lag
// probe.
type LagReport struct {
	Replica membership.NodeID
	Latency time.Duration
	Err     error
}

// Lag round-trips a lightweight Ping to every configured replica and
// reports per-replica latency.
func (c *Coordinator) Lag(ctx context.Context, timeout time.Duration) []LagReport {
	cfg := c.members.Snapshot()
	reports := make([]LagReport, len(cfg.Replicas))

	var g errgroup.Group
	for i, replica := range cfg.Replicas {
		i, replica := i, replica
		g.Go(func() error {
			env, err := wire.Encode(wire.KindPingReq, wire.PingReq{})
			if err != nil {
				reports[i] = LagReport{Replica: replica, Err: err}
				return nil
			}
			start := time.Now()
			pingCtx, cancel := transport.WithTimeout(ctx, timeout)
			defer cancel()
			_, err = c.messaging.Call(pingCtx, replica, env)
			reports[i] = LagReport{Replica: replica, Latency: time.Since(start), Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SetNodes broadcasts an administrative master/replica set change to
// targets and updates this process's own membership table. This is
// intentionally best-effort: operators are expected to quiesce writes
// during reconfiguration rather than rely on atomicity here.
func (c *Coordinator) SetNodes(ctx context.Context, targets []membership.NodeID, masters, replicas []membership.NodeID) error {
	if err := c.members.SetMasters(masters); err != nil {
		return err
	}
	c.members.SetReplicas(replicas)

	mastersStr := make([]string, len(masters))
	for i, m := range masters {
		mastersStr[i] = string(m)
	}
	replicasStr := make([]string, len(replicas))
	for i, r := range replicas {
		replicasStr[i] = string(r)
	}

	mastersEnv, err := wire.Encode(wire.KindAdminSetMasters, wire.AdminSetMastersReq{Masters: mastersStr})
	if err == nil {
		transport.FanOut(ctx, c.messaging, targets, mastersEnv)
	}
	replicasEnv, err := wire.Encode(wire.KindAdminSetReplicas, wire.AdminSetReplicasReq{Replicas: replicasStr})
	if err == nil {
		transport.FanOut(ctx, c.messaging, targets, replicasEnv)
	}
	return nil
}

// SetW broadcasts a quorum-threshold change and updates this
// process's own membership table.
func (c *Coordinator) SetW(ctx context.Context, targets []membership.NodeID, w int) error {
	if err := c.members.SetW(w); err != nil {
		return err
	}
	env, err := wire.Encode(wire.KindAdminSetW, wire.AdminSetWReq{W: w})
	if err != nil {
		return err
	}
	transport.FanOut(ctx, c.messaging, targets, env)
	return nil
}

func countSuccess(results []transport.CallResult) int {
	n := 0
	for _, r := range results {
		if !transport.IsDown(r.Err) {
			n++
		}
	}
	return n
}
