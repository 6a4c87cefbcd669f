package transport

import (
	"context"

	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/metrics"
	"github.com/bycanvas/locker/internal/wire"
)

// Dispatcher applies an incoming Envelope to a node's Node State
// Engine and produces the reply Envelope, if any. It is the bridge
// between the wire format and the engine's typed Go API, used by both
// the Local and TCP Messaging implementations so the dispatch logic
// is written once.
//
// Sink and LagProbe are optional: a Dispatcher used only to exercise
// the engine (as in package tests) can leave them nil, and then answers
// KindSummaryReq with all-zero counters and KindLagReq with no
// reports. A func is used for the lag probe,
// rather than a *coordinator.Coordinator, to avoid an import cycle
// (coordinator already depends on transport for its Messaging fan-out).
type Dispatcher struct {
	Engine   *engine.Engine
	Sink     *metrics.Sink
	LagProbe func(ctx context.Context, timeoutMs int64) []wire.LagReplicaReport
}

func NewDispatcher(eng *engine.Engine) *Dispatcher {
	return &Dispatcher{Engine: eng}
}

// Dispatch handles one request Envelope and returns the reply
// Envelope. ok is false for Envelope kinds that carry no reply
// (KindApplyLog), which Cast-only transports use to skip the
// round trip entirely.
func (d *Dispatcher) Dispatch(env wire.Envelope) (reply wire.Envelope, ok bool) {
	switch env.Kind {
	case wire.KindPromiseReq:
		var req wire.PromiseReq
		_ = wire.Decode(env, &req)
		result, err := d.Engine.Promise(req.Key, req.Expected, req.Tag)
		out := wire.PromiseReply{Result: result, Err: errString(err)}
		env, _ := wire.Encode(wire.KindPromiseReply, out)
		return env, true

	case wire.KindCommitReq:
		var req wire.CommitReq
		_ = wire.Decode(env, &req)
		d.Engine.Commit(req.Tag, req.Key, req.Value, req.LeaseMs)
		env, _ := wire.Encode(wire.KindCommitReply, wire.CommitReply{})
		return env, true

	case wire.KindAbortReq:
		var req wire.AbortReq
		_ = wire.Decode(env, &req)
		d.Engine.Abort(req.Tag)
		env, _ := wire.Encode(wire.KindAbortReply, wire.AbortReply{})
		return env, true

	case wire.KindExtendReq:
		var req wire.ExtendCommitReq
		_ = wire.Decode(env, &req)
		err := d.Engine.ExtendCommit(req.Tag, req.Key, req.Value, req.LeaseMs)
		env, _ := wire.Encode(wire.KindExtendReply, wire.ExtendCommitReply{Err: errString(err)})
		return env, true

	case wire.KindReleaseReq:
		var req wire.ReleaseCommitReq
		_ = wire.Decode(env, &req)
		err := d.Engine.ReleaseCommit(req.Tag, req.Key, req.Value)
		env, _ := wire.Encode(wire.KindReleaseReply, wire.ReleaseCommitReply{Err: errString(err)})
		return env, true

	case wire.KindAdminSetMasters:
		var req wire.AdminSetMastersReq
		_ = wire.Decode(env, &req)
		err := d.Engine.AdminSetMasters(toNodeIDs(req.Masters))
		env, _ := wire.Encode(wire.KindAdminReply, wire.AdminReply{Err: errString(err)})
		return env, true

	case wire.KindAdminSetReplicas:
		var req wire.AdminSetReplicasReq
		_ = wire.Decode(env, &req)
		d.Engine.AdminSetReplicas(toNodeIDs(req.Replicas))
		env, _ := wire.Encode(wire.KindAdminReply, wire.AdminReply{})
		return env, true

	case wire.KindAdminSetW:
		var req wire.AdminSetWReq
		_ = wire.Decode(env, &req)
		err := d.Engine.AdminSetW(req.W)
		env, _ := wire.Encode(wire.KindAdminReply, wire.AdminReply{Err: errString(err)})
		return env, true

	case wire.KindPingReq:
		env, _ := wire.Encode(wire.KindPingReply, wire.PingReply{})
		return env, true

	case wire.KindDirtyReadReq:
		var req wire.DirtyReadReq
		_ = wire.Decode(env, &req)
		value, found := d.Engine.DirtyRead(req.Key)
		env, _ := wire.Encode(wire.KindDirtyReadReply, wire.DirtyReadReply{Value: value, Found: found})
		return env, true

	case wire.KindSummaryReq:
		var out wire.SummaryReply
		if d.Sink != nil {
			s := d.Sink.Summary()
			out = wire.SummaryReply{
				LockSuccess: s.LockSuccess, LockNoQuorum: s.LockNoQuorum,
				ReleaseCount: s.ReleaseCount, ExtendCount: s.ExtendCount,
				LeaseSwept: s.LeaseSwept, LocksSwept: s.LocksSwept,
				PushedBatches: s.PushedBatches, PushedRecords: s.PushedRecords,
			}
		}
		env, _ := wire.Encode(wire.KindSummaryReply, out)
		return env, true

	case wire.KindLagReq:
		var req wire.LagReq
		_ = wire.Decode(env, &req)
		var reports []wire.LagReplicaReport
		if d.LagProbe != nil {
			reports = d.LagProbe(context.Background(), req.TimeoutMs)
		}
		env, _ := wire.Encode(wire.KindLagReply, wire.LagReply{Reports: reports})
		return env, true

	case wire.KindApplyLog:
		d.DispatchCast(env)
		return wire.Envelope{}, false

	default:
		out, _ := wire.Encode(wire.KindAdminReply, wire.AdminReply{Err: "unrecognized message"})
		return out, true
	}
}

// DispatchCast handles a fire-and-forget broadcast envelope. An
// unrecognized broadcast kind is treated as fatal, since there is no
// reply channel through which to surface a tagged error to a caller.
// The process is expected to be restarted by a supervisor.
func (d *Dispatcher) DispatchCast(env wire.Envelope) {
	switch env.Kind {
	case wire.KindApplyLog:
		var msg wire.ApplyLogMsg
		if err := wire.Decode(env, &msg); err != nil {
			panic(err)
		}
		d.Engine.ApplyLog(msg.Records)
	default:
		panic("locker: bad message: unrecognized broadcast kind " + string(env.Kind))
	}
}

func toNodeIDs(ss []string) []membership.NodeID {
	out := make([]membership.NodeID, len(ss))
	for i, s := range ss {
		out[i] = membership.NodeID(s)
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
