/*
Package replication implements the replication pump: on each master,
periodically drain the accumulated trans-log buffer and broadcast it
asynchronously to every configured replica as an ApplyLog cast. The
buffer is only drained once a push is actually attempted against a
non-empty replica set, so writes accumulated before any replica joins
are not lost; engine.Engine.DrainTransLog clears the buffer atomically
with the read.
*/
package replication

import (
	"context"
	"time"

	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/metrics"
	"github.com/bycanvas/locker/internal/transport"
	"github.com/bycanvas/locker/internal/wire"
)

var log = logging.Get("replication")

// Pump owns one master's periodic push of its trans-log to the
// cluster's replica set.
type Pump struct {
	origin   membership.NodeID
	eng      *engine.Engine
	members  *membership.Table
	sink     *metrics.Sink
	messaging transport.Messaging
	interval time.Duration
}

// New constructs a Pump that pushes on the given interval.
func New(origin membership.NodeID, eng *engine.Engine, members *membership.Table, sink *metrics.Sink, messaging transport.Messaging, interval time.Duration) *Pump {
	return &Pump{origin: origin, eng: eng, members: members, sink: sink, messaging: messaging, interval: interval}
}

// Run ticks until ctx is cancelled, pushing whatever has accumulated
// in the trans-log on each tick. An empty buffer is a no-op push.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pushOnce()
		}
	}
}

func (p *Pump) pushOnce() {
	replicas := p.members.Snapshot().Replicas
	if len(replicas) == 0 {
		return
	}
	records := p.eng.DrainTransLog()
	if len(records) == 0 {
		return
	}
	env, err := wire.Encode(wire.KindApplyLog, wire.ApplyLogMsg{
		Origin:  string(p.origin),
		Records: records,
	})
	if err != nil {
		log.Errorf("failed to encode trans-log push: %v", err)
		return
	}
	p.messaging.Cast(replicas, env)
	p.sink.Pushed(len(records))
	log.Debugf("pushed %d trans-log record(s) to %d replica(s)", len(records), len(replicas))
}
