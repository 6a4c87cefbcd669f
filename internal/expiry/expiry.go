/*
Package expiry runs the two periodic sweeps a node needs to stay live:
the lease sweep, which removes keys whose lease has elapsed and which
are not concurrently locked, and the lock sweep, which reclaims
LockEntry rows abandoned by a coordinator that promised and never
followed up with Commit or Abort.
*/
package expiry

import (
	"context"
	"time"

	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/metrics"
)

var log = logging.Get("expiry")

// Services owns the two sweep tickers for one node's engine.
type Services struct {
	eng    *engine.Engine
	sink   *metrics.Sink
	leaseInterval time.Duration
	lockInterval  time.Duration
}

// New constructs the sweep services with independent intervals for the
// lease sweep and the lock sweep.
func New(eng *engine.Engine, sink *metrics.Sink, leaseInterval, lockInterval time.Duration) *Services {
	return &Services{eng: eng, sink: sink, leaseInterval: leaseInterval, lockInterval: lockInterval}
}

// Run drives both sweep loops until ctx is cancelled. Each loop uses
// its own ticker, coalescing ticks if the sweep itself falls behind.
func (s *Services) Run(ctx context.Context) {
	go s.runLeaseSweep(ctx)
	go s.runLockSweep(ctx)
}

func (s *Services) runLeaseSweep(ctx context.Context) {
	ticker := time.NewTicker(s.leaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.eng.SweepLeases()
			s.sink.LeaseSwept(removed)
			if removed > 0 {
				log.Debugf("lease sweep removed %d expired key(s)", removed)
			}
		}
	}
}

func (s *Services) runLockSweep(ctx context.Context) {
	ticker := time.NewTicker(s.lockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.eng.SweepLocks()
			s.sink.LocksSwept(removed)
			if removed > 0 {
				log.Debugf("lock sweep reclaimed %d stale lock(s)", removed)
			}
		}
	}
}
