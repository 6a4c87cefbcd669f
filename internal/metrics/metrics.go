/*
Package metrics wires github.com/cactus/go-statsd-client into locker's
production path: quorum outcomes, sweep deletions and replication
pushes, surfaced both to statsd and through a local Summary for the
client API's summary operation.
*/
package metrics

import (
	"sync/atomic"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
)

// Sink fans metric events out to a statsd client and keeps local
// counters so Summary() can answer without a round trip to the statsd
// daemon.
type Sink struct {
	client statsd.Statter

	lockSuccess  int64
	lockNoQuorum int64
	releaseCount int64
	extendCount  int64
	sweepLease   int64
	sweepLock    int64
	pushedBatches int64
	pushedRecords int64
}

// NewNoop returns a Sink backed by a no-op statsd client, suitable for
// tests and for operators who have not configured a statsd endpoint.
func NewNoop() *Sink {
	client, _ := statsd.NewNoopClient()
	return &Sink{client: client}
}

// New dials a UDP statsd client at addr with the given metric prefix.
func New(addr, prefix string) (*Sink, error) {
	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: addr,
		Prefix:  prefix,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{client: client}, nil
}

func (s *Sink) LockSucceeded() {
	atomic.AddInt64(&s.lockSuccess, 1)
	s.client.Inc("lock.quorum.success", 1, 1.0)
}

func (s *Sink) LockNoQuorum() {
	atomic.AddInt64(&s.lockNoQuorum, 1)
	s.client.Inc("lock.quorum.failure", 1, 1.0)
}

func (s *Sink) ReleaseSucceeded() {
	atomic.AddInt64(&s.releaseCount, 1)
	s.client.Inc("release.success", 1, 1.0)
}

func (s *Sink) ExtendSucceeded() {
	atomic.AddInt64(&s.extendCount, 1)
	s.client.Inc("extend.success", 1, 1.0)
}

func (s *Sink) LeaseSwept(n int) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&s.sweepLease, int64(n))
	s.client.Gauge("sweep.lease.deleted", int64(n), 1.0)
}

func (s *Sink) LocksSwept(n int) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&s.sweepLock, int64(n))
	s.client.Gauge("sweep.lock.expired", int64(n), 1.0)
}

func (s *Sink) Pushed(records int) {
	atomic.AddInt64(&s.pushedBatches, 1)
	atomic.AddInt64(&s.pushedRecords, int64(records))
	s.client.TimingDuration("replication.push.records", 0, 1.0)
}

// Summary is the counters surfaced over the summary client operation.
type Summary struct {
	LockSuccess   int64
	LockNoQuorum  int64
	ReleaseCount  int64
	ExtendCount   int64
	LeaseSwept    int64
	LocksSwept    int64
	PushedBatches int64
	PushedRecords int64
}

func (s *Sink) Summary() Summary {
	return Summary{
		LockSuccess:   atomic.LoadInt64(&s.lockSuccess),
		LockNoQuorum:  atomic.LoadInt64(&s.lockNoQuorum),
		ReleaseCount:  atomic.LoadInt64(&s.releaseCount),
		ExtendCount:   atomic.LoadInt64(&s.extendCount),
		LeaseSwept:    atomic.LoadInt64(&s.sweepLease),
		LocksSwept:    atomic.LoadInt64(&s.sweepLock),
		PushedBatches: atomic.LoadInt64(&s.pushedBatches),
		PushedRecords: atomic.LoadInt64(&s.pushedRecords),
	}
}
