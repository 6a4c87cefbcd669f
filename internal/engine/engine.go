/*
Package engine implements the Node State Engine: the single-writer
serialization point for a node's lock and data maps. Every exported
method enqueues a request on an internal channel and blocks for its
reply, so mutating operations are processed one at a time in arrival
order — no per-key locking is needed because there is only ever one
goroutine draining the channel.
*/
package engine

import (
	"time"

	"github.com/bycanvas/locker/internal/kv"
	"github.com/bycanvas/locker/internal/logging"
	"github.com/bycanvas/locker/internal/membership"
)

var log = logging.Get("engine")

// Clock abstracts wall-clock reads so expiration logic is testable
// under an advanceable clock instead of real time.
type Clock func() time.Time

// LockTtl bounds how long a Promise's LockEntry survives without a
// matching Commit/Abort before the lock sweep reclaims it. On the
// order of one second: long enough for a commit round trip, short
// enough that a crashed coordinator doesn't stall the key.
const LockTtl = 1500 * time.Millisecond

type request struct {
	op    func()
	reply chan struct{}
}

// Engine owns the data map, lock map and trans-log buffer for one
// node. It is safe to call from any number of goroutines.
type Engine struct {
	requests chan request
	done     chan struct{}

	now Clock

	data  map[kv.Key]kv.LeaseEntry
	locks map[kv.Key]kv.LockEntry
	log   []kv.TransLogRecord

	members *membership.Table
}

// New starts the single-writer loop and returns an Engine bound to
// the given membership table (used only to check AdminSet* overrides
// at the data layer; the Coordinator reads membership directly for
// fan-out decisions).
func New(members *membership.Table) *Engine {
	e := &Engine{
		requests: make(chan request, 256),
		done:     make(chan struct{}),
		now:      time.Now,
		data:     make(map[kv.Key]kv.LeaseEntry),
		locks:    make(map[kv.Key]kv.LockEntry),
		log:      make([]kv.TransLogRecord, 0, 64),
		members:  members,
	}
	go e.run()
	return e
}

// WithClock overrides the engine's clock source, used by tests that
// need to control expiry deterministically.
func (e *Engine) WithClock(c Clock) *Engine {
	e.do(func() { e.now = c })
	return e
}

func (e *Engine) run() {
	for {
		select {
		case req := <-e.requests:
			req.op()
			close(req.reply)
		case <-e.done:
			return
		}
	}
}

// do submits op to the single-writer loop and blocks until it runs.
func (e *Engine) do(op func()) {
	reply := make(chan struct{})
	e.requests <- request{op: op, reply: reply}
	<-reply
}

// Stop shuts the engine's loop down. Queued requests that have not
// yet been picked up are abandoned.
func (e *Engine) Stop() {
	close(e.done)
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

// Promise acquires exclusive write intent over key on behalf of tag,
// conditional on the key's current value matching expected.
func (e *Engine) Promise(key kv.Key, expected kv.Value, tag kv.Tag) (kv.PromiseResult, error) {
	var result kv.PromiseResult
	var err error
	e.do(func() {
		if _, locked := e.locks[key]; locked {
			result, err = kv.PromiseRejected, kv.ErrAlreadyLocked
			return
		}
		entry, present := e.data[key]
		switch {
		case kv.IsAbsent(expected) && !present:
			// ok
		case present && expected.Equal(entry.Value):
			// ok
		default:
			result, err = kv.PromiseRejected, kv.ErrNotExpected
			return
		}
		e.locks[key] = kv.LockEntry{Tag: tag, Key: key, AcquiredAtMs: e.nowMs()}
		result = kv.PromiseGranted
	})
	return result, err
}

// Commit writes value unconditionally, trusting the coordinator's
// quorum proof, and clears tag's lock on key if it still holds one.
func (e *Engine) Commit(tag kv.Tag, key kv.Key, value kv.Value, leaseMs int64) {
	e.do(func() {
		if owner, ok := e.locks[key]; ok && owner.Tag == tag {
			delete(e.locks, key)
		}
		e.data[key] = kv.LeaseEntry{Value: value, ExpireAtMs: e.nowMs() + leaseMs}
		e.log = append(e.log, kv.WriteRecord(key, value, leaseMs))
		log.Debugf("commit key=%s tag=%s lease=%dms", key, tag, leaseMs)
	})
}

// Abort removes any LockEntry rows held by tag. Idempotent, never
// fails.
func (e *Engine) Abort(tag kv.Tag) {
	e.do(func() {
		for key, entry := range e.locks {
			if entry.Tag == tag {
				delete(e.locks, key)
			}
		}
	})
}

// ExtendCommit renews a key's lease. The value match, not the Tag,
// authoritatively identifies the owner, so a node that never saw the
// original Promise can still accept the extension.
func (e *Engine) ExtendCommit(tag kv.Tag, key kv.Key, value kv.Value, leaseMs int64) error {
	var err error
	e.do(func() {
		entry, present := e.data[key]
		if !present {
			err = kv.ErrNotFound
			return
		}
		if !entry.Value.Equal(value) {
			err = kv.ErrNotOwner
			return
		}
		if owner, ok := e.locks[key]; ok && owner.Tag == tag {
			delete(e.locks, key)
		}
		e.data[key] = kv.LeaseEntry{Value: value, ExpireAtMs: e.nowMs() + leaseMs}
		e.log = append(e.log, kv.WriteRecord(key, value, leaseMs))
	})
	return err
}

// ReleaseCommit deletes a key the caller owns, provided value matches
// the key's current value.
func (e *Engine) ReleaseCommit(tag kv.Tag, key kv.Key, value kv.Value) error {
	var err error
	e.do(func() {
		entry, present := e.data[key]
		if !present {
			err = kv.ErrNotFound
			return
		}
		if !entry.Value.Equal(value) {
			err = kv.ErrNotOwner
			return
		}
		delete(e.data, key)
		e.log = append(e.log, kv.DeleteRecord(key))
		if owner, ok := e.locks[key]; ok && owner.Tag == tag {
			delete(e.locks, key)
		}
	})
	return err
}

// ApplyLog applies a batch of trans-log records received from a
// master. Replicas apply blindly; masters may also accept inbound
// logs but this path is only expected to be exercised on replicas.
// Lease expiry is computed relative to the receiver's own clock.
func (e *Engine) ApplyLog(records []kv.TransLogRecord) {
	e.do(func() {
		now := e.nowMs()
		for _, rec := range records {
			switch rec.Kind {
			case kv.RecordWrite:
				e.data[rec.Key] = kv.LeaseEntry{Value: rec.Value, ExpireAtMs: now + rec.LeaseMs}
			case kv.RecordDelete:
				delete(e.data, rec.Key)
			}
		}
	})
}

// DirtyRead returns the current value for key without regard to
// quorum or freshness.
func (e *Engine) DirtyRead(key kv.Key) (kv.Value, bool) {
	var value kv.Value
	var ok bool
	e.do(func() {
		entry, present := e.data[key]
		if present {
			value, ok = entry.Value, true
		}
	})
	return value, ok
}

// DrainTransLog hands the accumulated trans-log buffer to the caller
// and truncates it, so records are delivered to the replication pump
// exactly once.
func (e *Engine) DrainTransLog() []kv.TransLogRecord {
	var drained []kv.TransLogRecord
	e.do(func() {
		drained = e.log
		e.log = make([]kv.TransLogRecord, 0, cap(drained))
	})
	return drained
}

// SweepLeases deletes keys whose lease has elapsed and which are not
// currently locked: a commit in flight holds the lock and is about to
// refresh the key, so a concurrently running sweep must not observe a
// phantom miss.
func (e *Engine) SweepLeases() int {
	var removed int
	e.do(func() {
		now := e.nowMs()
		for key, entry := range e.data {
			if entry.ExpireAtMs >= now {
				continue
			}
			if _, locked := e.locks[key]; locked {
				continue
			}
			delete(e.data, key)
			removed++
		}
	})
	return removed
}

// SweepLocks removes LockEntry rows whose inactivity window has
// elapsed, reclaiming keys stranded by a coordinator that promised
// and then crashed or partitioned before committing or aborting.
func (e *Engine) SweepLocks() int {
	var removed int
	e.do(func() {
		now := e.nowMs()
		ttlMs := LockTtl.Milliseconds()
		for key, entry := range e.locks {
			if entry.AcquiredAtMs+ttlMs < now {
				delete(e.locks, key)
				removed++
			}
		}
	})
	return removed
}

// AdminSetMasters replaces the master set, serialized through the same
// single-writer loop as every other mutation.
func (e *Engine) AdminSetMasters(masters []membership.NodeID) error {
	var err error
	e.do(func() { err = e.members.SetMasters(masters) })
	return err
}

// AdminSetReplicas replaces the replica set.
func (e *Engine) AdminSetReplicas(replicas []membership.NodeID) {
	e.do(func() { e.members.SetReplicas(replicas) })
}

// AdminSetW replaces the quorum threshold.
func (e *Engine) AdminSetW(w int) error {
	var err error
	e.do(func() { err = e.members.SetW(w) })
	return err
}

// DebugState is a point-in-time snapshot for tests and observability.
type DebugState struct {
	Data  map[kv.Key]kv.LeaseEntry
	Locks map[kv.Key]kv.LockEntry
}

// GetDebugState snapshots the lock map and data map.
func (e *Engine) GetDebugState() DebugState {
	var snap DebugState
	e.do(func() {
		snap.Data = make(map[kv.Key]kv.LeaseEntry, len(e.data))
		for k, v := range e.data {
			snap.Data[k] = v
		}
		snap.Locks = make(map[kv.Key]kv.LockEntry, len(e.locks))
		for k, v := range e.locks {
			snap.Locks[k] = v
		}
	})
	return snap
}
