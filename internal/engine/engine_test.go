package engine

import (
	"testing"
	"time"

	"github.com/bycanvas/locker/internal/kv"
	"github.com/bycanvas/locker/internal/membership"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	members, err := membership.NewTable(membership.Config{
		W:       1,
		Masters: []membership.NodeID{"a"},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	e := New(members)
	t.Cleanup(e.Stop)
	return e
}

func TestPromiseAbsentThenCommit(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Promise("k", kv.ABSENT, "tag-1")
	if err != nil || result != kv.PromiseGranted {
		t.Fatalf("expected promise granted, got %v %v", result, err)
	}

	e.Commit("tag-1", "k", kv.Value("v"), 60000)

	value, ok := e.DirtyRead("k")
	if !ok || string(value) != "v" {
		t.Fatalf("expected dirty read v, got %q ok=%v", value, ok)
	}
}

func TestPromiseRejectsSecondLockHolder(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Promise("k", kv.ABSENT, "tag-1")
	if err != nil || result != kv.PromiseGranted {
		t.Fatalf("first promise should be granted: %v %v", result, err)
	}

	result, err = e.Promise("k", kv.ABSENT, "tag-2")
	if err != kv.ErrAlreadyLocked {
		t.Fatalf("expected ErrAlreadyLocked, got %v %v", result, err)
	}
}

// CAS: lock with Expected=ABSENT on a key that already exists yields a
// rejection.
func TestPromiseCASRejectsWhenKeyExists(t *testing.T) {
	e := newTestEngine(t)

	e.Commit("tag-1", "k", kv.Value("v"), 60000)

	result, err := e.Promise("k", kv.ABSENT, "tag-2")
	if err != kv.ErrNotExpected {
		t.Fatalf("expected ErrNotExpected, got %v %v", result, err)
	}
}

func TestExtendCommitAuthoritativeByValue(t *testing.T) {
	e := newTestEngine(t)

	e.Commit("tag-1", "k", kv.Value("v"), 1000)

	// A different, freshly-joined coordinator's Tag can still extend
	// the lease because the value, not the Tag, identifies ownership.
	if err := e.ExtendCommit("tag-unrelated", "k", kv.Value("v"), 60000); err != nil {
		t.Fatalf("expected extend ok, got %v", err)
	}

	if err := e.ExtendCommit("tag-unrelated", "k", kv.Value("other"), 60000); err != kv.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if err := e.ExtendCommit("tag-unrelated", "missing", kv.Value("v"), 60000); err != kv.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseCommitRequiresMatchingValue(t *testing.T) {
	e := newTestEngine(t)
	e.Commit("tag-1", "k", kv.Value("v"), 60000)

	if err := e.ReleaseCommit("tag-1", "k", kv.Value("wrong")); err != kv.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if err := e.ReleaseCommit("tag-1", "k", kv.Value("v")); err != nil {
		t.Fatalf("expected release ok, got %v", err)
	}

	if _, ok := e.DirtyRead("k"); ok {
		t.Fatalf("expected key removed after release")
	}
}

func TestAbortClearsLock(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.Promise("k", kv.ABSENT, "tag-1"); err != nil {
		t.Fatalf("promise: %v", err)
	}
	e.Abort("tag-1")

	result, err := e.Promise("k", kv.ABSENT, "tag-2")
	if err != nil || result != kv.PromiseGranted {
		t.Fatalf("expected second promise granted after abort, got %v %v", result, err)
	}
}

// Expiration safety: a key currently locked must never be removed by
// the lease sweep.
func TestSweepLeasesSkipsLockedKeys(t *testing.T) {
	e := newTestEngine(t)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	e.Commit("tag-1", "k", kv.Value("v"), 10) // expires at base+10ms

	// advance clock past expiry, but hold a lock on the key as if a
	// concurrent ExtendCommit were in flight
	e.now = func() time.Time { return base.Add(time.Second) }
	e.do(func() {
		e.locks["k"] = kv.LockEntry{Tag: "tag-extend", Key: "k", AcquiredAtMs: e.nowMs()}
	})

	removed := e.SweepLeases()
	if removed != 0 {
		t.Fatalf("expected locked key to survive sweep, removed=%d", removed)
	}
	if _, ok := e.DirtyRead("k"); !ok {
		t.Fatalf("expected locked-but-expired key to still be present")
	}
}

func TestSweepLeasesRemovesUnlockedExpiredKey(t *testing.T) {
	e := newTestEngine(t)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	e.Commit("tag-1", "k", kv.Value("v"), 10)

	e.now = func() time.Time { return base.Add(time.Second) }
	removed := e.SweepLeases()
	if removed != 1 {
		t.Fatalf("expected 1 key removed, got %d", removed)
	}
	if _, ok := e.DirtyRead("k"); ok {
		t.Fatalf("expected expired key to be gone")
	}
}

func TestSweepLocksReclaimsStaleLockAfterTtl(t *testing.T) {
	e := newTestEngine(t)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	if _, err := e.Promise("k", kv.ABSENT, "tag-1"); err != nil {
		t.Fatalf("promise: %v", err)
	}

	// a second promise for the same key is rejected while the lock is
	// live
	if _, err := e.Promise("k", kv.ABSENT, "tag-2"); err != kv.ErrAlreadyLocked {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	e.now = func() time.Time { return base.Add(LockTtl + time.Second) }
	removed := e.SweepLocks()
	if removed != 1 {
		t.Fatalf("expected 1 stale lock reclaimed, got %d", removed)
	}

	result, err := e.Promise("k", kv.ABSENT, "tag-3")
	if err != nil || result != kv.PromiseGranted {
		t.Fatalf("expected promise granted after sweep, got %v %v", result, err)
	}
}

// Idempotent replication: applying the same trans-log twice yields the
// same data map as applying it once.
func TestApplyLogIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	records := []kv.TransLogRecord{
		kv.WriteRecord("k1", kv.Value("v1"), 60000),
		kv.WriteRecord("k2", kv.Value("v2"), 60000),
	}

	e.ApplyLog(records)
	first := e.GetDebugState()

	e.ApplyLog(records)
	second := e.GetDebugState()

	if len(first.Data) != len(second.Data) {
		t.Fatalf("expected same key count, got %d vs %d", len(first.Data), len(second.Data))
	}
	for k, v := range first.Data {
		if !v.Value.Equal(second.Data[k].Value) {
			t.Fatalf("key %s: value changed across re-apply", k)
		}
	}
}

func TestApplyLogDelete(t *testing.T) {
	e := newTestEngine(t)
	e.ApplyLog([]kv.TransLogRecord{kv.WriteRecord("k", kv.Value("v"), 60000)})
	if _, ok := e.DirtyRead("k"); !ok {
		t.Fatalf("expected key present after write record")
	}
	e.ApplyLog([]kv.TransLogRecord{kv.DeleteRecord("k")})
	if _, ok := e.DirtyRead("k"); ok {
		t.Fatalf("expected key removed after delete record")
	}
}

func TestDrainTransLogTruncatesBuffer(t *testing.T) {
	e := newTestEngine(t)
	e.Commit("tag-1", "k1", kv.Value("v1"), 60000)
	e.Commit("tag-2", "k2", kv.Value("v2"), 60000)

	first := e.DrainTransLog()
	if len(first) != 2 {
		t.Fatalf("expected 2 records drained, got %d", len(first))
	}

	// the buffer is truncated after a push: a second drain with no
	// intervening commits must be empty.
	second := e.DrainTransLog()
	if len(second) != 0 {
		t.Fatalf("expected drained buffer to be empty, got %d records", len(second))
	}
}
