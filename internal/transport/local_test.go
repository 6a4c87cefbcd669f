package transport

import (
	"context"
	"testing"
	"time"

	"github.com/bycanvas/locker/internal/engine"
	"github.com/bycanvas/locker/internal/kv"
	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/wire"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	members, err := membership.NewTable(membership.Config{W: 1, Masters: []membership.NodeID{"a"}})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	e := engine.New(members)
	t.Cleanup(e.Stop)
	return e
}

func TestLocalCallRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	local := NewLocal()
	local.Register("a", NewDispatcher(eng))

	env, err := wire.Encode(wire.KindPromiseReq, wire.PromiseReq{Key: "k", Expected: kv.ABSENT, Tag: "t"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reply, err := local.Call(context.Background(), "a", env)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var out wire.PromiseReply
	if err := wire.Decode(reply, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Result != kv.PromiseGranted {
		t.Fatalf("expected PromiseGranted, got %v (err=%s)", out.Result, out.Err)
	}
}

func TestLocalCallUnreachableNodeFails(t *testing.T) {
	local := NewLocal()
	env, _ := wire.Encode(wire.KindPingReq, wire.PingReq{})
	if _, err := local.Call(context.Background(), "ghost", env); err == nil {
		t.Fatalf("expected error calling an unregistered node")
	}
}

func TestLocalSetUnreachableBlocksCallsUntilCleared(t *testing.T) {
	eng := newTestEngine(t)
	local := NewLocal()
	local.Register("a", NewDispatcher(eng))
	local.SetUnreachable("a", true)

	env, _ := wire.Encode(wire.KindPingReq, wire.PingReq{})
	if _, err := local.Call(context.Background(), "a", env); err == nil {
		t.Fatalf("expected error while node is marked unreachable")
	}

	local.SetUnreachable("a", false)
	if _, err := local.Call(context.Background(), "a", env); err != nil {
		t.Fatalf("expected call to succeed after clearing unreachable: %v", err)
	}
}

func TestLocalCastDeliversToReachableOnly(t *testing.T) {
	engA := newTestEngine(t)
	engB := newTestEngine(t)
	local := NewLocal()
	local.Register("a", NewDispatcher(engA))
	local.Register("b", NewDispatcher(engB))
	local.SetUnreachable("b", true)

	records := []kv.TransLogRecord{kv.WriteRecord("k", kv.Value("v"), 60000)}
	env, err := wire.Encode(wire.KindApplyLog, wire.ApplyLogMsg{Origin: "origin", Records: records})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	local.Cast([]membership.NodeID{"a", "b"}, env)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := engA.DirtyRead("k"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := engA.DirtyRead("k"); !ok {
		t.Fatalf("expected reachable node a to receive the cast")
	}
	if _, ok := engB.DirtyRead("k"); ok {
		t.Fatalf("expected unreachable node b to not receive the cast")
	}
}

func TestFanOutCollectsAllResultsIncludingFailures(t *testing.T) {
	engA := newTestEngine(t)
	local := NewLocal()
	local.Register("a", NewDispatcher(engA))
	local.SetUnreachable("down", true)

	env, _ := wire.Encode(wire.KindPingReq, wire.PingReq{})
	results := FanOut(context.Background(), local, []membership.NodeID{"a", "down"}, env)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	var okCount, downCount int
	for _, r := range results {
		if IsDown(r.Err) {
			downCount++
		} else {
			okCount++
		}
	}
	if okCount != 1 || downCount != 1 {
		t.Fatalf("expected 1 ok and 1 down, got ok=%d down=%d", okCount, downCount)
	}
}

func TestDispatchCastPanicsOnUnrecognizedKind(t *testing.T) {
	eng := newTestEngine(t)
	d := NewDispatcher(eng)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected DispatchCast to panic on an unrecognized broadcast kind")
		}
	}()
	d.DispatchCast(wire.Envelope{Kind: "NOT_A_REAL_KIND", Body: nil})
}
