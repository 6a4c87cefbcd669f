package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/wire"
)

// Local is an in-memory Messaging implementation: every node lives in
// the same process and is reached by direct dispatch rather than a
// socket. It is used by package tests to exercise the full
// promise/commit/replication protocol without real networking.
type Local struct {
	mu       sync.RWMutex
	nodes    map[membership.NodeID]*Dispatcher
	unreachable map[membership.NodeID]bool
}

// NewLocal constructs an empty in-memory cluster registry.
func NewLocal() *Local {
	return &Local{
		nodes:       make(map[membership.NodeID]*Dispatcher),
		unreachable: make(map[membership.NodeID]bool),
	}
}

// Register makes a node's engine reachable under id.
func (l *Local) Register(id membership.NodeID, d *Dispatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[id] = d
}

// SetUnreachable simulates a partition: Call and Cast to id fail until
// the node is marked reachable again. Used by partition tests.
func (l *Local) SetUnreachable(id membership.NodeID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if down {
		l.unreachable[id] = true
	} else {
		delete(l.unreachable, id)
	}
}

func (l *Local) dispatcherFor(id membership.NodeID) (*Dispatcher, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.unreachable[id] {
		return nil, false
	}
	d, ok := l.nodes[id]
	return d, ok
}

// Call implements Messaging.
func (l *Local) Call(ctx context.Context, dest membership.NodeID, env wire.Envelope) (wire.Envelope, error) {
	d, ok := l.dispatcherFor(dest)
	if !ok {
		return wire.Envelope{}, fmt.Errorf("locker: node %q unreachable", dest)
	}

	type outcome struct {
		env wire.Envelope
	}
	done := make(chan outcome, 1)
	go func() {
		reply, _ := d.Dispatch(env)
		done <- outcome{env: reply}
	}()

	select {
	case out := <-done:
		return out.env, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Cast implements Messaging: fire-and-forget, delivered asynchronously
// to every reachable destination.
func (l *Local) Cast(dests []membership.NodeID, env wire.Envelope) {
	for _, dest := range dests {
		d, ok := l.dispatcherFor(dest)
		if !ok {
			continue
		}
		go d.DispatchCast(env)
	}
}
