/*
Package transport is the cluster messaging layer: a multi-destination
request/reply facility with a per-call timeout and a reported set of
unreachable destinations. Messaging is the interface every other
component codes against; Local and TCP below are two concrete
implementations.
*/
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/bycanvas/locker/internal/membership"
	"github.com/bycanvas/locker/internal/wire"
)

// Messaging sends unicast request/reply envelopes and fire-and-forget
// broadcasts to cluster peers.
type Messaging interface {
	// Call sends env to dest and waits for a reply or ctx's deadline,
	// whichever comes first.
	Call(ctx context.Context, dest membership.NodeID, env wire.Envelope) (wire.Envelope, error)

	// Cast broadcasts env to every destination without waiting for a
	// reply.
	Cast(dests []membership.NodeID, env wire.Envelope)
}

// CallResult pairs one destination's reply with any error. Err is set
// only for transport-level failures (timeout, dial failure, unreachable
// node); a rejection by the remote node arrives as an ordinary Reply.
type CallResult struct {
	Dest  membership.NodeID
	Reply wire.Envelope
	Err   error
}

// FanOut calls env against every destination concurrently and returns
// once every call has returned or ctx expires. Partitioning results by
// success/failure is left to the caller.
func FanOut(ctx context.Context, m Messaging, dests []membership.NodeID, env wire.Envelope) []CallResult {
	results := make([]CallResult, len(dests))
	var wg sync.WaitGroup
	wg.Add(len(dests))
	for i, dest := range dests {
		go func(i int, dest membership.NodeID) {
			defer wg.Done()
			reply, err := m.Call(ctx, dest, env)
			results[i] = CallResult{Dest: dest, Reply: reply, Err: err}
		}(i, dest)
	}
	wg.Wait()
	return results
}

// IsDown reports whether err represents transport-level
// unreachability. Any error returned by Call — timeout, dial failure,
// connection reset — is handled identically to a negative vote for
// quorum accounting.
func IsDown(err error) bool {
	return err != nil
}

// WithTimeout is a small helper so callers don't need to import
// context directly just to bound a Call.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
