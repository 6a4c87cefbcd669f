/*
Package membership holds the process-wide configuration every other
component reads: the write quorum threshold and the master/replica
node sets. Replacement is atomic but best-effort across the cluster —
operators are expected to quiesce writes during reconfiguration.
*/
package membership

import (
	"fmt"
	"sync"
)

// NodeID identifies a node by its cluster messaging address.
type NodeID string

// Config is a single, atomically-replaceable snapshot of the write
// quorum and the two node sets.
type Config struct {
	W        int
	Masters  []NodeID
	Replicas []NodeID
}

func (c Config) validate() error {
	if c.W < 1 || c.W > len(c.Masters) {
		return fmt.Errorf("invalid quorum W=%d for %d masters", c.W, len(c.Masters))
	}
	return nil
}

// Table is the process-wide, mutex-protected configuration table.
// Readers take a snapshot-consistent copy; callers that need Masters
// and W together for one operation get both under a single lock
// acquisition via Snapshot.
type Table struct {
	mu  sync.RWMutex
	cfg Config
}

// NewTable seeds a configuration table at init time.
func NewTable(cfg Config) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Table{cfg: cloneConfig(cfg)}, nil
}

func cloneConfig(cfg Config) Config {
	masters := make([]NodeID, len(cfg.Masters))
	copy(masters, cfg.Masters)
	replicas := make([]NodeID, len(cfg.Replicas))
	copy(replicas, cfg.Replicas)
	return Config{W: cfg.W, Masters: masters, Replicas: replicas}
}

// Snapshot returns a consistent copy of the current configuration.
func (t *Table) Snapshot() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneConfig(t.cfg)
}

// SetMasters replaces the master set. Best-effort: callers broadcasting
// this across a cluster accept transient inconsistency, per spec
// non-goals.
func (t *Table) SetMasters(masters []NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := Config{W: t.cfg.W, Masters: masters, Replicas: t.cfg.Replicas}
	if err := next.validate(); err != nil {
		return err
	}
	t.cfg = cloneConfig(next)
	return nil
}

// SetReplicas replaces the replica set.
func (t *Table) SetReplicas(replicas []NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Replicas = append([]NodeID(nil), replicas...)
}

// SetW replaces the quorum threshold.
func (t *Table) SetW(w int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := Config{W: w, Masters: t.cfg.Masters, Replicas: t.cfg.Replicas}
	if err := next.validate(); err != nil {
		return err
	}
	t.cfg.W = w
	return nil
}
