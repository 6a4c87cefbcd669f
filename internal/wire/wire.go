/*
Package wire defines the on-the-wire message envelope and its framing:
length-prefixed fields written through a bufio.Writer and read
directly from the stream, with a
gob-encoded payload carried inside a tagged-union envelope that can
hold any request, reply or broadcast message.
*/
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/bycanvas/locker/internal/kv"
)

// Kind tags the payload type carried by an Envelope so the receiver
// knows which concrete Go type to gob-decode into.
type Kind string

const (
	KindPromiseReq       Kind = "PROMISE_REQ"
	KindPromiseReply     Kind = "PROMISE_REPLY"
	KindCommitReq        Kind = "COMMIT_REQ"
	KindCommitReply      Kind = "COMMIT_REPLY"
	KindAbortReq         Kind = "ABORT_REQ"
	KindAbortReply       Kind = "ABORT_REPLY"
	KindExtendReq        Kind = "EXTEND_REQ"
	KindExtendReply      Kind = "EXTEND_REPLY"
	KindReleaseReq       Kind = "RELEASE_REQ"
	KindReleaseReply     Kind = "RELEASE_REPLY"
	KindApplyLog         Kind = "APPLY_LOG"
	KindAdminSetMasters  Kind = "ADMIN_SET_MASTERS"
	KindAdminSetReplicas Kind = "ADMIN_SET_REPLICAS"
	KindAdminSetW        Kind = "ADMIN_SET_W"
	KindAdminReply       Kind = "ADMIN_REPLY"
	KindPingReq          Kind = "PING_REQ"
	KindPingReply        Kind = "PING_REPLY"
	KindDirtyReadReq     Kind = "DIRTY_READ_REQ"
	KindDirtyReadReply   Kind = "DIRTY_READ_REPLY"
	KindSummaryReq       Kind = "SUMMARY_REQ"
	KindSummaryReply     Kind = "SUMMARY_REPLY"
	KindLagReq           Kind = "LAG_REQ"
	KindLagReply         Kind = "LAG_REPLY"
)

// Envelope is the tagged union carried over the wire. Body is the
// gob encoding of one of the request/reply structs below.
type Envelope struct {
	Kind Kind
	Body []byte
}

type PromiseReq struct {
	Key      kv.Key
	Expected kv.Value
	Tag      kv.Tag
}

type PromiseReply struct {
	Result kv.PromiseResult
	Err    string
}

type CommitReq struct {
	Tag     kv.Tag
	Key     kv.Key
	Value   kv.Value
	LeaseMs int64
}

type CommitReply struct{}

type AbortReq struct {
	Tag kv.Tag
}

type AbortReply struct{}

type ExtendCommitReq struct {
	Tag     kv.Tag
	Key     kv.Key
	Value   kv.Value
	LeaseMs int64
}

type ExtendCommitReply struct {
	Err string
}

type ReleaseCommitReq struct {
	Tag   kv.Tag
	Key   kv.Key
	Value kv.Value
}

type ReleaseCommitReply struct {
	Err string
}

// ApplyLogMsg is cast (no reply) from a master's Replication Pump to
// every configured replica.
type ApplyLogMsg struct {
	Origin  string
	Records []kv.TransLogRecord
}

type AdminSetMastersReq struct {
	Masters []string
}

type AdminSetReplicasReq struct {
	Replicas []string
}

type AdminSetWReq struct {
	W int
}

type AdminReply struct {
	Err string
}

type PingReq struct{}

type PingReply struct{}

type DirtyReadReq struct {
	Key kv.Key
}

type DirtyReadReply struct {
	Value kv.Value
	Found bool
}

type SummaryReq struct{}

type SummaryReply struct {
	LockSuccess   int64
	LockNoQuorum  int64
	ReleaseCount  int64
	ExtendCount   int64
	LeaseSwept    int64
	LocksSwept    int64
	PushedBatches int64
	PushedRecords int64
}

type LagReq struct {
	TimeoutMs int64
}

type LagReplicaReport struct {
	Replica   string
	LatencyMs int64
	Err       string
}

type LagReply struct {
	Reports []LagReplicaReport
}

// Encode gob-encodes payload into an Envelope tagged with kind.
func Encode(kind Kind, payload any) (Envelope, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Body: buf.Bytes()}, nil
}

// Decode gob-decodes an Envelope's body into out.
func Decode(env Envelope, out any) error {
	return gob.NewDecoder(bytes.NewReader(env.Body)).Decode(out)
}

// WriteEnvelope frames env as a length-prefixed Kind followed by a
// length-prefixed Body.
func WriteEnvelope(w io.Writer, env Envelope) error {
	bw := bufio.NewWriter(w)
	if err := writeFieldBytes(bw, []byte(env.Kind)); err != nil {
		return err
	}
	if err := writeFieldBytes(bw, env.Body); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadEnvelope reads one framed Envelope from r. It consumes exactly
// that envelope's bytes, so envelopes written back to back on one
// stream are read one call at a time.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	kindBytes, err := readFieldBytes(r)
	if err != nil {
		return Envelope{}, err
	}
	body, err := readFieldBytes(r)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: Kind(kindBytes), Body: body}, nil
}

func writeFieldBytes(w *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(w, binary.LittleEndian, &size); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written: expected %d, got %d", size, n)
	}
	return nil
}

func readFieldBytes(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
