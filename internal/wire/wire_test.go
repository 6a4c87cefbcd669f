package wire

import (
	"bytes"
	"testing"

	"github.com/bycanvas/locker/internal/kv"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := Encode(KindPromiseReq, PromiseReq{Key: "k", Expected: kv.Value("v"), Tag: "t"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.Kind != KindPromiseReq {
		t.Fatalf("expected kind %q, got %q", KindPromiseReq, env.Kind)
	}

	var out PromiseReq
	if err := Decode(env, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Key != "k" || string(out.Expected) != "v" || out.Tag != "t" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

// WriteEnvelope/ReadEnvelope is the length-prefixed binary framing
// used over the real TCP transport; a decoded envelope must match
// what was written byte for byte.
func TestWriteReadEnvelopeRoundTrip(t *testing.T) {
	env, err := Encode(KindCommitReq, CommitReq{Tag: "tag-1", Key: "k", Value: kv.Value("v"), LeaseMs: 60000})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Kind != env.Kind || !bytes.Equal(got.Body, env.Body) {
		t.Fatalf("framed envelope mismatch: got %+v, want %+v", got, env)
	}

	var out CommitReq
	if err := Decode(got, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Key != "k" || string(out.Value) != "v" || out.LeaseMs != 60000 {
		t.Fatalf("decoded payload mismatch: %+v", out)
	}
}

// Multiple envelopes written back to back to the same stream must be
// readable in order, the shape the TCP Server's connection loop relies
// on for pipelined requests.
func TestReadEnvelopeSequential(t *testing.T) {
	var buf bytes.Buffer
	first, _ := Encode(KindPingReq, PingReq{})
	second, _ := Encode(KindAbortReq, AbortReq{Tag: "tag-2"})
	if err := WriteEnvelope(&buf, first); err != nil {
		t.Fatalf("WriteEnvelope first: %v", err)
	}
	if err := WriteEnvelope(&buf, second); err != nil {
		t.Fatalf("WriteEnvelope second: %v", err)
	}

	got1, err := ReadEnvelope(&buf)
	if err != nil || got1.Kind != KindPingReq {
		t.Fatalf("expected first envelope kind %q, got %+v err=%v", KindPingReq, got1, err)
	}
	got2, err := ReadEnvelope(&buf)
	if err != nil || got2.Kind != KindAbortReq {
		t.Fatalf("expected second envelope kind %q, got %+v err=%v", KindAbortReq, got2, err)
	}
}
