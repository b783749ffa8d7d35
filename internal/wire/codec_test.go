package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func mustMessage(t *testing.T, typ Type, data any) *Message {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	return New(typ, raw, "node-a", 1700000000.0)
}

func TestRoundTrip(t *testing.T) {
	m := mustMessage(t, TypeHeartbeat, struct{}{})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, m); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, MaxMessageSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != m.Type || got.Sender != m.Sender || got.Timestamp != m.Timestamp {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := []byte(`{"type":"bogus","data":{},"sender":"a","timestamp":1,"signature":null,"version":"1.0.0"}`)
	if _, err := DecodeFrame(raw); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMissingField(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","data":{},"timestamp":1,"version":"1.0.0"}`)
	if _, err := DecodeFrame(raw); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","data":{},"sender":"a","timestamp":1,"version":"9.9.9"}`)
	if _, err := DecodeFrame(raw); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestReadFrameRejectsOversizedWithoutAllocating(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 2<<20) // 2 MiB, exceeds 1 MiB default
	buf.Write(lenBuf[:])
	// Intentionally do not write 2 MiB of payload bytes: ReadFrame must
	// reject based on the declared length alone, before reading further.
	_, err := ReadFrame(&buf, MaxMessageSize)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSignableBytesForcesNullSignature(t *testing.T) {
	m := mustMessage(t, TypeHeartbeat, struct{}{})
	sig := "deadbeef"
	m.Signature = &sig

	signable, err := m.SignableBytes()
	if err != nil {
		t.Fatalf("SignableBytes: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(signable, &decoded); err != nil {
		t.Fatalf("unmarshal signable bytes: %v", err)
	}
	if decoded["signature"] != nil {
		t.Fatalf("expected signature forced to null, got %v", decoded["signature"])
	}
	// Original message is untouched.
	if m.Signature == nil || *m.Signature != "deadbeef" {
		t.Fatalf("SignableBytes must not mutate the original message")
	}
}
