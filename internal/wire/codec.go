package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the size, in bytes, of the big-endian frame length
// header preceding every JSON payload on the wire.
const LengthPrefixSize = 4

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured maximum, before any payload bytes are read.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum message size")
	// ErrMalformed is returned when a frame's payload is not valid JSON.
	ErrMalformed = errors.New("wire: malformed message payload")
	// ErrMissingField is returned when a required top-level field is absent.
	ErrMissingField = errors.New("wire: missing required field")
	// ErrUnknownType is returned when the type tag is not one of the eleven
	// recognized message types.
	ErrUnknownType = errors.New("wire: unknown message type")
	// ErrVersionMismatch is returned when the payload's version field does
	// not match Version.
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
)

var requiredFields = []string{"type", "data", "sender", "timestamp", "version"}

// EncodeFrame serializes m to JSON and returns the complete wire frame:
// a 4-byte big-endian length prefix followed by the payload.
func EncodeFrame(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame, nil
}

// DecodeFrame parses a bare JSON payload (without the length prefix) into a
// Message, validating required fields, the type tag, and the protocol
// version.
func DecodeFrame(payload []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, field)
		}
	}

	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("%w: got %q want %q", ErrVersionMismatch, m.Version, Version)
	}
	if !IsKnown(m.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return &m, nil
}

// WriteFrame encodes m and writes the resulting frame to w in a single
// Write call.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes it. The
// declared length is checked against maxSize before any payload bytes are
// read, so an oversized frame is rejected without allocating maxSize (or
// more) bytes.
func ReadFrame(r io.Reader, maxSize int) (*Message, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > uint32(maxSize) {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return DecodeFrame(payload)
}
