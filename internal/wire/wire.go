// Package wire implements the canonical, deterministic byte encoding shared
// by every protocol message exchanged between swapsig coordinators.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MaxPayloadSize is the hard cap on an encoded message's payload, enforced
// at decode time. Exceeding it is an OversizedMessage condition for the
// security gate (see internal/security).
const MaxPayloadSize = 100 * 1024 // 100 KiB

// CompressedPointSize is the length of a secp256k1 compressed curve point.
const CompressedPointSize = 33

// ScalarSize is the length of a 32-byte big-endian scalar.
const ScalarSize = 32

// WireDecodeError reports a malformed-bytes condition during decode.
type WireDecodeError struct {
	Reason string
}

func (e *WireDecodeError) Error() string {
	return fmt.Sprintf("wire decode error: %s", e.Reason)
}

func decodeErr(reason string, args ...interface{}) error {
	return &WireDecodeError{Reason: fmt.Sprintf(reason, args...)}
}

// IsDecodeError reports whether err is a WireDecodeError.
func IsDecodeError(err error) bool {
	var wde *WireDecodeError
	return errors.As(err, &wde)
}

// Message is the envelope carried by every protocol message:
// {protocol, type, from, to?, payload, timestamp, messageId}.
type Message struct {
	Protocol  string
	Type      string
	From      string
	To        string // empty means broadcast/topic message
	Payload   []byte
	Timestamp int64
	MessageID string
}

// Encode produces the canonical deterministic byte encoding of m.
// Field order is fixed; every variable-length field is length-prefixed.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, decodeErr("payload exceeds %d bytes", MaxPayloadSize)
	}

	var buf bytes.Buffer
	if err := writeString(&buf, m.Protocol); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.Type); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.From); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.To); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, m.Payload); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.Timestamp); err != nil {
		return nil, err
	}
	if err := writeString(&buf, m.MessageID); err != nil {
		return nil, err
	}

	if buf.Len() > MaxPayloadSize+4096 {
		return nil, decodeErr("encoded message exceeds size cap")
	}
	return buf.Bytes(), nil
}

// Decode parses the canonical encoding produced by Encode.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxPayloadSize+4096 {
		return nil, decodeErr("message exceeds %d bytes", MaxPayloadSize+4096)
	}

	r := bytes.NewReader(data)
	m := &Message{}
	var err error

	if m.Protocol, err = readString(r); err != nil {
		return nil, err
	}
	if m.Type, err = readString(r); err != nil {
		return nil, err
	}
	if m.From, err = readString(r); err != nil {
		return nil, err
	}
	if m.To, err = readString(r); err != nil {
		return nil, err
	}
	if m.Payload, err = readBytes(r); err != nil {
		return nil, err
	}
	if len(m.Payload) > MaxPayloadSize {
		return nil, decodeErr("payload exceeds %d bytes", MaxPayloadSize)
	}
	if err := binary.Read(r, binary.BigEndian, &m.Timestamp); err != nil {
		return nil, decodeErr("truncated timestamp")
	}
	if m.MessageID, err = readString(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, decodeErr("trailing bytes after message")
	}

	return m, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > MaxPayloadSize {
		return decodeErr("field exceeds %d bytes", MaxPayloadSize)
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, decodeErr("truncated length prefix")
	}
	if n > MaxPayloadSize {
		return nil, decodeErr("field length %d exceeds cap", n)
	}
	if int(n) > r.Len() {
		return nil, decodeErr("truncated field, want %d bytes have %d", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, decodeErr("short read on field")
	}
	return out, nil
}

// EncodeCompressedPoint validates that b is a 33-byte compressed secp256k1
// point with a valid prefix byte. It does not itself perform curve
// membership checks — that is the job of the btcec parser callers apply
// after this length/prefix check passes.
func EncodeCompressedPoint(b []byte) ([]byte, error) {
	if len(b) != CompressedPointSize {
		return nil, decodeErr("compressed point must be %d bytes, got %d", CompressedPointSize, len(b))
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return nil, decodeErr("compressed point has invalid prefix 0x%02x", b[0])
	}
	out := make([]byte, CompressedPointSize)
	copy(out, b)
	return out, nil
}

// DecodeCompressedPoint is the decode-side mirror of EncodeCompressedPoint.
func DecodeCompressedPoint(b []byte) ([]byte, error) {
	return EncodeCompressedPoint(b)
}

// EncodeScalar zero-pads b on the left to ScalarSize bytes, or rejects it
// if it is already longer than ScalarSize.
func EncodeScalar(b []byte) ([]byte, error) {
	if len(b) > ScalarSize {
		return nil, decodeErr("scalar exceeds %d bytes", ScalarSize)
	}
	out := make([]byte, ScalarSize)
	copy(out[ScalarSize-len(b):], b)
	return out, nil
}

// DecodeScalar validates that b is exactly ScalarSize bytes and is in
// canonical range (strictly less than the secp256k1 group order), using
// decred's constant-time ModNScalar rather than a manual big-endian
// comparison, so a peer can't smuggle a non-canonical (overflowed) scalar
// through the wire layer and have it silently reduced mod n downstream.
func DecodeScalar(b []byte) ([]byte, error) {
	if len(b) != ScalarSize {
		return nil, decodeErr("scalar must be %d bytes, got %d", ScalarSize, len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, decodeErr("scalar exceeds curve order")
	}
	out := make([]byte, ScalarSize)
	copy(out, b)
	return out, nil
}
