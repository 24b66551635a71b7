package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		{Protocol: "musig2", Type: "NONCE_SHARE", From: "peerA", To: "peerB", Payload: []byte("hello"), Timestamp: 1234, MessageID: "abc-1"},
		{Protocol: "swapsig", Type: "swapsig:pool-announce", From: "peerA", Payload: nil, Timestamp: 0, MessageID: ""},
	}

	for i, m := range cases {
		enc, err := m.Encode()
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if dec.Protocol != m.Protocol || dec.Type != m.Type || dec.From != m.From ||
			dec.To != m.To || dec.Timestamp != m.Timestamp || dec.MessageID != m.MessageID ||
			!bytes.Equal(dec.Payload, m.Payload) {
			t.Fatalf("case %d: round trip mismatch: got %+v want %+v", i, dec, m)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	m := &Message{Protocol: "p", Type: "t", From: "f"}
	enc, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(append(enc, 0xFF)); !IsDecodeError(err) {
		t.Fatalf("expected decode error on trailing bytes, got %v", err)
	}
}

func TestPayloadAtCapAccepted(t *testing.T) {
	m := &Message{Protocol: "p", Type: "t", From: "f", Payload: bytes.Repeat([]byte{1}, MaxPayloadSize)}
	if _, err := m.Encode(); err != nil {
		t.Fatalf("payload at cap should be accepted: %v", err)
	}
}

func TestPayloadOverCapRejected(t *testing.T) {
	m := &Message{Protocol: "p", Type: "t", From: "f", Payload: bytes.Repeat([]byte{1}, MaxPayloadSize+1)}
	if _, err := m.Encode(); !IsDecodeError(err) {
		t.Fatalf("expected decode error on oversized payload, got %v", err)
	}
}

func TestCompressedPointValidation(t *testing.T) {
	good := append([]byte{0x02}, bytes.Repeat([]byte{0xAB}, 32)...)
	if _, err := EncodeCompressedPoint(good); err != nil {
		t.Fatalf("valid point rejected: %v", err)
	}

	badPrefix := append([]byte{0x04}, bytes.Repeat([]byte{0xAB}, 32)...)
	if _, err := EncodeCompressedPoint(badPrefix); err == nil {
		t.Fatal("expected error for bad prefix")
	}

	badLen := []byte{0x02, 0x01}
	if _, err := EncodeCompressedPoint(badLen); err == nil {
		t.Fatal("expected error for bad length")
	}
}

func TestScalarPadding(t *testing.T) {
	enc, err := EncodeScalar([]byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != ScalarSize {
		t.Fatalf("expected %d bytes, got %d", ScalarSize, len(enc))
	}
	if !bytes.Equal(enc[ScalarSize-2:], []byte{0x01, 0x02}) {
		t.Fatal("scalar not zero-padded correctly")
	}
	if strings.Count(string(enc[:ScalarSize-2]), "\x00") != ScalarSize-2 {
		t.Fatal("expected leading zero padding")
	}
}

func TestDecodeScalarWrongLength(t *testing.T) {
	if _, err := DecodeScalar([]byte{0x01}); err == nil {
		t.Fatal("expected error for wrong length scalar")
	}
}
