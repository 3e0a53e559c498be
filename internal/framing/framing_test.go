package framing

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTripSmallPayload(t *testing.T) {
	payload := []byte("small payload below threshold")
	encoded, err := EncodeToBytes(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", decoded, payload)
	}
}

func TestRoundTripLargeCompressiblePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("remoshell-frame-test-data"), 1000)
	encoded, err := EncodeToBytes(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) >= len(payload) {
		t.Fatalf("expected compression to shrink the payload: encoded=%d original=%d", len(encoded), len(payload))
	}
	decoded, err := Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatal("roundtrip mismatch on large payload")
	}
}

func TestCompressionThresholdBoundary(t *testing.T) {
	below := bytes.Repeat([]byte{'a'}, CompressionThreshold-1)
	atThreshold := bytes.Repeat([]byte{'a'}, CompressionThreshold)

	for _, p := range [][]byte{below, atThreshold} {
		encoded, err := EncodeToBytes(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(decoded, p) {
			t.Fatal("roundtrip mismatch at threshold boundary")
		}
	}
}

func TestDecodeRejectsInvalidMagic(t *testing.T) {
	encoded, err := EncodeToBytes([]byte("x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	corrupted := append([]byte(nil), encoded...)
	corrupted[0] ^= 0xFF

	_, err = Decode(bytes.NewReader(corrupted))
	var magicErr *InvalidMagicError
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected InvalidMagicError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatal("InvalidMagicError does not unwrap to ErrInvalidMagic")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	oversized := make([]byte, MaxFrameSize+1)
	_, err := EncodeToBytes(oversized)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	encoded, err := EncodeToBytes(bytes.Repeat([]byte{'z'}, 10))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := encoded[:len(encoded)-3]
	_, err = Decode(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected an error decoding a truncated frame")
	}
}
