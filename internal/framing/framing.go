// Package framing implements the length-prefixed wire frame with optional
// stream compression described in spec.md §4.2 / §6.
//
// Frame layout: [2B magic][1B flags][4B big-endian length][payload].
// flags bit 0 set means the payload was stream-compressed; length is
// always the length of the bytes actually on the wire (i.e. of the
// compressed payload when the flag is set).
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"
)

const (
	// Magic identifies the remoshell frame format.
	Magic uint16 = 0x5253 // "RS"

	headerSize = 7 // 2 (magic) + 1 (flags) + 4 (length)

	// MaxFrameSize bounds the on-wire payload length, per spec.md §3.
	MaxFrameSize = 16 << 20 // 16 MiB

	// CompressionThreshold: payloads smaller than this are never compressed.
	CompressionThreshold = 1024

	flagCompressed byte = 1 << 0
)

var (
	ErrInvalidMagic   = errors.New("framing: invalid magic")
	ErrFrameTooLarge  = errors.New("framing: frame too large")
	ErrShortHeader    = errors.New("framing: short header")
	ErrShortPayload   = errors.New("framing: short payload")
	ErrCorruptPayload = errors.New("framing: corrupt compressed payload")
)

// InvalidMagicError carries the expected and observed magic bytes so
// callers can report a precise diagnostic.
type InvalidMagicError struct {
	Expected, Got uint16
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("framing: invalid magic: expected %#04x, got %#04x", e.Expected, e.Got)
}

func (e *InvalidMagicError) Unwrap() error { return ErrInvalidMagic }

var bufferPool bytebufferpool.Pool

var (
	encoderPool = newZstdEncoderPool()
)

type zstdEncoderPool struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdEncoderPool() *zstdEncoderPool {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("framing: init zstd encoder: " + err.Error())
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic("framing: init zstd decoder: " + err.Error())
	}
	return &zstdEncoderPool{enc: enc, dec: dec}
}

// Encode writes one frame for payload to w, applying stream compression
// when payload is at least CompressionThreshold bytes. The codec is
// stateless: concurrent Encode calls on distinct writers are safe.
func Encode(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	flags := byte(0)
	wire := payload
	if len(payload) >= CompressionThreshold {
		compressed := encoderPool.enc.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			wire = compressed
			flags |= flagCompressed
		}
	}
	if len(wire) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)
	buf.Reset()

	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[0:2], Magic)
	header[2] = flags
	binary.BigEndian.PutUint32(header[3:7], uint32(len(wire)))

	buf.Write(header[:])
	buf.Write(wire)

	_, err := w.Write(buf.B)
	return err
}

// Decode reads exactly one frame from r and returns its decompressed
// payload.
func Decode(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	magic := binary.BigEndian.Uint16(header[0:2])
	if magic != Magic {
		return nil, &InvalidMagicError{Expected: Magic, Got: magic}
	}
	flags := header[2]
	length := binary.BigEndian.Uint32(header[3:7])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	wire := make([]byte, length)
	if _, err := io.ReadFull(r, wire); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortPayload
		}
		return nil, err
	}

	if flags&flagCompressed == 0 {
		return wire, nil
	}

	decoded, err := encoderPool.dec.DecodeAll(wire, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}
	return decoded, nil
}

// EncodeToBytes is a convenience wrapper used by tests and by callers
// that need the framed bytes rather than a direct write.
func EncodeToBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
