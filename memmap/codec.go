package memmap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ErrShortBlock reports a block read shorter than the layout requires. The
// usual cause is a half-finished read on a dying session, so callers drop
// the connection rather than decode from the truncated buffer.
type ErrShortBlock struct {
	Block int
	Got   int
	Want  int
}

func (e ErrShortBlock) Error() string {
	return fmt.Sprintf("DB%d: short block: got %d bytes, want %d", e.Block, e.Got, e.Want)
}

// CheckLen validates a block buffer against its required read extent.
func CheckLen(block int, buf []byte, want int) error {
	if len(buf) < want {
		return ErrShortBlock{Block: block, Got: len(buf), Want: want}
	}
	return nil
}

// Real decodes a 32-bit IEEE float (big-endian) at the given byte offset.
// The caller is responsible for bounds; poller code validates block length
// once with CheckLen before decoding.
func Real(buf []byte, offset int) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf[offset:]))
}

// PutReal encodes a 32-bit IEEE float (big-endian) at the given byte offset.
func PutReal(buf []byte, offset int, v float32) {
	binary.BigEndian.PutUint32(buf[offset:], math.Float32bits(v))
}

// EncodeReal returns the 4-byte big-endian encoding of v, for single-field
// writes.
func EncodeReal(v float32) []byte {
	buf := make([]byte, 4)
	PutReal(buf, 0, v)
	return buf
}

// Int16 decodes a 16-bit signed integer (big-endian) at the given offset.
func Int16(buf []byte, offset int) int16 {
	return int16(binary.BigEndian.Uint16(buf[offset:]))
}

// PutInt16 encodes a 16-bit signed integer (big-endian) at the given offset.
func PutInt16(buf []byte, offset int, v int16) {
	binary.BigEndian.PutUint16(buf[offset:], uint16(v))
}

// EncodeInt16 returns the 2-byte big-endian encoding of v.
func EncodeInt16(v int16) []byte {
	buf := make([]byte, 2)
	PutInt16(buf, 0, v)
	return buf
}

// Bit reports whether the given bit (0-7) is set in the byte at offset.
func Bit(buf []byte, offset int, bit uint) bool {
	return buf[offset]&(1<<bit) != 0
}

// SetBit returns b with the given bit (0-7) set or cleared. The other seven
// bits are preserved exactly; this is the primitive behind every
// read-modify-write of the bit-packed command bytes.
func SetBit(b byte, bit uint, v bool) byte {
	if v {
		return b | (1 << bit)
	}
	return b &^ (1 << bit)
}
