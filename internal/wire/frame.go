// ABOUTME: Wire codec for group protocol datagrams
// ABOUTME: Fixed 28-byte little-endian frames exchanged over UDP multicast
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxGroupIDLength is the number of bytes reserved for a group label in a
// Frame's wire encoding.
const MaxGroupIDLength = 15

// FrameSize is the exact encoded size of a Frame in bytes.
const FrameSize = 4 + 1 + MaxGroupIDLength + 8

var magic = [4]byte{'g', 'r', 'u', 'p'}

// Version is the only group frame version this implementation understands.
const Version uint8 = 1

// Frame is a group protocol datagram: a claim that the sender started (or
// is still playing within) a named group at a given ghost-time timestamp.
type Frame struct {
	GroupID   [15]byte
	Timestamp int64 // ghost-time microseconds
}

// NewFrame zero-pads group to 15 bytes. Callers are expected to have already
// validated len(group) <= 15 (see block.ValidateGroup / ErrGroupIDTooLong).
func NewFrame(group string, timestamp int64) Frame {
	var f Frame
	copy(f.GroupID[:], group)
	f.Timestamp = timestamp
	return f
}

// GroupIDString trims the trailing zero padding and decodes the group label.
func (f Frame) GroupIDString() string {
	return string(bytes.TrimRight(f.GroupID[:], "\x00"))
}

// Encode serializes f into exactly FrameSize bytes: magic, version, group id,
// ghost-time timestamp, all little-endian, fixed field order. This is a
// field-by-field encoding rather than a reflective one so the wire layout
// never drifts when the struct is refactored.
func (f Frame) Encode() []byte {
	buf := make([]byte, FrameSize)
	copy(buf[0:4], magic[:])
	buf[4] = Version
	copy(buf[5:20], f.GroupID[:])
	binary.LittleEndian.PutUint64(buf[20:28], uint64(f.Timestamp))
	return buf
}

// Decode parses buf into a Frame. It returns an error for anything that
// isn't exactly FrameSize bytes of a supported magic+version; malformed
// datagrams are the caller's (the group negotiator's) responsibility to
// drop and log, never to act on.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, fmt.Errorf("wire: frame is %d bytes, want %d", len(buf), FrameSize)
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return Frame{}, fmt.Errorf("wire: bad magic %q", buf[0:4])
	}
	if buf[4] != Version {
		return Frame{}, fmt.Errorf("wire: unsupported version %d", buf[4])
	}
	var f Frame
	copy(f.GroupID[:], buf[5:20])
	f.Timestamp = int64(binary.LittleEndian.Uint64(buf[20:28]))
	return f, nil
}

// IsSupported reports whether buf looks like a frame this version of
// Harmonia understands, without fully decoding it. The group negotiator uses
// this to drop unsupported datagrams before they ever reach Decode.
func IsSupported(buf []byte) bool {
	return len(buf) == FrameSize && bytes.Equal(buf[0:4], magic[:]) && buf[4] == Version
}
