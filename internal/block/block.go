// ABOUTME: Data model for playable content blocks
// ABOUTME: Content-addressed IDs, group labels, and MIDI/shared-memory sources
package block

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/chorusmesh/harmonia/internal/wire"
)

// MaxGroupIDLength is the largest group label that fits in a wire.Frame.
const MaxGroupIDLength = wire.MaxGroupIDLength

// ID uniquely identifies a Block. It is a type-tagged content hash, e.g.
// "midi-3fa...": the tag tells a reader what kind of content produced it
// without needing to look the block up.
type ID string

// Content is the payload a Block plays. It is one of MIDISource or
// SharedMemorySource.
type Content interface {
	isContent()
	// Name is a human readable label for display purposes.
	Name() string
}

// MIDISource is a Standard MIDI File to be played on an output port.
type MIDISource struct {
	Bytes    []byte
	FileName string
	// Port indexes into the host's MIDI output port list. It is
	// 0-initialized on upload and resolved against the live port list at
	// play time.
	Port int
}

func (MIDISource) isContent() {}

// Name returns the original uploaded file name.
func (m MIDISource) Name() string { return m.FileName }

// SharedMemorySource publishes a running beat value into a named shared
// memory region instead of driving a MIDI output.
type SharedMemorySource struct {
	Path string
}

func (SharedMemorySource) isContent() {}

// Name returns the shared memory region's path.
func (s SharedMemorySource) Name() string { return s.Path }

// Block is anything that can be played through the engine.
type Block struct {
	ID      ID
	Order   *int
	Group   string
	Keybind string
	Content Content
}

// ErrTimecodeUnsupported is returned by ParseSMF when a file uses SMPTE
// timecode timing rather than metrical (ticks-per-quarter-note) timing.
var ErrTimecodeUnsupported = errors.New("block: timecode-timed SMF files are not supported")

// ErrGroupIDTooLong names a group label longer than MaxGroupIDLength bytes.
// No function in this package returns it: ValidateGroup truncates instead,
// and strict rejection at play time uses internal/group's own
// ErrGroupIDTooLong.
var ErrGroupIDTooLong = errors.New("block: group id exceeds 15 bytes")

// NewMIDIBlockID derives a stable identifier for raw SMF bytes.
func NewMIDIBlockID(data []byte) ID {
	return ID("midi-" + contentHash(data))
}

// NewSharedMemoryBlockID derives a stable identifier for a shared memory
// path. The path, not file contents, is what is addressed: two blocks
// naming the same region are the same block.
func NewSharedMemoryBlockID(path string) ID {
	return ID("shm-" + contentHash([]byte(path)))
}

func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:10]) // 20 hex chars, plenty for collision avoidance at this scale
}

// ParseSMF decodes raw Standard MIDI File bytes and returns the file along
// with its ticks-per-quarter-note resolution. Timecode-timed files are
// rejected: Harmonia's scheduler only understands metrical time.
func ParseSMF(data []byte) (*smf.SMF, uint16, error) {
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("block: parse SMF: %w", err)
	}
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, 0, ErrTimecodeUnsupported
	}
	return s, uint16(ticks), nil
}

// ValidateGroup truncates group to the largest UTF-8-safe prefix that fits
// in MaxGroupIDLength bytes. It never rejects outright; strict rejection at
// play time is the negotiator's job (see internal/group).
func ValidateGroup(group string) string {
	if len(group) <= MaxGroupIDLength {
		return group
	}
	cut := MaxGroupIDLength
	for cut > 0 && !utf8.RuneStart(group[cut]) {
		cut--
	}
	return group[:cut]
}
