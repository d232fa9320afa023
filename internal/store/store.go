// ABOUTME: Persistence of the blocks map and operator nick across restarts
// ABOUTME: Both files are rewritten atomically: write to a temp file, then rename over the target
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chorusmesh/harmonia/internal/block"
)

const (
	blocksFileName = "harmonia_state.bson"
	nickFileName   = "harmonia_nick.txt"
)

// CacheDir returns (creating if necessary) the directory Harmonia persists
// its state into: the OS user cache directory, in a "harmonia" subdirectory.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("store: resolving cache dir: %w", err)
	}
	dir := filepath.Join(base, "harmonia")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: creating cache dir: %w", err)
	}
	return dir, nil
}

// wireBlock is block.Block's on-disk shape. block.Content is an interface,
// so it can't be handed to bson directly; Kind plus the two source structs
// (only one ever populated) stand in for it.
type wireBlock struct {
	ID      block.ID `bson:"id"`
	Order   *int     `bson:"order,omitempty"`
	Group   string   `bson:"group"`
	Keybind string   `bson:"keybind"`
	Kind    string   `bson:"kind"`

	MIDI *wireMIDISource         `bson:"midi,omitempty"`
	SHM  *wireSharedMemorySource `bson:"shm,omitempty"`
}

type wireMIDISource struct {
	Bytes    []byte `bson:"bytes"`
	FileName string `bson:"file_name"`
	Port     int    `bson:"port"`
}

type wireSharedMemorySource struct {
	Path string `bson:"path"`
}

func toWire(b block.Block) (wireBlock, error) {
	w := wireBlock{ID: b.ID, Order: b.Order, Group: b.Group, Keybind: b.Keybind}
	switch src := b.Content.(type) {
	case block.MIDISource:
		w.Kind = "midi"
		w.MIDI = &wireMIDISource{Bytes: src.Bytes, FileName: src.FileName, Port: src.Port}
	case block.SharedMemorySource:
		w.Kind = "shm"
		w.SHM = &wireSharedMemorySource{Path: src.Path}
	default:
		return wireBlock{}, fmt.Errorf("store: block %s has unrecognized content type %T", b.ID, b.Content)
	}
	return w, nil
}

func fromWire(w wireBlock) (block.Block, error) {
	b := block.Block{ID: w.ID, Order: w.Order, Group: w.Group, Keybind: w.Keybind}
	switch w.Kind {
	case "midi":
		if w.MIDI == nil {
			return block.Block{}, fmt.Errorf("store: block %s marked midi but has no midi payload", w.ID)
		}
		b.Content = block.MIDISource{Bytes: w.MIDI.Bytes, FileName: w.MIDI.FileName, Port: w.MIDI.Port}
	case "shm":
		if w.SHM == nil {
			return block.Block{}, fmt.Errorf("store: block %s marked shm but has no shm payload", w.ID)
		}
		b.Content = block.SharedMemorySource{Path: w.SHM.Path}
	default:
		return block.Block{}, fmt.Errorf("store: block %s has unrecognized kind %q", w.ID, w.Kind)
	}
	return b, nil
}

// SaveBlocks persists blocks as BSON to <cache dir>/harmonia_state.bson,
// rewriting the file atomically.
func SaveBlocks(blocks map[block.ID]block.Block) error {
	dir, err := CacheDir()
	if err != nil {
		return err
	}

	wireBlocks := make(map[block.ID]wireBlock, len(blocks))
	for id, b := range blocks {
		w, err := toWire(b)
		if err != nil {
			return err
		}
		wireBlocks[id] = w
	}

	data, err := bson.Marshal(wireBlocks)
	if err != nil {
		return fmt.Errorf("store: marshaling blocks: %w", err)
	}
	return writeAtomic(filepath.Join(dir, blocksFileName), data)
}

// LoadBlocks reads the previously persisted blocks map. A missing file is
// not an error: it reports an empty map, matching a first run with nothing
// to recollect.
func LoadBlocks() (map[block.ID]block.Block, error) {
	dir, err := CacheDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, blocksFileName))
	if os.IsNotExist(err) {
		return map[block.ID]block.Block{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading blocks file: %w", err)
	}

	var wireBlocks map[block.ID]wireBlock
	if err := bson.Unmarshal(data, &wireBlocks); err != nil {
		return nil, fmt.Errorf("store: unmarshaling blocks: %w", err)
	}

	blocks := make(map[block.ID]block.Block, len(wireBlocks))
	for id, w := range wireBlocks {
		b, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		blocks[id] = b
	}
	return blocks, nil
}

// SaveNick persists the operator's chosen display name to
// <cache dir>/harmonia_nick.txt, rewriting it atomically.
func SaveNick(nick string) error {
	dir, err := CacheDir()
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, nickFileName), []byte(nick))
}

// LoadNick reads the previously persisted nick. A missing file reports an
// empty string, not an error.
func LoadNick() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(dir, nickFileName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: reading nick file: %w", err)
	}
	return string(bytes.TrimSpace(data)), nil
}

// writeAtomic writes data to a temp file in the same directory as path,
// then renames it over path. The rename is atomic on every OS Harmonia
// targets, so a reader never observes a partially written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: renaming temp file into place: %w", err)
	}
	return nil
}
