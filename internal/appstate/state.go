// ABOUTME: Process-wide shared state: every field independently lock-guarded, never one monitor lock
// ABOUTME: Snapshot() gives HTTP/WS consumers a lock-consistent read without holding a lock across I/O
package appstate

import (
	"sync"
	"sync/atomic"

	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/engine"
	"github.com/chorusmesh/harmonia/internal/group"
)

// Progress reports how far the current playback has gotten. Both fields
// are 0 for playback kinds (shared memory) with no intrinsic length.
type Progress struct {
	Done  int
	Total int
}

// State is the single process-wide handle every other package is wired
// against. Consumers must never hold a write lock across a suspension
// point that could call back into the same field.
type State struct {
	Clock      *beatclock.Clock
	Engine     *engine.Engine
	Negotiator *group.Negotiator

	blocksMu sync.RWMutex
	blocks   map[block.ID]block.Block

	portsMu sync.RWMutex
	ports   []string

	nowPlaying atomic.Value // string, always holds a string once set

	progressMu sync.RWMutex
	progress   Progress

	nickMu sync.RWMutex
	nick   string

	abort     chan struct{}
	abortOnce sync.Once
}

// New constructs an empty State wired to the given subsystem handles.
func New(clock *beatclock.Clock, eng *engine.Engine, neg *group.Negotiator) *State {
	s := &State{
		Clock:      clock,
		Engine:     eng,
		Negotiator: neg,
		blocks:     make(map[block.ID]block.Block),
		abort:      make(chan struct{}),
	}
	s.nowPlaying.Store("")
	return s
}

// Snapshot is a point-in-time, lock-consistent read-only view for the
// HTTP/WS layer. It is assembled under independent locks, never a single
// combined one, so no single field blocks the others.
type Snapshot struct {
	Blocks     map[block.ID]block.Block
	Ports      []string
	NowPlaying string
	Progress   Progress
	Nick       string
	NumPeers   int
	GroupID    string
	InGroup    bool
}

// Snapshot returns a copy of every field. Callers may use the result freely
// without further locking.
func (s *State) Snapshot() Snapshot {
	groupID, inGroup := "", false
	if s.Negotiator != nil {
		groupID, inGroup = s.Negotiator.Current()
	}
	numPeers := 0
	if s.Clock != nil {
		numPeers = s.Clock.NumPeers()
	}

	return Snapshot{
		Blocks:     s.blocksSnapshot(),
		Ports:      s.Ports(),
		NowPlaying: s.NowPlaying(),
		Progress:   s.Progress(),
		Nick:       s.Nick(),
		NumPeers:   numPeers,
		GroupID:    groupID,
		InGroup:    inGroup,
	}
}

// PutBlock inserts or replaces a block by id.
func (s *State) PutBlock(b block.Block) {
	s.blocksMu.Lock()
	s.blocks[b.ID] = b
	s.blocksMu.Unlock()
}

// DeleteBlock removes a block by id. It is a no-op if id is unknown.
func (s *State) DeleteBlock(id block.ID) {
	s.blocksMu.Lock()
	delete(s.blocks, id)
	s.blocksMu.Unlock()
}

// Block looks a block up by id.
func (s *State) Block(id block.ID) (block.Block, bool) {
	s.blocksMu.RLock()
	defer s.blocksMu.RUnlock()
	b, ok := s.blocks[id]
	return b, ok
}

// Resolve adapts Block to engine.Resolver's shape.
func (s *State) Resolve(id block.ID) (block.Block, bool) {
	return s.Block(id)
}

func (s *State) blocksSnapshot() map[block.ID]block.Block {
	s.blocksMu.RLock()
	defer s.blocksMu.RUnlock()
	out := make(map[block.ID]block.Block, len(s.blocks))
	for id, b := range s.blocks {
		out[id] = b
	}
	return out
}

// SetPorts replaces the cached MIDI output port name list.
func (s *State) SetPorts(ports []string) {
	s.portsMu.Lock()
	s.ports = append([]string(nil), ports...)
	s.portsMu.Unlock()
}

// Ports returns a copy of the cached port name list.
func (s *State) Ports() []string {
	s.portsMu.RLock()
	defer s.portsMu.RUnlock()
	return append([]string(nil), s.ports...)
}

// SetNowPlaying records which block id is currently playing, or "" if none.
func (s *State) SetNowPlaying(id block.ID) {
	s.nowPlaying.Store(string(id))
}

// NowPlaying returns the currently playing block id, or "" if none.
func (s *State) NowPlaying() string {
	return s.nowPlaying.Load().(string)
}

// SetProgress records the current playback's progress. Matches
// playback.StatusSink's shape so a *State can be passed directly into
// RunMIDI/RunSHM without either package importing the other.
func (s *State) SetProgress(done, total int) {
	s.progressMu.Lock()
	s.progress = Progress{Done: done, Total: total}
	s.progressMu.Unlock()
}

// Progress returns the current playback's progress.
func (s *State) Progress() Progress {
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	return s.progress
}

// SetNick updates the operator-chosen display name.
func (s *State) SetNick(nick string) {
	s.nickMu.Lock()
	s.nick = nick
	s.nickMu.Unlock()
}

// Nick returns the operator-chosen display name.
func (s *State) Nick() string {
	s.nickMu.RLock()
	defer s.nickMu.RUnlock()
	return s.nick
}

// Abort signals the one-shot "abort requested" notification. Safe to call
// more than once; only the first call has any effect.
func (s *State) Abort() {
	s.abortOnce.Do(func() { close(s.abort) })
}

// Aborted is closed exactly once, when Abort is first called.
func (s *State) Aborted() <-chan struct{} {
	return s.abort
}
