// ABOUTME: Facade over the beat-clock session exposing host/ghost time conversion and capture/commit tempo state
// ABOUTME: Mirrors the capture-mutate-commit pattern of Ableton Link's AppSessionState
package beatclock

import (
	"math"
	"sync"

	"github.com/chorusmesh/harmonia/internal/linksession"
)

// DefaultTempo is assumed for a freshly created, never-played session.
const DefaultTempo = 120.0

// Quantum is the reference beat length used by every beat_at_time /
// request_beat_at_time call in this system.
const Quantum = 1.0

// SessionState is a point-in-time snapshot of the shared tempo/beat mapping.
// It is captured, mutated locally, and committed back — never mutated in
// place while other goroutines might observe it.
type SessionState struct {
	Tempo      float64
	BeatOrigin int64 // host-time microseconds corresponding to beat 0
	IsPlaying  bool
}

// BeatAtTime returns the (unwrapped) beat count at the given host time.
func (s SessionState) BeatAtTime(hostMicros int64) float64 {
	elapsedSec := float64(hostMicros-s.BeatOrigin) / 1e6
	return elapsedSec * (s.Tempo / 60.0)
}

// TimeAtBeat returns the host-time microseconds at which the given beat
// occurs under this state's tempo and origin.
func (s SessionState) TimeAtBeat(beat float64) int64 {
	elapsedSec := beat / (s.Tempo / 60.0)
	return s.BeatOrigin + int64(elapsedSec*1e6)
}

// Clock is the facade internal/group, internal/engine and internal/playback
// hold onto. It never touches sockets itself; internal/linksession does.
type Clock struct {
	session *linksession.Session

	mu    sync.RWMutex
	state SessionState
}

// New wraps session with a freshly initialized, not-yet-playing tempo state.
func New(session *linksession.Session) *Clock {
	return &Clock{
		session: session,
		state:   SessionState{Tempo: DefaultTempo},
	}
}

// ClockMicros returns the current host-local time translated to ghost time.
// This is the value that belongs on the wire: peers compare timestamps in
// this domain, never in raw host time.
func (c *Clock) ClockMicros() int64 {
	return c.session.GhostTime()
}

// HostMicros returns this process's own monotonic clock, the domain all
// beat_at_time/request_beat_at_time calls operate in.
func (c *Clock) HostMicros() int64 {
	return c.session.HostTime()
}

// HostToGhost converts a host-time instant to the shared ghost-time domain,
// e.g. to put a locally-computed timestamp on the wire.
func (c *Clock) HostToGhost(hostMicros int64) int64 {
	return c.session.HostToGhost(hostMicros)
}

// GhostToHost converts a peer-supplied ghost-time instant (as carried on a
// GroupFrame) into this host's own local time domain, so it can be compared
// against BeatAtTime/RequestBeatAtTime results.
func (c *Clock) GhostToHost(ghostMicros int64) int64 {
	return c.session.GhostToHost(ghostMicros)
}

// NumPeers reports how many other hosts are currently converged with us.
func (c *Clock) NumPeers() int {
	return c.session.NumPeers()
}

// Enable turns LAN clock participation on or off.
func (c *Clock) Enable(v bool) { c.session.Enable(v) }

// IsEnabled reports whether this clock currently participates in LAN
// convergence.
func (c *Clock) IsEnabled() bool { return c.session.IsEnabled() }

// Capture returns a copy of the current session state for a caller to
// inspect or mutate before Commit.
func (c *Clock) Capture() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Commit atomically replaces the session state.
func (c *Clock) Commit(s SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// BeatAtTime reports the current state's beat count at hostMicros.
func (c *Clock) BeatAtTime(hostMicros int64) float64 {
	return c.Capture().BeatAtTime(hostMicros)
}

// RequestBeatAtTime adjusts the committed state's origin so that, at the
// next quantum boundary on or after hostMicros, the running beat count
// equals beat. This is how a playback loop aligns its own beat-zero to the
// group's shared phase before starting.
func (c *Clock) RequestBeatAtTime(hostMicros int64, beat float64, quantum float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	aligned := hostMicros
	if quantum > 0 {
		cur := c.state.BeatAtTime(hostMicros)
		phase := math.Mod(cur, quantum)
		if phase < 0 {
			phase += quantum
		}
		if phase > 1e-9 {
			remaining := quantum - phase
			aligned += int64(remaining / (c.state.Tempo / 60.0) * 1e6)
		}
	}

	elapsedSec := beat / (c.state.Tempo / 60.0)
	c.state.BeatOrigin = aligned - int64(elapsedSec*1e6)
}
