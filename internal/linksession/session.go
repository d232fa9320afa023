// ABOUTME: LAN wall-clock convergence for Harmonia's beat clock
// ABOUTME: Generalizes the NTP-style offset smoothing in internal/sync to a leaderless multicast peer set
package linksession

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorusmesh/harmonia/internal/transport"
)

// BeaconInterval is how often a Session advertises its ghost time to peers.
const BeaconInterval = 500 * time.Millisecond

// PeerTimeout is how long a peer is considered present after its last beacon.
const PeerTimeout = 3 * BeaconInterval

// Session maintains a shared "ghost time" across every host running
// Harmonia on the LAN. There is no leader: a host with no peers simply
// free-runs its own monotonic clock; the first peer it hears from becomes
// its reference epoch, mirroring the group protocol's own "earliest
// timestamp wins" philosophy applied to clock convergence instead of group
// membership.
type Session struct {
	tr     *transport.Transport
	hostID uuid.UUID

	mu      sync.RWMutex
	epoch   time.Time
	offset  int64 // microseconds added to local monotonic time to produce ghost time
	synced  bool
	enabled bool
	peers   map[uuid.UUID]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Session bound to tr (expected to be dedicated to the
// beat-clock's own multicast address, distinct from the group protocol's).
func New(tr *transport.Transport, hostID uuid.UUID) *Session {
	return &Session{
		tr:      tr,
		hostID:  hostID,
		epoch:   time.Now(),
		enabled: true,
		peers:   make(map[uuid.UUID]time.Time),
	}
}

// Start begins beaconing and listening. Call after tr.Start.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.beaconLoop()
	go s.listenLoop()
	go s.pruneLoop()
}

// Close stops all background loops.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Enable turns beaconing and offset adoption on or off. A disabled Session
// still reports a (free-running, unsynced) ghost time, matching
// --disable-link's effect of making a host play solo.
func (s *Session) Enable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
	if !v {
		s.peers = make(map[uuid.UUID]time.Time)
	}
}

// IsEnabled reports whether this session participates in LAN convergence.
func (s *Session) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// GhostTime returns the current shared clock value in microseconds.
func (s *Session) GhostTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.epoch).Microseconds() + s.offset
}

// HostTime returns this process's own monotonic clock in microseconds,
// unaffected by the peer offset GhostTime applies. Beat math runs in this
// domain; only wire frame timestamps use GhostTime.
func (s *Session) HostTime() int64 {
	return time.Since(s.epoch).Microseconds()
}

// HostToGhost converts a host-time instant to the shared ghost-time domain.
func (s *Session) HostToGhost(hostMicros int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hostMicros + s.offset
}

// GhostToHost converts a peer-supplied ghost-time instant to this host's
// own local time domain, the inverse of HostToGhost.
func (s *Session) GhostToHost(ghostMicros int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ghostMicros - s.offset
}

// NumPeers returns the count of hosts whose beacons have been heard within
// PeerTimeout.
func (s *Session) NumPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	cutoff := time.Now().Add(-PeerTimeout)
	for _, last := range s.peers {
		if last.After(cutoff) {
			n++
		}
	}
	return n
}

func (s *Session) beaconLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.IsEnabled() {
				continue
			}
			b := beacon{HostID: s.hostID, GhostTime: s.GhostTime()}
			s.tr.Send(b.encode())
		}
	}
}

func (s *Session) listenLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case dg := <-s.tr.Inbound():
			s.handle(dg.Data)
		}
	}
}

func (s *Session) handle(data []byte) {
	b, err := decodeBeacon(data)
	if err != nil {
		return // malformed or foreign datagram: drop silently, never surfaced
	}
	if b.HostID == s.hostID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}

	s.peers[b.HostID] = time.Now()

	if !s.synced {
		// Adopt the first peer heard as our reference epoch: from this
		// point our ghost time tracks theirs rather than free-running.
		s.offset = b.GhostTime - time.Since(s.epoch).Microseconds()
		s.synced = true
		log.Printf("linksession: synced to peer %s", b.HostID)
	}
}

func (s *Session) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(PeerTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

// prune forgets every peer not heard from within PeerTimeout.
func (s *Session) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-PeerTimeout)
	for id, last := range s.peers {
		if last.Before(cutoff) {
			delete(s.peers, id)
		}
	}
}
