// ABOUTME: Tests for session enable/disable and peer bookkeeping
package linksession

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession() *Session {
	return &Session{
		hostID:  uuid.New(),
		epoch:   time.Now(),
		enabled: true,
		peers:   make(map[uuid.UUID]time.Time),
	}
}

func TestDisableClearsPeers(t *testing.T) {
	s := newTestSession()
	s.peers[uuid.New()] = time.Now()

	s.Enable(false)

	if s.IsEnabled() {
		t.Error("expected session disabled")
	}
	if n := s.NumPeers(); n != 0 {
		t.Errorf("expected 0 peers after disable, got %d", n)
	}
}

func TestHandleIgnoresOwnBeacon(t *testing.T) {
	s := newTestSession()
	b := beacon{HostID: s.hostID, GhostTime: 12345}

	s.handle(b.encode())

	if n := s.NumPeers(); n != 0 {
		t.Errorf("expected own beacon to be ignored, got %d peers", n)
	}
}

func TestHandleAdoptsFirstPeerAsEpoch(t *testing.T) {
	s := newTestSession()
	peer := uuid.New()
	b := beacon{HostID: peer, GhostTime: 1_000_000_000}

	s.handle(b.encode())

	if n := s.NumPeers(); n != 1 {
		t.Fatalf("expected 1 peer, got %d", n)
	}
	got := s.GhostTime()
	if got < b.GhostTime-1000 || got > b.GhostTime+1000 {
		t.Errorf("expected ghost time near %d, got %d", b.GhostTime, got)
	}
}

func TestHandleIgnoredWhenDisabled(t *testing.T) {
	s := newTestSession()
	s.Enable(false)
	b := beacon{HostID: uuid.New(), GhostTime: 42}

	s.handle(b.encode())

	if n := s.NumPeers(); n != 0 {
		t.Errorf("expected no peers recorded while disabled, got %d", n)
	}
}

func TestPruneRemovesStalePeers(t *testing.T) {
	s := newTestSession()
	stale := uuid.New()
	fresh := uuid.New()
	s.peers[stale] = time.Now().Add(-2 * PeerTimeout)
	s.peers[fresh] = time.Now()

	s.prune()

	if _, ok := s.peers[stale]; ok {
		t.Error("expected stale peer to be pruned")
	}
	if _, ok := s.peers[fresh]; !ok {
		t.Error("expected fresh peer to remain")
	}
}
