// ABOUTME: Group membership convergence: earliest ghost-time timestamp wins, no leader, no version vector
// ABOUTME: Re-broadcasts the current claim every TimeoutDuration while a group is active
package group

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/transport"
	"github.com/chorusmesh/harmonia/internal/wire"
)

// TimeoutDuration is how often an active group membership is re-broadcast.
const TimeoutDuration = 50 * time.Millisecond

// ErrGroupIDTooLong is returned by Start/Join when the group label exceeds
// wire.MaxGroupIDLength bytes. This is a distinct error kind: it makes no
// partial state change.
var ErrGroupIDTooLong = errors.New("group: group id exceeds 15 bytes")

// claim is this negotiator's view of "who is canonically in the current
// group".
type claim struct {
	frame wire.Frame
}

// Negotiator implements the group protocol's convergence state machine.
// Its state is current ∈ {None, Some(claim)}.
type Negotiator struct {
	tr    *transport.Transport
	clock *beatclock.Clock

	mu      sync.Mutex
	current *claim

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnAdopt, if set, is called whenever this host's current claim
	// changes (including becoming None). It must not block.
	OnAdopt func(groupID string, active bool)
}

// New constructs a Negotiator.
func New(tr *transport.Transport, clock *beatclock.Clock) *Negotiator {
	return &Negotiator{tr: tr, clock: clock}
}

// Run starts the re-broadcast and inbound-processing loops. Call after
// tr.Start.
func (n *Negotiator) Run(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(2)
	go n.broadcastLoop()
	go n.listenLoop()
}

// Quit stops the negotiator's background loops without touching the
// underlying transport, which may be shared with other consumers.
func (n *Negotiator) Quit() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Start begins this host's own claim to group. An empty group is a
// solo-start: current becomes Some locally but no multicast frame is ever
// emitted, since a solo performer has nothing to converge with. Either way,
// the local beat is reset so that beat 0 falls on the first quantum boundary
// at or after the current instant: Start always means "we are the first
// word on this group's timeline", never a join.
func (n *Negotiator) Start(group string) error {
	if len(group) > wire.MaxGroupIDLength {
		return ErrGroupIDTooLong
	}

	nowGhost := n.clock.ClockMicros()
	f := wire.NewFrame(group, nowGhost)

	n.clock.RequestBeatAtTime(n.clock.GhostToHost(nowGhost), 0, beatclock.Quantum)

	n.mu.Lock()
	n.current = &claim{frame: f}
	n.mu.Unlock()

	if group != "" {
		n.tr.Send(f.Encode())
	}
	n.notify(group, true)
	return nil
}

// Join is operationally identical to Start: there is no separate "ask to
// join" handshake, because there is no leader to ask. A host joins a group
// by racing to claim it with its own timestamp; whichever claim has the
// earliest ghost time naturally propagates and is adopted by every other
// member via listenLoop.
func (n *Negotiator) Join(group string) error {
	return n.Start(group)
}

// Stop clears this host's current claim and stops re-broadcasting it.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	wasActive := n.current != nil
	n.current = nil
	n.mu.Unlock()

	if wasActive {
		n.notify("", false)
	}
}

// Current returns the group label this host currently claims, and whether
// any claim is active at all.
func (n *Negotiator) Current() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return "", false
	}
	return n.current.frame.GroupIDString(), true
}

func (n *Negotiator) notify(group string, active bool) {
	if n.OnAdopt != nil {
		n.OnAdopt(group, active)
	}
}

func (n *Negotiator) broadcastLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(TimeoutDuration)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			c := n.current
			n.mu.Unlock()
			if c != nil && c.frame.GroupIDString() != "" {
				n.tr.Send(c.frame.Encode())
			}
		}
	}
}

func (n *Negotiator) listenLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case dg := <-n.tr.Inbound():
			n.handle(dg.Data)
		}
	}
}

func (n *Negotiator) handle(data []byte) {
	if !wire.IsSupported(data) {
		log.Printf("group: dropping unsupported %d-byte datagram", len(data))
		return // unsupported magic/version: dropped, never reaches adoption logic
	}
	f, err := wire.Decode(data)
	if err != nil {
		log.Printf("group: dropping malformed frame: %v", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current == nil {
		return // not tracking any group: nothing to converge
	}
	if f.GroupIDString() != n.current.frame.GroupIDString() {
		return // frame for a group we have not claimed
	}

	incoming := claim{frame: f}
	if shouldAdopt(incoming, *n.current) {
		n.realign(f)
		n.current = &claim{frame: f}
		n.notify(f.GroupIDString(), true)
	}
}

// realign shifts this host's committed beat origin so its running beat
// matches the phase of the peer whose frame we are adopting: convert the
// peer's ghost-time claim to our own host-time domain, capture the beat it
// implies versus the beat we're at right now, and request that difference
// as our new origin. Without this, adopting a peer's claim only changes
// which frame we re-broadcast — the local beat never actually moves to
// match theirs.
func (n *Negotiator) realign(f wire.Frame) {
	tForeign := n.clock.GhostToHost(f.Timestamp)
	nowHost := n.clock.HostMicros()
	bForeign := n.clock.BeatAtTime(tForeign)
	bNow := n.clock.BeatAtTime(nowHost)
	n.clock.RequestBeatAtTime(nowHost, bNow-bForeign, beatclock.Quantum)
}

// shouldAdopt reports whether incoming should replace current as this
// host's canonical claim. The earlier ghost-time timestamp always wins.
// An exact tie is left unresolved on purpose: two hosts claiming the same
// group at the same ghost-time microsecond simply coexist without either
// adopting the other. A future version may define a deterministic
// transition for that case; this one does not.
func shouldAdopt(incoming, current claim) bool {
	return incoming.frame.Timestamp < current.frame.Timestamp
}
