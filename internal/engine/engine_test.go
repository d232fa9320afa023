// ABOUTME: Tests for the engine's single-playback and queue-overflow invariants
package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/playback"
)

func resolverFor(blocks map[block.ID]block.Block) Resolver {
	return func(id block.ID) (block.Block, bool) {
		b, ok := blocks[id]
		return b, ok
	}
}

func TestPlayRunsExactlyOneAtATime(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0

	play := func(b block.Block, interrupt *playback.Interrupt) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		interrupt.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	blocks := map[block.ID]block.Block{
		"a": {ID: "a"},
		"b": {ID: "b"},
	}
	e := New(resolverFor(blocks), play)
	defer e.Quit()

	if err := e.Play("a"); err != nil {
		t.Fatalf("Play(a): %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := e.Play("b"); err != nil {
		t.Fatalf("Play(b): %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 1 {
		t.Errorf("expected at most one active playback, observed %d", maxActive)
	}
}

func TestPlayReturnsErrQueueFullWhenOneAlreadyQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	play := func(b block.Block, interrupt *playback.Interrupt) error {
		close(started)
		<-release
		return nil
	}

	blocks := map[block.ID]block.Block{"a": {ID: "a"}, "b": {ID: "b"}, "c": {ID: "c"}}
	e := New(resolverFor(blocks), play)
	defer func() {
		close(release)
		e.Quit()
	}()

	if err := e.Play("a"); err != nil {
		t.Fatalf("Play(a): %v", err)
	}
	<-started // "a" is now occupying the worker

	if err := e.Play("b"); err != nil {
		t.Fatalf("Play(b) should have queued, got: %v", err)
	}
	if err := e.Play("c"); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestInterruptStopsInFlightPlayback(t *testing.T) {
	stopped := make(chan struct{})
	play := func(b block.Block, interrupt *playback.Interrupt) error {
		interrupt.Sleep(time.Second)
		close(stopped)
		return nil
	}

	blocks := map[block.ID]block.Block{"a": {ID: "a"}}
	e := New(resolverFor(blocks), play)
	defer e.Quit()

	if err := e.Play("a"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	e.Interrupt()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected interrupt to stop playback promptly")
	}
}

func TestPlayUnknownBlockIsANoOp(t *testing.T) {
	called := false
	play := func(b block.Block, interrupt *playback.Interrupt) error {
		called = true
		return nil
	}
	e := New(resolverFor(nil), play)
	defer e.Quit()

	if err := e.Play("missing"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Error("expected play not to be invoked for an unknown block")
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	e := New(resolverFor(nil), func(block.Block, *playback.Interrupt) error { return nil })
	e.Quit()
	e.Quit() // must not block or panic
}
