// ABOUTME: Tests for the shared-memory beat-publication loop
package playback

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/linksession"
)

type fakeGroupController struct {
	started []string
	stopped int
}

func newFakeGroupController() *fakeGroupController {
	return &fakeGroupController{}
}

func (f *fakeGroupController) Start(group string) error {
	f.started = append(f.started, group)
	return nil
}

func (f *fakeGroupController) Stop() {
	f.stopped++
}

type fakeStatusSink struct {
	nowPlaying []block.ID
	done       []int
	total      []int
}

func (f *fakeStatusSink) SetNowPlaying(id block.ID) {
	f.nowPlaying = append(f.nowPlaying, id)
}

func (f *fakeStatusSink) SetProgress(done, total int) {
	f.done = append(f.done, done)
	f.total = append(f.total, total)
}

func TestRunSHMRejectsNonSharedMemoryBlock(t *testing.T) {
	clock := beatclock.New(linksession.New(nil, uuid.UUID{}))
	interrupt := NewInterrupt()
	interrupt.Fire()

	b := block.Block{ID: "not-shm", Content: block.MIDISource{}}
	if err := RunSHM(b, interrupt, clock, nil, nil); err == nil {
		t.Error("expected an error for a non-shared-memory block")
	}
}

func TestRunSHMWritesBeatUntilInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.bin")

	clock := beatclock.New(linksession.New(nil, uuid.UUID{}))
	interrupt := NewInterrupt()

	done := make(chan error, 1)
	b := block.Block{ID: "shm", Content: block.SharedMemorySource{Path: path}}
	go func() { done <- RunSHM(b, interrupt, clock, nil, nil) }()

	time.Sleep(5 * time.Millisecond)
	interrupt.Fire()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSHM: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunSHM did not return after interrupt")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading shm region: %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("expected an 8-byte region, got %d bytes", len(data))
	}

	beat := math.Float64frombits(binary.LittleEndian.Uint64(data))
	if beat < 0 {
		t.Errorf("expected a non-negative beat, got %v", beat)
	}
}

func TestRunSHMSoloGroupNeverStartsGroupController(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.bin")
	clock := beatclock.New(linksession.New(nil, uuid.UUID{}))
	interrupt := NewInterrupt()
	group := newFakeGroupController()

	done := make(chan error, 1)
	b := block.Block{ID: "shm", Content: block.SharedMemorySource{Path: path}}
	go func() { done <- RunSHM(b, interrupt, clock, group, nil) }()

	time.Sleep(5 * time.Millisecond)
	interrupt.Fire()
	<-done

	if len(group.started) != 0 {
		t.Errorf("expected Start to never be called for an empty group, got %v", group.started)
	}
	if group.stopped != 1 {
		t.Errorf("expected Stop to be called exactly once on cleanup, got %d", group.stopped)
	}
}

func TestRunSHMNonEmptyGroupStartsAndStopsController(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.bin")
	clock := beatclock.New(linksession.New(nil, uuid.UUID{}))
	interrupt := NewInterrupt()
	group := newFakeGroupController()

	done := make(chan error, 1)
	b := block.Block{ID: "shm", Group: "band", Content: block.SharedMemorySource{Path: path}}
	go func() { done <- RunSHM(b, interrupt, clock, group, nil) }()

	time.Sleep(5 * time.Millisecond)
	interrupt.Fire()
	<-done

	if len(group.started) != 1 || group.started[0] != "band" {
		t.Errorf("expected Start(\"band\") once, got %v", group.started)
	}
	if group.stopped != 1 {
		t.Errorf("expected Stop to be called exactly once on cleanup, got %d", group.stopped)
	}
}

func TestRunSHMPublishesAndClearsNowPlaying(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat.bin")
	clock := beatclock.New(linksession.New(nil, uuid.UUID{}))
	interrupt := NewInterrupt()
	status := &fakeStatusSink{}

	done := make(chan error, 1)
	b := block.Block{ID: "shm", Content: block.SharedMemorySource{Path: path}}
	go func() { done <- RunSHM(b, interrupt, clock, nil, status) }()

	time.Sleep(5 * time.Millisecond)
	interrupt.Fire()
	<-done

	if len(status.nowPlaying) != 2 || status.nowPlaying[0] != "shm" || status.nowPlaying[1] != "" {
		t.Errorf("expected nowPlaying to be set then cleared, got %v", status.nowPlaying)
	}
	if len(status.done) == 0 || status.done[0] != 0 || status.total[0] != 0 {
		t.Errorf("expected progress (0,0) to be published, got done=%v total=%v", status.done, status.total)
	}
}
