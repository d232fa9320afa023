// ABOUTME: Shared-memory playback loop: publishes the current beat into a named
// ABOUTME: mmap'd region on an interval bounded by the interrupt's own poll latency
package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/block"
)

// shmRegionSize is sizeof(f64): the region holds exactly one beat value.
const shmRegionSize = 8

// shmWriteInterval bounds how stale the published beat can be, and doubles
// as the interrupt poll latency for this loop.
const shmWriteInterval = 100 * time.Microsecond

// RunSHM creates (or truncates) a shared region at b's configured path and
// writes the current beat into it as a little-endian float64, in a tight
// loop, until interrupt fires. Progress is always (0,0): this playback kind
// has no notion of a track ending on its own. Group handling and status
// publication mirror RunMIDI: group is nil-safe, as is status.
func RunSHM(b block.Block, interrupt *Interrupt, clock *beatclock.Clock, group GroupController, status StatusSink) error {
	src, ok := b.Content.(block.SharedMemorySource)
	if !ok {
		return fmt.Errorf("playback: block %s is not a shared-memory source", b.ID)
	}

	f, err := os.OpenFile(src.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("playback: %s: open shm region: %w", b.ID, err)
	}

	if status != nil {
		defer status.SetNowPlaying("")
	}
	defer f.Close()
	if group != nil {
		defer group.Stop()
	}

	if err := f.Truncate(shmRegionSize); err != nil {
		return fmt.Errorf("playback: %s: size shm region: %w", b.ID, err)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, shmRegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("playback: %s: mmap shm region: %w", b.ID, err)
	}
	defer unix.Munmap(region)

	if b.Group == "" {
		clock.RequestBeatAtTime(clock.HostMicros(), 0, Quantum)
	} else if group != nil {
		if err := group.Start(b.Group); err != nil {
			return fmt.Errorf("playback: %s: group start: %w", b.ID, err)
		}
	}

	if status != nil {
		status.SetNowPlaying(b.ID)
		status.SetProgress(0, 0)
	}

	for {
		beat := clock.BeatAtTime(clock.HostMicros())
		binary.LittleEndian.PutUint64(region, math.Float64bits(beat))

		if interrupt.Sleep(shmWriteInterval) {
			return nil
		}
	}
}
