// ABOUTME: MIDI playback loop: schedules a parsed SMF's last track against the shared beat clock
// ABOUTME: Guarantees every held note gets a matching note-off on every exit path, including interrupt
package playback

import (
	"fmt"
	"log"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/chorusmesh/harmonia/internal/beatclock"
	"github.com/chorusmesh/harmonia/internal/block"
)

// Quantum is the beat-phase quantum a new playback aligns its beat-zero to.
const Quantum = beatclock.Quantum

// nominalBeatsToSeconds is the fixed conversion this loop uses to translate
// a beat-count gap into a sleep duration: 120 BPM, i.e. 0.5s per beat. The
// actual beat position still comes from the shared clock's tempo-aware
// SessionState — this constant only governs how aggressively the loop
// catches up to or waits for that position, exactly as upstream Harmonia
// does. Tempo meta events inside the file itself are logged, never applied:
// the shared clock stays the single authority on tempo.
const nominalBeatsToSeconds = 60.0 / 120.0

// RunMIDI parses b's SMF bytes and plays its last track, scheduled against
// clock. It returns once the track ends, interrupt fires, or an
// unrecoverable setup error occurs. Every note turned on by this call is
// guaranteed a matching note-off before RunMIDI returns, regardless of
// which of those three ways it exits. group is asked to Start/Stop around
// the play (unless nil, e.g. in tests); status is kept up to date with
// which block is playing and how far through it we are (unless nil).
func RunMIDI(b block.Block, interrupt *Interrupt, clock *beatclock.Clock, group GroupController, status StatusSink) error {
	src, ok := b.Content.(block.MIDISource)
	if !ok {
		return fmt.Errorf("playback: block %s is not a MIDI source", b.ID)
	}

	smfData, ticksPerQuarter, err := block.ParseSMF(src.Bytes)
	if err != nil {
		return fmt.Errorf("playback: %s: %w", b.ID, err)
	}
	track, err := selectTrack(smfData.Tracks)
	if err != nil {
		return fmt.Errorf("playback: %s: %w", b.ID, err)
	}

	out, err := openOutPort(src.Port)
	if err != nil {
		return fmt.Errorf("playback: %s: %w", b.ID, err)
	}

	// Deferred cleanup runs LIFO, so registering in this order gives the
	// exact cleanup sequence spec'd for C6: group Stop, then note-offs,
	// then close the output, then clear nowPlaying last.
	if status != nil {
		defer status.SetNowPlaying("")
	}
	defer out.Close()
	played := map[uint8]map[uint8]bool{}
	defer releaseHeldNotes(out, played)
	if group != nil {
		defer group.Stop()
	}

	if b.Group == "" {
		clock.RequestBeatAtTime(clock.HostMicros(), 0, Quantum)
	} else if group != nil {
		if err := group.Start(b.Group); err != nil {
			return fmt.Errorf("playback: %s: group start: %w", b.ID, err)
		}
	}

	total := len(track)
	if status != nil {
		status.SetNowPlaying(b.ID)
		status.SetProgress(0, total)
	}

	var absoluteTicks int64
	for i, ev := range track {
		absoluteTicks += int64(ev.Delta)
		targetBeat := float64(absoluteTicks) / float64(ticksPerQuarter)

		if status != nil {
			status.SetProgress(i, total)
		}
		if interrupt.Fired() {
			return nil
		}
		if wait := sleepFor(clock, targetBeat); wait > 0 {
			if interrupt.Sleep(wait) {
				return nil
			}
		}

		msg := ev.Message
		if msg.IsMeta() {
			var bpm float64
			if msg.GetMetaTempo(&bpm) {
				// logged only: the shared clock's tempo stays authoritative.
				log.Printf("playback: %s: ignoring tempo meta event (%.2f BPM)", b.ID, bpm)
			}
			continue
		}

		var ch, key, vel uint8
		switch {
		case msg.GetNoteOn(&ch, &key, &vel):
			if err := out.Send(midi.Message(msg.Bytes())); err != nil {
				log.Printf("playback: %s: send failed: %v", b.ID, err)
				continue // playback-mid-stream error: log and keep going
			}
			if played[ch] == nil {
				played[ch] = make(map[uint8]bool)
			}
			played[ch][key] = true
		case msg.GetNoteOff(&ch, &key, &vel):
			out.Send(midi.Message(msg.Bytes()))
			if played[ch] != nil {
				played[ch][key] = false
			}
		default:
			out.Send(midi.Message(msg.Bytes()))
		}
	}

	return nil
}

// selectTrack picks which of an SMF's tracks gets played: the last one, not
// the first. This is a historical behavior deliberately preserved rather
// than "fixed", since changing it would change which content
// already-uploaded blocks play.
func selectTrack(tracks []smf.Track) (smf.Track, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("SMF has no tracks")
	}
	return tracks[len(tracks)-1], nil
}

func sleepFor(clock *beatclock.Clock, targetBeat float64) time.Duration {
	currentBeat := clock.BeatAtTime(clock.HostMicros())
	gap := targetBeat - currentBeat
	if gap <= 0 {
		return 0
	}
	return time.Duration(gap * nominalBeatsToSeconds * float64(time.Second))
}

func releaseHeldNotes(out sender, played map[uint8]map[uint8]bool) {
	for ch, keys := range played {
		for key, held := range keys {
			if !held {
				continue
			}
			out.Send(midi.NoteOff(ch, key))
		}
	}
}
