// ABOUTME: Tests for beat/time conversion math
package beatclock

import "testing"

func TestBeatAtTimeAtOrigin(t *testing.T) {
	s := SessionState{Tempo: 120, BeatOrigin: 1_000_000}
	if got := s.BeatAtTime(1_000_000); got != 0 {
		t.Errorf("expected 0 beats at origin, got %v", got)
	}
}

func TestBeatAtTimeOneSecondAt120BPM(t *testing.T) {
	// 120 BPM = 2 beats per second.
	s := SessionState{Tempo: 120, BeatOrigin: 0}
	got := s.BeatAtTime(1_000_000)
	if got != 2 {
		t.Errorf("expected 2 beats after 1s at 120bpm, got %v", got)
	}
}

func TestTimeAtBeatRoundTrips(t *testing.T) {
	s := SessionState{Tempo: 90, BeatOrigin: 500_000}
	beat := 3.5
	ghost := s.TimeAtBeat(beat)
	got := s.BeatAtTime(ghost)
	if diff := got - beat; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected round trip to %v beats, got %v", beat, got)
	}
}

func TestCaptureReturnsIndependentCopy(t *testing.T) {
	c := &Clock{state: SessionState{Tempo: 100}}
	snap := c.Capture()
	snap.Tempo = 1

	if c.Capture().Tempo != 100 {
		t.Error("expected Capture to return a copy, not a live reference")
	}
}

func TestCommitReplacesState(t *testing.T) {
	c := &Clock{state: SessionState{Tempo: 100}}
	c.Commit(SessionState{Tempo: 140, IsPlaying: true})

	got := c.Capture()
	if got.Tempo != 140 || !got.IsPlaying {
		t.Errorf("expected committed state to stick, got %+v", got)
	}
}

func TestRequestBeatAtTimeAlignsOriginToRequestedBeat(t *testing.T) {
	c := &Clock{state: SessionState{Tempo: 120, BeatOrigin: 0}}

	c.RequestBeatAtTime(5_000_000, 0, 1.0)

	got := c.Capture().BeatAtTime(5_000_000)
	if diff := got; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected beat 0 at the requested time, got %v", got)
	}
}
