package training

import "time"

// Frame accumulates episode results between two metric emissions.
type Frame struct {
	episodes int
	lossSum  float64
	accSum   float64
	compute  time.Duration
}

// Record adds one episode to the frame.
func (f *Frame) Record(loss, accuracy float64, compute time.Duration) {
	f.episodes++
	f.lossSum += loss
	f.accSum += accuracy
	f.compute += compute
}

// Len is the number of episodes recorded since the last snapshot.
func (f *Frame) Len() int { return f.episodes }

// Mean returns the running averages without resetting.
func (f *Frame) Mean() (loss, accuracy float64) {
	if f.episodes == 0 {
		return 0, 0
	}
	return f.lossSum / float64(f.episodes), f.accSum / float64(f.episodes)
}

// Snapshot returns the frame averages and resets the frame.
func (f *Frame) Snapshot() FrameSnapshot {
	snap := FrameSnapshot{Episodes: f.episodes}
	snap.Loss, snap.Accuracy = f.Mean()
	if f.compute > 0 {
		snap.EpisodesPerSec = float64(f.episodes) / f.compute.Seconds()
	}
	*f = Frame{}
	return snap
}

// FrameSnapshot represents loggable frame metrics.
type FrameSnapshot struct {
	Episodes       int
	Loss           float64
	Accuracy       float64
	EpisodesPerSec float64
}
