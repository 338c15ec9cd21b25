// Package vad classifies outbound audio frames as speech or silence and
// signals when a speaker has stopped talking.
package vad

import (
	"math"
	"time"
)

const (
	DefaultSilenceThreshold = 0.01
	DefaultTrailingSilence  = time.Second
)

type Config struct {
	// SilenceThreshold is the mean absolute amplitude below which a frame is
	// silent. Samples are expected in [-1, 1].
	SilenceThreshold float64
	// TrailingSilence is how much continuous silence ends an utterance.
	TrailingSilence time.Duration
}

type Result struct {
	IsSpeech       bool
	Energy         float64
	EndOfUtterance bool
}

// Detector is not safe for concurrent use; the capture task owns it.
type Detector struct {
	cfg Config

	seenFrame   bool
	silence     time.Duration
	endSignaled bool
}

func New(cfg Config) *Detector {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.TrailingSilence <= 0 {
		cfg.TrailingSilence = DefaultTrailingSilence
	}
	return &Detector{cfg: cfg}
}

// Classify inspects one frame. Frame duration is derived from the sample count
// so the trailing-silence timer advances with audio time, not wall time.
func (d *Detector) Classify(samples []float32, sampleRate int) Result {
	energy := MeanAbs(samples)
	res := Result{Energy: energy, IsSpeech: energy >= d.cfg.SilenceThreshold}

	first := !d.seenFrame
	d.seenFrame = true

	if res.IsSpeech {
		d.silence = 0
		d.endSignaled = false
		return res
	}

	d.silence += frameDuration(len(samples), sampleRate)
	if first || d.endSignaled {
		return res
	}
	if d.silence >= d.cfg.TrailingSilence {
		d.endSignaled = true
		res.EndOfUtterance = true
	}
	return res
}

// InUtteranceTail reports whether silence has already ended the current
// utterance; callers use it to stop sending silent frames.
func (d *Detector) InUtteranceTail() bool {
	return d.endSignaled
}

func (d *Detector) Reset() {
	d.seenFrame = false
	d.silence = 0
	d.endSignaled = false
}

// MeanAbs returns the mean absolute amplitude of samples.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

func frameDuration(n, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}
