// Package device connects the session to local audio hardware through
// subprocesses, plus a synthetic device for headless runs.
package device

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrAlreadyCapturing = errors.New("device: capture already running")
	ErrEmptyCommand     = errors.New("device: empty command")
)

// Capturer delivers mono float samples in [-1, 1] at SampleRate. onBuffer is
// called from the capture goroutine and must not block for long.
type Capturer interface {
	StartCapture(onBuffer func(samples []float32)) error
	StopCapture() error
	SampleRate() int
}

// Player renders 16-bit little-endian mono PCM.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// SplitCommand breaks a configured command line on whitespace. Quoting is not
// supported; wrap complex pipelines in a script.
func SplitCommand(line string) []string {
	return strings.Fields(line)
}
