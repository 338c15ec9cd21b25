package device

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/livewire/internal/audio"
)

// MockDevice is a synthetic microphone and a discarding speaker, used when no
// audio hardware is configured. Capture alternates a 440Hz tone with silence
// so the voice activity detector sees utterances end.
type MockDevice struct {
	sampleRate int
	chunk      time.Duration
	tone       time.Duration
	silence    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	played atomic.Int64
}

func NewMockDevice(sampleRate int, chunk time.Duration) *MockDevice {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultInputSampleRate
	}
	if chunk <= 0 {
		chunk = 40 * time.Millisecond
	}
	return &MockDevice{
		sampleRate: sampleRate,
		chunk:      chunk,
		tone:       time.Second,
		silence:    1500 * time.Millisecond,
	}
}

func (d *MockDevice) SampleRate() int { return d.sampleRate }

func (d *MockDevice) StartCapture(onBuffer func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyCapturing
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.generate(ctx, d.done, onBuffer)
	return nil
}

func (d *MockDevice) generate(ctx context.Context, done chan struct{}, onBuffer func([]float32)) {
	defer close(done)
	ticker := time.NewTicker(d.chunk)
	defer ticker.Stop()
	period := d.tone + d.silence
	n := int(int64(d.sampleRate) * int64(d.chunk) / int64(time.Second))
	var elapsed time.Duration
	var phase float64
	step := 2 * math.Pi * 440 / float64(d.sampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame := make([]float32, n)
		if elapsed%period < d.tone {
			for i := range frame {
				frame[i] = float32(0.3 * math.Sin(phase))
				phase += step
			}
		}
		elapsed += d.chunk
		onBuffer(frame)
	}
}

func (d *MockDevice) StopCapture() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Play discards pcm and counts it.
func (d *MockDevice) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.played.Add(int64(len(pcm)))
	return nil
}

// PlayedBytes reports how much audio Play has accepted.
func (d *MockDevice) PlayedBytes() int64 { return d.played.Load() }
