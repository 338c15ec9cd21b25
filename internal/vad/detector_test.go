package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

const testRate = 16000

// frame40ms returns a 40ms frame at testRate filled with amp.
func frame40ms(amp float32) []float32 {
	f := make([]float32, testRate/25)
	for i := range f {
		if i%2 == 0 {
			f[i] = amp
		} else {
			f[i] = -amp
		}
	}
	return f
}

func TestClassifyEnergy(t *testing.T) {
	d := New(Config{})
	res := d.Classify(frame40ms(0.2), testRate)
	if !res.IsSpeech {
		t.Fatalf("IsSpeech = false, want true")
	}
	assert.InDelta(t, 0.2, res.Energy, 1e-6)

	res = d.Classify(frame40ms(0.001), testRate)
	if res.IsSpeech {
		t.Fatalf("IsSpeech = true, want false")
	}
}

func TestEndOfUtteranceFiresOnceAfterThreshold(t *testing.T) {
	d := New(Config{TrailingSilence: time.Second})
	d.Classify(frame40ms(0.3), testRate)

	signals := 0
	for i := 0; i < 60; i++ { // 2.4s of silence
		if d.Classify(frame40ms(0), testRate).EndOfUtterance {
			signals++
			if i != 24 {
				t.Fatalf("signal at frame %d, want frame 24 (1s of silence)", i)
			}
		}
	}
	if signals != 1 {
		t.Fatalf("signals = %d, want 1", signals)
	}
	if !d.InUtteranceTail() {
		t.Fatalf("InUtteranceTail() = false, want true")
	}
}

func TestSpeechFrameResetsTrailingSilence(t *testing.T) {
	d := New(Config{TrailingSilence: time.Second})
	d.Classify(frame40ms(0.3), testRate)
	for i := 0; i < 20; i++ { // 800ms
		if d.Classify(frame40ms(0), testRate).EndOfUtterance {
			t.Fatalf("unexpected signal before threshold")
		}
	}
	d.Classify(frame40ms(0.3), testRate)
	for i := 0; i < 20; i++ {
		if d.Classify(frame40ms(0), testRate).EndOfUtterance {
			t.Fatalf("signal not suppressed by interleaved speech frame")
		}
	}
}

func TestFirstFrameNeverEndsUtterance(t *testing.T) {
	d := New(Config{TrailingSilence: 10 * time.Millisecond})
	if d.Classify(frame40ms(0), testRate).EndOfUtterance {
		t.Fatalf("first frame signaled end of utterance")
	}
	if !d.Classify(frame40ms(0), testRate).EndOfUtterance {
		t.Fatalf("second silent frame past threshold should signal")
	}
}

func TestPropertySingleSignalPerSilenceRun(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := New(Config{TrailingSilence: time.Second})
		lead := rapid.IntRange(0, 10).Draw(rt, "leadSpeech")
		for i := 0; i < lead; i++ {
			d.Classify(frame40ms(0.5), testRate)
		}
		silent := rapid.IntRange(26, 200).Draw(rt, "silentFrames")
		signals := 0
		for i := 0; i < silent; i++ {
			if d.Classify(frame40ms(0), testRate).EndOfUtterance {
				signals++
			}
		}
		if signals != 1 {
			rt.Fatalf("signals = %d over %d silent frames, want 1", signals, silent)
		}
	})
}

func TestPropertyInterleavedSpeechSuppressesSignal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := New(Config{TrailingSilence: time.Second})
		d.Classify(frame40ms(0.5), testRate)
		// Each run stays under 1s of silence before a speech frame resets it.
		runs := rapid.IntRange(1, 8).Draw(rt, "runs")
		for r := 0; r < runs; r++ {
			n := rapid.IntRange(0, 24).Draw(rt, "runLen")
			for i := 0; i < n; i++ {
				if d.Classify(frame40ms(0), testRate).EndOfUtterance {
					rt.Fatalf("signal after %d silent frames", i+1)
				}
			}
			d.Classify(frame40ms(0.5), testRate)
		}
	})
}
