package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := NewFramer(16000)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 2048).Draw(rt, "n")
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = float32(rapid.Float64Range(-1, 1).Draw(rt, "sample"))
		}

		pcm := f.Encode(samples, 16000)
		require.Len(rt, pcm, n*BytesPerSample)

		got := Decode(pcm)
		require.Len(rt, got, n)
		for i := range samples {
			diff := math.Abs(float64(got[i] - samples[i]))
			if diff > 1.0/32768.0+1e-6 {
				rt.Fatalf("sample %d: got %v, want %v (diff %v)", i, got[i], samples[i], diff)
			}
		}
	})
}

func TestEncodeEmptyReturnsEmpty(t *testing.T) {
	f := NewFramer(16000)
	out := f.Encode(nil, 48000)
	assert.NotNil(t, out)
	assert.Empty(t, out)
	assert.Empty(t, Decode(nil))
	assert.Empty(t, Decode([]byte{0x01}))
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	f := NewFramer(16000)
	got := Decode(f.Encode([]float32{2, -2}, 16000))
	require.Len(t, got, 2)
	assert.InDelta(t, 32767.0/32768.0, got[0], 1e-6)
	assert.InDelta(t, -1.0, got[1], 1e-6)
}

func TestEncodeResamplesToTargetRate(t *testing.T) {
	f := NewFramer(16000)
	samples := make([]float32, 480) // 10ms at 48kHz
	for i := range samples {
		samples[i] = 0.25
	}
	pcm := f.Encode(samples, 48000)
	if got, want := len(pcm), 160*BytesPerSample; got != want {
		t.Fatalf("len(Encode()) = %d, want %d", got, want)
	}
	for _, s := range Decode(pcm) {
		assert.InDelta(t, 0.25, s, 1.0/32768.0)
	}
}

func TestMimeTypeHasNoExtraParameters(t *testing.T) {
	if got := MimeType(16000); got != "audio/pcm;rate=16000" {
		t.Fatalf("MimeType() = %q", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	if got := Duration(3200, 16000); got != 100*time.Millisecond {
		t.Fatalf("Duration() = %v, want 100ms", got)
	}
	if got := BytesFor(40*time.Millisecond, 16000); got != 1280 {
		t.Fatalf("BytesFor() = %d, want 1280", got)
	}
}
