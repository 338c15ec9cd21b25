package audio

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"
)

const (
	// BytesPerSample is fixed: the stream is mono signed 16-bit little-endian.
	BytesPerSample = 2

	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
)

// Framer converts device samples into rate-tagged PCM16LE chunks.
type Framer struct {
	TargetRate int
}

func NewFramer(targetRate int) Framer {
	if targetRate <= 0 {
		targetRate = DefaultInputSampleRate
	}
	return Framer{TargetRate: targetRate}
}

// Encode converts float samples in [-1, 1] to PCM16LE at the framer's target
// rate, resampling linearly when sourceRate differs. Empty input yields an
// empty result.
func (f Framer) Encode(samples []float32, sourceRate int) []byte {
	if len(samples) == 0 {
		return []byte{}
	}
	target := f.TargetRate
	if target <= 0 {
		target = DefaultInputSampleRate
	}
	if sourceRate > 0 && sourceRate != target {
		samples = Resample(samples, sourceRate, target)
	}
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// Decode converts PCM16LE bytes into float samples. A trailing odd byte is
// ignored.
func Decode(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return []float32{}
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Resample performs linear interpolation between rates.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if len(samples) == 0 || fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if outLen <= 0 {
		outLen = 1
	}
	out := make([]float32, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		if lo >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[lo+1]*frac
	}
	return out
}

// MimeType returns the tag expected by the live service. It must not carry
// extra parameters.
func MimeType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// Duration reports how long byteLen bytes of PCM16LE mono last at rate.
func Duration(byteLen, rate int) time.Duration {
	if rate <= 0 || byteLen <= 0 {
		return 0
	}
	return SamplesDuration(byteLen/BytesPerSample, rate)
}

func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// BytesFor returns the PCM16LE byte count covering d at rate.
func BytesFor(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(rate)*int64(d)/int64(time.Second)) * BytesPerSample
}

func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
