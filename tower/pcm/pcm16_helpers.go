package pcm

import (
	"encoding/binary"
	"math"

	msdk "github.com/livekit/media-sdk"
)

// Representation conversions live on the startup path only (loop-asset
// decode and resampling); per-tick code passes records around as opaque
// bytes. They therefore allocate per call instead of threading reusable
// destination buffers through every caller.

// Samples decodes little-endian PCM16 bytes into a media-sdk sample
// slice. An odd trailing byte is ignored.
func Samples(b []byte) msdk.PCM16Sample {
	out := make(msdk.PCM16Sample, 0, len(b)/BytesPerSample)
	for i := 0; i+1 < len(b); i += BytesPerSample {
		out = append(out, int16(binary.LittleEndian.Uint16(b[i:])))
	}
	return out
}

// SampleBytes encodes samples back to the little-endian wire form.
func SampleBytes(s msdk.PCM16Sample) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// SplitStereo separates an interleaved stereo byte stream into
// per-channel sample slices. Resamplers operate on one channel at a time,
// so the loop-asset path splits, resamples each side, and re-interleaves.
// A trailing partial sample pair is dropped.
func SplitStereo(b []byte) (left, right msdk.PCM16Sample) {
	const pair = Channels * BytesPerSample
	pairs := len(b) / pair
	left = make(msdk.PCM16Sample, pairs)
	right = make(msdk.PCM16Sample, pairs)
	for i := 0; i < pairs; i++ {
		left[i] = int16(binary.LittleEndian.Uint16(b[i*pair:]))
		right[i] = int16(binary.LittleEndian.Uint16(b[i*pair+BytesPerSample:]))
	}
	return left, right
}

// InterleaveStereo recombines per-channel samples into the wire layout.
// Channel resamplers can disagree by a sample at stream edges; the longer
// side is trimmed so the result holds whole sample pairs.
func InterleaveStereo(left, right msdk.PCM16Sample) []byte {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	out := make([]byte, n*Channels*BytesPerSample)
	for i := 0; i < n; i++ {
		off := i * Channels * BytesPerSample
		binary.LittleEndian.PutUint16(out[off:], uint16(left[i]))
		binary.LittleEndian.PutUint16(out[off+BytesPerSample:], uint16(right[i]))
	}
	return out
}

// Energy computes an RMS metric for interleaved PCM16 LE bytes.
// Returns 0 for silence, up to 1.0 for full-scale audio.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(samples))
}

// EnergyDBFS converts Energy's RMS value to dBFS. Silence maps to -96 dB
// rather than -Inf so thresholds compare cleanly.
func EnergyDBFS(pcm []byte) float64 {
	rms := Energy(pcm)
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		db = -96
	}
	return db
}
