package pcm

import "time"

// The tower speaks exactly one PCM format end to end: interleaved stereo
// 16-bit little-endian at 48 kHz, carried in fixed records. There is no
// negotiation anywhere in the pipeline, so the format is a set of
// constants rather than a runtime value.
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2

	// FrameSamples is the per-channel sample count of one record. It
	// matches one MPEG-1 Layer III granule pair, so each record encodes
	// to exactly one MP3 frame.
	FrameSamples = 1152

	// FrameBytes is the wire size of one record.
	FrameBytes = FrameSamples * Channels * BytesPerSample

	// FrameDuration is the real-time span of one record and therefore
	// the pump tick.
	FrameDuration = FrameSamples * time.Second / SampleRate
)
