package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"
	msdk "github.com/livekit/media-sdk"

	"airtower/tower/pcm"
)

// SourceConfig selects what the fallback source plays once the silence
// grace period has elapsed.
type SourceConfig struct {
	// ToneEnabled switches the post-grace content from pure silence to a
	// continuous sine tone.
	ToneEnabled bool
	ToneFreqHz  float64
	// ToneAmplitude is linear full-scale gain (0..1).
	ToneAmplitude float64
	// LoopPath names an optional MP3 asset decoded at startup and looped
	// gaplessly. Takes priority over the tone when set.
	LoopPath string
}

// FallbackSource produces one valid tower-format PCM frame per call,
// synchronously, with no internal clock. The pump is the only metronome;
// this type holds only a phase accumulator and a loop cursor.
type FallbackSource struct {
	cfg     SourceConfig
	silence []byte

	phase     float64
	phaseStep float64

	loop    []byte
	loopOff int
}

// NewFallbackSource builds the source, decoding the loop asset if one is
// configured. A missing or undecodable asset is an error: fallback content
// is the service's last line of defence and must not degrade silently.
func NewFallbackSource(cfg SourceConfig, logger *slog.Logger) (*FallbackSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ToneFreqHz <= 0 {
		cfg.ToneFreqHz = 440
	}
	if cfg.ToneAmplitude <= 0 || cfg.ToneAmplitude > 1 {
		cfg.ToneAmplitude = 0.2
	}

	s := &FallbackSource{
		cfg:       cfg,
		silence:   make([]byte, pcm.FrameBytes),
		phaseStep: 2 * math.Pi * cfg.ToneFreqHz / pcm.SampleRate,
	}

	if cfg.LoopPath != "" {
		loop, err := decodeLoopAsset(cfg.LoopPath)
		if err != nil {
			return nil, fmt.Errorf("fallback loop %q: %w", cfg.LoopPath, err)
		}
		s.loop = loop
		logger.Info("fallback loop loaded",
			"path", cfg.LoopPath,
			"bytes", len(loop),
			"seconds", float64(len(loop))/float64(pcm.SampleRate*pcm.Channels*pcm.BytesPerSample),
		)
	}
	return s, nil
}

// Silence returns the cached zero frame. Shared storage: callers read only.
func (s *FallbackSource) Silence() []byte {
	return s.silence
}

// Next returns the configured fallback frame: loop, else tone, else silence.
func (s *FallbackSource) Next() []byte {
	if s.loop != nil {
		return s.nextLoopFrame()
	}
	if s.cfg.ToneEnabled {
		return s.nextToneFrame()
	}
	return s.silence
}

// nextToneFrame synthesises one frame of sine tone. The phase accumulator
// persists across calls and wraps mod 2pi, so consecutive frames are
// click-free.
func (s *FallbackSource) nextToneFrame() []byte {
	frame := make([]byte, pcm.FrameBytes)
	amp := s.cfg.ToneAmplitude * 32767
	for i := 0; i+3 < len(frame); i += 4 {
		v := int16(amp * math.Sin(s.phase))
		frame[i] = byte(uint16(v))
		frame[i+1] = byte(uint16(v) >> 8)
		frame[i+2] = frame[i]
		frame[i+3] = frame[i+1]
		s.phase += s.phaseStep
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return frame
}

// nextLoopFrame copies one frame out of the decoded asset, wrapping the
// cursor modulo the asset length. No padding is ever inserted, so the loop
// seam is sample-exact.
func (s *FallbackSource) nextLoopFrame() []byte {
	frame := make([]byte, pcm.FrameBytes)
	off := s.loopOff
	for filled := 0; filled < len(frame); {
		n := copy(frame[filled:], s.loop[off:])
		filled += n
		off += n
		if off >= len(s.loop) {
			off = 0
		}
	}
	s.loopOff = off
	return frame
}

// pcmCollector accumulates PCM16 samples written through a media-sdk chain.
// It is the tower-side sink at the target sample rate.
type pcmCollector struct {
	sampleRate int
	samples    msdk.PCM16Sample
}

func (c *pcmCollector) String() string  { return fmt.Sprintf("PCMCollector(%dHz)", c.sampleRate) }
func (c *pcmCollector) SampleRate() int { return c.sampleRate }

func (c *pcmCollector) WriteSample(sample msdk.PCM16Sample) error {
	c.samples = append(c.samples, sample...)
	return nil
}

// decodeLoopAsset decodes an MP3 file to tower-format PCM. go-mp3 always
// emits 16-bit stereo at the file's native rate; resampling to 48 kHz goes
// through media-sdk's resampler, per channel.
func decodeLoopAsset(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if len(raw) < pcm.Channels*pcm.BytesPerSample {
		return nil, fmt.Errorf("asset too short: %d bytes", len(raw))
	}

	if dec.SampleRate() != pcm.SampleRate {
		raw, err = resampleStereo(raw, dec.SampleRate())
		if err != nil {
			return nil, fmt.Errorf("resample %d->%d: %w", dec.SampleRate(), pcm.SampleRate, err)
		}
	} else {
		// Whole stereo sample pairs only.
		raw = raw[:len(raw)/4*4]
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("asset decoded to zero samples")
	}
	return raw, nil
}

// resampleStereo converts interleaved stereo PCM16 bytes from fromRate to
// the tower rate. media-sdk's resampler works on mono sample streams, so
// the channels are split, resampled independently and re-interleaved.
func resampleStereo(raw []byte, fromRate int) ([]byte, error) {
	left, right := pcm.SplitStereo(raw)

	resampleMono := func(in msdk.PCM16Sample) (msdk.PCM16Sample, error) {
		collector := &pcmCollector{sampleRate: pcm.SampleRate}
		w := msdk.ResampleWriter(msdk.NopCloser[msdk.PCM16Sample](collector), fromRate)
		defer w.Close()
		// Feed in ~20ms chunks the way live decode paths do.
		chunk := fromRate / 50
		if chunk < 1 {
			chunk = len(in)
		}
		for off := 0; off < len(in); off += chunk {
			end := off + chunk
			if end > len(in) {
				end = len(in)
			}
			if err := w.WriteSample(in[off:end]); err != nil {
				return nil, err
			}
		}
		return collector.samples, nil
	}

	outL, err := resampleMono(left)
	if err != nil {
		return nil, err
	}
	outR, err := resampleMono(right)
	if err != nil {
		return nil, err
	}
	return pcm.InterleaveStereo(outL, outR), nil
}
