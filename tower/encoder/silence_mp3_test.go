package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airtower/tower/pipeline"
)

func TestSilenceMP3FrameParses(t *testing.T) {
	frame := SilenceMP3Frame(192, 48000)
	require.Len(t, frame, 576)

	// The frame of last resort must satisfy our own packetizer.
	p := pipeline.NewPacketizer()
	out := p.Feed(frame)
	require.Len(t, out, 1)
	assert.Equal(t, frame, out[0])
	assert.Equal(t, 576, p.FrameSize())
}

func TestSilenceMP3FrameSizes(t *testing.T) {
	assert.Len(t, SilenceMP3Frame(128, 48000), 384)
	assert.Len(t, SilenceMP3Frame(320, 48000), 960)
	assert.Len(t, SilenceMP3Frame(128, 44100), 417)
}

func TestSilenceMP3FrameFallsBackOnBadParams(t *testing.T) {
	assert.Len(t, SilenceMP3Frame(0, 0), 576)
	assert.Len(t, SilenceMP3Frame(17, 12345), 576)
}
