package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constFrame(v int16, samples int) []byte {
	f := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		f[i*2] = byte(uint16(v))
		f[i*2+1] = byte(uint16(v) >> 8)
	}
	return f
}

func sampleAt(f []byte, i int) int16 {
	return int16(uint16(f[i*2]) | uint16(f[i*2+1])<<8)
}

func TestCrossfadeEndpoints(t *testing.T) {
	from := constFrame(10000, 100)
	to := constFrame(-10000, 100)
	out := Crossfade(from, to, 0, 1)
	require.Len(t, out, 200)

	assert.Equal(t, int16(10000), sampleAt(out, 0))
	assert.Equal(t, int16(-10000), sampleAt(out, 99))
	// Midpoint near zero.
	assert.InDelta(t, 0, int(sampleAt(out, 50)), 300)
}

func TestCrossfadeMonotoneRamp(t *testing.T) {
	from := constFrame(0, 64)
	to := constFrame(16000, 64)
	out := Crossfade(from, to, 0, 1)
	prev := sampleAt(out, 0)
	for i := 1; i < 64; i++ {
		cur := sampleAt(out, i)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestCrossfadeClamps(t *testing.T) {
	from := constFrame(32767, 4)
	to := constFrame(32767, 4)
	out := Crossfade(from, to, 0.5, 0.5)
	for i := 0; i < 4; i++ {
		assert.Equal(t, int16(32767), sampleAt(out, i))
	}
}
