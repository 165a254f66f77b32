package pump

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airtower/tower/encoder"
)

type countingRouter struct {
	calls atomic.Int64
	slow  time.Duration
}

func (r *countingRouter) NextFrame(encoder.PCMSource) {
	r.calls.Add(1)
	if r.slow > 0 {
		time.Sleep(r.slow)
	}
}

func TestPumpTicksAtInterval(t *testing.T) {
	router := &countingRouter{}
	p := New(10*time.Millisecond, router, nil, nil)
	p.Start()
	time.Sleep(205 * time.Millisecond)
	p.Stop()

	calls := router.calls.Load()
	// ~20 ticks expected; stay generous for scheduler noise.
	require.Greater(t, calls, int64(10))
	assert.Less(t, calls, int64(30))
}

func TestPumpResyncsWhenBehind(t *testing.T) {
	// Each routing call overruns the tick; the pump must resync instead
	// of firing a catch-up burst, so the call rate tracks the slow work.
	router := &countingRouter{slow: 30 * time.Millisecond}
	p := New(10*time.Millisecond, router, nil, nil)
	p.Start()
	time.Sleep(300 * time.Millisecond)
	p.Stop()

	calls := router.calls.Load()
	require.Greater(t, calls, int64(5))
	assert.Less(t, calls, int64(15))
}

func TestPumpStopJoins(t *testing.T) {
	router := &countingRouter{}
	p := New(5*time.Millisecond, router, nil, nil)
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	settled := router.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, router.calls.Load())
}
