package frames

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func frame(b byte) []byte {
	return []byte{b, b, b}
}

func TestPushPopRoundTrip(t *testing.T) {
	b := New(4, DropOldest)
	in := []byte{1, 2, 3, 4}
	res := b.Push(in)
	require.True(t, res.Accepted)
	require.Nil(t, res.Evicted)

	out, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, in, out)

	_, ok = b.Pop()
	assert.False(t, ok)
}

func TestDropOldestEvictsHead(t *testing.T) {
	b := New(3, DropOldest)
	for i := byte(1); i <= 3; i++ {
		require.True(t, b.Push(frame(i)).Accepted)
	}
	res := b.Push(frame(4))
	require.True(t, res.Accepted)
	assert.Equal(t, frame(1), res.Evicted)

	st := b.Stats()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, uint64(4), st.Pushed)
	assert.Equal(t, uint64(1), st.Dropped)

	// Remaining frames in order, oldest gone.
	for i := byte(2); i <= 4; i++ {
		out, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, frame(i), out)
	}
}

func TestDropNewestRefusesIncoming(t *testing.T) {
	b := New(2, DropNewest)
	require.True(t, b.Push(frame(1)).Accepted)
	require.True(t, b.Push(frame(2)).Accepted)

	res := b.Push(frame(3))
	assert.False(t, res.Accepted)

	st := b.Stats()
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, uint64(1), st.Dropped)

	out, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, frame(1), out)
	out, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, frame(2), out)
}

func TestPopWaitTimesOut(t *testing.T) {
	b := New(1, DropNewest)
	start := time.Now()
	_, ok := b.PopWait(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPopWaitWakesOnPush(t *testing.T) {
	b := New(1, DropNewest)
	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var ok bool
	go func() {
		defer wg.Done()
		got, ok = b.PopWait(2 * time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	b.Push(frame(9))
	wg.Wait()
	require.True(t, ok)
	assert.Equal(t, frame(9), got)
}

func TestPopWaitZeroBehavesLikePop(t *testing.T) {
	b := New(1, DropNewest)
	_, ok := b.PopWait(0)
	assert.False(t, ok)
	b.Push(frame(1))
	out, ok := b.PopWait(0)
	require.True(t, ok)
	assert.Equal(t, frame(1), out)
}

func TestClear(t *testing.T) {
	b := New(4, DropOldest)
	b.Push(frame(1))
	b.Push(frame(2))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, ok := b.Pop()
	assert.False(t, ok)
}

// Property: under either policy, pushes and pops follow a model FIFO with
// that policy's overflow rule, and the count never exceeds capacity.
func TestBufferProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		policy := DropNewest
		if rapid.Bool().Draw(t, "dropOldest") {
			policy = DropOldest
		}
		b := New(capacity, policy)

		var model [][]byte
		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		next := byte(0)
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(t, "push") {
				f := frame(next)
				next++
				res := b.Push(f)
				if len(model) == capacity {
					switch policy {
					case DropNewest:
						if res.Accepted {
							t.Fatalf("full drop-newest buffer accepted a frame")
						}
					case DropOldest:
						if !res.Accepted {
							t.Fatalf("drop-oldest buffer refused a frame")
						}
						model = append(model[1:], f)
					}
				} else {
					if !res.Accepted {
						t.Fatalf("non-full buffer refused a frame")
					}
					model = append(model, f)
				}
			} else {
				got, ok := b.Pop()
				if ok != (len(model) > 0) {
					t.Fatalf("pop ok=%v, model has %d", ok, len(model))
				}
				if ok {
					want := model[0]
					model = model[1:]
					if string(got) != string(want) {
						t.Fatalf("pop order mismatch: got %v want %v", got, want)
					}
				}
			}
			if b.Len() != len(model) {
				t.Fatalf("len %d != model %d", b.Len(), len(model))
			}
			if b.Len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", b.Len(), capacity)
			}
		}
	})
}

func TestConcurrentProducersConsumers(t *testing.T) {
	b := New(64, DropNewest)
	var wg sync.WaitGroup
	const producers = 4
	const perProducer = 500

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Push([]byte{1})
			}
		}()
	}

	consumed := make(chan int, 2)
	for c := 0; c < 2; c++ {
		go func() {
			n := 0
			for {
				if _, ok := b.PopWait(50 * time.Millisecond); !ok {
					consumed <- n
					return
				}
				n++
			}
		}()
	}
	wg.Wait()
	total := <-consumed + <-consumed

	st := b.Stats()
	require.Equal(t, uint64(producers*perProducer), st.Pushed+st.Dropped)
	assert.Equal(t, int(st.Pushed)-st.Count, total)
}
