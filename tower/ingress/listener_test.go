package ingress

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordSize = 4608

func startIngress(t *testing.T, capacity int) *Ingress {
	t.Helper()
	i := New(capacity, nil)
	require.NoError(t, i.Serve("127.0.0.1:0"))
	t.Cleanup(i.Close)
	return i
}

func dial(t *testing.T, i *Ingress) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", i.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func record(fill byte) []byte {
	r := make([]byte, recordSize)
	for i := range r {
		r[i] = fill
	}
	return r
}

func waitFrames(t *testing.T, i *Ingress, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for i.Stats().Count < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, i.Stats().Count, n)
}

func TestCompleteRecordsAreQueued(t *testing.T) {
	i := startIngress(t, 10)
	conn := dial(t, i)

	_, err := conn.Write(record(0x42))
	require.NoError(t, err)
	_, err = conn.Write(record(0x43))
	require.NoError(t, err)

	waitFrames(t, i, 2)
	f, ok := i.PopWait(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, record(0x42), f)
	f, ok = i.PopWait(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, record(0x43), f)
}

func TestSplitWritesReassemble(t *testing.T) {
	i := startIngress(t, 10)
	conn := dial(t, i)

	r := record(0x7F)
	for off := 0; off < len(r); off += 1000 {
		end := off + 1000
		if end > len(r) {
			end = len(r)
		}
		_, err := conn.Write(r[off:end])
		require.NoError(t, err)
	}
	waitFrames(t, i, 1)
	f, ok := i.PopWait(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, r, f)
}

func TestPartialTrailingRecordDiscarded(t *testing.T) {
	i := startIngress(t, 10)
	conn := dial(t, i)

	_, err := conn.Write(record(0x01))
	require.NoError(t, err)
	// Producer dies mid-write: half a record, then disconnect.
	_, err = conn.Write(record(0x02)[:recordSize/2])
	require.NoError(t, err)
	conn.Close()

	waitFrames(t, i, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, i.Stats().Count)
}

func TestOverflowDropsNewest(t *testing.T) {
	i := startIngress(t, 2)
	conn := dial(t, i)

	for n := byte(1); n <= 4; n++ {
		_, err := conn.Write(record(n))
		require.NoError(t, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for i.Stats().Dropped < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	st := i.Stats()
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, uint64(2), st.Dropped)

	// The two oldest records survived, in order.
	f, ok := i.PopWait(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, record(1), f)
	f, ok = i.PopWait(100 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, record(2), f)
}

func TestPushFrameValidatesSize(t *testing.T) {
	i := New(4, nil)
	assert.False(t, i.PushFrame(make([]byte, 100)))
	assert.True(t, i.PushFrame(make([]byte, recordSize)))
}

func TestMultipleProducers(t *testing.T) {
	i := startIngress(t, 100)
	a := dial(t, i)
	b := dial(t, i)

	_, err := a.Write(record(0xAA))
	require.NoError(t, err)
	_, err = b.Write(record(0xBB))
	require.NoError(t, err)

	waitFrames(t, i, 2)
	assert.Equal(t, uint64(2), i.Stats().Pushed)
}
