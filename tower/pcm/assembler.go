package pcm

import "sync"

// RecordAssembler re-chunks an arbitrary byte stream into tower records.
// Instead of growing an accumulator and reslicing it, the assembler fills
// exactly one record in place: at most one partial record is ever
// buffered, and a producer reset just rewinds the fill cursor.
type RecordAssembler struct {
	mu      sync.Mutex
	partial [FrameBytes]byte
	fill    int
}

func NewRecordAssembler() *RecordAssembler {
	return &RecordAssembler{}
}

// Push consumes data and returns every record it completes, in order.
func (a *RecordAssembler) Push(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var records [][]byte
	for len(data) > 0 {
		n := copy(a.partial[a.fill:], data)
		a.fill += n
		data = data[n:]
		if a.fill == FrameBytes {
			rec := make([]byte, FrameBytes)
			copy(rec, a.partial[:])
			records = append(records, rec)
			a.fill = 0
		}
	}
	return records
}

// Buffered reports how many bytes of an unfinished record are pending.
func (a *RecordAssembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fill
}

// Reset discards the partial record, e.g. after a producer disconnects
// mid-write; the dangling tail must never prefix the next producer's audio.
func (a *RecordAssembler) Reset() {
	a.mu.Lock()
	a.fill = 0
	a.mu.Unlock()
}
