package pipeline

// Packetizer converts an arbitrary byte stream from the encoder's stdout
// into complete MPEG-1 Layer III frames. The frame size is derived from the
// first valid header and treated as constant (CBR contract with the child
// encoder); partial bytes never leave the packetizer.
type Packetizer struct {
	acc       []byte
	frameSize int
}

// bitrateKbps indexes MPEG-1 Layer III bitrates; 0 (free) and 15 are invalid.
var bitrateKbps = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}

// sampleRateHz indexes MPEG-1 sample rates; 3 is reserved.
var sampleRateHz = [4]int{44100, 48000, 32000, 0}

func NewPacketizer() *Packetizer {
	return &Packetizer{}
}

// FrameSize returns the locked CBR frame size, or 0 before the first
// accepted header.
func (p *Packetizer) FrameSize() int { return p.frameSize }

// Buffered returns how many bytes are pending (diagnostics only).
func (p *Packetizer) Buffered() int { return len(p.acc) }

// Reset forgets the accumulator and the derived frame size. Called on
// encoder restart: the new child may negotiate a different frame size.
func (p *Packetizer) Reset() {
	p.acc = p.acc[:0]
	p.frameSize = 0
}

// Feed consumes raw bytes and returns zero or more complete frames.
// Bytes before the first accepted sync word are discarded as junk; a bad
// header mid-stream drops bytes up to the next sync word.
func (p *Packetizer) Feed(data []byte) [][]byte {
	if len(data) > 0 {
		p.acc = append(p.acc, data...)
	}

	var out [][]byte
	for {
		if p.frameSize == 0 {
			if !p.lockFrameSize() {
				return out
			}
		}

		// The head must sit on a valid header; if the stream corrupted,
		// resync before emitting.
		if len(p.acc) >= 3 {
			if _, ok := parseHeader(p.acc[0], p.acc[1], p.acc[2]); !ok {
				p.resync(1)
				continue
			}
		} else if len(p.acc) >= 2 && !isSync(p.acc[0], p.acc[1]) {
			p.resync(1)
			continue
		}
		if len(p.acc) < p.frameSize {
			return out
		}

		frame := make([]byte, p.frameSize)
		copy(frame, p.acc[:p.frameSize])
		out = append(out, frame)
		p.acc = p.acc[p.frameSize:]
	}
}

func isSync(b0, b1 byte) bool {
	return b0 == 0xFF && b1&0xE0 == 0xE0
}

// lockFrameSize scans for the first parseable header and derives the CBR
// frame size from it. Returns false if no valid header is available yet.
func (p *Packetizer) lockFrameSize() bool {
	i := 0
	for i+3 < len(p.acc) {
		if !isSync(p.acc[i], p.acc[i+1]) {
			i++
			continue
		}
		size, ok := parseHeader(p.acc[i], p.acc[i+1], p.acc[i+2])
		if !ok {
			// False sync: step past it and keep scanning.
			i++
			continue
		}
		p.acc = p.acc[i:]
		p.frameSize = size
		return true
	}
	// Keep at most the last few bytes: a sync word may be split across
	// reads. Everything before is junk.
	if i > 0 {
		p.acc = p.acc[i:]
	}
	return false
}

// resync discards bytes starting at offset from until the next sync word.
func (p *Packetizer) resync(from int) {
	i := from
	for i+1 < len(p.acc) {
		if isSync(p.acc[i], p.acc[i+1]) {
			p.acc = p.acc[i:]
			return
		}
		i++
	}
	if i < len(p.acc) {
		p.acc = p.acc[i:]
	} else {
		p.acc = p.acc[:0]
	}
}

// parseHeader validates an MPEG-1 Layer III header and returns the frame
// size in bytes.
func parseHeader(b0, b1, b2 byte) (int, bool) {
	if !isSync(b0, b1) {
		return 0, false
	}
	version := (b1 >> 3) & 0x03
	if version != 0x03 { // MPEG-1 only
		return 0, false
	}
	layer := (b1 >> 1) & 0x03
	if layer != 0x01 { // Layer III only
		return 0, false
	}
	bitrateIdx := (b2 >> 4) & 0x0F
	kbps := bitrateKbps[bitrateIdx]
	if kbps == 0 {
		return 0, false
	}
	rateIdx := (b2 >> 2) & 0x03
	rate := sampleRateHz[rateIdx]
	if rate == 0 {
		return 0, false
	}
	padding := int((b2 >> 1) & 0x01)
	return 144*kbps*1000/rate + padding, true
}
