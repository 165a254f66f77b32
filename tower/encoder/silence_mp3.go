package encoder

// mp3BitrateIndex maps MPEG-1 Layer III bitrates (kbps) to header indices.
var mp3BitrateIndex = map[int]byte{
	32: 1, 40: 2, 48: 3, 56: 4, 64: 5, 80: 6, 96: 7,
	112: 8, 128: 9, 160: 10, 192: 11, 224: 12, 256: 13, 320: 14,
}

// mp3SampleRateIndex maps MPEG-1 sample rates to header indices.
var mp3SampleRateIndex = map[int]byte{44100: 0, 48000: 1, 32000: 2}

// SilenceMP3Frame builds one complete MPEG-1 Layer III CBR frame whose
// side info and main data are all zero. Decoders render it as silence.
// It is the synthetic output of offline-test mode and the last link of
// GetFrame's chain; once any frame has been served, an empty MP3 buffer
// repeats the last served frame instead.
// Unsupported parameters fall back to 192 kbps / 48 kHz.
func SilenceMP3Frame(bitrateKbps, sampleRate int) []byte {
	bi, ok := mp3BitrateIndex[bitrateKbps]
	if !ok {
		bitrateKbps = 192
		bi = mp3BitrateIndex[192]
	}
	si, ok := mp3SampleRateIndex[sampleRate]
	if !ok {
		sampleRate = 48000
		si = mp3SampleRateIndex[48000]
	}
	size := 144 * bitrateKbps * 1000 / sampleRate
	frame := make([]byte, size)
	frame[0] = 0xFF
	frame[1] = 0xFB // MPEG-1, Layer III, no CRC
	frame[2] = bi<<4 | si<<2
	frame[3] = 0x00 // stereo
	return frame
}
