package ingress

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	prtp "github.com/pion/rtp"

	"airtower/tower/pcm"
)

// maxGapFrames bounds how many missed RTP frames get silence-filled.
// Larger timestamp jumps are treated as stream resets and ignored.
const maxGapFrames = 25

// RTPListener is an optional second producer transport: raw L16 PCM in RTP
// packets over UDP. Payload bytes are re-framed into tower records; DTX
// style timestamp gaps (contiguous sequence numbers, jumped timestamps)
// are filled with silence so the ingress timeline stays continuous.
type RTPListener struct {
	sink      *Ingress
	logger    *slog.Logger
	assembler *pcm.RecordAssembler
	silence   []byte

	conn *net.UDPConn
	wg   sync.WaitGroup
	done chan struct{}

	packets atomic.Uint64
	lastSeq atomic.Uint64
	lastTS  atomic.Uint64
}

func NewRTPListener(sink *Ingress, logger *slog.Logger) *RTPListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &RTPListener{
		sink:      sink,
		logger:    logger.With("component", "rtp_ingress"),
		assembler: pcm.NewRecordAssembler(),
		silence:   make([]byte, pcm.FrameBytes),
		done:      make(chan struct{}),
	}
}

// Serve binds the UDP socket and starts the read loop.
func (l *RTPListener) Serve(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	l.conn = conn
	l.logger.Info("rtp ingress listening", "addr", conn.LocalAddr().String())
	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *RTPListener) readLoop() {
	defer l.wg.Done()
	// Room for a full tower record plus RTP header in one datagram.
	buf := make([]byte, 8192)
	pkt := &prtp.Packet{}
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					l.logger.Warn("rtp read failed", "error", err)
				}
			}
			return
		}
		*pkt = prtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.logger.Debug("rtp packet discarded", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		l.handlePacket(&pkt.Header, pkt.Payload)
	}
}

// handlePacket fills detected silence-suppression gaps, then re-frames the
// payload into tower records.
func (l *RTPListener) handlePacket(header *prtp.Header, payload []byte) {
	// Timestamp units are samples per channel; L16 stereo carries one
	// sample frame per channel pair.
	samplesInPacket := uint32(len(payload) / (pcm.Channels * pcm.BytesPerSample))

	packets := l.packets.Add(1)
	lastSeq := uint16(l.lastSeq.Swap(uint64(header.SequenceNumber)))
	lastTS := uint32(l.lastTS.Swap(uint64(header.Timestamp)))

	if packets > 1 && samplesInPacket > 0 {
		seqDiff := header.SequenceNumber - (lastSeq + 1)
		tsDiff := header.Timestamp - (lastTS + samplesInPacket)
		// No sequence gap but a timestamp jump is the signature of
		// sender-side silence suppression.
		if seqDiff == 0 && tsDiff > 0 {
			missed := int(tsDiff) / int(samplesInPacket)
			if missed > 0 && missed <= maxGapFrames {
				for k := 0; k < missed; k++ {
					for _, frame := range l.assembler.Push(l.silence) {
						l.sink.PushFrame(frame)
					}
				}
			} else if missed > maxGapFrames {
				l.logger.Info("large rtp timestamp gap ignored", "gap_frames", missed)
			}
		}
	}

	for _, frame := range l.assembler.Push(payload) {
		l.sink.PushFrame(frame)
	}
}

// Addr reports the bound socket address (nil before Serve).
func (l *RTPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close shuts the socket and joins the read loop.
func (l *RTPListener) Close() {
	close(l.done)
	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()
}
