package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"airtower/tower/encoder"
	"airtower/tower/frames"
)

// id3Preamble is a minimal ID3v2 header; some browsers need it to accept
// the stream as playable audio before the first MP3 frame.
var id3Preamble = []byte{0x49, 0x44, 0x33, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// FrameSource is the manager surface the broadcaster ticks against.
type FrameSource interface {
	GetFrame() []byte
	Mode() encoder.OperationalMode
	StatusNow() encoder.Status
}

// IngressStats backs the status endpoint. Nil means ingress is not wired
// and the endpoint answers 503.
type IngressStats interface {
	Stats() frames.Stats
}

// Config tunes the HTTP surface.
type Config struct {
	ListenAddr    string
	StreamPath    string
	Tick          time.Duration
	ClientTimeout time.Duration
}

type client struct {
	id     int
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *client) drop() {
	c.once.Do(func() { close(c.closed) })
}

// Broadcaster serves the MP3 stream to any number of pull-based listeners.
// One ticker pops frames from the manager; fan-out to clients is a
// non-blocking channel send, so a stalled listener can never stall the
// tick or other listeners.
type Broadcaster struct {
	cfg     Config
	source  FrameSource
	ingress IngressStats
	logger  *slog.Logger

	e      *echo.Echo
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[int]*client
	nextID  int

	framesSent atomic.Uint64
	dropped    atomic.Uint64
}

func New(cfg Config, source FrameSource, ingress IngressStats, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 24 * time.Millisecond
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		cfg:     cfg,
		source:  source,
		ingress: ingress,
		logger:  logger.With("component", "broadcast"),
		ctx:     ctx,
		cancel:  cancel,
		clients: map[int]*client{},
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(cfg.StreamPath, b.handleStream)
	e.GET("/tower/buffer", b.handleBufferStatus)
	e.GET("/tower/status", b.handleTowerStatus)
	b.e = e
	return b
}

// Start binds the listener and runs the broadcast ticker.
func (b *Broadcaster) Start() error {
	b.wg.Add(1)
	go b.broadcastLoop()

	errCh := make(chan error, 1)
	go func() {
		err := b.e.Start(b.cfg.ListenAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	// Give the listener a beat to fail fast on bad addresses.
	select {
	case err := <-errCh:
		b.cancel()
		return err
	case <-time.After(100 * time.Millisecond):
	}
	b.logger.Info("http broadcaster listening", "addr", b.cfg.ListenAddr, "stream_path", b.cfg.StreamPath)
	return nil
}

// Stop closes the listening socket and every client connection, then
// joins the ticker.
func (b *Broadcaster) Stop(timeout time.Duration) error {
	b.cancel()

	b.mu.Lock()
	for _, cl := range b.clients {
		cl.drop()
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := b.e.Shutdown(ctx)
	b.wg.Wait()
	b.logger.Info("broadcaster stopped", "frames_sent", b.framesSent.Load())
	return err
}

// ListenerCount reports currently connected stream clients.
func (b *Broadcaster) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// broadcastLoop pops one frame per tick and fans it out. The loop is
// bounded regardless of client behaviour: sends never block, and a full
// client queue (the client is further behind than the allowed timeout)
// drops that client on the spot.
func (b *Broadcaster) broadcastLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()
	lastStats := time.Now()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			frame := b.source.GetFrame()
			if frame == nil {
				// Cold start: nothing has ever been encoded. Skip the
				// tick; listeners stay connected and wait.
				continue
			}
			b.fanOut(frame)

			if time.Since(lastStats) >= 10*time.Second {
				var fill, capacity int
				if b.ingress != nil {
					st := b.ingress.Stats()
					fill, capacity = st.Count, st.Capacity
				}
				b.logger.Info("broadcast stats",
					"mode", b.source.Mode().String(),
					"listeners", b.ListenerCount(),
					"frames_sent", b.framesSent.Load(),
					"slow_drops", b.dropped.Load(),
					"ingress_fill", fill,
					"ingress_capacity", capacity,
				)
				lastStats = time.Now()
			}
		}
	}
}

func (b *Broadcaster) fanOut(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cl := range b.clients {
		select {
		case cl.ch <- frame:
		default:
			// Queue depth equals the client timeout in frames; full
			// means the client fell too far behind.
			b.logger.Info("dropping slow client", "client", id)
			cl.drop()
			delete(b.clients, id)
			b.dropped.Add(1)
		}
	}
	b.framesSent.Add(1)
}

func (b *Broadcaster) subscribe() *client {
	depth := int(b.cfg.ClientTimeout / b.cfg.Tick)
	if depth < 1 {
		depth = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	cl := &client{
		id:     b.nextID,
		ch:     make(chan []byte, depth),
		closed: make(chan struct{}),
	}
	b.clients[cl.id] = cl
	return cl
}

func (b *Broadcaster) unsubscribe(cl *client) {
	cl.drop()
	b.mu.Lock()
	delete(b.clients, cl.id)
	b.mu.Unlock()
}

// handleStream upgrades the request to an endless chunked MP3 response.
// The stream is never refused while the service is up.
func (b *Broadcaster) handleStream(c echo.Context) error {
	cl := b.subscribe()
	defer b.unsubscribe(cl)

	b.logger.Info("listener connected",
		"client", cl.id,
		"remote", c.RealIP(),
		"listeners", b.ListenerCount(),
	)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "audio/mpeg")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(res)
	if _, err := res.Write(id3Preamble); err != nil {
		return nil
	}
	_ = rc.Flush()

	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-cl.closed:
			b.logger.Info("listener dropped", "client", cl.id)
			return nil
		case <-c.Request().Context().Done():
			b.logger.Info("listener disconnected", "client", cl.id)
			return nil
		case frame := <-cl.ch:
			_ = rc.SetWriteDeadline(time.Now().Add(b.cfg.ClientTimeout))
			if _, err := res.Write(frame); err != nil {
				b.logger.Info("listener write failed", "client", cl.id, "error", err)
				return nil
			}
			_ = rc.Flush()
		}
	}
}

// bufferStatus is the stable JSON shape of the status endpoint.
type bufferStatus struct {
	Fill          int    `json:"fill"`
	Capacity      int    `json:"capacity"`
	OverflowCount uint64 `json:"overflow_count"`
	Listeners     int    `json:"listeners"`
}

// towerStatus is the diagnostics snapshot served by /tower/status.
type towerStatus struct {
	Mode         string `json:"mode"`
	AudioState   string `json:"audio_state"`
	EncoderState string `json:"encoder_state"`
	MP3Fill      int    `json:"mp3_fill"`
	MP3Capacity  int    `json:"mp3_capacity"`
	MP3Produced  uint64 `json:"mp3_produced"`
	Listeners    int    `json:"listeners"`
	FramesSent   uint64 `json:"frames_sent"`
}

// handleTowerStatus reports the full operational snapshot: mode, states,
// MP3 buffer occupancy and listener counts. Diagnostics only; the stable
// contract lives at /tower/buffer.
func (b *Broadcaster) handleTowerStatus(c echo.Context) error {
	st := b.source.StatusNow()
	return c.JSON(http.StatusOK, towerStatus{
		Mode:         st.Mode.String(),
		AudioState:   st.Audio.String(),
		EncoderState: st.Encoder.String(),
		MP3Fill:      st.MP3Buffered,
		MP3Capacity:  st.MP3Capacity,
		MP3Produced:  st.MP3Produced,
		Listeners:    b.ListenerCount(),
		FramesSent:   b.framesSent.Load(),
	})
}

// handleBufferStatus reports PCM ingress occupancy. Long-term stable
// interface: fill and capacity are contractual, the rest is additive.
func (b *Broadcaster) handleBufferStatus(c echo.Context) error {
	if b.ingress == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "pcm ingress not available",
		})
	}
	st := b.ingress.Stats()
	return c.JSON(http.StatusOK, bufferStatus{
		Fill:          st.Count,
		Capacity:      st.Capacity,
		OverflowCount: st.Dropped,
		Listeners:     b.ListenerCount(),
	})
}
