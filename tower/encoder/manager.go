package encoder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"airtower/tower/frames"
	"airtower/tower/pcm"
	"airtower/tower/pipeline"
)

// PCMSource is what the manager pulls program audio from each tick.
// *frames.Buffer satisfies it; tests substitute fixtures.
type PCMSource interface {
	PopWait(timeout time.Duration) ([]byte, bool)
}

// childEncoder is the supervisor surface the manager drives. The concrete
// *Supervisor implements it; tests use a fake.
type childEncoder interface {
	Start() error
	Stop(timeout time.Duration) error
	Recover()
	WritePCM(frame []byte)
	State() EncoderState
	StateChanges() <-chan StateChange
}

// ManagerConfig carries the operational state machine parameters.
type ManagerConfig struct {
	AdmissionThreshold int
	GracePeriod        time.Duration
	LossWindow         time.Duration
	PopTimeout         time.Duration

	// AmplitudeGate requires program PCM above SilenceThresholdDB before
	// it counts toward admission.
	AmplitudeGate      bool
	SilenceThresholdDB float64

	CrossfadeEnabled bool
	RecoveryRetry    time.Duration

	// EncoderDisabled selects OFFLINE_TEST: synthetic MP3 frames are
	// generated locally and no child process exists.
	EncoderDisabled bool
	BitrateKbps     int
}

// Manager is the single point of coordination: it owns the supervisor,
// holds the MP3 buffer, runs the PROGRAM/FALLBACK state machine and routes
// exactly one PCM frame per pump tick.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	sup      childEncoder
	mp3Buf   *frames.Buffer
	fallback *pipeline.FallbackSource

	silenceMP3 []byte

	mu         sync.Mutex
	audio      AudioState
	validRun   int
	lossStart  time.Time
	graceStart time.Time
	lastFrame  []byte
	gotFrame   bool
	lastPCM    []byte

	recoveryTimer *time.Timer
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewManager builds the manager and, unless the encoder is disabled, its
// supervisor. The MP3 buffer lives here for the whole process lifetime.
func NewManager(cfg ManagerConfig, supCfg SupervisorConfig, mp3Capacity int, fallback *pipeline.FallbackSource, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback source is required")
	}
	if cfg.AdmissionThreshold < 1 {
		cfg.AdmissionThreshold = 15
	}
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = 500 * time.Millisecond
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Millisecond
	}
	if cfg.RecoveryRetry <= 0 {
		cfg.RecoveryRetry = 10 * time.Minute
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = 192
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "encoder_manager"),
		mp3Buf:     frames.New(mp3Capacity, frames.DropOldest),
		fallback:   fallback,
		silenceMP3: SilenceMP3Frame(cfg.BitrateKbps, pcm.SampleRate),
		audio:      AudioSilenceGrace,
		stopCh:     make(chan struct{}),
	}
	if !cfg.EncoderDisabled {
		m.sup = NewSupervisor(supCfg, m.mp3Buf, logger)
	}
	return m, nil
}

// MP3Buffer exposes the shared frame buffer for diagnostics.
func (m *Manager) MP3Buffer() *frames.Buffer { return m.mp3Buf }

// Start spins up the supervisor (unless offline) and the state monitor.
func (m *Manager) Start() error {
	m.mu.Lock()
	m.graceStart = time.Now()
	m.mu.Unlock()

	if m.sup == nil {
		m.logger.Info("encoder disabled, running offline-test mode")
		return nil
	}
	if err := m.sup.Start(); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.monitorStates()
	return nil
}

// Stop shuts down the supervisor; the MP3 buffer is released by the
// caller after every consumer is gone.
func (m *Manager) Stop(timeout time.Duration) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	m.mu.Unlock()
	var err error
	if m.sup != nil {
		err = m.sup.Stop(timeout)
	}
	m.wg.Wait()
	return err
}

// monitorStates drains the supervisor's state feed, scheduling the
// degraded-mode self-heal timer whenever the child enters FAILED.
func (m *Manager) monitorStates() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case change := <-m.sup.StateChanges():
			if change.To == StateFailed {
				m.scheduleRecovery()
			}
		}
	}
}

func (m *Manager) scheduleRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
	}
	m.logger.Info("degraded: scheduling encoder recovery", "retry_in", m.cfg.RecoveryRetry)
	m.recoveryTimer = time.AfterFunc(m.cfg.RecoveryRetry, func() {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.sup.Recover()
		// If the attempt fails again the supervisor re-enters FAILED and
		// the monitor schedules the next retry, indefinitely.
	})
}

// NextFrame is the pump's single call each tick. It pulls at most one PCM
// frame from the ingress, advances the audio state machine, and issues
// exactly one write to the encoder: program or fallback, never both,
// never none.
func (m *Manager) NextFrame(ingress PCMSource) {
	var p []byte
	ok := false
	if ingress != nil {
		p, ok = ingress.PopWait(m.cfg.PopTimeout)
	}

	if m.cfg.EncoderDisabled {
		// Offline test: keep the state machine honest but synthesise the
		// MP3 output locally instead of feeding a child.
		m.advance(p, ok, time.Now())
		m.mp3Buf.Push(m.silenceMP3)
		return
	}

	frame, _ := m.advance(p, ok, time.Now())
	m.sup.WritePCM(frame)
}

// advance runs the per-tick routing algorithm and returns the PCM frame to
// feed the encoder plus whether it is program audio.
func (m *Manager) advance(p []byte, havePCM bool, now time.Time) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !havePCM {
		m.validRun = 0
		switch m.audio {
		case AudioProgram:
			if m.lossStart.IsZero() {
				m.lossStart = now
			}
			if now.Sub(m.lossStart) >= m.cfg.LossWindow {
				m.logger.Warn("program lost, entering silence grace",
					"loss_window", m.cfg.LossWindow)
				m.setAudio(AudioSilenceGrace, now)
				return m.fallbackFrameLocked(true), false
			}
			// Inside the loss window: stay PROGRAM, bridge the gap with
			// silence so momentary dropouts stay unobtrusive.
			return m.fallbackFrameLocked(true), false
		case AudioSilenceGrace:
			if m.cfg.GracePeriod <= 0 || now.Sub(m.graceStart) >= m.cfg.GracePeriod {
				m.setAudio(AudioFallbackTone, now)
			}
		}
		return m.fallbackFrameLocked(false), false
	}

	// PCM present.
	m.lossStart = time.Time{}
	valid := true
	if m.cfg.AmplitudeGate && pcm.EnergyDBFS(p) < m.cfg.SilenceThresholdDB {
		valid = false
	}
	if valid {
		m.validRun++
	}

	if m.audio == AudioProgram {
		// Admitted: quiet frames do not demote, only a full loss window does.
		if m.cfg.CrossfadeEnabled {
			m.lastPCM = p
		}
		return p, true
	}

	if m.validRun >= m.cfg.AdmissionThreshold && m.supRunning() {
		m.logger.Info("program admitted",
			"consecutive_frames", m.validRun,
			"threshold", m.cfg.AdmissionThreshold)
		prev := m.fallbackFrameLocked(m.audio == AudioSilenceGrace)
		m.setAudio(AudioProgram, now)
		if m.cfg.CrossfadeEnabled {
			m.lastPCM = p
			return pipeline.Crossfade(prev, p, 0, 1), true
		}
		return p, true
	}

	// Not yet admitted: the frame is counted but the encoder keeps
	// receiving fallback.
	return m.fallbackFrameLocked(m.audio == AudioSilenceGrace), false
}

// fallbackFrameLocked picks the fallback content for this tick. During the
// silence grace the content is forced to silence; afterwards it is the
// configured source. Callers hold m.mu.
func (m *Manager) fallbackFrameLocked(silenceOnly bool) []byte {
	var f []byte
	if silenceOnly || m.audio == AudioSilenceGrace {
		f = m.fallback.Silence()
	} else {
		f = m.fallback.Next()
	}
	if m.cfg.CrossfadeEnabled && m.lastPCM != nil {
		// Seam from program down to fallback.
		out := pipeline.Crossfade(m.lastPCM, f, 0, 1)
		m.lastPCM = nil
		return out
	}
	return f
}

func (m *Manager) setAudio(to AudioState, now time.Time) {
	if m.audio == to {
		return
	}
	from := m.audio
	m.audio = to
	switch to {
	case AudioSilenceGrace:
		m.graceStart = now
	case AudioProgram:
		m.lossStart = time.Time{}
	}
	m.logger.Info("audio state", "from", from.String(), "to", to.String())
}

func (m *Manager) supRunning() bool {
	return m.sup != nil && m.sup.State() == StateRunning
}

// GetFrame is the broadcaster's single call each tick. Once the system has
// produced its first MP3 frame it always returns a valid frame: buffered,
// else the last served frame, else prebuilt silence. Before the first
// frame ever it returns nil and the broadcaster skips the tick.
func (m *Manager) GetFrame() []byte {
	if frame, ok := m.mp3Buf.Pop(); ok {
		m.mu.Lock()
		m.lastFrame = frame
		m.gotFrame = true
		m.mu.Unlock()
		return frame
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFrame != nil {
		return m.lastFrame
	}
	if m.gotFrame {
		return m.silenceMP3
	}
	return nil
}

// Status is a point-in-time operational snapshot for diagnostics.
type Status struct {
	Mode        OperationalMode
	Audio       AudioState
	Encoder     EncoderState
	MP3Buffered int
	MP3Capacity int
	MP3Produced uint64
	MP3Dropped  uint64
}

// StatusNow snapshots the manager for the HTTP status surface.
func (m *Manager) StatusNow() Status {
	st := m.mp3Buf.Stats()
	encState := StateStopped
	if m.sup != nil {
		encState = m.sup.State()
	}
	m.mu.Lock()
	audio := m.audio
	m.mu.Unlock()
	return Status{
		Mode:        m.Mode(),
		Audio:       audio,
		Encoder:     encState,
		MP3Buffered: st.Count,
		MP3Capacity: st.Capacity,
		MP3Produced: st.Pushed,
		MP3Dropped:  st.Dropped,
	}
}

// AudioStateNow reports the current routing state (diagnostics/tests).
func (m *Manager) AudioStateNow() AudioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// Mode derives the externally observable operational mode.
func (m *Manager) Mode() OperationalMode {
	if m.cfg.EncoderDisabled {
		return ModeOfflineTest
	}
	m.mu.Lock()
	audio := m.audio
	m.mu.Unlock()

	switch m.sup.State() {
	case StateStopped, StateStarting:
		return ModeColdStart
	case StateBooting:
		return ModeBooting
	case StateRestarting:
		return ModeRestartRecovery
	case StateFailed:
		return ModeDegraded
	case StateRunning:
		if audio == AudioProgram {
			return ModeLiveInput
		}
		return ModeFallbackOnly
	}
	return ModeColdStart
}
