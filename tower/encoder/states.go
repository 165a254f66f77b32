package encoder

// EncoderState tracks the child encoder process lifecycle. Internal to the
// supervisor/manager pair; listeners only ever see OperationalMode.
type EncoderState int

const (
	StateStopped EncoderState = iota
	StateStarting
	StateBooting
	StateRunning
	StateRestarting
	StateFailed
)

func (s EncoderState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// AudioState governs which PCM source feeds the encoder. It is the
// authority for routing; EncoderState only says whether the child can
// accept input at all.
type AudioState int

const (
	AudioSilenceGrace AudioState = iota
	AudioFallbackTone
	AudioProgram
	AudioDegraded
)

func (s AudioState) String() string {
	switch s {
	case AudioSilenceGrace:
		return "silence-grace"
	case AudioFallbackTone:
		return "fallback-tone"
	case AudioProgram:
		return "program"
	case AudioDegraded:
		return "degraded"
	}
	return "unknown"
}

// OperationalMode is the externally observable service mode, derived from
// the encoder state and the audio state.
type OperationalMode int

const (
	ModeColdStart OperationalMode = iota
	ModeBooting
	ModeLiveInput
	ModeFallbackOnly
	ModeRestartRecovery
	ModeOfflineTest
	ModeDegraded
)

func (m OperationalMode) String() string {
	switch m {
	case ModeColdStart:
		return "cold-start"
	case ModeBooting:
		return "booting"
	case ModeLiveInput:
		return "live-input"
	case ModeFallbackOnly:
		return "fallback-only"
	case ModeRestartRecovery:
		return "restart-recovery"
	case ModeOfflineTest:
		return "offline-test"
	case ModeDegraded:
		return "degraded"
	}
	return "unknown"
}

// FailureKind classifies why a child incarnation ended.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureSpawn
	FailureStartupTimeout
	FailureStall
	FailureBrokenPipe
	FailureExit
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureSpawn:
		return "spawn"
	case FailureStartupTimeout:
		return "startup-timeout"
	case FailureStall:
		return "stall"
	case FailureBrokenPipe:
		return "broken-pipe"
	case FailureExit:
		return "exit"
	}
	return "unknown"
}

// StateChange is pushed by the supervisor into a channel the manager
// drains, keeping state callbacks message-style instead of reentrant.
type StateChange struct {
	From   EncoderState
	To     EncoderState
	Reason string
}
