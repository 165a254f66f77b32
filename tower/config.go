package tower

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultIngressListen   = "127.0.0.1:9750"
	defaultHTTPListen      = ":8750"
	defaultStreamPath      = "/stream"
	defaultPCMCapacity     = 100
	defaultMP3Capacity     = 400
	defaultTickMs          = 24
	defaultGraceMs         = 1500
	defaultLossWindowMs    = 500
	defaultAdmission       = 15
	defaultStartupMs       = 1500
	defaultStallMs         = 2000
	defaultMaxRestarts     = 5
	defaultRecoveryMinutes = 10
	defaultClientTimeoutMs = 250
	defaultBitrateKbps     = 192
	defaultToneFreqHz      = 440
	defaultSilenceDB       = -60
	defaultEncoderPath     = "lame"
)

// Config is the validated service configuration. Every component receives
// its slice of this at construction; nothing reads files afterwards.
type Config struct {
	IngressListen     string
	RTPListen         string
	PCMBufferCapacity int

	HTTPListen    string
	StreamPath    string
	ClientTimeout time.Duration

	EncoderPath       string
	EncoderArgs       []string
	BitrateKbps       int
	EncoderDisabled   bool
	MP3BufferCapacity int
	StartupTimeout    time.Duration
	StallThreshold    time.Duration
	Backoff           []time.Duration
	MaxRestarts       int
	RecoveryRetry     time.Duration

	TickInterval       time.Duration
	GracePeriod        time.Duration
	LossWindow         time.Duration
	AdmissionThreshold int
	AmplitudeGate      bool
	SilenceThresholdDB float64
	CrossfadeEnabled   bool

	ToneEnabled bool
	ToneFreqHz  float64
	LoopPath    string

	LogLevel string
}

type yamlConfig struct {
	Ingress struct {
		Listen            string `yaml:"listen"`
		RTPListen         string `yaml:"rtp_listen"`
		PCMBufferCapacity int    `yaml:"pcm_buffer_capacity"`
	} `yaml:"ingress"`
	HTTP struct {
		Listen          string `yaml:"listen"`
		StreamPath      string `yaml:"stream_path"`
		ClientTimeoutMs int    `yaml:"client_timeout_ms"`
	} `yaml:"http"`
	Encoder struct {
		Path                 string   `yaml:"path"`
		Args                 []string `yaml:"args"`
		BitrateKbps          int      `yaml:"bitrate_kbps"`
		Disabled             bool     `yaml:"disabled"`
		MP3BufferCapacity    int      `yaml:"mp3_buffer_capacity"`
		StartupTimeoutMs     int      `yaml:"startup_timeout_ms"`
		StallThresholdMs     int      `yaml:"stall_threshold_ms"`
		BackoffMs            []int    `yaml:"backoff_ms"`
		MaxRestarts          int      `yaml:"max_restarts"`
		RecoveryRetryMinutes int      `yaml:"recovery_retry_minutes"`
	} `yaml:"encoder"`
	Audio struct {
		TickIntervalMs              int     `yaml:"tick_interval_ms"`
		GracePeriodMs               *int    `yaml:"grace_period_ms"`
		LossWindowMs                int     `yaml:"loss_window_ms"`
		AdmissionThreshold          int     `yaml:"admission_threshold"`
		AmplitudeGate               bool    `yaml:"amplitude_gate"`
		SilenceAmplitudeThresholdDB float64 `yaml:"silence_amplitude_threshold_db"`
		CrossfadeEnabled            bool    `yaml:"crossfade_enabled"`
	} `yaml:"audio"`
	Fallback struct {
		ToneEnabled *bool   `yaml:"tone_enabled"`
		ToneFreqHz  float64 `yaml:"tone_freq_hz"`
		LoopPath    string  `yaml:"loop_path"`
	} `yaml:"fallback"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		IngressListen:      defaultIngressListen,
		PCMBufferCapacity:  defaultPCMCapacity,
		HTTPListen:         defaultHTTPListen,
		StreamPath:         defaultStreamPath,
		ClientTimeout:      defaultClientTimeoutMs * time.Millisecond,
		EncoderPath:        defaultEncoderPath,
		BitrateKbps:        defaultBitrateKbps,
		MP3BufferCapacity:  defaultMP3Capacity,
		StartupTimeout:     defaultStartupMs * time.Millisecond,
		StallThreshold:     defaultStallMs * time.Millisecond,
		Backoff:            []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		MaxRestarts:        defaultMaxRestarts,
		RecoveryRetry:      defaultRecoveryMinutes * time.Minute,
		TickInterval:       defaultTickMs * time.Millisecond,
		GracePeriod:        defaultGraceMs * time.Millisecond,
		LossWindow:         defaultLossWindowMs * time.Millisecond,
		AdmissionThreshold: defaultAdmission,
		SilenceThresholdDB: defaultSilenceDB,
		ToneEnabled:        true,
		ToneFreqHz:         defaultToneFreqHz,
		LogLevel:           "info",
	}
}

// LoadConfig reads and validates a YAML config file. A missing or invalid
// file is a fatal configuration error: the service refuses to start with
// an unclear contract.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ingress
	if yc.Ingress.Listen != "" {
		cfg.IngressListen = yc.Ingress.Listen
	}
	cfg.RTPListen = yc.Ingress.RTPListen
	if yc.Ingress.PCMBufferCapacity > 0 {
		cfg.PCMBufferCapacity = yc.Ingress.PCMBufferCapacity
	}

	// HTTP
	if yc.HTTP.Listen != "" {
		cfg.HTTPListen = yc.HTTP.Listen
	}
	if yc.HTTP.StreamPath != "" {
		if !strings.HasPrefix(yc.HTTP.StreamPath, "/") {
			return Config{}, fmt.Errorf("http.stream_path must start with '/', got %q", yc.HTTP.StreamPath)
		}
		cfg.StreamPath = yc.HTTP.StreamPath
	}
	if yc.HTTP.ClientTimeoutMs > 0 {
		cfg.ClientTimeout = time.Duration(yc.HTTP.ClientTimeoutMs) * time.Millisecond
	}

	// Encoder
	if yc.Encoder.Path != "" {
		cfg.EncoderPath = yc.Encoder.Path
	}
	if yc.Encoder.BitrateKbps > 0 {
		cfg.BitrateKbps = yc.Encoder.BitrateKbps
	}
	cfg.EncoderDisabled = yc.Encoder.Disabled
	if yc.Encoder.MP3BufferCapacity > 0 {
		cfg.MP3BufferCapacity = yc.Encoder.MP3BufferCapacity
	}
	if yc.Encoder.StartupTimeoutMs > 0 {
		cfg.StartupTimeout = time.Duration(yc.Encoder.StartupTimeoutMs) * time.Millisecond
	}
	if yc.Encoder.StallThresholdMs > 0 {
		cfg.StallThreshold = time.Duration(yc.Encoder.StallThresholdMs) * time.Millisecond
	}
	if len(yc.Encoder.BackoffMs) > 0 {
		backoff := make([]time.Duration, 0, len(yc.Encoder.BackoffMs))
		for _, ms := range yc.Encoder.BackoffMs {
			if ms <= 0 {
				return Config{}, fmt.Errorf("encoder.backoff_ms entries must be positive, got %d", ms)
			}
			backoff = append(backoff, time.Duration(ms)*time.Millisecond)
		}
		cfg.Backoff = backoff
	}
	if yc.Encoder.MaxRestarts > 0 {
		cfg.MaxRestarts = yc.Encoder.MaxRestarts
	}
	if yc.Encoder.RecoveryRetryMinutes > 0 {
		cfg.RecoveryRetry = time.Duration(yc.Encoder.RecoveryRetryMinutes) * time.Minute
	}
	if len(yc.Encoder.Args) > 0 {
		if err := validateEncoderArgs(yc.Encoder.Args); err != nil {
			return Config{}, err
		}
		cfg.EncoderArgs = yc.Encoder.Args
	}

	// Audio
	if yc.Audio.TickIntervalMs > 0 {
		cfg.TickInterval = time.Duration(yc.Audio.TickIntervalMs) * time.Millisecond
	}
	if yc.Audio.GracePeriodMs != nil {
		// Zero or negative disables the grace period entirely.
		cfg.GracePeriod = time.Duration(*yc.Audio.GracePeriodMs) * time.Millisecond
	}
	if yc.Audio.LossWindowMs > 0 {
		cfg.LossWindow = time.Duration(yc.Audio.LossWindowMs) * time.Millisecond
	}
	if yc.Audio.AdmissionThreshold > 0 {
		cfg.AdmissionThreshold = yc.Audio.AdmissionThreshold
	}
	cfg.AmplitudeGate = yc.Audio.AmplitudeGate
	if yc.Audio.SilenceAmplitudeThresholdDB != 0 {
		cfg.SilenceThresholdDB = yc.Audio.SilenceAmplitudeThresholdDB
	}
	cfg.CrossfadeEnabled = yc.Audio.CrossfadeEnabled

	// Fallback
	if yc.Fallback.ToneEnabled != nil {
		cfg.ToneEnabled = *yc.Fallback.ToneEnabled
	}
	if yc.Fallback.ToneFreqHz > 0 {
		cfg.ToneFreqHz = yc.Fallback.ToneFreqHz
	}
	cfg.LoopPath = yc.Fallback.LoopPath

	if yc.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(yc.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("audio.tick_interval_ms must be positive")
	}
	if c.PCMBufferCapacity < 1 {
		return errors.New("ingress.pcm_buffer_capacity must be positive")
	}
	if c.MP3BufferCapacity < 1 {
		return errors.New("encoder.mp3_buffer_capacity must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug/info/warn/error, got %q", c.LogLevel)
	}
	if !c.EncoderDisabled && c.EncoderPath == "" {
		return errors.New("encoder.path is required unless the encoder is disabled")
	}
	return nil
}

// validateEncoderArgs enforces the child contract: a custom argument
// vector must still pin the CBR bitrate, otherwise the frame size floats
// and the first frame may not appear within the startup timeout.
func validateEncoderArgs(args []string) error {
	hasBitrate := false
	hasCBR := false
	for _, a := range args {
		switch {
		case a == "-b" || a == "--bitrate" || strings.HasPrefix(a, "-b"):
			hasBitrate = true
		case a == "--cbr":
			hasCBR = true
		}
	}
	if !hasBitrate || !hasCBR {
		return errors.New("encoder.args must include the CBR frame-size hint (--cbr with -b <kbps>)")
	}
	return nil
}

// BuildEncoderArgs returns the argument vector for the child. A custom
// vector from config wins; otherwise the default raw-PCM lame invocation
// is derived from the configured bitrate.
func (c Config) BuildEncoderArgs() []string {
	if len(c.EncoderArgs) > 0 {
		return c.EncoderArgs
	}
	return []string{
		"-r", // raw PCM input
		"-s", "48",
		"--signed", "--bitwidth", "16",
		"-m", "j",
		"-b", fmt.Sprintf("%d", c.BitrateKbps),
		"--cbr",
		"-t", // no info tag: first output bytes are a clean audio frame
		"--quiet",
		"-", "-",
	}
}
