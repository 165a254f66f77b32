package tower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"airtower/tower/broadcast"
	"airtower/tower/encoder"
	"airtower/tower/ingress"
	"airtower/tower/pipeline"
	"airtower/tower/pump"
)

const shutdownTimeout = 5 * time.Second

// Service assembles the encoding tower: ingress -> pump -> manager ->
// supervisor -> broadcaster. It owns component lifetimes and the shutdown
// order; the prime directive (no dead air while the process lives) is
// enforced by the parts, the Service just wires them.
type Service struct {
	cfg    Config
	logger *slog.Logger

	ingress     *ingress.Ingress
	rtp         *ingress.RTPListener
	manager     *encoder.Manager
	pump        *pump.Pump
	broadcaster *broadcast.Broadcaster
}

func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fallback, err := pipeline.NewFallbackSource(pipeline.SourceConfig{
		ToneEnabled: cfg.ToneEnabled,
		ToneFreqHz:  cfg.ToneFreqHz,
		LoopPath:    cfg.LoopPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("fallback source: %w", err)
	}

	manager, err := encoder.NewManager(
		encoder.ManagerConfig{
			AdmissionThreshold: cfg.AdmissionThreshold,
			GracePeriod:        cfg.GracePeriod,
			LossWindow:         cfg.LossWindow,
			AmplitudeGate:      cfg.AmplitudeGate,
			SilenceThresholdDB: cfg.SilenceThresholdDB,
			CrossfadeEnabled:   cfg.CrossfadeEnabled,
			RecoveryRetry:      cfg.RecoveryRetry,
			EncoderDisabled:    cfg.EncoderDisabled,
			BitrateKbps:        cfg.BitrateKbps,
		},
		encoder.SupervisorConfig{
			Path:           cfg.EncoderPath,
			Args:           cfg.BuildEncoderArgs(),
			StartupTimeout: cfg.StartupTimeout,
			StallThreshold: cfg.StallThreshold,
			Backoff:        cfg.Backoff,
			MaxRestarts:    cfg.MaxRestarts,
		},
		cfg.MP3BufferCapacity,
		fallback,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("encoder manager: %w", err)
	}

	ing := ingress.New(cfg.PCMBufferCapacity, logger)

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		ingress: ing,
		manager: manager,
		pump:    pump.New(cfg.TickInterval, manager, ing, logger),
		broadcaster: broadcast.New(broadcast.Config{
			ListenAddr:    cfg.HTTPListen,
			StreamPath:    cfg.StreamPath,
			Tick:          cfg.TickInterval,
			ClientTimeout: cfg.ClientTimeout,
		}, manager, ing, logger),
	}
	if cfg.RTPListen != "" {
		s.rtp = ingress.NewRTPListener(ing, logger)
	}
	return s, nil
}

// Start brings every component up and blocks until ctx is cancelled, then
// shuts down in pipeline order: pump first (no more PCM into the
// supervisor), broadcaster, supervisor, buffers last.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ingress.Serve(s.cfg.IngressListen); err != nil {
		return fmt.Errorf("pcm ingress: %w", err)
	}
	if s.rtp != nil {
		if err := s.rtp.Serve(s.cfg.RTPListen); err != nil {
			s.ingress.Close()
			return fmt.Errorf("rtp ingress: %w", err)
		}
	}
	if err := s.manager.Start(); err != nil {
		s.close()
		return fmt.Errorf("encoder manager: %w", err)
	}
	if err := s.broadcaster.Start(); err != nil {
		s.close()
		_ = s.manager.Stop(shutdownTimeout)
		return fmt.Errorf("broadcaster: %w", err)
	}
	s.pump.Start()
	s.logger.Info("tower up",
		"ingress", s.cfg.IngressListen,
		"http", s.cfg.HTTPListen,
		"tick", s.cfg.TickInterval,
		"encoder_disabled", s.cfg.EncoderDisabled,
	)

	<-ctx.Done()
	return s.shutdown()
}

func (s *Service) shutdown() error {
	s.logger.Info("tower shutting down")
	var errs []error

	// Pump first: after this no PCM frame can leak into a supervisor
	// that is already stopping.
	s.pump.Stop()

	if err := s.broadcaster.Stop(shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("broadcaster: %w", err))
	}
	if err := s.manager.Stop(shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("encoder: %w", err))
	}
	s.close()

	// Buffers are released implicitly with the service; the MP3 buffer
	// was never cleared while the service was up.
	s.logger.Info("tower shutdown complete")
	return errors.Join(errs...)
}

func (s *Service) close() {
	if s.rtp != nil {
		s.rtp.Close()
	}
	s.ingress.Close()
}

// Mode exposes the current operational mode (diagnostics).
func (s *Service) Mode() encoder.OperationalMode {
	return s.manager.Mode()
}
