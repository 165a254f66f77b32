package pump

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"airtower/tower/encoder"
)

// FrameRouter is the manager surface the pump drives: one routing call
// per tick.
type FrameRouter interface {
	NextFrame(ingress encoder.PCMSource)
}

// Pump is the sole real-time metronome of the audio path. On a fixed
// cadence it calls the manager's NextFrame exactly once; no other
// component sleeps to pace audio.
type Pump struct {
	interval time.Duration
	manager  FrameRouter
	ingress  encoder.PCMSource
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ticks uint64
}

func New(interval time.Duration, manager FrameRouter, ingress encoder.PCMSource, logger *slog.Logger) *Pump {
	if interval <= 0 {
		interval = 24 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pump{
		interval: interval,
		manager:  manager,
		ingress:  ingress,
		logger:   logger.With("component", "pump"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Pump) Start() {
	p.logger.Info("pump starting", "tick", p.interval)
	p.wg.Add(1)
	go p.run()
}

func (p *Pump) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("pump stopped", "ticks", p.ticks)
}

// run is an absolute-clock loop: each deadline is computed from the
// previous one, not from now(), so tick N lands at start + N*interval.
// When the loop falls behind it resyncs to the present instead of firing
// a burst of catch-up ticks.
func (p *Pump) run() {
	defer p.wg.Done()
	nextTick := time.Now()
	lastLateWarn := time.Time{}
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.manager.NextFrame(p.ingress)
		p.ticks++

		nextTick = nextTick.Add(p.interval)
		now := time.Now()
		if behind := now.Sub(nextTick); behind > 0 {
			if behind > p.interval && now.Sub(lastLateWarn) > 5*time.Second {
				p.logger.Warn("pump behind schedule, resyncing", "behind", behind)
				lastLateWarn = now
			}
			nextTick = now
			continue
		}

		timer := time.NewTimer(nextTick.Sub(now))
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
