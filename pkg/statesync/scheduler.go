package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSyncInterval is how often the scheduler runs in auto mode.
const DefaultSyncInterval = 60 * time.Second

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Syncer   *Syncer
	Interval time.Duration
	Mode     Mode
	Logger   zerolog.Logger
}

// Scheduler periodically runs a bidirectional sync for every deployment the
// state store knows about. It only works in auto mode; switching to manual or
// disabled stops the loop cleanly at the next tick.
type Scheduler struct {
	syncer   *Syncer
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	mode Mode
}

// NewScheduler validates the config and builds a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("scheduler requires a syncer")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if err := cfg.Mode.Validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		syncer:   cfg.Syncer,
		interval: cfg.Interval,
		logger:   cfg.Logger.With().Str("component", "sync-scheduler").Logger(),
		mode:     cfg.Mode,
	}, nil
}

// SetMode switches the scheduler mode. Switching away from auto stops a
// running loop at its next tick.
func (s *Scheduler) SetMode(mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.logger.Info().Str("mode", string(mode)).Msg("sync mode changed")
	return nil
}

// Mode returns the current scheduler mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run drives the periodic sync loop until the context is cancelled or the
// mode leaves auto. Per-deployment sync failures are logged and retried on
// the next tick; they never abort the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if mode := s.Mode(); mode != ModeAuto {
		s.logger.Info().Str("mode", string(mode)).Msg("auto sync not enabled")
		return nil
	}

	s.logger.Info().Dur("interval", s.interval).Msg("auto sync started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if mode := s.Mode(); mode != ModeAuto {
				s.logger.Info().Str("mode", string(mode)).Msg("auto sync stopped")
				return nil
			}
			s.tick(ctx)
		}
	}
}

// tick syncs every known deployment once.
func (s *Scheduler) tick(ctx context.Context) {
	stacks, err := s.syncer.Store().ListStacks()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list deployments")
		return
	}

	for _, id := range stacks {
		res, err := s.syncer.Sync(ctx, id, DirectionBidirectional, false)
		switch {
		case errors.Is(err, ErrConflictPending):
			s.logger.Warn().Str("deployment", id).Msg("sync blocked by pending conflict")
		case err != nil:
			// Local state is untouched by a failed sync; the next tick retries.
			s.logger.Error().Err(err).Str("deployment", id).Msg("sync failed")
		case !res.Skipped:
			s.logger.Info().Str("deployment", id).Str("result", res.String()).Msg("synced")
		}
	}
}
