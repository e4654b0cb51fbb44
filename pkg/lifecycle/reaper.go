package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/state"
)

// Reaper periodically closes active sessions that have been idle longer than
// the stale threshold. Reaped sessions fail with EndStale.
type Reaper struct {
	manager    *Manager
	store      checkpoint.Store
	staleAfter time.Duration
	logger     zerolog.Logger
	cron       *cron.Cron
}

// NewReaper schedules stale-session sweeps on a cron expression
func NewReaper(manager *Manager, store checkpoint.Store, staleAfter time.Duration, schedule string, logger zerolog.Logger) (*Reaper, error) {
	r := &Reaper{
		manager:    manager,
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		cron:       cron.New(),
	}

	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Stale session sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	return r, nil
}

// Start begins scheduled sweeps
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info().
		Dur("stale_after", r.staleAfter).
		Msg("Stale session reaper started")
}

// Stop halts scheduling and waits for a running sweep to finish
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep closes every active session idle past the stale threshold
func (r *Reaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.staleAfter)

	ids, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale sessions: %w", err)
	}

	for _, id := range ids {
		if err := r.manager.Complete(ctx, id, state.EndStale); err != nil {
			r.logger.Error().Err(err).Str("session_id", id).Msg("Failed to reap session")
			continue
		}
		r.logger.Info().Str("session_id", id).Msg("Stale session reaped")
	}

	if len(ids) > 0 {
		r.logger.Info().Int("reaped", len(ids)).Msg("Stale session sweep completed")
	}

	return nil
}
