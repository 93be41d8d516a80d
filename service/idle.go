package service

import (
	"context"
	"errors"
	"github.com/rs/zerolog"
	"meeting-ingest/entities"
	"meeting-ingest/repository"
	"time"
)

// IdleSweeper ends sessions whose device went silent without sending an end
// signal.
type IdleSweeper struct {
	deps      Dependencies
	finalizer *Finalizer
}

// Run sweeps on every tick until ctx is done. A zero idle timeout disables it.
func (s *IdleSweeper) Run(ctx context.Context) error {
	timeout := s.deps.Options.IdleTimeout
	interval := s.deps.Options.IdleCheckInterval
	if timeout <= 0 {
		zerolog.Ctx(ctx).Info().Msg("idle session sweeper disabled")
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("idle sweep failed")
			}
		}
	}
}

// Sweep ends every session idle for longer than the timeout and returns how
// many were ended.
func (s *IdleSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.deps.Clock().Add(-s.deps.Options.IdleTimeout)
	sessions, err := s.deps.Repo.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, session := range sessions {
		// an append may have landed since the listing
		stillIdle := func(m *entities.Meeting) bool {
			return m.LastActivityAt.Before(cutoff)
		}
		_, err := s.finalizer.endSession(ctx, session.ID, stillIdle)
		switch {
		case err == nil:
			ended++
			zerolog.Ctx(ctx).Info().
				Str("meeting_id", session.ID.String()).
				Time("last_activity_at", session.LastActivityAt).
				Msg("ended idle session")
		case errors.Is(err, ErrNoActiveSession), errors.Is(err, repository.ErrNotFound):
		default:
			return ended, err
		}
	}
	return ended, nil
}
