package session

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// terminalRetention is how long completed, expired and terminated rows are
// kept before the sweeper purges them.
const terminalRetention = 7 * 24 * time.Hour

// Sweeper periodically expires sessions that have gone stale. Active
// sessions past the TTL transition to EXPIRED; suspended sessions whose
// client action was never answered are terminated with a reason instead,
// since EXPIRED is reserved for active-run timeouts. Long-terminal rows are
// purged after a retention window.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	schedule string
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewSweeper creates a sweeper. schedule is a standard 5-field cron
// expression; ttl is the stale threshold.
func NewSweeper(store *Store, schedule string, ttl time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger,
	}
}

// Start begins the sweep schedule. Stop must be called on shutdown.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.cron = cron.New()
	_, err := sw.cron.AddFunc(sw.schedule, func() {
		if n, err := sw.Sweep(ctx); err != nil {
			sw.logger.Error().Err(err).Msg("Session expiry sweep failed")
		} else if n > 0 {
			sw.logger.Info().Int("expired", n).Msg("Session expiry sweep complete")
		}
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	if sw.cron != nil {
		<-sw.cron.Stop().Done()
	}
}

// Sweep expires stale sessions once and returns how many it transitioned.
// Version conflicts are skipped; a racing update means the session is not
// stale anymore.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-sw.ttl)
	stale, err := sw.store.ListStale(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range stale {
		var (
			next Session
			tErr error
		)
		switch sess.Status {
		case StatusActive:
			next, _, tErr = sess.Expire()
		case StatusAwaitingClientAction:
			next, _, _, tErr = sess.Terminate("client action timed out")
		default:
			continue
		}
		if tErr != nil {
			sw.logger.Warn().Err(tErr).Str("session_id", sess.ID).Msg("Skipping stale session")
			continue
		}

		if _, err := sw.store.Save(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return expired, err
		}
		expired++
		sw.logger.Info().
			Str("session_id", sess.ID).
			Str("status", string(next.Status)).
			Msg("Stale session swept")
	}

	purged, err := sw.store.PurgeTerminal(ctx, time.Now().Add(-terminalRetention))
	if err != nil {
		return expired, err
	}
	if purged > 0 {
		sw.logger.Info().Int("purged", purged).Msg("Terminal sessions purged")
	}
	return expired, nil
}
