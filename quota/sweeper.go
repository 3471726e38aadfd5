package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nudge-backend/logging"
	"nudge-backend/metrics"
)

// Sweeper refunds reservations that were never committed or refunded within
// the TTL, e.g. because the process died while a job was in flight.
type Sweeper struct {
	reserver *Reserver
	ttl      time.Duration
	batch    int
	metrics  *metrics.Recorder
	log      zerolog.Logger
}

func NewSweeper(r *Reserver, ttl time.Duration, batch int, rec *metrics.Recorder) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		reserver: r,
		ttl:      ttl,
		batch:    batch,
		metrics:  rec,
		log:      logging.Component("sweeper"),
	}
}

// RunOnce refunds up to one batch of stale reservations and returns how many
// it refunded.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.reserver.now().Add(-s.ttl)
	stale, err := s.reserver.store.ListStaleReservations(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range stale {
		ok, err := s.reserver.refund(ctx, res.ID)
		if err != nil {
			if errors.Is(err, ErrReservationCommitted) {
				continue
			}
			s.log.Error().Err(err).Str("reservation_id", res.ID).Msg("sweep refund failed")
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.Warn().Int("refunded", n).Time("cutoff", cutoff).Msg("swept stale reservations")
	}
	s.metrics.Swept(n)
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
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
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
