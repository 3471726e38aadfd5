package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nudge-backend/logging"
	"nudge-backend/metrics"
	"nudge-backend/quota"
	"nudge-backend/subscriptions"
)

// Enqueuer hands reserved work to the Generator and settles the reservation
// when the result comes back.
type Enqueuer struct {
	reserver *quota.Reserver
	store    subscriptions.Store
	gen      Generator
	metrics  *metrics.Recorder
	now      func() time.Time
	log      zerolog.Logger
}

var _ Notifier = (*Enqueuer)(nil)

func NewEnqueuer(reserver *quota.Reserver, store subscriptions.Store, gen Generator, rec *metrics.Recorder) *Enqueuer {
	return &Enqueuer{
		reserver: reserver,
		store:    store,
		gen:      gen,
		metrics:  rec,
		now:      time.Now,
		log:      logging.Component("jobs"),
	}
}

// Submit sends payload for the given reservation. If the generator refuses
// the job, the reservation is refunded before the error is returned.
func (e *Enqueuer) Submit(ctx context.Context, res *subscriptions.Reservation, payload Payload) (string, error) {
	if res == nil {
		return "", fmt.Errorf("%w: no reservation", ErrSubmitFailed)
	}
	logger := e.log.With().Str("reservation_id", res.ID).Str("user_id", res.UserID).Logger()
	if err := Validate(payload); err != nil {
		e.refundAfter(ctx, logger, res.ID, err)
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	jobID, err := e.gen.Submit(ctx, Job{CorrelationID: res.ID, UserID: res.UserID, Payload: payload})
	if err != nil {
		e.refundAfter(ctx, logger, res.ID, err)
		e.metrics.Job("rejected")
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	if err := e.store.AttachJob(ctx, res.ID, jobID, e.now()); err != nil {
		// The job is running; completion is keyed by reservation id, not job id.
		logger.Error().Err(err).Str("job_id", jobID).Msg("attach job id")
	}
	logger.Info().Str("job_id", jobID).Str("kind", string(payload.Kind())).Msg("job submitted")
	e.metrics.Job("submitted")
	return jobID, nil
}

func (e *Enqueuer) refundAfter(ctx context.Context, logger zerolog.Logger, id string, cause error) {
	// The request may already be canceled; the refund must still land.
	ctx = context.WithoutCancel(ctx)
	if err := e.reserver.Refund(ctx, id); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("refund after failed submit")
		return
	}
	logger.Warn().Err(cause).Msg("submit failed, reservation refunded")
}

// Complete commits the reservation and records where the media lives.
func (e *Enqueuer) Complete(ctx context.Context, correlationID, mediaURL string) error {
	logger := e.log.With().Str("reservation_id", correlationID).Logger()
	if err := e.reserver.Commit(ctx, correlationID); err != nil {
		switch {
		case errors.Is(err, quota.ErrReservationNotFound):
			return ErrNotFound
		case errors.Is(err, quota.ErrReservationRefunded):
			// Swept before the result arrived; deliver it anyway.
			logger.Warn().Msg("job completed after its reservation was refunded")
		default:
			return err
		}
	}
	now := e.now()
	if err := e.store.SetReservationMedia(ctx, correlationID, mediaURL, now); err != nil {
		return fmt.Errorf("record media: %w", err)
	}
	res, err := e.store.GetReservation(ctx, correlationID)
	if err != nil {
		return err
	}
	if res.Ref != "" {
		if err := e.store.SetCheckInAudio(ctx, res.Ref, mediaURL); err != nil {
			return fmt.Errorf("record check-in audio: %w", err)
		}
	}
	logger.Info().Str("media_url", mediaURL).Msg("job completed")
	e.metrics.Job("completed")
	return nil
}

// Fail refunds the reservation. Repeated failure reports are no-ops.
func (e *Enqueuer) Fail(ctx context.Context, correlationID, reason string) error {
	err := e.reserver.Refund(ctx, correlationID)
	switch {
	case errors.Is(err, quota.ErrReservationNotFound):
		return ErrNotFound
	case err != nil:
		return err
	}
	e.log.Warn().Str("reservation_id", correlationID).Str("reason", reason).Msg("job failed")
	e.metrics.Job("failed")
	return nil
}

type Status struct {
	ReservationID string `json:"reservation_id"`
	JobID         string `json:"job_id,omitempty"`
	State         string `json:"state"`
	MediaURL      string `json:"media_url,omitempty"`
}

// Status reports a job's progress from its reservation.
func (e *Enqueuer) Status(ctx context.Context, correlationID string) (Status, error) {
	res, err := e.reserver.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, quota.ErrReservationNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, err
	}
	st := Status{ReservationID: res.ID, JobID: res.JobID, MediaURL: res.MediaURL}
	switch res.State {
	case subscriptions.StateCommitted:
		st.State = "completed"
	case subscriptions.StateRefunded:
		st.State = "failed"
		if res.MediaURL != "" {
			st.State = "completed"
		}
	default:
		st.State = "pending"
	}
	return st, nil
}
