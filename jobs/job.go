package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueFull is returned by a Generator that cannot take more work.
	ErrQueueFull    = errors.New("jobs: generator queue full")
	ErrSubmitFailed = errors.New("jobs: submit failed")
	ErrNotFound     = errors.New("jobs: job not found")
)

type Kind string

const (
	KindDailyNudge Kind = "daily_nudge"
	KindAudioNudge Kind = "audio_nudge"
)

// Payload is the work a job renders. The set of variants is closed.
type Payload interface {
	Kind() Kind
	// Script is the text handed to the generator.
	Script() string
}

// DailyNudge voices the motivation picked for a check-in.
type DailyNudge struct {
	CheckInID  string
	Mood       string
	Motivation string
	DayNumber  int
}

// AudioNudge voices a user supplied story.
type AudioNudge struct {
	Story     string
	DayNumber int
}

func (DailyNudge) Kind() Kind { return KindDailyNudge }

func (p DailyNudge) Script() string {
	if p.DayNumber > 1 {
		return fmt.Sprintf("Day %d. %s", p.DayNumber, p.Motivation)
	}
	return p.Motivation
}

func (AudioNudge) Kind() Kind { return KindAudioNudge }

func (p AudioNudge) Script() string {
	return strings.TrimSpace(p.Story)
}

// Validate rejects payloads that would render nothing.
func Validate(p Payload) error {
	if p == nil {
		return errors.New("jobs: payload required")
	}
	if strings.TrimSpace(p.Script()) == "" {
		return fmt.Errorf("jobs: %s payload has no text", p.Kind())
	}
	return nil
}

// Job is one unit of reserved work. CorrelationID is the reservation id.
type Job struct {
	CorrelationID string
	UserID        string
	Payload       Payload
}

// Generator is the external media generation collaborator. Submit returns
// once the job is accepted; the result arrives later through a Notifier.
type Generator interface {
	Submit(ctx context.Context, job Job) (jobID string, err error)
}

// Notifier receives asynchronous job results keyed by correlation id.
type Notifier interface {
	Complete(ctx context.Context, correlationID, mediaURL string) error
	Fail(ctx context.Context, correlationID, reason string) error
}
