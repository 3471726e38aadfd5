package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"nudge-backend/jobs"
	"nudge-backend/logging"
	"nudge-backend/metrics"
)

var ErrNotConfigured = errors.New("openai: api key not configured")

type Config struct {
	APIKey      string
	Model       string
	Voice       string
	MediaDir    string
	BaseURL     string // public prefix for files written to MediaDir
	MaxInFlight int
	Timeout     time.Duration

	// RequestsPerMinute throttles API calls across all renders. Zero disables it.
	RequestsPerMinute int
	// Backoff builds the retry policy for transient API errors.
	Backoff func() backoff.BackOff
}

// SpeechGenerator renders job scripts to mp3 with the text-to-speech API and
// reports results through a jobs.Notifier. It implements jobs.Generator.
type SpeechGenerator struct {
	api      *openai.Client
	cfg      Config
	slots    chan struct{}
	limiter  *rate.Limiter
	notifier jobs.Notifier
	metrics  *metrics.Recorder
	wg       sync.WaitGroup
	log      zerolog.Logger
}

var _ jobs.Generator = (*SpeechGenerator)(nil)

func NewSpeechGenerator(cfg Config, rec *metrics.Recorder) *SpeechGenerator {
	var api *openai.Client
	if key := sanitizeEnv(cfg.APIKey); key != "" {
		api = openai.NewClient(key)
	}
	return NewSpeechGeneratorWithClient(api, cfg, rec)
}

func NewSpeechGeneratorWithClient(api *openai.Client, cfg Config, rec *metrics.Recorder) *SpeechGenerator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceNova)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &SpeechGenerator{
		api:     api,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxInFlight),
		limiter: limiter,
		metrics: rec,
		log:     logging.Component("openai"),
	}
}

// OnResult sets where finished jobs are reported.
func (g *SpeechGenerator) OnResult(n jobs.Notifier) { g.notifier = n }

// Submit starts rendering in the background. It fails fast with
// jobs.ErrQueueFull when MaxInFlight renders are already running.
func (g *SpeechGenerator) Submit(_ context.Context, job jobs.Job) (string, error) {
	if g.api == nil {
		return "", ErrNotConfigured
	}
	if g.notifier == nil {
		return "", errors.New("openai: no result notifier")
	}
	select {
	case g.slots <- struct{}{}:
	default:
		return "", jobs.ErrQueueFull
	}
	jobID := "tts_" + uuid.NewString()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.slots }()
		g.render(jobID, job)
	}()
	return jobID, nil
}

// Wait blocks until in-flight renders have reported.
func (g *SpeechGenerator) Wait() { g.wg.Wait() }

// sanitizeEnv strips whitespace and one pair of matching quotes left over from .env files.
func sanitizeEnv(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func (g *SpeechGenerator) render(jobID string, job jobs.Job) {
	logger := g.log.With().Str("job_id", jobID).Str("reservation_id", job.CorrelationID).Logger()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	url, err := g.synthesize(ctx, job)
	g.metrics.Generation(time.Since(start), err)

	// Reporting gets its own deadline so a slow render still settles its reservation.
	notifyCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err != nil {
		logger.Error().Err(err).Msg("speech generation failed")
		if nerr := g.notifier.Fail(notifyCtx, job.CorrelationID, err.Error()); nerr != nil {
			logger.Error().Err(nerr).Msg("report failure")
		}
		return
	}
	if nerr := g.notifier.Complete(notifyCtx, job.CorrelationID, url); nerr != nil {
		logger.Error().Err(nerr).Msg("report completion")
		return
	}
	logger.Info().Str("media_url", url).Dur("took", time.Since(start)).Msg("speech generated")
}

// createSpeech calls the API under the rate limiter, retrying 429 and 5xx
// answers with backoff.
func (g *SpeechGenerator) createSpeech(ctx context.Context, req openai.CreateSpeechRequest) (io.ReadCloser, error) {
	var resp io.ReadCloser
	attempt := 0
	op := func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		r, err := g.api.CreateSpeech(ctx, req)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			g.log.Warn().Err(err).Int("attempt", attempt).Msg("speech request failed, retrying")
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(g.cfg.Backoff(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return false
}

func (g *SpeechGenerator) synthesize(ctx context.Context, job jobs.Job) (string, error) {
	resp, err := g.createSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(g.cfg.Model),
		Input:          job.Payload.Script(),
		Voice:          openai.SpeechVoice(g.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	if err := os.MkdirAll(g.cfg.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("media dir: %w", err)
	}
	name := job.CorrelationID + ".mp3"
	tmp, err := os.CreateTemp(g.cfg.MediaDir, name+".*.part")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(g.cfg.MediaDir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return g.cfg.BaseURL + "/" + name, nil
}
