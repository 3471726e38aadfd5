package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"nudge-backend/billing"
	"nudge-backend/checkin"
	"nudge-backend/config"
	"nudge-backend/conn"
	"nudge-backend/entitlements"
	"nudge-backend/jobs"
	"nudge-backend/metrics"
	"nudge-backend/migrations"
	"nudge-backend/openai"
	"nudge-backend/quota"
	"nudge-backend/stats"
	"nudge-backend/subscriptions"
)

type app struct {
	cfg       *config.Config
	db        *sql.DB
	driver    string
	store     *subscriptions.Repository
	metrics   *metrics.Recorder
	resolver  *entitlements.Resolver
	reserver  *quota.Reserver
	sweeper   *quota.Sweeper
	processor *billing.Processor
	generator *openai.SpeechGenerator
	enqueuer  *jobs.Enqueuer
	checkins  *checkin.Service
	stats     *stats.Service
}

// newApp opens and migrates the database and wires every component.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, driver, err := conn.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}
	dialect, err := subscriptions.DialectFor(driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	rec, err := metrics.New("nudge", nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	prices, err := billing.NewPriceTable(cfg.Prices)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, db: db, driver: driver, metrics: rec}
	a.store = subscriptions.NewRepository(db, dialect)
	window := subscriptions.Window{Length: cfg.WeeklyWindow, Limit: cfg.WeeklyFreeLimit}
	a.resolver = entitlements.NewResolver(a.store, window)
	a.reserver = quota.NewReserver(a.store, window, rec)
	a.sweeper = quota.NewSweeper(a.reserver, cfg.ReservationTTL, cfg.SweepBatch, rec)
	a.processor = billing.NewProcessor(a.store, prices, billing.Policy{
		UnlimitedCredits: cfg.UnlimitedCredits,
		OneTimeCredits:   cfg.OneTimeCredits,
		Renewal:          subscriptions.RefillMode(cfg.RenewalMode),
	}, cfg.StripeWebhookSecret, rec)
	a.generator = openai.NewSpeechGenerator(openai.Config{
		APIKey:            cfg.OpenAI.APIKey,
		Model:             cfg.OpenAI.Model,
		Voice:             cfg.OpenAI.Voice,
		MediaDir:          cfg.MediaDir,
		BaseURL:           cfg.MediaBaseURL,
		MaxInFlight:       cfg.OpenAI.MaxInFlight,
		Timeout:           cfg.OpenAI.Timeout,
		RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
	}, rec)
	a.enqueuer = jobs.NewEnqueuer(a.reserver, a.store, a.generator, rec)
	a.generator.OnResult(a.enqueuer)
	a.checkins = checkin.NewService(a.store, a.reserver, a.enqueuer)
	a.stats = stats.NewService(db)

	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook endpoint will answer 503")
	}
	if cfg.OpenAI.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, audio generation disabled")
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static("/media", a.cfg.MediaDir)

	entitlements.NewHandler(a.resolver).RegisterRoutes(r)
	billing.NewHandler(a.processor).RegisterRoutes(r)
	jobs.NewHandler(a.enqueuer, a.cfg.JobsCallbackToken).RegisterRoutes(r)
	checkin.NewHandler(a.checkins).RegisterRoutes(r)
	stats.NewHandler(a.stats, a.cfg.AdminToken).RegisterRoutes(r)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	gin.SetMode(gin.ReleaseMode)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("driver", a.driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(ctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.generator.Wait()
		return err
	})
	return g.Wait()
}
