package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"nudge-backend/config"
	"nudge-backend/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfg *config.Config
	root := &cobra.Command{
		Use:           "nudge-backend",
		Short:         "Entitlement and credit ledger for daily nudges",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: c.LogLevel, Format: c.LogFormat})
			cfg = c
			return nil
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the reservation sweeper",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the ledger tables and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				log.Info().Str("driver", a.driver).Msg("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Refund stale reservations once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				n, err := a.sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				log.Info().Int("refunded", n).Msg("sweep finished")
				return nil
			},
		},
	)
	return root
}
