package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/psds-microservice/appeal-service/internal/application"
	"github.com/psds-microservice/appeal-service/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "appeal-service",
	Short:         "Partner appeals over Google Sheets: authorization, tickets, specialist reply delivery (PSDS)",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pollRepliesCmd)
}

// loadConfig читает .env и окружение и настраивает глобальный логгер.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zlog.Logger, err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.AppEnv == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.With().Timestamp().Str("service", cfg.ServiceName).Logger()
	zlog.Logger = logger
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	app, err := application.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	log.Info().
		Str("backend", cfg.Sheets.Backend).
		Str("env", cfg.AppEnv).
		Bool("delivery", app.Monitor != nil).
		Msg("appeal-service starting")
	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("appeal-service stopped")
	return nil
}
