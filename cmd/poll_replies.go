package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psds-microservice/appeal-service/internal/application"
)

var pollRepliesCmd = &cobra.Command{
	Use:   "poll-replies",
	Short: "Run one specialist reply delivery cycle and exit",
	RunE:  runPollReplies,
}

func runPollReplies(cmd *cobra.Command, args []string) error {
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
	defer app.Close(ctx)

	stats, err := app.PollOnce(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("polled", stats.Polled).
		Int("delivered", stats.Delivered).
		Int("failed", stats.Failed).
		Int("dead_lettered", stats.DeadLettered).
		Int("skipped", stats.Skipped).
		Msg("poll-replies: done")
	return nil
}
