package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/psds-microservice/appeal-service/internal/config"
	"github.com/psds-microservice/appeal-service/internal/database"
	"github.com/psds-microservice/appeal-service/internal/delivery"
	"github.com/psds-microservice/appeal-service/internal/escalation"
	"github.com/psds-microservice/appeal-service/internal/gateway"
	"github.com/psds-microservice/appeal-service/internal/handler"
	"github.com/psds-microservice/appeal-service/internal/kafka"
	"github.com/psds-microservice/appeal-service/internal/metrics"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/monitor"
	"github.com/psds-microservice/appeal-service/internal/router"
	"github.com/psds-microservice/appeal-service/internal/service"
	"github.com/psds-microservice/appeal-service/internal/sheets"
	"github.com/psds-microservice/appeal-service/internal/tracing"
)

var registerMetrics sync.Once

// App — собранное приложение: шлюз к таблицам, сервисы, монитор ответов и служебный HTTP.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	Gateway    *gateway.Gateway
	Auth       *service.AuthDirectory
	Ledger     *service.AppealLedger
	Classifier *escalation.Classifier
	// Monitor is nil when no delivery channel is configured.
	Monitor *monitor.Monitor

	httpSrv *http.Server
	closers []func(context.Context) error
}

// New wires every component from cfg. The backend is opened eagerly so a
// broken credentials file fails at startup rather than on the first message.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registerMetrics.Do(metrics.Register)

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint, log)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets backend: %w", err)
	}
	a.Gateway = gateway.New(backend, gatewayOptions(cfg), log)

	events := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicAppeal, log)
	a.closers = append(a.closers, func(context.Context) error { return events.Close() })

	a.Auth = service.NewAuthDirectory(a.Gateway, service.PartnersTable(cfg.Sheets.PartnersSheet), service.AuthOptions{
		PositiveTTL: cfg.AuthCacheTTL,
		NegativeTTL: cfg.AuthNegativeCacheTTL,
	}, events, log)
	a.closers = append(a.closers, func(context.Context) error { a.Auth.Close(); return nil })

	a.Ledger = service.NewAppealLedger(a.Gateway, service.AppealsTable(cfg.Sheets.AppealsSheet), a.Auth, events, nil, log)
	a.Classifier = escalation.Default(cfg.EscalationPhrases...)

	if cfg.TelegramBotToken != "" {
		attempts, err := a.openAttempts(ctx)
		if err != nil {
			return nil, err
		}
		sender := delivery.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAPIURL, nil, log)
		a.Monitor = monitor.New(a.Ledger, sender, attempts, monitor.Options{
			Interval:    cfg.Monitor.Interval,
			MaxAttempts: cfg.Monitor.MaxDeliveryAttempts,
			AutoResolve: cfg.Monitor.AutoResolve,
		}, log)
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN is not set, specialist replies will not be delivered")
	}

	a.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.New(handler.NewHealthHandler(cfg.ServiceName, a.Gateway)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ok = true
	return a, nil
}

// Conversation builds the message flow for a chat transport around the given
// assistant.
func (a *App) Conversation(assistant service.Assistant) *service.Conversation {
	return service.NewConversation(a.Auth, a.Ledger, assistant, a.Classifier, a.log)
}

// Run serves the ops HTTP endpoints and runs the reply monitor until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.httpSrv.Addr).Msg("HTTP server listening (health, ready, metrics)")
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if a.Monitor != nil {
		g.Go(func() error { return a.Monitor.Run(ctx) })
	}
	return g.Wait()
}

// PollOnce runs a single reply monitor cycle.
func (a *App) PollOnce(ctx context.Context) (monitor.Stats, error) {
	if a.Monitor == nil {
		return monitor.Stats{}, errors.New("reply delivery is not configured: set TELEGRAM_BOT_TOKEN")
	}
	return a.Monitor.RunOnce(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openBackend(ctx context.Context) (sheets.Backend, error) {
	cfg := a.cfg
	switch cfg.Sheets.Backend {
	case config.BackendGoogle:
		return sheets.NewGoogle(ctx, cfg.Sheets.SpreadsheetID, cfg.Sheets.CredentialsFile)
	case config.BackendPostgres:
		if err := database.MigrateUp(ctx, cfg.DatabaseURL(), a.log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := database.Open(cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		return sheets.NewSQL(db), nil
	case config.BackendMemory:
		a.log.Warn().Msg("using the in-memory sheet backend, data is lost on restart")
		return newMemoryBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Sheets.Backend)
	}
}

func (a *App) openAttempts(ctx context.Context) (monitor.AttemptStore, error) {
	if a.cfg.RedisAddr == "" {
		return monitor.NewMemoryAttempts(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return monitor.NewRedisAttempts(client, a.cfg.ServiceName+":delivery:", 0), nil
}

// newMemoryBackend creates both sheets with their header rows.
func newMemoryBackend(cfg *config.Config) *sheets.Memory {
	mem := sheets.NewMemory()
	mem.Seed(cfg.Sheets.PartnersSheet, []string{"Partner code", "Phone", "Full name", "User ID", "Status", "Authorized at"}[:model.PartnerColumns])
	mem.Seed(cfg.Sheets.AppealsSheet, []string{"Partner code", "Phone", "Full name", "User ID", "History", "Status", "Specialist reply", "Updated at"}[:model.TicketColumns])
	return mem
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	opts := gateway.DefaultOptions()
	s := cfg.Sheets
	opts.Attempts = s.RetryAttempts
	opts.BaseDelay = s.RetryBaseDelay
	opts.MaxDelay = s.RetryMaxDelay
	opts.CallTimeout = s.CallTimeout
	opts.BreakerThreshold = uint32(s.BreakerThreshold)
	opts.BreakerCooldown = s.BreakerCooldown
	opts.RequestsPerMinute = s.RequestsPerMinute
	opts.Burst = s.RequestBurst
	opts.SnapshotTTL = s.SnapshotTTL
	return opts
}
